package signalhandler

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"scenefinder/logging"
)

// SetupHandler returns a context cancelled by the first SIGINT or SIGTERM.
// The pipeline observes it between batches, so the work in flight completes
// and progress is flushed before the process exits. A second signal exits
// immediately.
func SetupHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logging.LogWarning("Received %v, finishing current batch and flushing progress (signal again to force exit)", sig)
			cancel()
		case <-ctx.Done():
			return
		}
		select {
		case <-sigChan:
			logging.LogError("Forced exit, progress since the last flush is lost")
			os.Exit(130)
		case <-parent.Done():
		}
	}()

	return ctx, cancel
}

// GetOptimalProcs returns the optimal number of worker goroutines for the system
func GetOptimalProcs() int {
	numCPU := runtime.NumCPU()

	// Image processing through cgo degrades with too many goroutines.
	maxProcs := (numCPU * 3) / 4
	if maxProcs < 1 {
		maxProcs = 1
	}
	return maxProcs
}

// Workers resolves a configured worker count, where 0 means GetOptimalProcs.
func Workers(configured int) int {
	if configured > 0 {
		return configured
	}
	return GetOptimalProcs()
}
