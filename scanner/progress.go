package scanner

import (
	"fmt"
	"time"

	"scenefinder/logging"
)

// NewProgressTracker starts a tracker printing to out every interval. A nil
// out records counts without printing.
func NewProgressTracker(total int, opts ScanOptions, interval time.Duration) *ProgressTracker {
	tracker := &ProgressTracker{
		totalFiles: total,
		done:       make(chan struct{}),
		out:        opts.Progress,
	}
	if tracker.out != nil {
		tracker.ticker = time.NewTicker(interval)
		go tracker.displayProgress()
	}
	return tracker
}

// displayProgress shows the progress periodically
func (p *ProgressTracker) displayProgress() {
	for {
		select {
		case <-p.done:
			return
		case <-p.ticker.C:
			p.print()
		}
	}
}

func (p *ProgressTracker) print() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errors > 0 {
		fmt.Fprintf(p.out, "\rProgress: %d/%d (Errors: %d)", p.processed, p.totalFiles, p.errors)
	} else {
		fmt.Fprintf(p.out, "\rProgress: %d/%d", p.processed, p.totalFiles)
	}
}

// Record updates the tracker with one result and logs it.
func (p *ProgressTracker) Record(result ProcessImageResult) {
	p.mu.Lock()
	p.processed++
	if !result.Success {
		p.errors++
	}
	p.mu.Unlock()

	logging.LogImageProcessed(string(result.ID), result.Success, result.Error)
}

// Counts returns processed and failed totals.
func (p *ProgressTracker) Counts() (processed, errors int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed, p.errors
}

// Stop ends the progress tracking and prints the final line
func (p *ProgressTracker) Stop() {
	p.stopped.Do(func() {
		close(p.done)
		if p.ticker != nil {
			p.ticker.Stop()
			p.print()
			fmt.Fprintln(p.out)
		}
	})
}

// PrintStartupInfo logs information about the extraction before starting
func PrintStartupInfo(total, skipped int, opts ScanOptions) {
	logging.LogInfo("Starting feature extraction: %d images to process, %d already extracted", total, skipped)
	logging.DebugLog("Extraction folder: %s, workers: %d, overwrite: %v", opts.FolderPath, opts.Workers, opts.Overwrite)
}

// PrintCompletionStats logs statistics after extraction completes
func PrintCompletionStats(stats Stats) {
	logging.LogInfo("Extraction complete: %d extracted, %d failed, %d skipped in %v",
		stats.Extracted, stats.Failed, stats.Skipped, stats.Duration.Round(time.Millisecond))
	if stats.Failed > 0 {
		logging.LogWarning("Encountered %d errors during extraction, check the log for details", stats.Failed)
	}
}
