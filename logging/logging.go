package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

var (
	logger  = slog.New(slog.NewTextHandler(io.Discard, nil))
	logFile *os.File
	mu      sync.Mutex
	isSetup bool
)

// Options controls where and how log lines are written.
type Options struct {
	// Path of the log file. Empty means stderr.
	Path string
	// Format is "text" or "json".
	Format string
	// Debug lowers the level to slog.LevelDebug.
	Debug bool
}

// SetupLogger initializes the package logger. Calling it twice is a no-op
// until CloseLogger is called.
func SetupLogger(opts Options) error {
	mu.Lock()
	defer mu.Unlock()

	if isSetup {
		return nil
	}

	var w io.Writer = os.Stderr
	if opts.Path != "" {
		f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		logFile = f
		w = f
	}

	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if opts.Format == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	logger = slog.New(handler)
	logger.Info("scenefinder log started", "at", time.Now().Format(time.RFC3339))

	isSetup = true
	return nil
}

// CloseLogger closes the log file and resets the package logger to discard.
func CloseLogger() {
	mu.Lock()
	defer mu.Unlock()

	if !isSetup {
		return
	}
	logger.Info("scenefinder log closed", "at", time.Now().Format(time.RFC3339))
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	isSetup = false
}

// Logger returns the current structured logger for components that accept
// an injected *slog.Logger.
func Logger() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// LogInfo logs an information message
func LogInfo(format string, args ...any) {
	Logger().Info(fmt.Sprintf(format, args...))
}

// DebugLog logs a message at debug level
func DebugLog(format string, args ...any) {
	Logger().Debug(fmt.Sprintf(format, args...))
}

// LogError logs an error message
func LogError(format string, args ...any) {
	Logger().Error(fmt.Sprintf(format, args...))
}

// LogWarning logs a warning message
func LogWarning(format string, args ...any) {
	Logger().Warn(fmt.Sprintf(format, args...))
}

// LogImageProcessed logs the outcome of extracting one image
func LogImageProcessed(id string, success bool, err error) {
	if success {
		Logger().Debug("image extracted", "image", id)
		return
	}
	Logger().Warn("image extraction failed", "image", id, "error", err)
}
