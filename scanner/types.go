package scanner

import (
	"io"
	"sync"
	"time"

	"scenefinder/types"
)

// ScanOptions defines the options for the extraction stage
type ScanOptions struct {
	FolderPath string
	Workers    int
	// Overwrite replaces existing feature records.
	Overwrite bool
	// FlushEvery is the number of stored records between durable flushes.
	FlushEvery int
	// Progress receives the live progress line; nil disables it.
	Progress io.Writer
}

// ProcessImageResult holds the result of extracting one image
type ProcessImageResult struct {
	ID      types.ImageID
	Record  types.FeatureRecord
	Success bool
	Error   error
}

// Stats summarizes one extraction run.
type Stats struct {
	Total       int
	Extracted   int
	Skipped     int
	Failed      int
	Interrupted bool
	Duration    time.Duration
}

// ProgressTracker tracks progress of the extraction
type ProgressTracker struct {
	processed  int
	errors     int
	totalFiles int
	ticker     *time.Ticker
	done       chan struct{}
	stopped    sync.Once
	mu         sync.Mutex
	out        io.Writer
}
