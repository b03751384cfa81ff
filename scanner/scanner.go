// Package scanner runs the feature extraction stage: it lists the images of
// a folder, extracts features for the ones not yet extracted with a bounded
// pool of workers, and stores each record through a single writer.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"scenefinder/comparator"
	"scenefinder/database"
	"scenefinder/logging"
	"scenefinder/metrics"
	"scenefinder/types"

	"golang.org/x/sync/semaphore"
)

// FeatureSink stores feature records.
type FeatureSink interface {
	Put(id types.ImageID, rec types.FeatureRecord, overwrite bool) error
	Flush() error
}

// Progress is the extraction side of the checkpoint.
type Progress interface {
	RecordExtracted(id types.ImageID)
	Flush() error
}

// Scanner extracts and stores features.
type Scanner struct {
	extractor comparator.Extractor
	features  FeatureSink
	progress  Progress
	opts      ScanOptions
}

// New returns a scanner. Workers defaults to 1 and FlushEvery to the
// feature store chunk size.
func New(extractor comparator.Extractor, features FeatureSink, progress Progress, opts ScanOptions) *Scanner {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = database.DefaultChunkSize
	}
	return &Scanner{extractor: extractor, features: features, progress: progress, opts: opts}
}

// Extract extracts features for ids. skipped is the number of images the
// caller already found extracted and is reported in the stats only.
//
// Per-image failures are logged and counted; the image stays unextracted
// and is retried by the next run. Storage failures stop the stage and are
// returned. When ctx is cancelled no new image is started, the images in
// flight complete and everything stored so far is flushed.
func (s *Scanner) Extract(ctx context.Context, ids []types.ImageID, skipped int) (Stats, error) {
	start := time.Now()
	stats := Stats{Total: len(ids), Skipped: skipped}

	PrintStartupInfo(len(ids), skipped, s.opts)
	tracker := NewProgressTracker(len(ids), s.opts, 500*time.Millisecond)
	defer tracker.Stop()

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultsChan := make(chan ProcessImageResult, s.opts.Workers)
	sem := semaphore.NewWeighted(int64(s.opts.Workers))

	go func() {
		var wg sync.WaitGroup
		defer close(resultsChan)
		for _, id := range ids {
			if err := sem.Acquire(workCtx, 1); err != nil {
				break
			}
			if workCtx.Err() != nil {
				sem.Release(1)
				break
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				// Images in flight complete even after cancellation.
				resultsChan <- s.processImage(context.WithoutCancel(workCtx), id)
			}()
		}
		wg.Wait()
	}()

	var storeErr error
	sinceFlush := 0
	for result := range resultsChan {
		if storeErr != nil {
			continue
		}
		tracker.Record(result)

		if !result.Success {
			stats.Failed++
			metrics.ImagesTotal.WithLabelValues("failed").Inc()
			continue
		}

		err := s.features.Put(result.ID, result.Record, s.opts.Overwrite)
		switch {
		case errors.Is(err, database.ErrDuplicateKey):
			stats.Skipped++
			metrics.ImagesTotal.WithLabelValues("skipped").Inc()
		case err != nil:
			storeErr = fmt.Errorf("store features of %s: %w", result.ID, err)
			cancel()
			continue
		default:
			stats.Extracted++
			metrics.ImagesTotal.WithLabelValues("extracted").Inc()
		}
		s.progress.RecordExtracted(result.ID)

		sinceFlush++
		if sinceFlush >= s.opts.FlushEvery {
			if err := s.flush(); err != nil {
				storeErr = err
				cancel()
				continue
			}
			sinceFlush = 0
		}
	}

	if err := s.flush(); err != nil && storeErr == nil {
		storeErr = err
	}
	stats.Interrupted = ctx.Err() != nil
	stats.Duration = time.Since(start)
	tracker.Stop()
	PrintCompletionStats(stats)
	return stats, storeErr
}

// flush makes stored features durable before the checkpoint records them.
func (s *Scanner) flush() error {
	if err := s.features.Flush(); err != nil {
		return fmt.Errorf("flush feature store: %w", err)
	}
	metrics.FlushesTotal.WithLabelValues("features").Inc()
	if err := s.progress.Flush(); err != nil {
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	metrics.FlushesTotal.WithLabelValues("checkpoint").Inc()
	return nil
}

// processImage extracts one image, converting a panic in the image library
// into a failed result.
func (s *Scanner) processImage(ctx context.Context, id types.ImageID) (result ProcessImageResult) {
	result = ProcessImageResult{ID: id}
	path := ImagePath(s.opts.FolderPath, id)

	defer func() {
		if r := recover(); r != nil {
			stackTrace := debug.Stack()
			result.Success = false
			result.Error = fmt.Errorf("panic during feature extraction: %v", r)
			logging.LogError("Panic during feature extraction: %v, file: %s\nStack trace: %s", r, path, stackTrace)
		}
	}()

	rec, err := s.extractor.Extract(ctx, path)
	if err != nil {
		result.Error = fmt.Errorf("extract %s: %w", path, err)
		return result
	}
	rec.ImageID = id
	if rec.Extractor == "" {
		rec.Extractor = s.extractor.Name()
	}
	result.Record = rec
	result.Success = true
	return result
}
