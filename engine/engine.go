// Package engine drives batches of image pairs through a comparator and
// emits exactly one match record per attempted pair.
//
// Batches are processed by a bounded pool of workers. Each worker slot owns
// one comparator, never shared concurrently. Missing features and per-pair
// failures become invalid records for that pair only. Resource exhaustion
// aborts the rest of the batch: its unresolved pairs become invalid records,
// the exhausted comparator is replaced, and the batch size shrinks. The batch
// size never grows within a run.
//
// After every batch the records are appended to the sink and every recorded
// pair is marked in the progress log. Both are flushed every FlushInterval
// pairs and once more on return, so a crash loses at most one interval.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"scenefinder/comparator"
	"scenefinder/database"
	"scenefinder/metrics"
	"scenefinder/pairs"
	"scenefinder/types"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// FeatureSource loads feature records. It reports database.ErrNotFound for
// images without a record.
type FeatureSource interface {
	Get(id types.ImageID) (types.FeatureRecord, error)
}

// RecordSink receives match records. Flush makes appended records durable.
type RecordSink interface {
	Append(records []types.MatchRecord) error
	Flush() error
}

// Progress is the match side of the checkpoint.
type Progress interface {
	RecordMatched(p types.Pair)
	Flush() error
}

// Config controls batching and back-off.
type Config struct {
	// BatchSize is the initial number of pairs per batch.
	BatchSize int
	// Workers is the number of parallel comparator slots.
	Workers int
	// FlushInterval is the number of processed pairs between durable flushes.
	FlushInterval int
	// ShrinkFactor multiplies the batch size after resource exhaustion.
	ShrinkFactor float64
	// MinBatchSize is the floor for back-off.
	MinBatchSize int
	// Total is the expected number of pairs, used only for progress logs.
	Total int64
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     16,
		Workers:       4,
		FlushInterval: 500,
		ShrinkFactor:  0.5,
		MinBatchSize:  1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.ShrinkFactor <= 0 || c.ShrinkFactor >= 1 {
		c.ShrinkFactor = d.ShrinkFactor
	}
	if c.MinBatchSize <= 0 {
		c.MinBatchSize = d.MinBatchSize
	}
	if c.MinBatchSize > c.BatchSize {
		c.MinBatchSize = c.BatchSize
	}
	return c
}

// Stats summarizes a run.
type Stats struct {
	Processed   int
	Valid       int
	Invalid     int
	Missing     int
	Failed      int
	Exhausted   int
	Exhaustions int
	Batches     int
	BatchSize   int
	Interrupted bool
	Duration    time.Duration
}

// Engine is the batched, fault-tolerant match driver.
type Engine struct {
	cfg      Config
	features FeatureSource
	factory  comparator.Factory
	sink     RecordSink
	progress Progress
	logger   *slog.Logger

	pool      chan comparator.Comparator
	live      atomic.Int32
	batchSize int

	sometimes rate.Sometimes
}

// New builds an engine and one comparator per worker slot. A comparator
// that cannot be created is a setup failure wrapping comparator.ErrUnavailable.
func New(cfg Config, features FeatureSource, factory comparator.Factory, sink RecordSink, progress Progress, logger *slog.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	e := &Engine{
		cfg:       cfg,
		features:  features,
		factory:   factory,
		sink:      sink,
		progress:  progress,
		logger:    logger,
		pool:      make(chan comparator.Comparator, cfg.Workers),
		batchSize: cfg.BatchSize,
		sometimes: rate.Sometimes{Interval: 5 * time.Second},
	}

	for i := 0; i < cfg.Workers; i++ {
		cmp, err := factory()
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("%w: worker %d: %w", comparator.ErrUnavailable, i, err)
		}
		e.pool <- cmp
		e.live.Add(1)
	}
	metrics.BatchSize.Set(float64(e.batchSize))
	return e, nil
}

// BatchSize returns the current batch size.
func (e *Engine) BatchSize() int {
	return e.batchSize
}

// Close releases every pooled comparator.
func (e *Engine) Close() error {
	var errs []error
	for {
		select {
		case cmp := <-e.pool:
			e.live.Add(-1)
			if err := cmp.Close(); err != nil {
				errs = append(errs, err)
			}
		default:
			return errors.Join(errs...)
		}
	}
}

// Run matches every pair of seq. Cancellation of ctx is observed between
// batches; the batch in flight always completes and is flushed. Only
// storage failures and the loss of every comparator are returned as errors.
func (e *Engine) Run(ctx context.Context, seq iter.Seq[types.Pair]) (Stats, error) {
	start := time.Now()
	var stats Stats
	sinceFlush := 0

	finish := func(runErr error) (Stats, error) {
		if err := e.flush(); err != nil && runErr == nil {
			runErr = err
		}
		stats.BatchSize = e.batchSize
		stats.Duration = time.Since(start)
		return stats, runErr
	}

	for batch := range pairs.Batches(seq, e.BatchSize) {
		if ctx.Err() != nil {
			stats.Interrupted = true
			e.logger.Warn("match interrupted, flushing progress", "processed", stats.Processed)
			break
		}

		records, out, err := e.processBatch(batch)
		if err != nil {
			return finish(err)
		}

		if err := e.sink.Append(records); err != nil {
			return finish(fmt.Errorf("append match records: %w", err))
		}
		for _, r := range records {
			e.progress.RecordMatched(r.Pair())
		}

		stats.Batches++
		stats.Processed += len(records)
		stats.Valid += out.valid
		stats.Invalid += len(records) - out.valid
		stats.Missing += out.missing
		stats.Failed += out.failed
		stats.Exhausted += out.exhausted

		if out.exhaustion {
			stats.Exhaustions++
			e.shrink()
		}

		sinceFlush += len(records)
		if sinceFlush >= e.cfg.FlushInterval {
			if err := e.flush(); err != nil {
				return finish(err)
			}
			sinceFlush = 0
		}

		e.sometimes.Do(func() {
			e.logger.Info("match progress",
				"processed", stats.Processed,
				"total", e.cfg.Total,
				"valid", stats.Valid,
				"invalid", stats.Invalid,
				"batch_size", e.batchSize,
			)
		})
	}

	if ctx.Err() != nil {
		stats.Interrupted = true
	}
	return finish(nil)
}

func (e *Engine) flush() error {
	if err := e.sink.Flush(); err != nil {
		return fmt.Errorf("flush match store: %w", err)
	}
	metrics.FlushesTotal.WithLabelValues("matches").Inc()
	if err := e.progress.Flush(); err != nil {
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	metrics.FlushesTotal.WithLabelValues("checkpoint").Inc()
	return nil
}

// shrink applies batch-size back-off. It never grows the batch size.
func (e *Engine) shrink() {
	prev := e.batchSize
	next := int(float64(prev) * e.cfg.ShrinkFactor)
	if next >= prev {
		next = prev - 1
	}
	if next < e.cfg.MinBatchSize {
		next = e.cfg.MinBatchSize
	}
	e.batchSize = next
	metrics.BatchSize.Set(float64(next))
	e.logger.Warn("resource exhaustion, shrinking batch size", "from", prev, "to", next)
}

type outcome int

const (
	outcomeValid outcome = iota
	outcomeMissing
	outcomeFailed
	outcomeExhausted
)

type batchOutcome struct {
	valid      int
	missing    int
	failed     int
	exhausted  int
	exhaustion bool
}

// processBatch returns one record per pair of batch, in batch order.
func (e *Engine) processBatch(batch []types.Pair) ([]types.MatchRecord, batchOutcome, error) {
	records := make([]types.MatchRecord, len(batch))
	outcomes := make([]outcome, len(batch))
	for i, p := range batch {
		records[i] = types.InvalidRecord(p)
		outcomes[i] = outcomeExhausted
	}

	// The batch context is independent of the run context: a batch in flight
	// completes even when the run is interrupted.
	batchCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		exhausted atomic.Bool
		fatalMu   sync.Mutex
		fatal     error
	)

	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for i, p := range batch {
		if exhausted.Load() {
			break
		}
		g.Go(func() error {
			if exhausted.Load() {
				return nil
			}
			var cmp comparator.Comparator
			select {
			case cmp = <-e.pool:
			case <-batchCtx.Done():
				return nil
			}

			rec, out, err := e.matchPair(batchCtx, cmp, p)
			if out == outcomeExhausted {
				exhausted.Store(true)
				cancel()
				e.logger.Warn("comparator resource exhausted", "image1", p.A, "image2", p.B, "error", err)
				cmp = e.replace(cmp)
				if cmp == nil && e.live.Load() == 0 {
					fatalMu.Lock()
					fatal = fmt.Errorf("%w: no comparator left after resource exhaustion", comparator.ErrUnavailable)
					fatalMu.Unlock()
				}
			}
			if cmp != nil {
				e.pool <- cmp
			}
			// Pairs that lost the race against exhaustion stay invalid.
			if out == outcomeFailed && exhausted.Load() && errors.Is(err, context.Canceled) {
				out = outcomeExhausted
			}
			records[i] = rec
			outcomes[i] = out
			return nil
		})
	}
	g.Wait()

	if fatal != nil {
		return nil, batchOutcome{}, fatal
	}

	var bo batchOutcome
	bo.exhaustion = exhausted.Load()
	for i, out := range outcomes {
		switch out {
		case outcomeValid:
			bo.valid++
			metrics.RecordPair(true, metrics.ReasonCompared)
		case outcomeMissing:
			bo.missing++
			metrics.RecordPair(false, metrics.ReasonMissing)
		case outcomeFailed:
			bo.failed++
			metrics.RecordPair(false, metrics.ReasonFailed)
		case outcomeExhausted:
			bo.exhausted++
			records[i] = types.InvalidRecord(batch[i])
			metrics.RecordPair(false, metrics.ReasonExhausted)
		}
	}
	if bo.exhaustion {
		metrics.ResourceExhaustionsTotal.Inc()
	}
	return records, bo, nil
}

// matchPair compares one pair. The comparator is invoked at most once and
// never when either feature record is missing.
func (e *Engine) matchPair(ctx context.Context, cmp comparator.Comparator, p types.Pair) (types.MatchRecord, outcome, error) {
	invalid := types.InvalidRecord(p)

	fa, err := e.features.Get(p.A)
	if err != nil {
		return invalid, e.lookupOutcome(p, p.A, err), err
	}
	fb, err := e.features.Get(p.B)
	if err != nil {
		return invalid, e.lookupOutcome(p, p.B, err), err
	}

	start := time.Now()
	res, err := safeCompare(ctx, cmp, fa, fb)
	metrics.CompareDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if comparator.IsResourceExhausted(err) {
			return invalid, outcomeExhausted, err
		}
		e.logger.Debug("pair comparison failed", "image1", p.A, "image2", p.B, "error", err)
		return invalid, outcomeFailed, err
	}

	res, err = comparator.Validate(res)
	if err != nil {
		e.logger.Debug("comparator returned invalid result", "image1", p.A, "image2", p.B, "error", err)
		return invalid, outcomeFailed, err
	}
	return types.NewMatchRecord(p, res.MatchCount, res.Confidence), outcomeValid, nil
}

func (e *Engine) lookupOutcome(p types.Pair, id types.ImageID, err error) outcome {
	if errors.Is(err, database.ErrNotFound) {
		e.logger.Debug("missing features for pair", "image1", p.A, "image2", p.B, "missing", id)
		return outcomeMissing
	}
	e.logger.Warn("feature lookup failed", "image", id, "error", err)
	return outcomeFailed
}

// replace closes an exhausted comparator and creates a fresh one for the
// slot. It returns nil if the factory fails.
func (e *Engine) replace(old comparator.Comparator) comparator.Comparator {
	if err := old.Close(); err != nil {
		e.logger.Warn("closing exhausted comparator", "error", err)
	}
	fresh, err := e.factory()
	if err != nil {
		e.live.Add(-1)
		e.logger.Error("recreating comparator", "error", err, "live", e.live.Load())
		return nil
	}
	return fresh
}

func safeCompare(ctx context.Context, cmp comparator.Comparator, a, b types.FeatureRecord) (res comparator.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("comparator panic: %v\n%s", r, debug.Stack())
		}
	}()
	return cmp.Compare(ctx, a, b)
}
