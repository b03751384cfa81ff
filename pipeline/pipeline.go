// Package pipeline wires the stores, the checkpoint and the three stages:
// feature extraction, pair matching and clustering.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"scenefinder/checkpoint"
	"scenefinder/cluster"
	"scenefinder/comparator"
	"scenefinder/config"
	"scenefinder/database"
	"scenefinder/engine"
	"scenefinder/logging"
	"scenefinder/pairs"
	"scenefinder/report"
	"scenefinder/scanner"
	"scenefinder/signalhandler"
	"scenefinder/types"
)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithExtractor sets the feature extractor used by Extract.
func WithExtractor(e comparator.Extractor) Option {
	return func(p *Pipeline) { p.extractor = e }
}

// WithComparator sets the comparator factory used by Match.
func WithComparator(f comparator.Factory) Option {
	return func(p *Pipeline) { p.factory = f }
}

// WithLogger sets the structured logger handed to the match engine.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithOutput sets where stage summaries are printed. The default is
// os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(p *Pipeline) { p.out = w }
}

// WithProgress sets where live extraction progress is printed.
func WithProgress(w io.Writer) Option {
	return func(p *Pipeline) { p.progress = w }
}

// Pipeline owns the durable state of one work directory.
type Pipeline struct {
	cfg       config.Config
	extractor comparator.Extractor
	factory   comparator.Factory
	logger    *slog.Logger
	out       io.Writer
	progress  io.Writer

	features   *database.FeatureStore
	matches    *database.MatchStore
	checkpoint *checkpoint.Checkpoint
}

// Open opens the stores and the checkpoint of cfg.Work and loads progress.
func Open(cfg config.Config, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{cfg: cfg, out: os.Stdout}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.Logger()
	}

	if err := os.MkdirAll(cfg.Work.Dir, 0o755); err != nil {
		return nil, &database.StorageError{Op: "mkdir", Path: cfg.Work.Dir, Err: err}
	}

	var err error
	if p.features, err = database.OpenFeatureStore(cfg.Work.FeaturesPath(), cfg.Extract.ChunkSize); err != nil {
		return nil, err
	}
	if p.matches, err = database.OpenMatchStore(cfg.Work.MatchesPath()); err != nil {
		p.Close()
		return nil, err
	}
	if p.checkpoint, err = checkpoint.Open(cfg.Work.CheckpointDir()); err != nil {
		p.Close()
		return nil, err
	}
	state, err := p.checkpoint.Load(p.features, p.matches)
	if err != nil {
		p.Close()
		return nil, err
	}
	logging.LogInfo("Opened work dir %s: %d images extracted, %d pairs matched", cfg.Work.Dir, state.Extracted, state.Matched)
	return p, nil
}

// Close flushes and closes everything. The match store closes before the
// checkpoint so that every checkpointed pair has a durable record.
func (p *Pipeline) Close() error {
	var errs []error
	if p.features != nil {
		errs = append(errs, p.features.Close())
	}
	if p.matches != nil {
		errs = append(errs, p.matches.Close())
	}
	if p.checkpoint != nil {
		errs = append(errs, p.checkpoint.Close())
	}
	return errors.Join(errs...)
}

// Extract runs feature extraction for every listed image not yet extracted.
func (p *Pipeline) Extract(ctx context.Context) (scanner.Stats, error) {
	if p.extractor == nil {
		return scanner.Stats{}, &SetupError{Stage: "extract", Err: comparator.ErrUnavailable}
	}
	all, err := p.listImages()
	if err != nil {
		return scanner.Stats{}, &SetupError{Stage: "extract", Err: err}
	}

	remaining := all
	if !p.cfg.Extract.Overwrite {
		remaining = p.checkpoint.RemainingImages(all)
	}

	s := scanner.New(p.extractor, p.features, p.checkpoint, scanner.ScanOptions{
		FolderPath: p.cfg.Images.Dir,
		Workers:    signalhandler.Workers(p.cfg.Extract.Workers),
		Overwrite:  p.cfg.Extract.Overwrite,
		FlushEvery: p.cfg.Extract.ChunkSize,
		Progress:   p.progress,
	})
	stats, err := s.Extract(ctx, remaining, len(all)-len(remaining))
	fmt.Fprintf(p.out, "Extraction: %d images, %d extracted, %d failed, %d already done\n",
		len(all), stats.Extracted, stats.Failed, stats.Skipped)
	return stats, err
}

// Match compares every pair of extracted images not yet matched. Images
// whose extraction failed take part in no pair. match.max_pairs caps the
// enumeration over the extracted images before checkpointed pairs are
// skipped: the capped prefix only stays the same while the extracted set
// does. An image extracted by a later run shifts it, and pairs matched
// earlier outside the new prefix keep their records.
func (p *Pipeline) Match(ctx context.Context) (engine.Stats, error) {
	if p.factory == nil {
		return engine.Stats{}, &SetupError{Stage: "match", Err: comparator.ErrUnavailable}
	}
	all, err := p.listImages()
	if err != nil {
		return engine.Stats{}, &SetupError{Stage: "match", Err: err}
	}
	ids := make([]types.ImageID, 0, len(all))
	for _, id := range all {
		if p.checkpoint.IsExtracted(id) {
			ids = append(ids, id)
		}
	}

	total := pairs.CountTotal(len(ids), p.cfg.Match.MaxPairs)
	e, err := engine.New(engine.Config{
		BatchSize:     p.cfg.Match.BatchSize,
		Workers:       signalhandler.Workers(p.cfg.Match.Workers),
		FlushInterval: p.cfg.Match.FlushInterval,
		ShrinkFactor:  p.cfg.Match.ShrinkFactor,
		MinBatchSize:  p.cfg.Match.MinBatchSize,
		Total:         total,
	}, p.features, p.factory, p.matches, p.checkpoint, p.logger)
	if err != nil {
		return engine.Stats{}, &SetupError{Stage: "match", Err: err}
	}
	defer e.Close()

	_, matchedBefore := p.checkpoint.Counts()
	logging.LogInfo("Matching %d extracted images: %d pairs in scope, %d pairs checkpointed", len(ids), total, matchedBefore)

	seq := p.checkpoint.RemainingPairs(pairs.Enumerate(ids, p.cfg.Match.MaxPairs))
	stats, err := e.Run(ctx, seq)
	fmt.Fprintf(p.out, "Matching: %d pairs processed, %d valid, %d invalid (%d missing features, %d failed, %d resource exhausted), batch size %d\n",
		stats.Processed, stats.Valid, stats.Invalid, stats.Missing, stats.Failed, stats.Exhausted, stats.BatchSize)
	if stats.Interrupted {
		fmt.Fprintln(p.out, "Matching interrupted; progress saved, run again to resume")
	}
	return stats, err
}

// ClusterResult summarizes a clustering pass.
type ClusterResult struct {
	Clusters   []types.Cluster
	Statistics report.Statistics
}

// Cluster re-filters the stored match records with the configured
// thresholds, builds the clusters and writes every result file. It never
// recomputes features or matches.
func (p *Pipeline) Cluster() (ClusterResult, error) {
	if err := p.matches.Flush(); err != nil {
		return ClusterResult{}, err
	}
	var records []types.MatchRecord
	for r, err := range p.matches.LoadAll() {
		if err != nil {
			return ClusterResult{}, err
		}
		records = append(records, r)
	}

	th := p.cfg.Cluster
	filtered := cluster.Filter(records, th)
	g := cluster.BuildGraph(filtered)
	clusters := cluster.ConnectedComponents(g)

	st, err := report.Write(p.cfg.Work.OutputDir, report.Result{
		Records:    records,
		Filtered:   filtered,
		Graph:      g,
		Clusters:   clusters,
		Thresholds: th,
	})
	if err != nil {
		return ClusterResult{}, err
	}

	fmt.Fprintf(p.out, "Clustering: %d records (%d valid, %d invalid), %d edges, %d clusters covering %d images\n",
		st.TotalPairs, st.ValidPairs, st.InvalidPairs, st.GraphEdges, st.Clusters.Count, st.Clusters.Images)
	fmt.Fprintf(p.out, "Results written to %s\n", p.cfg.Work.OutputDir)
	return ClusterResult{Clusters: clusters, Statistics: st}, nil
}

// RunResult collects the outcome of all stages.
type RunResult struct {
	Extract  scanner.Stats
	Match    engine.Stats
	Cluster  ClusterResult
	Duration time.Duration
}

// Run executes extraction, matching and clustering. An interrupted stage
// skips the stages after it.
func (p *Pipeline) Run(ctx context.Context) (RunResult, error) {
	start := time.Now()
	var res RunResult
	var err error

	if err := p.preflight(); err != nil {
		return res, err
	}
	if res.Extract, err = p.Extract(ctx); err != nil {
		return res, err
	}
	if res.Extract.Interrupted {
		res.Duration = time.Since(start)
		return res, nil
	}
	if res.Match, err = p.Match(ctx); err != nil {
		return res, err
	}
	if res.Match.Interrupted {
		res.Duration = time.Since(start)
		return res, nil
	}
	if res.Cluster, err = p.Cluster(); err != nil {
		return res, err
	}
	res.Duration = time.Since(start)
	logging.LogInfo("Pipeline complete in %v", res.Duration.Round(time.Millisecond))
	return res, nil
}

// preflight checks that both collaborators can be constructed, so a run
// with an unusable comparator fails before any image is extracted.
func (p *Pipeline) preflight() error {
	if p.extractor == nil {
		return &SetupError{Stage: "extract", Err: comparator.ErrUnavailable}
	}
	if p.factory == nil {
		return &SetupError{Stage: "match", Err: comparator.ErrUnavailable}
	}
	cmp, err := p.factory()
	if err != nil {
		return &SetupError{Stage: "match", Err: fmt.Errorf("%w: %w", comparator.ErrUnavailable, err)}
	}
	if err := cmp.Close(); err != nil {
		logging.LogWarning("Closing preflight comparator: %v", err)
	}
	return nil
}

// ResetInvalid clears every invalid match record and its checkpoint entry
// so the next match run attempts those pairs again. The checkpoint entries
// go first: a crash in between leaves the records in place, and loading
// re-marks their pairs as matched.
func (p *Pipeline) ResetInvalid() (int, error) {
	invalid, err := p.matches.InvalidPairs()
	if err != nil {
		return 0, err
	}
	if err := p.checkpoint.Forget(invalid); err != nil {
		return 0, err
	}
	if _, err := p.matches.DeleteInvalid(); err != nil {
		return 0, err
	}
	fmt.Fprintf(p.out, "Reset %d invalid pairs\n", len(invalid))
	return len(invalid), nil
}

func (p *Pipeline) listImages() ([]types.ImageID, error) {
	return scanner.ListImages(p.cfg.Images.Dir, p.cfg.Images.Recursive, p.cfg.Images.MaxImages)
}
