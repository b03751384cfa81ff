package engine

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"scenefinder/comparator"
	"scenefinder/database"
	"scenefinder/pairs"
	"scenefinder/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memFeatures map[types.ImageID]types.FeatureRecord

func (m memFeatures) Get(id types.ImageID) (types.FeatureRecord, error) {
	rec, ok := m[id]
	if !ok {
		return types.FeatureRecord{}, database.ErrNotFound
	}
	return rec, nil
}

func featuresFor(ids ...types.ImageID) memFeatures {
	m := memFeatures{}
	for _, id := range ids {
		m[id] = types.FeatureRecord{ImageID: id, Extractor: "fake", Data: []byte(id)}
	}
	return m
}

type memSink struct {
	mu        sync.Mutex
	records   []types.MatchRecord
	appends   []int
	flushes   int
	appendErr error
}

func (s *memSink) Append(records []types.MatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.records = append(s.records, records...)
	s.appends = append(s.appends, len(records))
	return nil
}

func (s *memSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

type memProgress struct {
	mu      sync.Mutex
	matched map[types.Pair]bool
	flushes int
}

func (p *memProgress) RecordMatched(pair types.Pair) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.matched == nil {
		p.matched = map[types.Pair]bool{}
	}
	p.matched[pair.Canonical()] = true
}

func (p *memProgress) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	return nil
}

func (p *memProgress) IsMatched(pair types.Pair) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.matched[pair.Canonical()]
}

// fakeComparator delegates to fn and counts calls and closes in the shared
// counters of its factory. It also counts calls that overlap on the same
// instance and calls made after Close.
type fakeComparator struct {
	f      *fakeFactory
	busy   atomic.Int32
	closed atomic.Bool
}

func (c *fakeComparator) Compare(ctx context.Context, a, b types.FeatureRecord) (comparator.Result, error) {
	if c.busy.Add(1) > 1 {
		c.f.overlaps.Add(1)
	}
	defer c.busy.Add(-1)
	if c.closed.Load() {
		c.f.afterClose.Add(1)
	}
	c.f.calls.Add(1)
	if c.f.delay > 0 {
		time.Sleep(c.f.delay)
	}
	return c.f.fn(ctx, a.ImageID, b.ImageID)
}

func (c *fakeComparator) Close() error {
	c.closed.Store(true)
	c.f.closed.Add(1)
	return nil
}

type fakeFactory struct {
	fn    func(ctx context.Context, a, b types.ImageID) (comparator.Result, error)
	fail  bool
	delay time.Duration
	// maxCreate > 0 makes every creation after the first maxCreate fail.
	maxCreate int32

	mu         sync.Mutex
	calls      atomic.Int32
	created    atomic.Int32
	closed     atomic.Int32
	overlaps   atomic.Int32
	afterClose atomic.Int32
}

func (f *fakeFactory) New() (comparator.Comparator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail || (f.maxCreate > 0 && f.created.Load() >= f.maxCreate) {
		return nil, errors.New("no device")
	}
	f.created.Add(1)
	return &fakeComparator{f: f}, nil
}

func constant(matches int, confidence float64) func(context.Context, types.ImageID, types.ImageID) (comparator.Result, error) {
	return func(context.Context, types.ImageID, types.ImageID) (comparator.Result, error) {
		return comparator.Result{MatchCount: matches, Confidence: confidence}, nil
	}
}

func ids(n int) []types.ImageID {
	out := make([]types.ImageID, n)
	for i := range out {
		out[i] = types.ImageID(string(rune('a' + i)))
	}
	return out
}

func newEngine(t *testing.T, cfg Config, features FeatureSource, f *fakeFactory) (*Engine, *memSink, *memProgress) {
	t.Helper()
	sink := &memSink{}
	progress := &memProgress{}
	e, err := New(cfg, features, f.New, sink, progress, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, sink, progress
}

func TestEngine_AllValid(t *testing.T) {
	all := ids(5)
	f := &fakeFactory{fn: constant(40, 0.8)}
	e, sink, progress := newEngine(t, Config{BatchSize: 3, Workers: 2}, featuresFor(all...), f)

	stats, err := e.Run(context.Background(), pairs.Enumerate(all, 0))
	require.NoError(t, err)

	assert.Equal(t, 10, stats.Processed)
	assert.Equal(t, 10, stats.Valid)
	assert.Equal(t, 0, stats.Invalid)
	assert.Equal(t, 4, stats.Batches)
	require.Len(t, sink.records, 10)

	seen := map[types.Pair]bool{}
	for _, r := range sink.records {
		assert.True(t, r.Valid)
		assert.Equal(t, 40, r.Matches)
		assert.LessOrEqual(t, string(r.Image1), string(r.Image2))
		seen[r.Pair()] = true
		assert.True(t, progress.IsMatched(r.Pair()))
	}
	assert.Len(t, seen, 10, "exactly one record per pair")
	assert.Equal(t, 1, sink.flushes)
	assert.Equal(t, 1, progress.flushes)
}

func TestEngine_MissingFeaturesSkipComparator(t *testing.T) {
	f := &fakeFactory{fn: constant(10, 0.5)}
	e, sink, _ := newEngine(t, Config{BatchSize: 4, Workers: 2}, featuresFor("a", "b"), f)

	stats, err := e.Run(context.Background(), pairs.Enumerate([]types.ImageID{"a", "b", "c"}, 0))
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Processed)
	assert.Equal(t, 1, stats.Valid)
	assert.Equal(t, 2, stats.Missing)
	assert.EqualValues(t, 1, f.calls.Load(), "comparator is never invoked for missing features")

	for _, r := range sink.records {
		if r.Image2 == "c" {
			assert.False(t, r.Valid)
			assert.Zero(t, r.Matches)
			assert.Zero(t, r.Confidence)
		}
	}
}

func TestEngine_PerPairFailureIsIsolated(t *testing.T) {
	f := &fakeFactory{fn: func(_ context.Context, a, b types.ImageID) (comparator.Result, error) {
		switch {
		case a == "a" && b == "b":
			return comparator.Result{}, errors.New("corrupt descriptor")
		case a == "a" && b == "c":
			panic("bad input")
		case a == "b" && b == "c":
			return comparator.Result{MatchCount: -1}, nil
		}
		return comparator.Result{MatchCount: 25, Confidence: 0.6}, nil
	}}
	all := ids(4)
	e, sink, _ := newEngine(t, Config{BatchSize: 10, Workers: 3}, featuresFor(all...), f)

	stats, err := e.Run(context.Background(), pairs.Enumerate(all, 0))
	require.NoError(t, err)

	assert.Equal(t, 6, stats.Processed)
	assert.Equal(t, 3, stats.Failed)
	assert.Equal(t, 3, stats.Valid)
	assert.Equal(t, 0, stats.Exhaustions)
	assert.Equal(t, 10, e.BatchSize(), "ordinary failures do not shrink the batch")

	valid := 0
	for _, r := range sink.records {
		if r.Valid {
			valid++
			assert.Equal(t, 25, r.Matches)
		}
	}
	assert.Equal(t, 3, valid)
}

func TestEngine_ExhaustionShrinksBatch(t *testing.T) {
	var n atomic.Int32
	f := &fakeFactory{fn: func(context.Context, types.ImageID, types.ImageID) (comparator.Result, error) {
		if n.Add(1) == 2 {
			return comparator.Result{}, comparator.Exhausted(errors.New("out of memory"))
		}
		return comparator.Result{MatchCount: 30, Confidence: 0.9}, nil
	}}
	all := ids(5)
	e, sink, progress := newEngine(t, Config{BatchSize: 4, Workers: 1}, featuresFor(all...), f)

	stats, err := e.Run(context.Background(), pairs.Enumerate(all, 0))
	require.NoError(t, err)

	assert.Equal(t, 10, stats.Processed)
	assert.Equal(t, 1, stats.Exhaustions)
	assert.Equal(t, 3, stats.Exhausted, "the exhausted pair and the rest of its batch")
	assert.Equal(t, 7, stats.Valid)
	assert.Equal(t, 2, e.BatchSize())
	assert.Equal(t, []int{4, 2, 2, 2}, sink.appends)

	for i, r := range sink.records[:4] {
		assert.Equal(t, i == 0, r.Valid, "record %d", i)
		assert.True(t, progress.IsMatched(r.Pair()), "exhausted pairs are recorded as attempted")
	}

	assert.EqualValues(t, 2, f.created.Load(), "exhausted comparator is replaced")
	assert.EqualValues(t, 1, f.closed.Load())
}

func TestEngine_BatchSizeNeverGrows(t *testing.T) {
	var n atomic.Int32
	f := &fakeFactory{fn: func(context.Context, types.ImageID, types.ImageID) (comparator.Result, error) {
		if n.Add(1) <= 4 {
			return comparator.Result{}, comparator.Exhausted(errors.New("vram"))
		}
		return comparator.Result{MatchCount: 1, Confidence: 0.1}, nil
	}}
	all := ids(8)
	e, sink, _ := newEngine(t, Config{BatchSize: 8, Workers: 1, ShrinkFactor: 0.5}, featuresFor(all...), f)

	stats, err := e.Run(context.Background(), pairs.Enumerate(all, 0))
	require.NoError(t, err)
	assert.Equal(t, 28, stats.Processed)
	assert.Equal(t, 4, stats.Exhaustions)
	assert.Equal(t, 15, stats.Exhausted)
	assert.Equal(t, 1, e.BatchSize(), "back-off stops at the minimum")

	assert.Equal(t, []int{8, 4, 2, 1}, sink.appends[:4])
	for i := 1; i < len(sink.appends); i++ {
		assert.LessOrEqual(t, sink.appends[i], sink.appends[i-1])
	}
}

func TestEngine_FlushInterval(t *testing.T) {
	all := ids(5)
	f := &fakeFactory{fn: constant(5, 0.5)}
	e, sink, progress := newEngine(t, Config{BatchSize: 1, Workers: 1, FlushInterval: 3}, featuresFor(all...), f)

	_, err := e.Run(context.Background(), pairs.Enumerate(all, 0))
	require.NoError(t, err)

	// 10 pairs: flushes after 3, 6 and 9, plus the final flush.
	assert.Equal(t, 4, sink.flushes)
	assert.Equal(t, 4, progress.flushes)
}

func TestEngine_CancellationCompletesBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &fakeFactory{fn: func(context.Context, types.ImageID, types.ImageID) (comparator.Result, error) {
		cancel()
		return comparator.Result{MatchCount: 12, Confidence: 0.4}, nil
	}}
	all := ids(5)
	e, sink, progress := newEngine(t, Config{BatchSize: 3, Workers: 2}, featuresFor(all...), f)

	stats, err := e.Run(ctx, pairs.Enumerate(all, 0))
	require.NoError(t, err)

	assert.True(t, stats.Interrupted)
	assert.Equal(t, 3, stats.Processed, "the batch in flight completes")
	assert.Equal(t, 3, stats.Valid)
	assert.Len(t, sink.records, 3)
	assert.Equal(t, 1, sink.flushes)
	assert.Equal(t, 1, progress.flushes)
}

func TestEngine_ResumeCoversEveryPairOnce(t *testing.T) {
	all := ids(6)
	features := featuresFor(all...)
	sink := &memSink{}
	progress := &memProgress{}

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	f := &fakeFactory{fn: func(context.Context, types.ImageID, types.ImageID) (comparator.Result, error) {
		if calls.Add(1) == 4 {
			cancel()
		}
		return comparator.Result{MatchCount: 3, Confidence: 0.3}, nil
	}}

	e, err := New(Config{BatchSize: 2, Workers: 1}, features, f.New, sink, progress, nil)
	require.NoError(t, err)
	first, err := e.Run(ctx, pairs.Enumerate(all, 0))
	require.NoError(t, err)
	require.NoError(t, e.Close())
	assert.True(t, first.Interrupted)
	assert.Equal(t, 4, first.Processed)

	e, err = New(Config{BatchSize: 2, Workers: 1}, features, f.New, sink, progress, nil)
	require.NoError(t, err)
	defer e.Close()
	remaining := pairs.Filter(pairs.Enumerate(all, 0), progress.IsMatched)
	second, err := e.Run(context.Background(), remaining)
	require.NoError(t, err)
	assert.False(t, second.Interrupted)
	assert.Equal(t, 11, second.Processed)

	keys := make([]string, 0, len(sink.records))
	for _, r := range sink.records {
		keys = append(keys, r.Pair().Key())
	}
	slices.Sort(keys)
	assert.Len(t, slices.Compact(keys), 15)
	assert.Len(t, sink.records, 15)
}

func TestEngine_SetupFailure(t *testing.T) {
	f := &fakeFactory{fail: true}
	_, err := New(Config{Workers: 2}, memFeatures{}, f.New, &memSink{}, &memProgress{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, comparator.ErrUnavailable)
}

func TestEngine_StorageFailureIsFatal(t *testing.T) {
	all := ids(3)
	f := &fakeFactory{fn: constant(1, 0.1)}
	sink := &memSink{appendErr: errors.New("disk full")}
	e, err := New(Config{BatchSize: 2, Workers: 1}, featuresFor(all...), f.New, sink, &memProgress{}, nil)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Run(context.Background(), pairs.Enumerate(all, 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

// exhaustOn returns a compare func that reports resource exhaustion on the
// given call numbers and a valid result otherwise.
func exhaustOn(calls ...int32) func(context.Context, types.ImageID, types.ImageID) (comparator.Result, error) {
	var n atomic.Int32
	return func(context.Context, types.ImageID, types.ImageID) (comparator.Result, error) {
		if slices.Contains(calls, n.Add(1)) {
			return comparator.Result{}, comparator.Exhausted(errors.New("out of memory"))
		}
		return comparator.Result{MatchCount: 20, Confidence: 0.7}, nil
	}
}

func assertOneRecordPerPair(t *testing.T, records []types.MatchRecord, want int) {
	t.Helper()
	keys := make([]string, 0, len(records))
	for _, r := range records {
		keys = append(keys, r.Pair().Key())
	}
	slices.Sort(keys)
	assert.Len(t, records, want)
	assert.Len(t, slices.Compact(keys), want, "no pair is recorded twice")
}

func TestEngine_ComparatorNeverShared(t *testing.T) {
	all := ids(10)
	f := &fakeFactory{fn: constant(7, 0.5), delay: time.Millisecond}
	e, sink, _ := newEngine(t, Config{BatchSize: 12, Workers: 4}, featuresFor(all...), f)

	stats, err := e.Run(context.Background(), pairs.Enumerate(all, 0))
	require.NoError(t, err)

	assert.Equal(t, 45, stats.Processed)
	assert.Zero(t, f.overlaps.Load(), "a comparator serves one worker at a time")
	assertOneRecordPerPair(t, sink.records, 45)
}

func TestEngine_ExhaustionWithConcurrentWorkers(t *testing.T) {
	all := ids(8)
	f := &fakeFactory{fn: exhaustOn(3, 10, 17), delay: time.Millisecond}
	e, sink, progress := newEngine(t, Config{BatchSize: 8, Workers: 4}, featuresFor(all...), f)

	stats, err := e.Run(context.Background(), pairs.Enumerate(all, 0))
	require.NoError(t, err)

	assert.Equal(t, 28, stats.Processed)
	assert.Equal(t, 28, stats.Valid+stats.Exhausted)
	assert.GreaterOrEqual(t, stats.Exhaustions, 1)
	assert.Less(t, e.BatchSize(), 8)
	for i := 1; i < len(sink.appends); i++ {
		assert.LessOrEqual(t, sink.appends[i], sink.appends[i-1], "batch size never grows")
	}

	assertOneRecordPerPair(t, sink.records, 28)
	for _, r := range sink.records {
		assert.True(t, progress.IsMatched(r.Pair()))
	}

	assert.Zero(t, f.overlaps.Load())
	assert.Zero(t, f.afterClose.Load(), "a closed comparator is never reused")
	assert.EqualValues(t, 3, f.closed.Load(), "each exhausted comparator is closed")
	assert.EqualValues(t, 4+3, f.created.Load(), "and replaced")
	assert.EqualValues(t, 4, e.live.Load())
}

func TestEngine_PartialReplacementFailure(t *testing.T) {
	all := ids(8)
	f := &fakeFactory{fn: exhaustOn(2, 5, 8), delay: time.Millisecond, maxCreate: 4}
	e, sink, _ := newEngine(t, Config{BatchSize: 6, Workers: 3}, featuresFor(all...), f)

	stats, err := e.Run(context.Background(), pairs.Enumerate(all, 0))
	require.NoError(t, err, "the run continues while one comparator is left")

	assert.Equal(t, 28, stats.Processed)
	assertOneRecordPerPair(t, sink.records, 28)
	assert.EqualValues(t, 4, f.created.Load())
	assert.EqualValues(t, 1, e.live.Load(), "two slots were lost")
	assert.Zero(t, f.overlaps.Load())
	assert.Zero(t, f.afterClose.Load())
}

func TestEngine_AllComparatorsLost(t *testing.T) {
	all := ids(5)
	f := &fakeFactory{fn: exhaustOn(1, 2), maxCreate: 2}
	e, sink, progress := newEngine(t, Config{BatchSize: 4, Workers: 2}, featuresFor(all...), f)

	_, err := e.Run(context.Background(), pairs.Enumerate(all, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, comparator.ErrUnavailable)
	assert.EqualValues(t, 0, e.live.Load())
	assert.GreaterOrEqual(t, sink.flushes, 1, "progress is flushed before the error is returned")
	assert.GreaterOrEqual(t, progress.flushes, 1)
}
