// Package metrics provides Prometheus collectors for the scene matching
// pipeline.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CompareBuckets covers per-pair comparison latencies from 1ms to 10s.
var CompareBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 10}

var (
	// ImagesTotal counts extraction outcomes by status (extracted, failed, skipped).
	ImagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scenefinder_images_total",
			Help: "Images processed by the extraction stage",
		},
		[]string{"status"},
	)

	// PairsTotal counts match records by validity and reason.
	PairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scenefinder_pairs_total",
			Help: "Match records emitted",
		},
		[]string{"valid", "reason"},
	)

	// ResourceExhaustionsTotal counts batch-level resource exhaustion events.
	ResourceExhaustionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scenefinder_resource_exhaustions_total",
			Help: "Batches aborted by resource exhaustion",
		},
	)

	// BatchSize tracks the current match batch size.
	BatchSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scenefinder_match_batch_size",
			Help: "Current match batch size",
		},
	)

	// CompareDuration records comparator latency in seconds.
	CompareDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scenefinder_compare_duration_seconds",
			Help:    "Comparator latency",
			Buckets: CompareBuckets,
		},
	)

	// FlushesTotal counts durable flushes by store.
	FlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scenefinder_flushes_total",
			Help: "Durable store flushes",
		},
		[]string{"store"},
	)
)

func init() {
	prometheus.MustRegister(
		ImagesTotal,
		PairsTotal,
		ResourceExhaustionsTotal,
		BatchSize,
		CompareDuration,
		FlushesTotal,
	)
}

// Reason labels for PairsTotal.
const (
	ReasonCompared  = "compared"
	ReasonMissing   = "missing_features"
	ReasonFailed    = "compare_failed"
	ReasonExhausted = "resource_exhausted"
)

// RecordPair increments PairsTotal for one record.
func RecordPair(valid bool, reason string) {
	v := "false"
	if valid {
		v = "true"
	}
	PairsTotal.WithLabelValues(v, reason).Inc()
}

// Serve exposes the default registry on addr at path until ctx is done.
func Serve(ctx context.Context, addr, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
