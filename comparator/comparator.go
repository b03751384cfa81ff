// Package comparator defines the pluggable collaborators of the pipeline:
// an Extractor that turns one image into a feature record and a Comparator
// that scores two feature records. Keypoint detection, descriptor matching
// and geometric verification all live behind these interfaces.
package comparator

import (
	"context"
	"errors"
	"fmt"
	"math"

	"scenefinder/types"
)

var (
	// ErrResourceExhausted signals device or memory pressure. The match
	// engine reacts by shrinking its batch size.
	ErrResourceExhausted = errors.New("comparator resource exhausted")

	// ErrUnavailable signals that an extractor or comparator cannot be
	// constructed at all. It aborts a run before any work starts.
	ErrUnavailable = errors.New("comparator unavailable")

	// ErrIncompatible is returned when a feature record was produced by a
	// different extractor than the comparator expects.
	ErrIncompatible = errors.New("incompatible feature record")
)

// Result is the fixed-shape output of one comparison.
type Result struct {
	MatchCount int
	Confidence float64
}

// Extractor produces a feature record for one image.
type Extractor interface {
	// Name identifies the payload format of the records it produces.
	Name() string
	Extract(ctx context.Context, path string) (types.FeatureRecord, error)
}

// Comparator scores a pair of feature records. A Comparator owns its device
// context and is used by one worker at a time.
type Comparator interface {
	Compare(ctx context.Context, a, b types.FeatureRecord) (Result, error)
	Close() error
}

// Factory creates a fresh Comparator for one worker slot.
type Factory func() (Comparator, error)

// IsResourceExhausted reports whether err signals resource exhaustion.
func IsResourceExhausted(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}

// Exhausted wraps cause as a resource exhaustion error.
func Exhausted(cause error) error {
	if cause == nil {
		return ErrResourceExhausted
	}
	return fmt.Errorf("%w: %w", ErrResourceExhausted, cause)
}

// Validate clamps a result into its documented ranges: a non-negative match
// count and a confidence in [0, 1].
func Validate(r Result) (Result, error) {
	if r.MatchCount < 0 {
		return Result{}, fmt.Errorf("negative match count %d", r.MatchCount)
	}
	if math.IsNaN(r.Confidence) {
		return Result{}, errors.New("confidence is NaN")
	}
	if r.Confidence < 0 {
		r.Confidence = 0
	}
	if r.Confidence > 1 {
		r.Confidence = 1
	}
	return r, nil
}
