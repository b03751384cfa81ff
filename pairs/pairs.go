// Package pairs enumerates the unordered image pairs to evaluate without
// materializing the O(N²) pair space.
package pairs

import (
	"iter"

	"scenefinder/types"
)

// Enumerate yields every (ids[i], ids[j]) with i < j in index order. When
// limit > 0 it stops after the first limit pairs. No more than one pair is
// held at a time.
func Enumerate(ids []types.ImageID, limit int64) iter.Seq[types.Pair] {
	return func(yield func(types.Pair) bool) {
		var emitted int64
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				if limit > 0 && emitted >= limit {
					return
				}
				if !yield(types.Pair{A: ids[i], B: ids[j]}) {
					return
				}
				emitted++
			}
		}
	}
}

// CountTotal returns min(n(n-1)/2, limit), or n(n-1)/2 when limit <= 0.
func CountTotal(n int, limit int64) int64 {
	if n < 2 {
		return 0
	}
	total := int64(n) * int64(n-1) / 2
	if limit > 0 && limit < total {
		return limit
	}
	return total
}

// Filter lazily drops the pairs for which skip returns true.
func Filter(seq iter.Seq[types.Pair], skip func(types.Pair) bool) iter.Seq[types.Pair] {
	return func(yield func(types.Pair) bool) {
		for p := range seq {
			if skip(p) {
				continue
			}
			if !yield(p) {
				return
			}
		}
	}
}

// Batches groups seq into slices of at most size() pairs. size is consulted
// before every batch, so a shrinking batch size applies to the next batch.
// The yielded slice is reused between iterations.
func Batches(seq iter.Seq[types.Pair], size func() int) iter.Seq[[]types.Pair] {
	return func(yield func([]types.Pair) bool) {
		next, stop := iter.Pull(seq)
		defer stop()

		var batch []types.Pair
		for {
			n := size()
			if n < 1 {
				n = 1
			}
			batch = batch[:0]
			for len(batch) < n {
				p, ok := next()
				if !ok {
					break
				}
				batch = append(batch, p)
			}
			if len(batch) == 0 {
				return
			}
			if !yield(batch) {
				return
			}
			if len(batch) < n {
				return
			}
		}
	}
}
