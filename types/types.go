// Package types holds the records shared by every pipeline stage.
package types

import (
	"sort"
	"strings"
)

// ImageID identifies one image across runs. It is the file name relative to
// the image directory.
type ImageID string

// FeatureRecord is the opaque per-image payload produced by an extractor.
type FeatureRecord struct {
	ImageID   ImageID `json:"image_id"`
	Extractor string  `json:"extractor"`
	Data      []byte  `json:"-"`
}

// Pair is an unordered image pair. Pairs built with NewPair are canonical:
// A sorts before B.
type Pair struct {
	A ImageID
	B ImageID
}

// NewPair returns the canonical form of the pair (a, b).
func NewPair(a, b ImageID) Pair {
	if b < a {
		a, b = b, a
	}
	return Pair{A: a, B: b}
}

// Canonical returns p with its members in lexicographic order.
func (p Pair) Canonical() Pair {
	return NewPair(p.A, p.B)
}

// Key returns a string key identifying the unordered pair.
func (p Pair) Key() string {
	c := p.Canonical()
	return string(c.A) + "\x00" + string(c.B)
}

// ParsePairKey is the inverse of Pair.Key.
func ParsePairKey(key string) (Pair, bool) {
	a, b, ok := strings.Cut(key, "\x00")
	if !ok {
		return Pair{}, false
	}
	return NewPair(ImageID(a), ImageID(b)), true
}

// MatchRecord is the outcome of comparing two images. When Valid is false the
// comparator could not run and Matches/Confidence are zero, not a "no overlap"
// signal.
type MatchRecord struct {
	Image1     ImageID `json:"image1"`
	Image2     ImageID `json:"image2"`
	Matches    int     `json:"matches"`
	Confidence float64 `json:"confidence"`
	Valid      bool    `json:"valid"`
}

// NewMatchRecord builds a valid record for the canonical form of p.
func NewMatchRecord(p Pair, matches int, confidence float64) MatchRecord {
	c := p.Canonical()
	return MatchRecord{Image1: c.A, Image2: c.B, Matches: matches, Confidence: confidence, Valid: true}
}

// InvalidRecord builds the record emitted when a pair could not be evaluated.
func InvalidRecord(p Pair) MatchRecord {
	c := p.Canonical()
	return MatchRecord{Image1: c.A, Image2: c.B}
}

// Pair returns the canonical pair of the record.
func (r MatchRecord) Pair() Pair {
	return NewPair(r.Image1, r.Image2)
}

// Cluster is a connected component of the filtered match graph with at least
// two members, sorted lexicographically.
type Cluster struct {
	ID      int       `json:"id"`
	Members []ImageID `json:"members"`
}

// Size returns the number of members.
func (c Cluster) Size() int {
	return len(c.Members)
}

// SortIDs sorts ids in place lexicographically.
func SortIDs(ids []ImageID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
