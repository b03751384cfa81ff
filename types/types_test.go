package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPair_Canonical(t *testing.T) {
	p := NewPair("b.jpg", "a.jpg")
	assert.Equal(t, ImageID("a.jpg"), p.A)
	assert.Equal(t, ImageID("b.jpg"), p.B)
	assert.Equal(t, NewPair("a.jpg", "b.jpg"), p)
}

func TestPairKey_RoundTrip(t *testing.T) {
	p := Pair{A: "z.jpg", B: "m.jpg"}
	assert.Equal(t, NewPair("m.jpg", "z.jpg").Key(), p.Key())

	parsed, ok := ParsePairKey(p.Key())
	require.True(t, ok)
	assert.Equal(t, p.Canonical(), parsed)

	_, ok = ParsePairKey("no-separator")
	assert.False(t, ok)
}

func TestInvalidRecord(t *testing.T) {
	r := InvalidRecord(Pair{A: "d", B: "c"})
	assert.False(t, r.Valid)
	assert.Zero(t, r.Matches)
	assert.Zero(t, r.Confidence)
	assert.Equal(t, ImageID("c"), r.Image1)
	assert.Equal(t, NewPair("c", "d"), r.Pair())
}

func TestNewMatchRecord(t *testing.T) {
	r := NewMatchRecord(Pair{A: "b", B: "a"}, 42, 0.75)
	assert.True(t, r.Valid)
	assert.Equal(t, ImageID("a"), r.Image1)
	assert.Equal(t, ImageID("b"), r.Image2)
	assert.Equal(t, 42, r.Matches)
}
