package utils

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseArguments(t *testing.T) {
	got := ParseArguments([]string{"run", "--images=/data/frames", "--debug", "--work", "/tmp/w", "--max-pairs=10"})
	assert.Equal(t, map[string]string{
		"command":   "run",
		"images":    "/data/frames",
		"debug":     "true",
		"work":      "/tmp/w",
		"max-pairs": "10",
	}, got)
}

func TestParseArguments_CommandAfterFlags(t *testing.T) {
	got := ParseArguments([]string{"--debug", "status"})
	assert.Equal(t, "status", got["command"])
	assert.Equal(t, "true", got["debug"])
}

func TestParseArguments_ValueContainingEquals(t *testing.T) {
	got := ParseArguments([]string{"cluster", "--output=a=b"})
	assert.Equal(t, "a=b", got["output"])
}

func TestParseArguments_NoCommand(t *testing.T) {
	got := ParseArguments([]string{"--help"})
	_, ok := got["command"]
	assert.False(t, ok)
	assert.Equal(t, "true", got["help"])
}

func TestPrintUsage(t *testing.T) {
	var buf bytes.Buffer
	PrintUsage(&buf, "scenefinder")
	out := buf.String()
	for _, c := range Commands {
		assert.Contains(t, out, c)
	}
	assert.Contains(t, out, "match.batch_size")
	assert.Contains(t, out, "SCENEFINDER_MATCH_WORKERS")
}
