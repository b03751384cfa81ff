package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"scenefinder/cluster"
	"scenefinder/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentile(t *testing.T) {
	values := []float64{10, 20, 30, 40}
	assert.Equal(t, 10.0, Percentile(values, 0))
	assert.Equal(t, 40.0, Percentile(values, 100))
	assert.InDelta(t, 25.0, Percentile(values, 50), 1e-9)
	assert.InDelta(t, 17.5, Percentile(values, 25), 1e-9)
	assert.InDelta(t, 37.9, Percentile(values, 93), 1e-9)
	assert.Equal(t, 0.0, Percentile(nil, 50))
	assert.Equal(t, 7.0, Percentile([]float64{7}, 99))
}

func sampleResult() Result {
	records := []types.MatchRecord{
		types.NewMatchRecord(types.NewPair("D", "E"), 120, 0.95),
		types.NewMatchRecord(types.NewPair("A", "B"), 80, 0.9),
		types.NewMatchRecord(types.NewPair("B", "C"), 60, 0.7),
		types.NewMatchRecord(types.NewPair("A", "D"), 0, 0),
		types.InvalidRecord(types.NewPair("C", "E")),
	}
	th := cluster.Thresholds{MinMatches: 50, MinConfidence: 0.5}
	filtered := cluster.Filter(records, th)
	g, clusters := cluster.Build(records, th)
	return Result{Records: records, Filtered: filtered, Graph: g, Clusters: clusters, Thresholds: th}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestWrite_Files(t *testing.T) {
	dir := t.TempDir()
	st, err := Write(dir, sampleResult())
	require.NoError(t, err)

	all := readLines(t, filepath.Join(dir, AllMatchesFile))
	assert.Equal(t, []string{
		"image1,image2,matches,confidence,valid",
		"A,B,80,0.9,true",
		"A,D,0,0,true",
		"B,C,60,0.7,true",
		"C,E,0,0,false",
		"D,E,120,0.95,true",
	}, all)

	filtered := readLines(t, filepath.Join(dir, FilteredMatchesFile))
	assert.Equal(t, []string{
		"image1,image2,matches,confidence",
		"A,B,80,0.9",
		"B,C,60,0.7",
		"D,E,120,0.95",
	}, filtered)

	assert.Equal(t, []string{"A", "B", "C"}, readLines(t, filepath.Join(dir, "scene_cluster_001.txt")))
	assert.Equal(t, []string{"D", "E"}, readLines(t, filepath.Join(dir, "scene_cluster_002.txt")))

	assign := readLines(t, filepath.Join(dir, AssignmentsFile))
	assert.Equal(t, "image_name\tcluster_id", assign[0])
	assert.Contains(t, assign, "E\t2")
	assert.Len(t, assign, 6)

	data, err := os.ReadFile(filepath.Join(dir, StatisticsFile))
	require.NoError(t, err)
	var decoded Statistics
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, st.TotalPairs, decoded.TotalPairs)
	assert.Equal(t, 5, decoded.TotalPairs)
	assert.Equal(t, 4, decoded.ValidPairs)
	assert.Equal(t, 1, decoded.InvalidPairs)
	assert.Equal(t, 3, decoded.PairsWithMatches)
	require.NotNil(t, decoded.Matches)
	assert.Equal(t, 120, decoded.Matches.Max)
	assert.Equal(t, 0, decoded.Matches.Min)
	assert.InDelta(t, 65.0, decoded.Matches.Avg, 1e-9)
	assert.InDelta(t, 70.0, decoded.Matches.Percentiles["50%"], 1e-9)
	assert.Equal(t, 2, decoded.Clusters.Count)
	assert.Equal(t, []int{3, 2}, decoded.Clusters.Distribution)
	assert.Equal(t, 3, decoded.GraphEdges)

	summary, err := os.ReadFile(filepath.Join(dir, SummaryFile))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "Valid pairs: 4")
	assert.Contains(t, string(summary), "Invalid pairs: 1")
	assert.Contains(t, string(summary), "Scene clusters: 2")
}

func TestWrite_RemovesStaleClusters(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, ClusterFileName(7))
	require.NoError(t, os.WriteFile(stale, []byte("old\n"), 0o644))

	_, err := Write(dir, sampleResult())
	require.NoError(t, err)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	matches, err := filepath.Glob(filepath.Join(dir, "scene_cluster_*.txt"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestWrite_Empty(t *testing.T) {
	dir := t.TempDir()
	st, err := Write(dir, Result{})
	require.NoError(t, err)
	assert.Nil(t, st.Matches)
	assert.Equal(t, 0, st.Clusters.Count)
	assert.Equal(t, []string{"image1,image2,matches,confidence,valid"}, readLines(t, filepath.Join(dir, AllMatchesFile)))
}
