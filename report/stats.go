package report

import (
	"math"
	"slices"

	"scenefinder/cluster"
	"scenefinder/types"
)

// PercentileLevels are the match-count percentiles reported in the
// statistics file.
var PercentileLevels = []float64{25, 50, 75, 90, 95, 99}

// Percentile returns the p-th percentile (0..100) of sorted values using
// linear interpolation between closest ranks. It returns 0 for no values.
func Percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	p = math.Max(0, math.Min(100, p))
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// MatchStats describes the distribution of match counts over valid records.
type MatchStats struct {
	Min         int                `json:"min_matches"`
	Max         int                `json:"max_matches"`
	Avg         float64            `json:"avg_matches"`
	Percentiles map[string]float64 `json:"percentiles"`
}

// ClusterStats describes cluster sizes.
type ClusterStats struct {
	Count        int     `json:"num_clusters"`
	Images       int     `json:"total_images"`
	Min          int     `json:"min_size"`
	Max          int     `json:"max_size"`
	Mean         float64 `json:"mean_size"`
	Distribution []int   `json:"size_distribution"`
}

// Statistics is the content of match_statistics.json.
type Statistics struct {
	TotalPairs       int                `json:"total_pairs"`
	ValidPairs       int                `json:"valid_pairs"`
	InvalidPairs     int                `json:"invalid_pairs"`
	PairsWithMatches int                `json:"pairs_with_matches"`
	Matches          *MatchStats        `json:"match_statistics,omitempty"`
	Filter           cluster.Thresholds `json:"filter"`
	FilteredPairs    int                `json:"filtered_pairs"`
	GraphNodes       int                `json:"graph_nodes"`
	GraphEdges       int                `json:"graph_edges"`
	Clusters         ClusterStats       `json:"clusters"`
}

// Compute derives statistics for a result set.
func Compute(res Result) Statistics {
	st := Statistics{
		TotalPairs:    len(res.Records),
		Filter:        res.Thresholds,
		FilteredPairs: len(res.Filtered),
	}
	if res.Graph != nil {
		st.GraphNodes = res.Graph.Nodes()
		st.GraphEdges = res.Graph.Edges()
	}

	counts := make([]float64, 0, len(res.Records))
	sum := 0
	for _, r := range res.Records {
		if !r.Valid {
			continue
		}
		st.ValidPairs++
		if r.Matches > 0 {
			st.PairsWithMatches++
		}
		counts = append(counts, float64(r.Matches))
		sum += r.Matches
	}
	st.InvalidPairs = st.TotalPairs - st.ValidPairs

	if len(counts) > 0 {
		slices.Sort(counts)
		ms := &MatchStats{
			Min:         int(counts[0]),
			Max:         int(counts[len(counts)-1]),
			Avg:         float64(sum) / float64(len(counts)),
			Percentiles: make(map[string]float64, len(PercentileLevels)),
		}
		for _, p := range PercentileLevels {
			ms.Percentiles[percentileKey(p)] = Percentile(counts, p)
		}
		st.Matches = ms
	}

	st.Clusters = clusterStats(res.Clusters)
	return st
}

func clusterStats(clusters []types.Cluster) ClusterStats {
	cs := ClusterStats{Count: len(clusters), Distribution: make([]int, 0, len(clusters))}
	for i, c := range clusters {
		n := c.Size()
		cs.Images += n
		cs.Distribution = append(cs.Distribution, n)
		if i == 0 || n < cs.Min {
			cs.Min = n
		}
		if n > cs.Max {
			cs.Max = n
		}
	}
	if cs.Count > 0 {
		cs.Mean = float64(cs.Images) / float64(cs.Count)
	}
	return cs
}

func percentileKey(p float64) string {
	return formatFloat(p) + "%"
}
