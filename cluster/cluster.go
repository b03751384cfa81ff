// Package cluster groups images into scenes: connected components of the
// graph whose edges are the match records passing the thresholds.
package cluster

import (
	"cmp"
	"slices"

	"scenefinder/types"
)

// Thresholds select the match records that become graph edges.
type Thresholds struct {
	MinMatches    int     `yaml:"min_matches" json:"min_matches"`
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`
	// MaxConfidence excludes near-identical pairs when > 0.
	MaxConfidence float64 `yaml:"max_confidence" json:"max_confidence"`
}

// Accept reports whether r passes the thresholds. Invalid records never do,
// whatever their match count.
func (t Thresholds) Accept(r types.MatchRecord) bool {
	if !r.Valid {
		return false
	}
	if r.Matches < t.MinMatches || r.Confidence < t.MinConfidence {
		return false
	}
	if t.MaxConfidence > 0 && r.Confidence > t.MaxConfidence {
		return false
	}
	return true
}

// Filter returns the records passing t, in input order.
func Filter(records []types.MatchRecord, t Thresholds) []types.MatchRecord {
	out := make([]types.MatchRecord, 0, len(records)/4)
	for _, r := range records {
		if t.Accept(r) {
			out = append(out, r)
		}
	}
	return out
}

// Graph is an undirected graph over image IDs. It is not modified after
// BuildGraph returns.
type Graph struct {
	nodes []types.ImageID
	adj   map[types.ImageID][]types.ImageID
	edges int
}

// BuildGraph adds one undirected edge per distinct pair of records. Self
// loops are ignored.
func BuildGraph(records []types.MatchRecord) *Graph {
	g := &Graph{adj: make(map[types.ImageID][]types.ImageID)}
	seen := make(map[types.Pair]struct{}, len(records))
	for _, r := range records {
		p := r.Pair()
		if p.A == p.B {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		g.adj[p.A] = append(g.adj[p.A], p.B)
		g.adj[p.B] = append(g.adj[p.B], p.A)
		g.edges++
	}
	g.nodes = make([]types.ImageID, 0, len(g.adj))
	for id := range g.adj {
		g.nodes = append(g.nodes, id)
	}
	types.SortIDs(g.nodes)
	return g
}

// Nodes returns the number of vertices with at least one edge.
func (g *Graph) Nodes() int { return len(g.nodes) }

// Edges returns the number of undirected edges.
func (g *Graph) Edges() int { return g.edges }

// Neighbors returns the neighbors of id. The slice must not be modified.
func (g *Graph) Neighbors(id types.ImageID) []types.ImageID {
	return g.adj[id]
}

// ConnectedComponents returns every component with at least two members.
// Members are sorted; components are ordered by size descending then by
// smallest member, and numbered from 1 in that order. The traversal uses an
// explicit stack so long chains do not grow the goroutine stack.
func ConnectedComponents(g *Graph) []types.Cluster {
	visited := make(map[types.ImageID]bool, len(g.nodes))
	var clusters []types.Cluster
	var stack []types.ImageID

	for _, start := range g.nodes {
		if visited[start] {
			continue
		}
		visited[start] = true
		stack = append(stack[:0], start)
		var members []types.ImageID

		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			members = append(members, n)
			for _, next := range g.adj[n] {
				if !visited[next] {
					visited[next] = true
					stack = append(stack, next)
				}
			}
		}

		if len(members) < 2 {
			continue
		}
		types.SortIDs(members)
		clusters = append(clusters, types.Cluster{Members: members})
	}

	slices.SortFunc(clusters, func(a, b types.Cluster) int {
		if c := cmp.Compare(b.Size(), a.Size()); c != 0 {
			return c
		}
		return cmp.Compare(a.Members[0], b.Members[0])
	})
	for i := range clusters {
		clusters[i].ID = i + 1
	}
	return clusters
}

// Build filters records and returns the resulting graph and clusters.
func Build(records []types.MatchRecord, t Thresholds) (*Graph, []types.Cluster) {
	g := BuildGraph(Filter(records, t))
	return g, ConnectedComponents(g)
}

// Assignments maps every clustered image to its cluster ID.
func Assignments(clusters []types.Cluster) map[types.ImageID]int {
	out := make(map[types.ImageID]int)
	for _, c := range clusters {
		for _, id := range c.Members {
			out[id] = c.ID
		}
	}
	return out
}
