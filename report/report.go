// Package report writes match records, clusters and statistics into an
// output directory. Every file is rewritten on each run.
package report

import (
	"bufio"
	"cmp"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"scenefinder/cluster"
	"scenefinder/types"
)

// Output file names.
const (
	AllMatchesFile      = "all_matches.csv"
	FilteredMatchesFile = "filtered_matches.csv"
	AssignmentsFile     = "cluster_assignments.tsv"
	StatisticsFile      = "match_statistics.json"
	SummaryFile         = "summary.txt"
	clusterFilePattern  = "scene_cluster_*.txt"
)

// ClusterFileName returns the file name of the cluster with the given
// 1-based ID.
func ClusterFileName(id int) string {
	return fmt.Sprintf("scene_cluster_%03d.txt", id)
}

// Result is everything the writer needs.
type Result struct {
	Records    []types.MatchRecord
	Filtered   []types.MatchRecord
	Graph      *cluster.Graph
	Clusters   []types.Cluster
	Thresholds cluster.Thresholds
}

// Write writes all output files into dir and returns the statistics it
// wrote. Stale cluster files from previous runs are removed first.
func Write(dir string, res Result) (Statistics, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Statistics{}, fmt.Errorf("create output dir: %w", err)
	}
	if err := removeStaleClusters(dir); err != nil {
		return Statistics{}, err
	}

	all := sortedRecords(res.Records)
	filtered := sortedRecords(res.Filtered)
	st := Compute(res)

	steps := []struct {
		name string
		fn   func(io.Writer) error
	}{
		{AllMatchesFile, func(w io.Writer) error { return writeMatches(w, all, true) }},
		{FilteredMatchesFile, func(w io.Writer) error { return writeMatches(w, filtered, false) }},
		{AssignmentsFile, func(w io.Writer) error { return writeAssignments(w, res.Clusters) }},
		{StatisticsFile, func(w io.Writer) error { return writeStatistics(w, st) }},
		{SummaryFile, func(w io.Writer) error { return writeSummary(w, st, res.Clusters) }},
	}
	for _, s := range steps {
		if err := writeFile(filepath.Join(dir, s.name), s.fn); err != nil {
			return Statistics{}, err
		}
	}

	for _, c := range res.Clusters {
		members := c.Members
		err := writeFile(filepath.Join(dir, ClusterFileName(c.ID)), func(w io.Writer) error {
			for _, id := range members {
				if _, err := fmt.Fprintln(w, id); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return Statistics{}, err
		}
	}
	return st, nil
}

func removeStaleClusters(dir string) error {
	stale, err := filepath.Glob(filepath.Join(dir, clusterFilePattern))
	if err != nil {
		return err
	}
	for _, f := range stale {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale cluster file: %w", err)
		}
	}
	return nil
}

// writeFile writes through a temporary file renamed into place.
func writeFile(path string, fn func(io.Writer) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	bw := bufio.NewWriter(f)
	if err := fn(bw); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func sortedRecords(records []types.MatchRecord) []types.MatchRecord {
	out := slices.Clone(records)
	slices.SortFunc(out, func(a, b types.MatchRecord) int {
		if c := cmp.Compare(a.Image1, b.Image1); c != 0 {
			return c
		}
		return cmp.Compare(a.Image2, b.Image2)
	})
	return out
}

func writeMatches(w io.Writer, records []types.MatchRecord, withValid bool) error {
	cw := csv.NewWriter(w)
	header := []string{"image1", "image2", "matches", "confidence"}
	if withValid {
		header = append(header, "valid")
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	row := make([]string, len(header))
	for _, r := range records {
		row[0] = string(r.Image1)
		row[1] = string(r.Image2)
		row[2] = strconv.Itoa(r.Matches)
		row[3] = formatFloat(r.Confidence)
		if withValid {
			row[4] = strconv.FormatBool(r.Valid)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeAssignments(w io.Writer, clusters []types.Cluster) error {
	if _, err := fmt.Fprint(w, "image_name\tcluster_id\n"); err != nil {
		return err
	}
	for _, c := range clusters {
		for _, id := range c.Members {
			if _, err := fmt.Fprintf(w, "%s\t%d\n", id, c.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeStatistics(w io.Writer, st Statistics) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func writeSummary(w io.Writer, st Statistics, clusters []types.Cluster) error {
	bw := &errWriter{w: w}
	bw.printf("Scene Matching Results\n")
	bw.printf("======================\n")
	bw.printf("Total pairs processed: %d\n", st.TotalPairs)
	bw.printf("Valid pairs: %d\n", st.ValidPairs)
	bw.printf("Invalid pairs: %d\n", st.InvalidPairs)
	bw.printf("Pairs with >0 matches: %d\n", st.PairsWithMatches)
	bw.printf("\nFilter settings:\n")
	bw.printf("  Min matches: %d\n", st.Filter.MinMatches)
	bw.printf("  Min confidence: %s\n", formatFloat(st.Filter.MinConfidence))
	if st.Filter.MaxConfidence > 0 {
		bw.printf("  Max confidence: %s\n", formatFloat(st.Filter.MaxConfidence))
	}
	bw.printf("\nFiltered results:\n")
	bw.printf("  Geometric matches: %d\n", st.FilteredPairs)
	bw.printf("  Scene clusters: %d\n", st.Clusters.Count)
	bw.printf("  Clustered images: %d\n", st.Clusters.Images)
	if len(clusters) > 0 {
		bw.printf("\nCluster sizes:\n")
		for _, c := range clusters {
			bw.printf("  Cluster %d: %d images\n", c.ID, c.Size())
		}
	}
	if st.Matches != nil {
		bw.printf("\nMatch distribution:\n")
		for _, p := range PercentileLevels {
			bw.printf("  %sth percentile: %.0f matches\n", formatFloat(p), st.Matches.Percentiles[percentileKey(p)])
		}
	}
	return bw.err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
