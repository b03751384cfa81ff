package pipeline

import (
	"fmt"
	"io"

	"scenefinder/checkpoint"
	"scenefinder/config"
	"scenefinder/database"
	"scenefinder/pairs"
	"scenefinder/scanner"
)

// StatusReport describes the progress of a work directory.
type StatusReport struct {
	Images         int
	Extracted      int
	Features       int
	PairsTotal     int64
	PairsMatched   int
	RecordsTotal   int
	RecordsValid   int
	RecordsInvalid int
}

// Status reads progress from the checkpoint and the stores without
// modifying them. It is safe to call while another process runs the
// pipeline on the same work directory.
func Status(cfg config.Config) (StatusReport, error) {
	var st StatusReport

	if ids, err := scanner.ListImages(cfg.Images.Dir, cfg.Images.Recursive, cfg.Images.MaxImages); err == nil {
		st.Images = len(ids)
	}

	state, err := checkpoint.Inspect(cfg.Work.CheckpointDir())
	if err != nil {
		return st, err
	}
	st.Extracted = state.Extracted
	st.PairsMatched = state.Matched
	st.PairsTotal = pairs.CountTotal(st.Extracted, cfg.Match.MaxPairs)

	if st.Features, err = database.InspectFeatures(cfg.Work.FeaturesPath()); err != nil {
		return st, err
	}
	if st.RecordsTotal, st.RecordsValid, err = database.InspectMatches(cfg.Work.MatchesPath()); err != nil {
		return st, err
	}
	st.RecordsInvalid = st.RecordsTotal - st.RecordsValid
	return st, nil
}

// Print writes the report in the CLI format.
func (s StatusReport) Print(w io.Writer) {
	fmt.Fprintf(w, "Images found:       %d\n", s.Images)
	fmt.Fprintf(w, "Images extracted:   %d (feature records: %d)\n", s.Extracted, s.Features)
	fmt.Fprintf(w, "Pairs matched:      %d of %d\n", s.PairsMatched, s.PairsTotal)
	fmt.Fprintf(w, "Match records:      %d (%d valid, %d invalid)\n", s.RecordsTotal, s.RecordsValid, s.RecordsInvalid)
}
