package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Images.Dir == "" {
		errs = append(errs, fmt.Errorf("images.dir is required"))
	}
	if c.Images.MaxImages < 0 {
		errs = append(errs, fmt.Errorf("images.max_images must be >= 0, got %d", c.Images.MaxImages))
	}
	if c.Work.Dir == "" {
		errs = append(errs, fmt.Errorf("work.dir is required"))
	}
	if c.Work.OutputDir == "" {
		errs = append(errs, fmt.Errorf("work.output_dir is required"))
	}

	if c.Extract.Workers < 0 {
		errs = append(errs, fmt.Errorf("extract.workers must be >= 0, got %d", c.Extract.Workers))
	}
	if c.Extract.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("extract.chunk_size must be > 0, got %d", c.Extract.ChunkSize))
	}
	if c.Extract.MaxKeypoints <= 0 {
		errs = append(errs, fmt.Errorf("extract.max_keypoints must be > 0, got %d", c.Extract.MaxKeypoints))
	}
	if c.Extract.MaxSide < 0 {
		errs = append(errs, fmt.Errorf("extract.max_side must be >= 0, got %d", c.Extract.MaxSide))
	}

	if c.Match.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("match.batch_size must be > 0, got %d", c.Match.BatchSize))
	}
	if c.Match.Workers < 0 {
		errs = append(errs, fmt.Errorf("match.workers must be >= 0, got %d", c.Match.Workers))
	}
	if c.Match.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("match.flush_interval must be > 0, got %d", c.Match.FlushInterval))
	}
	if c.Match.ShrinkFactor <= 0 || c.Match.ShrinkFactor >= 1 {
		errs = append(errs, fmt.Errorf("match.shrink_factor must be in (0, 1), got %g", c.Match.ShrinkFactor))
	}
	if c.Match.MinBatchSize <= 0 || c.Match.MinBatchSize > c.Match.BatchSize {
		errs = append(errs, fmt.Errorf("match.min_batch_size must be in [1, batch_size], got %d", c.Match.MinBatchSize))
	}
	if c.Match.MaxPairs < 0 {
		errs = append(errs, fmt.Errorf("match.max_pairs must be >= 0, got %d", c.Match.MaxPairs))
	}
	if c.Match.RatioTest <= 0 || c.Match.RatioTest > 1 {
		errs = append(errs, fmt.Errorf("match.ratio_test must be in (0, 1], got %g", c.Match.RatioTest))
	}
	if c.Match.RansacThreshold <= 0 {
		errs = append(errs, fmt.Errorf("match.ransac_threshold must be > 0, got %g", c.Match.RansacThreshold))
	}

	if c.Cluster.MinMatches < 0 {
		errs = append(errs, fmt.Errorf("cluster.min_matches must be >= 0, got %d", c.Cluster.MinMatches))
	}
	if c.Cluster.MinConfidence < 0 || c.Cluster.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("cluster.min_confidence must be in [0, 1], got %g", c.Cluster.MinConfidence))
	}
	if c.Cluster.MaxConfidence < 0 || c.Cluster.MaxConfidence > 1 {
		errs = append(errs, fmt.Errorf("cluster.max_confidence must be in [0, 1], got %g", c.Cluster.MaxConfidence))
	}
	if c.Cluster.MaxConfidence > 0 && c.Cluster.MaxConfidence < c.Cluster.MinConfidence {
		errs = append(errs, fmt.Errorf("cluster.max_confidence must be >= cluster.min_confidence"))
	}

	switch c.Logging.Format {
	case "text", "json":
		// valid
	default:
		errs = append(errs, fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
