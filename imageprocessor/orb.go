package imageprocessor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"scenefinder/comparator"
	"scenefinder/types"

	"gocv.io/x/gocv"
)

// minHomographyPoints is the number of correspondences findHomography needs.
const minHomographyPoints = 4

// ORBOptions configures extraction and matching.
type ORBOptions struct {
	MaxKeypoints    int
	MaxSide         int
	RatioTest       float64
	RansacThreshold float64
}

// DefaultORBOptions returns the defaults used by the CLI.
func DefaultORBOptions() ORBOptions {
	return ORBOptions{
		MaxKeypoints:    2048,
		MaxSide:         1600,
		RatioTest:       0.75,
		RansacThreshold: 5.0,
	}
}

// ORBExtractor detects ORB keypoints and binary descriptors. It is safe for
// concurrent use: each call builds its own detector.
type ORBExtractor struct {
	opts     ORBOptions
	registry *ImageLoaderRegistry
}

// NewORBExtractor returns an extractor using the default loader registry.
func NewORBExtractor(opts ORBOptions) *ORBExtractor {
	return &ORBExtractor{opts: opts, registry: NewImageLoaderRegistry()}
}

// Name implements comparator.Extractor.
func (e *ORBExtractor) Name() string { return ExtractorName }

// Extract implements comparator.Extractor.
func (e *ORBExtractor) Extract(ctx context.Context, path string) (rec types.FeatureRecord, err error) {
	if err := ctx.Err(); err != nil {
		return types.FeatureRecord{}, err
	}
	defer recoverOpenCV(&err)

	img, err := e.registry.LoadImage(path, e.opts.MaxSide)
	if err != nil {
		return types.FeatureRecord{}, err
	}
	defer img.Close()

	orb := gocv.NewORBWithParams(e.opts.MaxKeypoints, 1.2, 8, 31, 0, 2, gocv.ORBScoreTypeHarris, 31, 20)
	defer orb.Close()

	mask := gocv.NewMat()
	defer mask.Close()
	kps, desc := orb.DetectAndCompute(img, mask)
	defer desc.Close()

	f := &Features{Width: img.Cols(), Height: img.Rows()}
	if len(kps) > 0 && !desc.Empty() {
		f.Keypoints = make([]Keypoint, len(kps))
		for i, kp := range kps {
			f.Keypoints[i] = Keypoint{X: float32(kp.X), Y: float32(kp.Y)}
		}
		f.DescriptorSize = desc.Cols()
		f.Descriptors = desc.ToBytes()
	}
	return Encode(types.ImageID(path), f)
}

// ORBComparator matches ORB descriptors with a brute-force Hamming matcher,
// applies the ratio test and verifies the survivors with a RANSAC
// homography. The match count is the number of inliers and the confidence
// is the inlier ratio. A comparator must not be used concurrently.
type ORBComparator struct {
	opts    ORBOptions
	matcher gocv.BFMatcher
	closed  bool
}

// NewORBComparator allocates a matcher.
func NewORBComparator(opts ORBOptions) (*ORBComparator, error) {
	c := &ORBComparator{opts: opts}
	var err error
	func() {
		defer recoverOpenCV(&err)
		c.matcher = gocv.NewBFMatcherWithParams(gocv.NormHamming, false)
	}()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", comparator.ErrUnavailable, err)
	}
	return c, nil
}

// Factory returns a comparator.Factory for opts.
func Factory(opts ORBOptions) comparator.Factory {
	return func() (comparator.Comparator, error) {
		return NewORBComparator(opts)
	}
}

// Compare implements comparator.Comparator.
func (c *ORBComparator) Compare(ctx context.Context, a, b types.FeatureRecord) (res comparator.Result, err error) {
	if c.closed {
		return comparator.Result{}, errors.New("comparator closed")
	}
	if err := ctx.Err(); err != nil {
		return comparator.Result{}, err
	}
	fa, err := Decode(a)
	if err != nil {
		return comparator.Result{}, err
	}
	fb, err := Decode(b)
	if err != nil {
		return comparator.Result{}, err
	}
	if fa.Len() < minHomographyPoints || fb.Len() < minHomographyPoints {
		return comparator.Result{}, nil
	}
	defer recoverOpenCV(&err)

	da, err := descriptorMat(fa)
	if err != nil {
		return comparator.Result{}, err
	}
	defer da.Close()
	db, err := descriptorMat(fb)
	if err != nil {
		return comparator.Result{}, err
	}
	defer db.Close()

	var src, dst []gocv.Point2f
	for _, m := range c.matcher.KnnMatch(da, db, 2) {
		if len(m) < 2 || m[0].Distance >= c.opts.RatioTest*m[1].Distance {
			continue
		}
		q, t := fa.Keypoints[m[0].QueryIdx], fb.Keypoints[m[0].TrainIdx]
		src = append(src, gocv.Point2f{X: q.X, Y: q.Y})
		dst = append(dst, gocv.Point2f{X: t.X, Y: t.Y})
	}
	if len(src) < minHomographyPoints {
		return comparator.Result{}, nil
	}

	inliers := c.inliers(src, dst)
	return comparator.Result{
		MatchCount: inliers,
		Confidence: float64(inliers) / float64(len(src)),
	}, nil
}

func (c *ORBComparator) inliers(src, dst []gocv.Point2f) int {
	srcVec := gocv.NewPoint2fVectorFromPoints(src)
	defer srcVec.Close()
	dstVec := gocv.NewPoint2fVectorFromPoints(dst)
	defer dstVec.Close()

	srcMat := gocv.NewMatFromPoint2fVector(srcVec, true)
	defer srcMat.Close()
	dstMat := gocv.NewMatFromPoint2fVector(dstVec, true)
	defer dstMat.Close()

	mask := gocv.NewMat()
	defer mask.Close()
	h := gocv.FindHomography(srcMat, &dstMat, gocv.HomographyMethodRANSAC, c.opts.RansacThreshold, &mask, 2000, 0.995)
	defer h.Close()
	if h.Empty() || mask.Empty() {
		return 0
	}
	return gocv.CountNonZero(mask)
}

// Close releases the matcher.
func (c *ORBComparator) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.matcher.Close()
}

func descriptorMat(f *Features) (gocv.Mat, error) {
	return gocv.NewMatFromBytes(f.Len(), f.DescriptorSize, gocv.MatTypeCV8U, f.Descriptors)
}

// recoverOpenCV turns an OpenCV panic into an error. Allocation failures map
// to comparator.ErrResourceExhausted so the match engine backs off. This is
// best effort: gocv reports most C++ exceptions by aborting the process, so
// only failures that reach Go as a panic are caught here.
func recoverOpenCV(err *error) {
	r := recover()
	if r == nil {
		return
	}
	msg := fmt.Sprint(r)
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "insufficient memory") || strings.Contains(lower, "out of memory") || strings.Contains(lower, "bad_alloc") {
		*err = comparator.Exhausted(errors.New(msg))
		return
	}
	*err = fmt.Errorf("opencv: %s", msg)
}

