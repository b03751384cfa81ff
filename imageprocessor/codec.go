package imageprocessor

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"scenefinder/comparator"
	"scenefinder/types"
)

// ExtractorName identifies feature records written by the ORB extractor.
const ExtractorName = "orb-v1"

// Keypoint is a detected keypoint location in image pixels.
type Keypoint struct {
	X, Y float32
}

// Features is the decoded payload of an ORB feature record. Descriptors
// holds len(Keypoints) rows of DescriptorSize bytes.
type Features struct {
	Width, Height  int
	Keypoints      []Keypoint
	DescriptorSize int
	Descriptors    []byte
}

// Len returns the number of keypoints.
func (f *Features) Len() int { return len(f.Keypoints) }

// Encode serializes f into a feature record for id.
func Encode(id types.ImageID, f *Features) (types.FeatureRecord, error) {
	if f.Len()*f.DescriptorSize != len(f.Descriptors) {
		return types.FeatureRecord{}, fmt.Errorf("descriptor size mismatch: %d keypoints, %d bytes", f.Len(), len(f.Descriptors))
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		return types.FeatureRecord{}, fmt.Errorf("encode features: %w", err)
	}
	return types.FeatureRecord{ImageID: id, Extractor: ExtractorName, Data: buf.Bytes()}, nil
}

// Decode parses a feature record written by Encode. Records from another
// extractor are rejected with comparator.ErrIncompatible.
func Decode(rec types.FeatureRecord) (*Features, error) {
	if rec.Extractor != ExtractorName {
		return nil, fmt.Errorf("%w: %q", comparator.ErrIncompatible, rec.Extractor)
	}
	var f Features
	if err := gob.NewDecoder(bytes.NewReader(rec.Data)).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode features of %s: %w", rec.ImageID, err)
	}
	if f.Len()*f.DescriptorSize != len(f.Descriptors) {
		return nil, fmt.Errorf("corrupt features of %s: %d keypoints, %d descriptor bytes", rec.ImageID, f.Len(), len(f.Descriptors))
	}
	return &f, nil
}
