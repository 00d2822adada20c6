package bestframe

import (
	"bytes"
	"fmt"
	"math"

	"github.com/disintegration/imaging"
)

// ImagingScorer is a pure Go Scorer built on disintegration/imaging
type ImagingScorer struct {
	Resize float64 // downscale factor applied before scoring
}

// NewImagingScorer creates a scorer downscaling frames by resize
func NewImagingScorer(resize float64) *ImagingScorer {
	return &ImagingScorer{Resize: resize}
}

// Prepare implements Scorer
func (s *ImagingScorer) Prepare(data []byte) (Frame, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	b := img.Bounds()
	w := max(int(math.Round(float64(b.Dx())*s.Resize)), 1)
	h := max(int(math.Round(float64(b.Dy())*s.Resize)), 1)
	small := imaging.Resize(img, w, h, imaging.Box)
	return PlaneFromImage(small), nil
}

// Similarity implements Scorer
func (s *ImagingScorer) Similarity(prev, cur Frame) (float64, error) {
	a, b, err := planes(prev, cur)
	if err != nil {
		return 0, err
	}
	return SSIM(a, b)
}

// Motion implements Scorer
func (s *ImagingScorer) Motion(prev, cur Frame) (float64, error) {
	a, b, err := planes(prev, cur)
	if err != nil {
		return 0, err
	}
	return MeanFlow(a, b)
}

func planes(prev, cur Frame) (*Plane, *Plane, error) {
	a, ok := prev.(*Plane)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected frame type %T", prev)
	}
	b, ok := cur.(*Plane)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected frame type %T", cur)
	}
	return a, b, nil
}
