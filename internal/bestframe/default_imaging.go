//go:build !gocv
// +build !gocv

package bestframe

// NewScorer returns the pure Go scorer; build with -tags gocv for OpenCV
func NewScorer(resize float64) Scorer {
	return NewImagingScorer(resize)
}

// Backend names the scorer compiled into the binary
const Backend = "imaging"
