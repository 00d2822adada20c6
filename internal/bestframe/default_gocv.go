//go:build gocv
// +build gocv

package bestframe

// NewScorer returns the OpenCV scorer when built with the gocv tag
func NewScorer(resize float64) Scorer {
	return NewGoCVScorer(resize)
}

// Backend names the scorer compiled into the binary
const Backend = "gocv"
