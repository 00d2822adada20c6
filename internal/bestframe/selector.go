// Package bestframe picks the steadiest frame of a detection burst.
//
// Every consecutive pair of frames is scored with
//
//	alpha*SSIM(prev, cur) + (1-alpha) / (1 + mean optical flow magnitude)
//
// and the later frame of the best scoring pair wins. The first frame of a burst
// can therefore never be selected.
package bestframe

import (
	"context"
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"

	"github.com/lossprevention/lp-vlm/internal/models"
)

var (
	// ErrNoFrameSelected is returned when fewer than two frames could be scored
	ErrNoFrameSelected = errors.New("no frame selected")
	// ErrUndecodable marks frames that are skipped instead of failing the burst
	ErrUndecodable = errors.New("frame could not be decoded")
)

// Frame is a decoded, downscaled grayscale frame owned by a Scorer
type Frame interface {
	Size() image.Point
	Close()
}

// Scorer turns encoded frames into comparable frames and measures them
type Scorer interface {
	// Prepare decodes, downsizes and converts data to grayscale.
	// Undecodable input returns an error wrapping ErrUndecodable.
	Prepare(data []byte) (Frame, error)
	// Similarity is the structural similarity of two frames of equal size
	Similarity(prev, cur Frame) (float64, error)
	// Motion is the mean dense optical flow magnitude in pixels
	Motion(prev, cur Frame) (float64, error)
}

// Fetcher reads stored frames
type Fetcher interface {
	GetObject(ctx context.Context, bucket, object string) ([]byte, error)
}

// Selector chooses the best frame of a burst
type Selector struct {
	fetcher Fetcher
	scorer  Scorer
	alpha   float64
	logger  *zap.Logger
}

// NewSelector creates a selector weighting SSIM by alpha and motion by 1-alpha
func NewSelector(fetcher Fetcher, scorer Scorer, alpha float64, logger *zap.Logger) *Selector {
	return &Selector{
		fetcher: fetcher,
		scorer:  scorer,
		alpha:   alpha,
		logger:  logger.Named("bestframe"),
	}
}

// Stability combines similarity and motion into one score
func Stability(alpha, ssim, motion float64) float64 {
	return alpha*ssim + (1-alpha)*(1/(1+motion))
}

// Select fetches frames in order from bucket and returns the steadiest one.
// A fetch failure aborts the selection; undecodable frames are skipped.
func (s *Selector) Select(ctx context.Context, bucket string, frames []string) (models.BestFrame, error) {
	var (
		prev      Frame
		best      models.BestFrame
		bestScore = -1.0
		found     bool
	)
	defer func() {
		if prev != nil {
			prev.Close()
		}
	}()

	for _, object := range frames {
		if err := ctx.Err(); err != nil {
			return models.BestFrame{}, err
		}

		data, err := s.fetcher.GetObject(ctx, bucket, object)
		if err != nil {
			return models.BestFrame{}, fmt.Errorf("error processing frames: failed to fetch %s: %w", object, err)
		}

		cur, err := s.scorer.Prepare(data)
		if err != nil {
			if errors.Is(err, ErrUndecodable) {
				s.logger.Warn("skipping undecodable frame", zap.String("frame", object))
				continue
			}
			return models.BestFrame{}, fmt.Errorf("error processing frames: %s: %w", object, err)
		}

		if prev != nil && prev.Size() != cur.Size() {
			s.logger.Warn("frame size changed, restarting comparison",
				zap.String("frame", object),
				zap.Stringer("previous", prev.Size()),
				zap.Stringer("current", cur.Size()))
			prev.Close()
			prev = nil
		}

		if prev != nil {
			score, err := s.score(prev, cur)
			if err != nil {
				cur.Close()
				return models.BestFrame{}, fmt.Errorf("error processing frames: %s: %w", object, err)
			}
			if score > bestScore {
				bestScore = score
				best = models.BestFrame{Object: object, Score: score}
				found = true
			}
		}

		if prev != nil {
			prev.Close()
		}
		prev = cur
	}

	if !found {
		return models.BestFrame{}, ErrNoFrameSelected
	}
	s.logger.Debug("best frame selected", zap.String("frame", best.Object), zap.Float64("score", best.Score))
	return best, nil
}

func (s *Selector) score(prev, cur Frame) (float64, error) {
	motion, err := s.scorer.Motion(prev, cur)
	if err != nil {
		return 0, fmt.Errorf("optical flow: %w", err)
	}
	ssim, err := s.scorer.Similarity(prev, cur)
	if err != nil {
		return 0, fmt.Errorf("ssim: %w", err)
	}
	return Stability(s.alpha, ssim, motion), nil
}
