//go:build gocv
// +build gocv

package bestframe

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// Farneback parameters: pyramid scale, levels, window, iterations, poly_n, poly_sigma, flags
const (
	fbPyrScale   = 0.5
	fbLevels     = 3
	fbWindow     = 15
	fbIterations = 3
	fbPolyN      = 5
	fbPolySigma  = 1.2
	fbFlags      = 0
)

// GoCVScorer scores frames with OpenCV: Farneback dense flow and a box-window SSIM
type GoCVScorer struct {
	Resize float64
}

// NewGoCVScorer creates a scorer downscaling frames by resize with area interpolation
func NewGoCVScorer(resize float64) *GoCVScorer {
	return &GoCVScorer{Resize: resize}
}

type matFrame struct {
	mat gocv.Mat
}

func (f *matFrame) Size() image.Point { return image.Pt(f.mat.Cols(), f.mat.Rows()) }

func (f *matFrame) Close() { f.mat.Close() }

// Prepare implements Scorer
func (s *GoCVScorer) Prepare(data []byte) (Frame, error) {
	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, ErrUndecodable
	}

	small := gocv.NewMat()
	defer small.Close()
	gocv.Resize(img, &small, image.Point{}, s.Resize, s.Resize, gocv.InterpolationArea)

	gray := gocv.NewMat()
	gocv.CvtColor(small, &gray, gocv.ColorBGRToGray)
	return &matFrame{mat: gray}, nil
}

// Motion implements Scorer
func (s *GoCVScorer) Motion(prev, cur Frame) (float64, error) {
	a, b, err := mats(prev, cur)
	if err != nil {
		return 0, err
	}

	flow := gocv.NewMat()
	defer flow.Close()
	gocv.CalcOpticalFlowFarneback(a, b, &flow, fbPyrScale, fbLevels, fbWindow, fbIterations, fbPolyN, fbPolySigma, fbFlags)

	channels := gocv.Split(flow)
	defer func() {
		for i := range channels {
			channels[i].Close()
		}
	}()
	if len(channels) != 2 {
		return 0, fmt.Errorf("expected 2 flow channels, got %d", len(channels))
	}

	mag := gocv.NewMat()
	defer mag.Close()
	angle := gocv.NewMat()
	defer angle.Close()
	gocv.CartToPolar(channels[0], channels[1], &mag, &angle, false)

	return mag.Mean().Val1, nil
}

// Similarity implements Scorer
func (s *GoCVScorer) Similarity(prev, cur Frame) (float64, error) {
	a, b, err := mats(prev, cur)
	if err != nil {
		return 0, err
	}
	if a.Cols() < ssimWindow || a.Rows() < ssimWindow {
		return 0, fmt.Errorf("image %dx%d smaller than the %dx%d SSIM window", a.Cols(), a.Rows(), ssimWindow, ssimWindow)
	}

	var pool []gocv.Mat
	defer func() {
		for i := range pool {
			pool[i].Close()
		}
	}()
	newMat := func() gocv.Mat {
		m := gocv.NewMat()
		pool = append(pool, m)
		return m
	}
	box := image.Pt(ssimWindow, ssimWindow)
	blur := func(src gocv.Mat) gocv.Mat {
		dst := newMat()
		gocv.Blur(src, &dst, box)
		return dst
	}
	mul := func(x, y gocv.Mat) gocv.Mat {
		dst := newMat()
		gocv.Multiply(x, y, &dst)
		return dst
	}
	sub := func(x, y gocv.Mat) gocv.Mat {
		dst := newMat()
		gocv.Subtract(x, y, &dst)
		return dst
	}
	add := func(x, y gocv.Mat) gocv.Mat {
		dst := newMat()
		gocv.Add(x, y, &dst)
		return dst
	}

	x := newMat()
	a.ConvertTo(&x, gocv.MatTypeCV64F)
	y := newMat()
	b.ConvertTo(&y, gocv.MatTypeCV64F)

	const np = ssimWindow * ssimWindow
	covNorm := float32(np) / float32(np-1)
	c1 := float32((ssimK1 * dataRange) * (ssimK1 * dataRange))
	c2 := float32((ssimK2 * dataRange) * (ssimK2 * dataRange))

	ux, uy := blur(x), blur(y)
	uxx, uyy, uxy := blur(mul(x, x)), blur(mul(y, y)), blur(mul(x, y))

	vx := sub(uxx, mul(ux, ux))
	vx.MultiplyFloat(covNorm)
	vy := sub(uyy, mul(uy, uy))
	vy.MultiplyFloat(covNorm)
	vxy := sub(uxy, mul(ux, uy))
	vxy.MultiplyFloat(covNorm)

	a1 := mul(ux, uy)
	a1.MultiplyFloat(2)
	a1.AddFloat(c1)
	a2 := vxy.Clone()
	pool = append(pool, a2)
	a2.MultiplyFloat(2)
	a2.AddFloat(c2)
	b1 := add(mul(ux, ux), mul(uy, uy))
	b1.AddFloat(c1)
	b2 := add(vx, vy)
	b2.AddFloat(c2)

	ssimMap := newMat()
	gocv.Divide(mul(a1, a2), mul(b1, b2), &ssimMap)

	pad := ssimWindow / 2
	roi := ssimMap.Region(image.Rect(pad, pad, ssimMap.Cols()-pad, ssimMap.Rows()-pad))
	defer roi.Close()
	return roi.Mean().Val1, nil
}

func mats(prev, cur Frame) (gocv.Mat, gocv.Mat, error) {
	a, ok := prev.(*matFrame)
	if !ok {
		return gocv.Mat{}, gocv.Mat{}, fmt.Errorf("unexpected frame type %T", prev)
	}
	b, ok := cur.(*matFrame)
	if !ok {
		return gocv.Mat{}, gocv.Mat{}, fmt.Errorf("unexpected frame type %T", cur)
	}
	return a.mat, b.mat, nil
}
