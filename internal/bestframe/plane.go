package bestframe

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// SSIM constants for 8-bit images with a 7x7 uniform window
const (
	ssimWindow = 7
	ssimK1     = 0.01
	ssimK2     = 0.03
	dataRange  = 255.0
)

// flowWindow is the Lucas-Kanade neighbourhood used by the pure Go scorer
const flowWindow = 5

// minEigen is the smallest mean gradient energy (intensity^2 per pixel) for which
// a flow vector is solved; flatter neighbourhoods report no motion.
const minEigen = 1.0

var errSizeMismatch = errors.New("frames differ in size")

// Plane is an 8-bit grayscale image stored as float64 samples
type Plane struct {
	W, H int
	Pix  []float64
}

// NewPlane allocates an empty w x h plane
func NewPlane(w, h int) *Plane {
	return &Plane{W: w, H: h, Pix: make([]float64, w*h)}
}

// PlaneFromImage converts img to luma with the ITU-R BT.601 weights, rounded to
// integer intensities.
func PlaneFromImage(img image.Image) *Plane {
	b := img.Bounds()
	p := NewPlane(b.Dx(), b.Dy())
	for y := 0; y < p.H; y++ {
		for x := 0; x < p.W; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			luma := 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(bl>>8)
			p.Pix[y*p.W+x] = math.Round(luma)
		}
	}
	return p
}

// Size implements Frame
func (p *Plane) Size() image.Point { return image.Pt(p.W, p.H) }

// Close implements Frame
func (p *Plane) Close() {}

func (p *Plane) at(x, y int) float64 { return p.Pix[y*p.W+x] }

// integral is a summed-area table with one row and column of zero padding
type integral struct {
	w   int
	sum []float64
}

func newIntegral(w, h int, value func(i int) float64) *integral {
	stride := w + 1
	ii := &integral{w: stride, sum: make([]float64, stride*(h+1))}
	for y := 0; y < h; y++ {
		row := 0.0
		for x := 0; x < w; x++ {
			row += value(y*w + x)
			ii.sum[(y+1)*stride+x+1] = ii.sum[y*stride+x+1] + row
		}
	}
	return ii
}

// box returns the sum over x0 <= x < x1, y0 <= y < y1
func (ii *integral) box(x0, y0, x1, y1 int) float64 {
	s := ii.w
	return ii.sum[y1*s+x1] - ii.sum[y0*s+x1] - ii.sum[y1*s+x0] + ii.sum[y0*s+x0]
}

// SSIM computes the mean structural similarity of two planes the way
// scikit-image does by default: 7x7 uniform window, sample covariance and the
// mean taken over pixels whose window lies fully inside the image.
func SSIM(a, b *Plane) (float64, error) {
	if a.W != b.W || a.H != b.H {
		return 0, errSizeMismatch
	}
	if a.W < ssimWindow || a.H < ssimWindow {
		return 0, fmt.Errorf("image %dx%d smaller than the %dx%d SSIM window", a.W, a.H, ssimWindow, ssimWindow)
	}

	w, h := a.W, a.H
	sx := newIntegral(w, h, func(i int) float64 { return a.Pix[i] })
	sy := newIntegral(w, h, func(i int) float64 { return b.Pix[i] })
	sxx := newIntegral(w, h, func(i int) float64 { return a.Pix[i] * a.Pix[i] })
	syy := newIntegral(w, h, func(i int) float64 { return b.Pix[i] * b.Pix[i] })
	sxy := newIntegral(w, h, func(i int) float64 { return a.Pix[i] * b.Pix[i] })

	const np = ssimWindow * ssimWindow
	covNorm := float64(np) / float64(np-1)
	c1 := math.Pow(ssimK1*dataRange, 2)
	c2 := math.Pow(ssimK2*dataRange, 2)
	pad := ssimWindow / 2

	var total float64
	var n int
	for y := pad; y < h-pad; y++ {
		for x := pad; x < w-pad; x++ {
			x0, y0, x1, y1 := x-pad, y-pad, x+pad+1, y+pad+1
			ux := sx.box(x0, y0, x1, y1) / np
			uy := sy.box(x0, y0, x1, y1) / np
			uxx := sxx.box(x0, y0, x1, y1) / np
			uyy := syy.box(x0, y0, x1, y1) / np
			uxy := sxy.box(x0, y0, x1, y1) / np

			vx := covNorm * (uxx - ux*ux)
			vy := covNorm * (uyy - uy*uy)
			vxy := covNorm * (uxy - ux*uy)

			num := (2*ux*uy + c1) * (2*vxy + c2)
			den := (ux*ux + uy*uy + c1) * (vx + vy + c2)
			total += num / den
			n++
		}
	}
	return total / float64(n), nil
}

// MeanFlow estimates dense optical flow between prev and cur with Lucas-Kanade
// over a 5x5 neighbourhood and returns the mean vector magnitude. Pixels with
// too little texture to solve for a vector count as zero motion.
func MeanFlow(prev, cur *Plane) (float64, error) {
	if prev.W != cur.W || prev.H != cur.H {
		return 0, errSizeMismatch
	}
	w, h := prev.W, prev.H
	if w < 3 || h < 3 {
		return 0, nil
	}

	ix := make([]float64, w*h)
	iy := make([]float64, w*h)
	it := make([]float64, w*h)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			// gradients of the average frame are symmetric in time
			ix[i] = ((prev.at(x+1, y) - prev.at(x-1, y)) + (cur.at(x+1, y) - cur.at(x-1, y))) / 4
			iy[i] = ((prev.at(x, y+1) - prev.at(x, y-1)) + (cur.at(x, y+1) - cur.at(x, y-1))) / 4
			it[i] = cur.Pix[i] - prev.Pix[i]
		}
	}

	sxx := newIntegral(w, h, func(i int) float64 { return ix[i] * ix[i] })
	syy := newIntegral(w, h, func(i int) float64 { return iy[i] * iy[i] })
	sxy := newIntegral(w, h, func(i int) float64 { return ix[i] * iy[i] })
	sxt := newIntegral(w, h, func(i int) float64 { return ix[i] * it[i] })
	syt := newIntegral(w, h, func(i int) float64 { return iy[i] * it[i] })

	const np = flowWindow * flowWindow
	r := flowWindow / 2
	var total float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			x0, y0 := max(x-r, 0), max(y-r, 0)
			x1, y1 := min(x+r+1, w), min(y+r+1, h)

			a := sxx.box(x0, y0, x1, y1)
			c := syy.box(x0, y0, x1, y1)
			b := sxy.box(x0, y0, x1, y1)

			half := (a + c) / 2
			lambda := half - math.Sqrt((a-c)*(a-c)/4+b*b)
			if lambda/np < minEigen {
				continue
			}

			bx := -sxt.box(x0, y0, x1, y1)
			by := -syt.box(x0, y0, x1, y1)
			det := a*c - b*b
			u := (c*bx - b*by) / det
			v := (a*by - b*bx) / det
			total += math.Hypot(u, v)
		}
	}
	return total / float64(w*h), nil
}
