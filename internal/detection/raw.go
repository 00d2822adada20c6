package detection

import (
	"fmt"
	"image"
	"strings"
)

// ImageFromRaw wraps a packed video frame buffer as an image. BGR, BGRx and
// BGRA are swapped to RGB order; the padding byte of xRGB layouts is dropped.
func ImageFromRaw(pix []byte, width, height int, format string) (*image.NRGBA, error) {
	var bpp, r, g, b, a int
	switch strings.ToUpper(format) {
	case "RGB":
		bpp, r, g, b, a = 3, 0, 1, 2, -1
	case "BGR":
		bpp, r, g, b, a = 3, 2, 1, 0, -1
	case "RGBX":
		bpp, r, g, b, a = 4, 0, 1, 2, -1
	case "RGBA":
		bpp, r, g, b, a = 4, 0, 1, 2, 3
	case "BGRX":
		bpp, r, g, b, a = 4, 2, 1, 0, -1
	case "BGRA":
		bpp, r, g, b, a = 4, 2, 1, 0, 3
	default:
		return nil, fmt.Errorf("unsupported pixel format %q", format)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if len(pix) < width*height*bpp {
		return nil, fmt.Errorf("frame buffer too short: %d bytes for %dx%d %s", len(pix), width, height, format)
	}

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i < width*height; i++ {
		src := pix[i*bpp : i*bpp+bpp]
		img.Pix[j] = src[r]
		img.Pix[j+1] = src[g]
		img.Pix[j+2] = src[b]
		if a >= 0 {
			img.Pix[j+3] = src[a]
		} else {
			img.Pix[j+3] = 0xff
		}
		j += 4
	}
	return img, nil
}
