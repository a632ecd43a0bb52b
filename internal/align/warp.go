package align

import (
	"fmt"
	"image"
	"math"

	"omr-grader/internal/preprocess"
	"omr-grader/pkg/geometry"
)

// Canonical is a scan resampled into template coordinates. Every
// bubble region in the sheet layout indexes directly into these
// images.
type Canonical struct {
	Gray   *image.Gray // flattened luminance
	Mask   *image.Gray // ink mask, 255 = ink
	Width  int
	Height int
}

// Rectify resamples the binarized scan into the canonical frame of a
// sheet. t maps scan coordinates onto the canonical sheet; sampling
// walks the other way, pushing each canonical pixel center through the
// inverse. Luminance is sampled bilinearly; the mask nearest-neighbor
// so it stays binary. Canonical pixels that land outside the scan read
// as blank paper.
func Rectify(bin *preprocess.Binary, t geometry.ProjectiveTransform, width, height int) (*Canonical, error) {
	if bin == nil || bin.Flat == nil || bin.Mask == nil {
		return nil, fmt.Errorf("nil binarized scan")
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid canonical size %dx%d", width, height)
	}
	inv, ok := t.Inverse()
	if !ok {
		return nil, fmt.Errorf("alignment transform is not invertible")
	}

	gray := image.NewGray(image.Rect(0, 0, width, height))
	mask := image.NewGray(image.Rect(0, 0, width, height))

	srcW := bin.Flat.Bounds().Dx()
	srcH := bin.Flat.Bounds().Dy()

	for y := 0; y < height; y++ {
		row := y * gray.Stride
		for x := 0; x < width; x++ {
			p := inv.Apply(geometry.Point2D{X: float64(x) + 0.5, Y: float64(y) + 0.5})

			if p.X < 0 || p.Y < 0 || p.X >= float64(srcW) || p.Y >= float64(srcH) {
				gray.Pix[row+x] = 255
				continue
			}

			gray.Pix[row+x] = sampleBilinear(bin.Flat, p.X, p.Y)
			if bin.Mask.GrayAt(int(p.X), int(p.Y)).Y != 0 {
				mask.Pix[y*mask.Stride+x] = 255
			}
		}
	}

	return &Canonical{Gray: gray, Mask: mask, Width: width, Height: height}, nil
}

// sampleBilinear reads img at a subpixel position, with pixel centers
// at integer+0.5. The caller guarantees the position is inside the
// image.
func sampleBilinear(img *image.Gray, x, y float64) uint8 {
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()

	fx := x - 0.5
	fy := y - 0.5
	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	tx := fx - float64(x0)
	ty := fy - float64(y0)

	clamp := func(v, hi int) int {
		if v < 0 {
			return 0
		}
		if v > hi {
			return hi
		}
		return v
	}
	x0c := clamp(x0, w-1)
	x1c := clamp(x0+1, w-1)
	y0c := clamp(y0, h-1)
	y1c := clamp(y0+1, h-1)

	p00 := float64(img.Pix[y0c*img.Stride+x0c])
	p10 := float64(img.Pix[y0c*img.Stride+x1c])
	p01 := float64(img.Pix[y1c*img.Stride+x0c])
	p11 := float64(img.Pix[y1c*img.Stride+x1c])

	top := p00 + (p10-p00)*tx
	bot := p01 + (p11-p01)*tx
	return uint8(top + (bot-top)*ty + 0.5)
}
