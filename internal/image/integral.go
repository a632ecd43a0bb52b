package image

import (
	"image"
	"math"

	"omr-grader/pkg/geometry"
)

// Integral is a summed-area table over an 8-bit plane. Window sums,
// means and deviations come out in constant time, which is what keeps
// adaptive thresholding and bubble sampling cheap.
type Integral struct {
	w, h  int
	sum   []uint64
	sumSq []uint64
}

// NewIntegral builds the summed-area table for g.
func NewIntegral(g *image.Gray) *Integral {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()

	in := &Integral{
		w:     w,
		h:     h,
		sum:   make([]uint64, (w+1)*(h+1)),
		sumSq: make([]uint64, (w+1)*(h+1)),
	}

	stride := w + 1
	for y := 0; y < h; y++ {
		row := g.PixOffset(b.Min.X, b.Min.Y+y)
		var lineSum, lineSumSq uint64
		for x := 0; x < w; x++ {
			v := uint64(g.Pix[row+x])
			lineSum += v
			lineSumSq += v * v
			idx := (y+1)*stride + (x + 1)
			in.sum[idx] = in.sum[y*stride+x+1] + lineSum
			in.sumSq[idx] = in.sumSq[y*stride+x+1] + lineSumSq
		}
	}
	return in
}

// Width returns the width of the underlying plane.
func (in *Integral) Width() int { return in.w }

// Height returns the height of the underlying plane.
func (in *Integral) Height() int { return in.h }

// clip clamps the rectangle to the plane and returns the corner
// indices in table coordinates plus the clipped area.
func (in *Integral) clip(r geometry.RectInt) (x0, y0, x1, y1, area int) {
	x0 = r.X
	y0 = r.Y
	x1 = r.X + r.Width
	y1 = r.Y + r.Height
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if x1 > in.w {
		x1 = in.w
	}
	if y1 > in.h {
		y1 = in.h
	}
	if x1 <= x0 || y1 <= y0 {
		return 0, 0, 0, 0, 0
	}
	return x0, y0, x1, y1, (x1 - x0) * (y1 - y0)
}

// Sum returns the sum of pixel values inside the rectangle, clipped to
// the plane bounds.
func (in *Integral) Sum(r geometry.RectInt) uint64 {
	x0, y0, x1, y1, area := in.clip(r)
	if area == 0 {
		return 0
	}
	stride := in.w + 1
	return in.sum[y1*stride+x1] - in.sum[y0*stride+x1] -
		in.sum[y1*stride+x0] + in.sum[y0*stride+x0]
}

// Mean returns the mean pixel value inside the rectangle, or 0 for an
// empty intersection with the plane.
func (in *Integral) Mean(r geometry.RectInt) float64 {
	_, _, _, _, area := in.clip(r)
	if area == 0 {
		return 0
	}
	return float64(in.Sum(r)) / float64(area)
}

// MeanStdDev returns the mean and population standard deviation of the
// pixel values inside the rectangle.
func (in *Integral) MeanStdDev(r geometry.RectInt) (mean, std float64) {
	x0, y0, x1, y1, area := in.clip(r)
	if area == 0 {
		return 0, 0
	}
	stride := in.w + 1
	s := in.sum[y1*stride+x1] - in.sum[y0*stride+x1] -
		in.sum[y1*stride+x0] + in.sum[y0*stride+x0]
	sq := in.sumSq[y1*stride+x1] - in.sumSq[y0*stride+x1] -
		in.sumSq[y1*stride+x0] + in.sumSq[y0*stride+x0]

	n := float64(area)
	mean = float64(s) / n
	variance := float64(sq)/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}
