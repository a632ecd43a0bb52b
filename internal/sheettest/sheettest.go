// Package sheettest renders synthetic answer-sheet scans. Real scan
// corpora cannot live in the repository, so pipeline tests draw the
// sheets they need: the renderer produces a page that matches a sheet
// layout exactly, then degrades it the way a desk scanner would.
package sheettest

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"

	"omr-grader/internal/template"
)

// Stain is an extra ink blob outside the printed layout.
type Stain struct {
	X, Y, Size float64
}

// Options degrade the rendered page. Zero values mean a clean upright
// scan at canonical resolution.
type Options struct {
	Scale        float64 // scan pixels per canonical pixel, default 1
	RotateDeg    float64 // in-plane rotation, counterclockwise
	Background   uint8   // paper level, default 235
	Ink          uint8   // pen level, default 45
	RingInk      uint8   // printed bubble outline level, default 205
	Bed          uint8   // scanner bed showing behind a rotated page, default 70
	GradientDrop float64 // fraction of brightness lost toward the right edge

	Omit    []string                // fiducial names left undrawn
	Partial map[int]map[int]float64 // question -> option -> filled area fraction
	Stains  []Stain
}

func (o Options) withDefaults() Options {
	if o.Scale == 0 {
		o.Scale = 1
	}
	if o.Background == 0 {
		o.Background = 235
	}
	if o.Ink == 0 {
		o.Ink = 45
	}
	if o.RingInk == 0 {
		o.RingInk = 205
	}
	if o.Bed == 0 {
		o.Bed = 70
	}
	return o
}

// Render draws a filled-in copy of the sheet and degrades it per the
// options. marks maps question index to the options the student
// bubbled in; Partial entries override marks for that bubble.
//
// The bubble outlines are printed light, the way production sheets
// use dropout ink, so only pen strokes survive binarization.
func Render(sheet *template.Sheet, marks map[int][]int, opts Options) image.Image {
	o := opts.withDefaults()
	s := o.Scale

	w := int(float64(sheet.CanonicalWidth)*s + 0.5)
	h := int(float64(sheet.CanonicalHeight)*s + 0.5)
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = o.Background
	}

	omit := make(map[string]bool, len(o.Omit))
	for _, name := range o.Omit {
		omit[name] = true
	}
	for _, f := range sheet.Fiducials {
		if omit[f.Name] {
			continue
		}
		fillSquare(img, f.X*s, f.Y*s, f.Size*s, o.Ink)
	}

	fills := make(map[int]map[int]float64, len(marks))
	setFill := func(q, opt int, frac float64) {
		if fills[q] == nil {
			fills[q] = make(map[int]float64)
		}
		fills[q][opt] = frac
	}
	for q, options := range marks {
		for _, opt := range options {
			setFill(q, opt, 1)
		}
	}
	for q, m := range o.Partial {
		for opt, frac := range m {
			setFill(q, opt, frac)
		}
	}

	for _, q := range sheet.Questions {
		first := q.Options[0]
		cy := (float64(first.Y) + float64(first.Height)/2) * s
		dashX := float64(first.X)*s - 16*s
		fillRect(img, dashX, cy-1.5*s, dashX+8*s, cy+1.5*s, o.Ink)

		for oi, r := range q.Options {
			cx := (float64(r.X) + float64(r.Width)/2) * s
			cyo := (float64(r.Y) + float64(r.Height)/2) * s
			ringR := (float64(r.Width)/2 - 1) * s
			strokeCircle(img, cx, cyo, ringR, 1.6*s, o.RingInk)

			if frac := fills[q.Index][oi]; frac > 0 {
				full := (float64(r.Width)/2 - 2) * s
				fillDisc(img, cx, cyo, full*math.Sqrt(frac), o.Ink)
			}
		}
	}

	for _, st := range o.Stains {
		fillSquare(img, st.X*s, st.Y*s, st.Size*s, o.Ink)
	}

	if o.GradientDrop > 0 {
		for y := 0; y < h; y++ {
			row := y * img.Stride
			for x := 0; x < w; x++ {
				factor := 1 - o.GradientDrop*float64(x)/float64(w)
				img.Pix[row+x] = uint8(float64(img.Pix[row+x])*factor + 0.5)
			}
		}
	}

	if o.RotateDeg != 0 {
		bed := color.NRGBA{R: o.Bed, G: o.Bed, B: o.Bed, A: 255}
		return imaging.Rotate(img, o.RotateDeg, bed)
	}
	return img
}

// PNG encodes a rendered scan for the byte-oriented pipeline entry.
func PNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode test sheet: %w", err)
	}
	return buf.Bytes(), nil
}

func fillSquare(img *image.Gray, cx, cy, side float64, v uint8) {
	half := side / 2
	fillRect(img, cx-half, cy-half, cx+half, cy+half, v)
}

func fillRect(img *image.Gray, x0, y0, x1, y1 float64, v uint8) {
	b := img.Bounds()
	xa, ya := int(x0+0.5), int(y0+0.5)
	xb, yb := int(x1+0.5), int(y1+0.5)
	if xa < b.Min.X {
		xa = b.Min.X
	}
	if ya < b.Min.Y {
		ya = b.Min.Y
	}
	if xb > b.Max.X {
		xb = b.Max.X
	}
	if yb > b.Max.Y {
		yb = b.Max.Y
	}
	for y := ya; y < yb; y++ {
		row := (y - b.Min.Y) * img.Stride
		for x := xa; x < xb; x++ {
			img.Pix[row+(x-b.Min.X)] = v
		}
	}
}

func fillDisc(img *image.Gray, cx, cy, r float64, v uint8) {
	forCircleBox(img, cx, cy, r, func(x, y int, d float64) {
		if d <= r {
			img.Pix[y*img.Stride+x] = v
		}
	})
}

func strokeCircle(img *image.Gray, cx, cy, r, stroke float64, v uint8) {
	outer := r + stroke/2
	inner := r - stroke/2
	forCircleBox(img, cx, cy, outer, func(x, y int, d float64) {
		if d >= inner && d <= outer {
			img.Pix[y*img.Stride+x] = v
		}
	})
}

// forCircleBox visits every pixel in the bounding box of a circle,
// passing the pixel center's distance from the circle center.
func forCircleBox(img *image.Gray, cx, cy, r float64, visit func(x, y int, d float64)) {
	b := img.Bounds()
	x0 := int(cx - r - 1)
	y0 := int(cy - r - 1)
	x1 := int(cx + r + 2)
	y1 := int(cy + r + 2)
	if x0 < b.Min.X {
		x0 = b.Min.X
	}
	if y0 < b.Min.Y {
		y0 = b.Min.Y
	}
	if x1 > b.Max.X {
		x1 = b.Max.X
	}
	if y1 > b.Max.Y {
		y1 = b.Max.Y
	}
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			d := math.Hypot(float64(x)+0.5-cx, float64(y)+0.5-cy)
			visit(x-b.Min.X, y-b.Min.Y, d)
		}
	}
}
