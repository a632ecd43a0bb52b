// Package colorutil provides the shared overlay palette for review
// renderings.
package colorutil

import (
	"image/color"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Overlay colors used by the review renderers.
var (
	Green  = colorful.Color{R: 0.16, G: 0.65, B: 0.27}
	Red    = colorful.Color{R: 0.82, G: 0.17, B: 0.16}
	Amber  = colorful.Color{R: 0.93, G: 0.60, B: 0.07}
	Blue   = colorful.Color{R: 0.18, G: 0.42, B: 0.81}
	Violet = colorful.Color{R: 0.52, G: 0.25, B: 0.66}
	Gray   = colorful.Color{R: 0.45, G: 0.45, B: 0.45}
)

// NRGBA converts to 8-bit at full opacity.
func NRGBA(c colorful.Color) color.NRGBA {
	cl := c.Clamped()
	return color.NRGBA{
		R: uint8(cl.R*255 + 0.5),
		G: uint8(cl.G*255 + 0.5),
		B: uint8(cl.B*255 + 0.5),
		A: 255,
	}
}

// OverGray blends c over a grayscale level, t being the share of c in
// the mix. The blend runs in Lab space so tints keep their hue on
// paper and ink alike.
func OverGray(c colorful.Color, gray uint8, t float64) color.NRGBA {
	g := float64(gray) / 255
	base := colorful.Color{R: g, G: g, B: g}
	return NRGBA(base.BlendLab(c, t))
}

// Ramp maps v in [0,1] onto a blue-to-red heat ramp.
func Ramp(v float64) color.NRGBA {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return NRGBA(colorful.Hsv(230*(1-v), 0.70, 0.92))
}
