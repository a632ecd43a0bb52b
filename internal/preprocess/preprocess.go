// Package preprocess turns a raw sheet photograph into a clean ink mask.
//
// The stages run in a fixed order: illumination flattening against a
// low-frequency background estimate, median denoising, a global
// contrast gate, then locally-windowed adaptive binarization. The
// output mask uses 255 for ink so downstream fill sampling reads
// directly as a fraction.
package preprocess

import (
	"errors"
	"fmt"
	"image"
	"sort"

	"github.com/anthonynsimon/bild/blur"
	"github.com/anthonynsimon/bild/effect"
	"github.com/anthonynsimon/bild/transform"
	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	img "omr-grader/internal/image"
	"omr-grader/pkg/geometry"
)

// ErrLowContrast reports a photograph whose flattened dark tail sits
// too close to the paper level to separate ink from paper.
var ErrLowContrast = errors.New("contrast below evaluable minimum")

// Options controls preprocessing.
type Options struct {
	MaxDimension         int     // cap on the longer photo side; larger inputs are downscaled
	BackgroundDownscale  int     // downscale factor for the background estimate
	BackgroundBlurRadius float64 // blur radius applied to the downscaled copy (px)
	MedianRadius         float64 // median denoise kernel radius (px), 0 disables
	WindowFrac           float64 // adaptive threshold window as a fraction of image width
	WindowMin            int     // lower bound on the threshold window side (px)
	ThresholdBias        float64 // pixel is ink when lum < window mean * bias
	MinContrast          float64 // minimum ink-tail to paper separation after flattening

	Logger zerolog.Logger
}

// DefaultOptions returns preprocessing defaults tuned for phone
// photographs of A4 sheets.
func DefaultOptions() Options {
	return Options{
		MaxDimension:         2200,
		BackgroundDownscale:  8,
		BackgroundBlurRadius: 12, // ~96 px against the full frame
		MedianRadius:         2,
		// Window of width/8 keeps the interior of filled fiducial
		// squares inside a window that still sees paper.
		WindowFrac:    0.125,
		WindowMin:     25,
		ThresholdBias: 0.85,
		// The adaptive cut sits 15% under the window mean, so a dark
		// tail shallower than ~35 levels never binarizes.
		MinContrast: 35.0,
		Logger:      zerolog.Nop(),
	}
}

// Binary is the preprocessed sheet candidate: the ink mask plus the
// flattened grayscale it was cut from.
type Binary struct {
	Mask     *image.Gray // 255 = ink
	Flat     *image.Gray // illumination-flattened luminance
	Width    int
	Height   int
	Contrast float64 // ink-tail to paper-level separation after flattening
}

// Normalize corrects illumination, denoises and binarizes a raw sheet
// photograph. Fails with ErrLowContrast when the corrected image has
// no usable ink/paper separation.
func Normalize(raw *img.Raw, opts Options) (*Binary, error) {
	if raw == nil || raw.Image == nil {
		return nil, fmt.Errorf("nil image")
	}
	if opts.WindowFrac <= 0 && opts.WindowMin < 3 {
		return nil, fmt.Errorf("threshold window not configured")
	}

	src := raw.Image
	if opts.MaxDimension > 0 && (raw.Width > opts.MaxDimension || raw.Height > opts.MaxDimension) {
		src = imaging.Fit(src, opts.MaxDimension, opts.MaxDimension, imaging.Linear)
	}

	gray := img.ToGray(src)
	flat := flattenIllumination(gray, opts)

	if opts.MedianRadius > 0 {
		flat = img.ToGray(effect.Median(flat, opts.MedianRadius))
	}

	contrast := contrastGap(flat)
	if contrast < opts.MinContrast {
		return nil, fmt.Errorf("%w: ink-paper gap %.1f below %.1f", ErrLowContrast, contrast, opts.MinContrast)
	}

	window := int(float64(flat.Bounds().Dx()) * opts.WindowFrac)
	if window < opts.WindowMin {
		window = opts.WindowMin
	}
	mask := adaptiveThreshold(flat, window, opts.ThresholdBias)

	b := flat.Bounds()
	out := &Binary{
		Mask:     mask,
		Flat:     flat,
		Width:    b.Dx(),
		Height:   b.Dy(),
		Contrast: contrast,
	}

	opts.Logger.Debug().
		Int("width", out.Width).
		Int("height", out.Height).
		Float64("contrast", contrast).
		Msg("sheet preprocessed")

	return out, nil
}

// flattenIllumination divides the luminance by a heavily blurred
// background estimate, lifting shadowed regions toward paper white
// while leaving ink dark. The estimate is computed on a downscaled
// copy so the blur kernel stays small.
func flattenIllumination(gray *image.Gray, opts Options) *image.Gray {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()

	ds := opts.BackgroundDownscale
	if ds < 1 {
		ds = 1
	}
	sw, sh := w/ds, h/ds
	if sw < 1 {
		sw = 1
	}
	if sh < 1 {
		sh = 1
	}

	small := transform.Resize(gray, sw, sh, transform.Linear)
	blurred := blur.Gaussian(small, opts.BackgroundBlurRadius)
	bg := img.ToGray(transform.Resize(blurred, w, h, transform.Linear))

	// Paper maps to ~230 so highlights keep headroom above ink.
	const paperLevel = 230.0

	out := image.NewGray(image.Rect(0, 0, w, h))
	for i, p := range gray.Pix {
		bgv := bg.Pix[i]
		if bgv < 32 {
			bgv = 32
		}
		v := float64(p) / float64(bgv) * paperLevel
		if v > 255 {
			v = 255
		}
		out.Pix[i] = uint8(v)
	}
	return out
}

// contrastGap measures how far the darkest sampled tail of the
// flattened plane sits below the paper level. The tail mean tracks
// ink depth however sparse the printing; the overall spread would
// instead track ink quantity, reading a lightly printed sheet as
// contrastless. Paper is taken at the median.
func contrastGap(g *image.Gray) float64 {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()

	const step = 4
	samples := make([]float64, 0, (w/step+1)*(h/step+1))
	for y := 0; y < h; y += step {
		row := g.PixOffset(0, y)
		for x := 0; x < w; x += step {
			samples = append(samples, float64(g.Pix[row+x]))
		}
	}
	if len(samples) < 2 {
		return 0
	}
	sort.Float64s(samples)

	// The darkest 0.2% of a printed page lands inside fiducial squares
	// and pen strokes even on an otherwise blank sheet.
	tail := len(samples) / 500
	if tail < 16 {
		tail = 16
	}
	if tail > len(samples) {
		tail = len(samples)
	}
	ink := stat.Mean(samples[:tail], nil)
	paper := stat.Quantile(0.5, stat.Empirical, samples, nil)
	return paper - ink
}

// adaptiveThreshold marks a pixel as ink when it is darker than the
// local window mean by the bias factor. The windowed mean comes from a
// summed-area table, so cost is independent of window size.
func adaptiveThreshold(g *image.Gray, window int, bias float64) *image.Gray {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	in := img.NewIntegral(g)

	half := window / 2
	mask := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		row := g.PixOffset(0, y)
		for x := 0; x < w; x++ {
			mean := in.Mean(geometry.RectInt{
				X:      x - half,
				Y:      y - half,
				Width:  window,
				Height: window,
			})
			if float64(g.Pix[row+x]) < mean*bias {
				mask.Pix[row+x] = 255
			}
		}
	}
	return mask
}
