// Package bubble measures ink coverage of the option regions on an
// aligned sheet. It reports raw fill ratios only; deciding what a
// ratio means is the classifier's job.
package bubble

import (
	"context"
	"fmt"

	"omr-grader/internal/align"
	img "omr-grader/internal/image"
	"omr-grader/internal/template"
	"omr-grader/pkg/geometry"
)

// Fill is the measured ink coverage of one option region.
type Fill struct {
	Question int     `json:"question"`
	Option   int     `json:"option"`
	Ratio    float64 `json:"ratio"`    // inked fraction of the sampled region
	Samples  int     `json:"samples"`  // pixels sampled
	MeanLum  float64 `json:"mean_lum"` // mean flattened luminance over the region
	// LowContrast marks regions whose mean luminance sits between
	// solid ink and clean paper. Faint pencil the binarizer dropped
	// and half-erased marks land here.
	LowContrast bool `json:"low_contrast,omitempty"`
}

// Trim compensates a systematic print-run offset between the template
// and the physical sheet: regions are scaled about the sheet center
// and shifted by a fraction of the canonical dimensions before
// sampling. The zero value means no adjustment.
type Trim struct {
	ScaleX  float64
	ScaleY  float64
	OffsetX float64 // fraction of canonical width
	OffsetY float64 // fraction of canonical height
}

func (t Trim) normalized() Trim {
	if t.ScaleX == 0 {
		t.ScaleX = 1
	}
	if t.ScaleY == 0 {
		t.ScaleY = 1
	}
	return t
}

// Validate bounds the trim to fine registration: anything a trim this
// size cannot fix is an alignment problem, not a print offset.
func (t Trim) Validate() error {
	n := t.normalized()
	if n.ScaleX < 0.9 || n.ScaleX > 1.1 || n.ScaleY < 0.9 || n.ScaleY > 1.1 {
		return fmt.Errorf("trim scale %.3fx%.3f outside 0.9-1.1", n.ScaleX, n.ScaleY)
	}
	if n.OffsetX < -0.05 || n.OffsetX > 0.05 || n.OffsetY < -0.05 || n.OffsetY > 0.05 {
		return fmt.Errorf("trim offset %.3f,%.3f outside -0.05-0.05", n.OffsetX, n.OffsetY)
	}
	return nil
}

// Options tune region sampling.
type Options struct {
	MarginFrac  float64 // inset per side, fraction of the region's short side
	MinMarginPx int     // inset floor in pixels
	FaintLumLo  float64 // mean luminance band that earns the low-contrast flag
	FaintLumHi  float64
	Trim        Trim
}

// DefaultOptions returns sampling parameters for the standard bubble
// sizes. The margin keeps the printed outline and neighbour bleed out
// of the sample. The luminance band sits between solid pen ink and
// flattened paper.
func DefaultOptions() Options {
	return Options{
		MarginFrac:  0.15,
		MinMarginPx: 2,
		FaintLumLo:  130,
		FaintLumHi:  205,
	}
}

// Detect measures every option region of the sheet. The result is
// indexed like sheet.Questions, one inner slice per question in
// option order. Cancellation is honored between questions.
func Detect(ctx context.Context, c *align.Canonical, sheet *template.Sheet, opts Options) ([][]Fill, error) {
	if c == nil || c.Mask == nil || c.Gray == nil {
		return nil, fmt.Errorf("nil canonical sheet")
	}
	if sheet == nil {
		return nil, fmt.Errorf("nil sheet layout")
	}
	if err := opts.Trim.Validate(); err != nil {
		return nil, err
	}
	trim := opts.Trim.normalized()

	// Two summed-area tables make each region a constant-time read.
	maskInt := img.NewIntegral(c.Mask)
	grayInt := img.NewIntegral(c.Gray)

	cx := float64(sheet.CanonicalWidth) / 2
	cy := float64(sheet.CanonicalHeight) / 2

	out := make([][]Fill, len(sheet.Questions))
	for qi, q := range sheet.Questions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fills := make([]Fill, len(q.Options))
		for oi, r := range q.Options {
			region, ok := sampleRegion(r, trim, cx, cy, sheet, opts, c.Width, c.Height)
			if !ok {
				return nil, fmt.Errorf("question %d option %s: region leaves the sheet after trim",
					q.Index, template.OptionLabel(oi))
			}

			area := region.Width * region.Height
			mean := grayInt.Mean(region)
			fills[oi] = Fill{
				Question:    q.Index,
				Option:      oi,
				Ratio:       float64(maskInt.Sum(region)) / (255 * float64(area)),
				Samples:     area,
				MeanLum:     mean,
				LowContrast: mean >= opts.FaintLumLo && mean <= opts.FaintLumHi,
			}
		}
		out[qi] = fills
	}
	return out, nil
}

// ByQuestion reindexes Detect's output by template question index.
func ByQuestion(fills [][]Fill) map[int][]Fill {
	m := make(map[int][]Fill, len(fills))
	for _, row := range fills {
		if len(row) > 0 {
			m[row[0].Question] = row
		}
	}
	return m
}

// sampleRegion insets a template region away from the printed outline,
// applies the trim, and clamps to the canvas.
func sampleRegion(r geometry.RectInt, trim Trim, cx, cy float64, sheet *template.Sheet, opts Options, w, h int) (geometry.RectInt, bool) {
	short := r.Width
	if r.Height < short {
		short = r.Height
	}
	margin := int(opts.MarginFrac*float64(short) + 0.5)
	if margin < opts.MinMarginPx {
		margin = opts.MinMarginPx
	}
	if 2*margin >= short {
		margin = (short - 1) / 2
	}

	x0 := float64(r.X + margin)
	y0 := float64(r.Y + margin)
	x1 := float64(r.X + r.Width - margin)
	y1 := float64(r.Y + r.Height - margin)

	// Scale about the sheet center, then shift.
	dx := trim.OffsetX * float64(sheet.CanonicalWidth)
	dy := trim.OffsetY * float64(sheet.CanonicalHeight)
	x0 = cx + (x0-cx)*trim.ScaleX + dx
	x1 = cx + (x1-cx)*trim.ScaleX + dx
	y0 = cy + (y0-cy)*trim.ScaleY + dy
	y1 = cy + (y1-cy)*trim.ScaleY + dy

	xi0, yi0 := int(x0+0.5), int(y0+0.5)
	xi1, yi1 := int(x1+0.5), int(y1+0.5)
	if xi0 < 0 {
		xi0 = 0
	}
	if yi0 < 0 {
		yi0 = 0
	}
	if xi1 > w {
		xi1 = w
	}
	if yi1 > h {
		yi1 = h
	}
	if xi1 <= xi0 || yi1 <= yi0 {
		return geometry.RectInt{}, false
	}
	return geometry.RectInt{X: xi0, Y: yi0, Width: xi1 - xi0, Height: yi1 - yi0}, true
}
