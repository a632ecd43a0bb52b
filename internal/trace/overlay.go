package trace

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	colorful "github.com/lucasb-eyer/go-colorful"

	"omr-grader/internal/bubble"
	"omr-grader/internal/classify"
	"omr-grader/internal/template"
	"omr-grader/pkg/colorutil"
	"omr-grader/pkg/geometry"
)

// stateColor picks the overlay tint for a decision state.
func stateColor(s classify.State) colorful.Color {
	switch s {
	case classify.Single:
		return colorutil.Green
	case classify.MultiMark:
		return colorutil.Red
	case classify.LowConfidence:
		return colorutil.Amber
	default:
		return colorutil.Gray
	}
}

// reviewColor picks the outline color flagging a question for human
// review, and reports whether the state needs one.
func reviewColor(s classify.State) (colorful.Color, bool) {
	switch s {
	case classify.MultiMark:
		return colorutil.Violet, true
	case classify.LowConfidence:
		return colorutil.Blue, true
	default:
		return colorful.Color{}, false
	}
}

// RenderOverlay draws the rectified sheet with the evaluation's
// verdicts on top: every option region is outlined with the fill-ratio
// heat ramp, except that questions flagged for review get a violet
// (multiple marks) or blue (low confidence) outline instead; marked
// options are tinted with their decision state's color, and fiducial
// positions are boxed green where they anchored the fit and red where
// they went missing.
func (t *Trace) RenderOverlay(sheet *template.Sheet, decisions map[int]classify.Decision) (*image.NRGBA, error) {
	if t.Canonical == nil || t.Canonical.Gray == nil {
		return nil, fmt.Errorf("trace carries no canonical image")
	}
	if sheet == nil {
		return nil, fmt.Errorf("nil sheet layout")
	}

	gray := t.Canonical.Gray
	w, h := t.Canonical.Width, t.Canonical.Height
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := gray.Pix[y*gray.Stride+x]
			i := out.PixOffset(x, y)
			out.Pix[i+0] = v
			out.Pix[i+1] = v
			out.Pix[i+2] = v
			out.Pix[i+3] = 255
		}
	}

	fillsByQ := bubble.ByQuestion(t.Fills)
	for _, q := range sheet.Questions {
		row := fillsByQ[q.Index]
		d, decided := decisions[q.Index]
		for oi, r := range q.Options {
			var ratio float64
			if oi < len(row) {
				ratio = row[oi].Ratio
			}
			if decided && containsOption(d.Marked, oi) {
				tintRect(out, gray, r, stateColor(d.State), 0.45)
			}
			// Outline last so the border stays crisp over the tint.
			edge := colorutil.Ramp(ratio)
			if decided {
				if c, flagged := reviewColor(d.State); flagged {
					edge = colorutil.NRGBA(c)
				}
			}
			outlineRect(out, r, edge)
		}
	}

	for _, f := range sheet.Fiducials {
		col := colorutil.Gray
		switch {
		case containsName(t.Matched, f.Name):
			col = colorutil.Green
		case containsName(t.Missing, f.Name):
			col = colorutil.Red
		}
		markBox(out, int(f.X), int(f.Y), int(f.Size/2)+4, colorutil.NRGBA(col))
	}

	return out, nil
}

// WriteOverlayPNG renders the overlay and writes it to path, creating
// parent directories as needed. The written path is recorded on the
// trace.
func (t *Trace) WriteOverlayPNG(path string, sheet *template.Sheet, decisions map[int]classify.Decision) error {
	img, err := t.RenderOverlay(sheet, decisions)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating overlay directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating overlay file: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encoding overlay: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	t.OverlayPath = path
	return nil
}

func setPx(img *image.NRGBA, x, y int, c color.NRGBA) {
	b := img.Bounds()
	if x < b.Min.X || x >= b.Max.X || y < b.Min.Y || y >= b.Max.Y {
		return
	}
	img.SetNRGBA(x, y, c)
}

// outlineRect draws a one pixel border around the region.
func outlineRect(img *image.NRGBA, r geometry.RectInt, c color.NRGBA) {
	x1, y1 := r.X+r.Width-1, r.Y+r.Height-1
	for x := r.X; x <= x1; x++ {
		setPx(img, x, r.Y, c)
		setPx(img, x, y1, c)
	}
	for y := r.Y; y <= y1; y++ {
		setPx(img, r.X, y, c)
		setPx(img, x1, y, c)
	}
}

// tintRect blends a color over the region's original gray pixels.
func tintRect(img *image.NRGBA, gray *image.Gray, r geometry.RectInt, c colorful.Color, t float64) {
	b := img.Bounds()
	for y := r.Y; y < r.Y+r.Height; y++ {
		if y < b.Min.Y || y >= b.Max.Y {
			continue
		}
		for x := r.X; x < r.X+r.Width; x++ {
			if x < b.Min.X || x >= b.Max.X {
				continue
			}
			img.SetNRGBA(x, y, colorutil.OverGray(c, gray.Pix[y*gray.Stride+x], t))
		}
	}
}

// markBox draws a two pixel box centered on a fiducial position.
func markBox(img *image.NRGBA, cx, cy, half int, c color.NRGBA) {
	for w := 0; w < 2; w++ {
		x0, y0 := cx-half-w, cy-half-w
		x1, y1 := cx+half+w, cy+half+w
		for x := x0; x <= x1; x++ {
			setPx(img, x, y0, c)
			setPx(img, x, y1, c)
		}
		for y := y0; y <= y1; y++ {
			setPx(img, x0, y, c)
			setPx(img, x1, y, c)
		}
	}
}

func containsOption(marked []int, option int) bool {
	for _, m := range marked {
		if m == option {
			return true
		}
	}
	return false
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
