package bubble

import (
	"context"
	"errors"
	"image"
	"math"
	"strings"
	"testing"

	"omr-grader/internal/align"
	"omr-grader/internal/template"
	"omr-grader/pkg/geometry"
)

func testSheet(t *testing.T) *template.Sheet {
	t.Helper()
	s, err := template.NewGrid(template.DefaultGridConfig("A"))
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	return s
}

func blankCanonical(s *template.Sheet) *align.Canonical {
	gray := image.NewGray(image.Rect(0, 0, s.CanonicalWidth, s.CanonicalHeight))
	for i := range gray.Pix {
		gray.Pix[i] = 235
	}
	mask := image.NewGray(image.Rect(0, 0, s.CanonicalWidth, s.CanonicalHeight))
	return &align.Canonical{Gray: gray, Mask: mask, Width: s.CanonicalWidth, Height: s.CanonicalHeight}
}

// inkDisc draws a pen mark centered on the region, displaced by (dx,
// dy).
func inkDisc(c *align.Canonical, r geometry.RectInt, radius, dx, dy float64) {
	cx := float64(r.X) + float64(r.Width)/2 + dx
	cy := float64(r.Y) + float64(r.Height)/2 + dy
	x0, x1 := int(cx-radius)-1, int(cx+radius)+2
	y0, y1 := int(cy-radius)-1, int(cy+radius)+2
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			if x < 0 || y < 0 || x >= c.Width || y >= c.Height {
				continue
			}
			if math.Hypot(float64(x)+0.5-cx, float64(y)+0.5-cy) <= radius {
				c.Mask.Pix[y*c.Mask.Stride+x] = 255
				c.Gray.Pix[y*c.Gray.Stride+x] = 45
			}
		}
	}
}

func fullRadius(r geometry.RectInt) float64 {
	return float64(r.Width)/2 - 2
}

func TestDetectRatios(t *testing.T) {
	sheet := testSheet(t)
	c := blankCanonical(sheet)
	q := sheet.Questions[0]
	inkDisc(c, q.Options[0], fullRadius(q.Options[0]), 0, 0)

	fills, err := Detect(context.Background(), c, sheet, DefaultOptions())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(fills) != len(sheet.Questions) {
		t.Fatalf("questions = %d", len(fills))
	}

	marked := fills[0][0]
	if marked.Ratio < 0.8 || marked.Ratio > 1.0 {
		t.Errorf("marked ratio = %.3f", marked.Ratio)
	}
	if marked.Question != 1 || marked.Option != 0 {
		t.Errorf("identity = q%d opt%d", marked.Question, marked.Option)
	}
	if marked.MeanLum > 100 {
		t.Errorf("marked MeanLum = %.1f", marked.MeanLum)
	}

	for oi := 1; oi < len(fills[0]); oi++ {
		if fills[0][oi].Ratio != 0 {
			t.Errorf("clear option %d ratio = %.3f", oi, fills[0][oi].Ratio)
		}
		if fills[0][oi].Samples != marked.Samples {
			t.Errorf("sample count differs between options")
		}
		if fills[0][oi].MeanLum < 200 {
			t.Errorf("clear option %d MeanLum = %.1f", oi, fills[0][oi].MeanLum)
		}
	}
}

func TestDetectPartialFill(t *testing.T) {
	sheet := testSheet(t)
	c := blankCanonical(sheet)
	q := sheet.Questions[0]
	inkDisc(c, q.Options[1], fullRadius(q.Options[1])*math.Sqrt(0.4), 0, 0)

	fills, err := Detect(context.Background(), c, sheet, DefaultOptions())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	got := fills[0][1].Ratio
	if got < 0.2 || got > 0.65 {
		t.Errorf("partial ratio = %.3f, want mid-range", got)
	}
}

func TestDetectLowContrastFlag(t *testing.T) {
	sheet := testSheet(t)
	c := blankCanonical(sheet)
	q := sheet.Questions[0]

	// A faint mark the binarizer dropped: darkened paper with no mask
	// coverage at all.
	r := q.Options[2]
	for y := r.Y; y < r.Y+r.Height; y++ {
		for x := r.X; x < r.X+r.Width; x++ {
			c.Gray.Pix[y*c.Gray.Stride+x] = 180
		}
	}
	inkDisc(c, q.Options[0], fullRadius(q.Options[0]), 0, 0)

	fills, err := Detect(context.Background(), c, sheet, DefaultOptions())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	faint := fills[0][2]
	if faint.Ratio != 0 {
		t.Errorf("faint ratio = %.3f, want 0", faint.Ratio)
	}
	if !faint.LowContrast {
		t.Errorf("faint mark (MeanLum %.0f) not flagged", faint.MeanLum)
	}
	if solid := fills[0][0]; solid.LowContrast {
		t.Errorf("solid mark (MeanLum %.0f) flagged low-contrast", solid.MeanLum)
	}
	if clean := fills[0][1]; clean.LowContrast {
		t.Errorf("clean region (MeanLum %.0f) flagged low-contrast", clean.MeanLum)
	}
}

func TestDetectTrimOffset(t *testing.T) {
	sheet := testSheet(t)
	c := blankCanonical(sheet)
	q := sheet.Questions[0]
	inkDisc(c, q.Options[0], fullRadius(q.Options[0]), 6, 6)

	plain, err := Detect(context.Background(), c, sheet, DefaultOptions())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	opts := DefaultOptions()
	opts.Trim = Trim{
		OffsetX: 6 / float64(sheet.CanonicalWidth),
		OffsetY: 6 / float64(sheet.CanonicalHeight),
	}
	trimmed, err := Detect(context.Background(), c, sheet, opts)
	if err != nil {
		t.Fatalf("Detect with trim: %v", err)
	}

	if trimmed[0][0].Ratio < plain[0][0].Ratio+0.1 {
		t.Errorf("trim did not recover offset: %.3f vs %.3f",
			trimmed[0][0].Ratio, plain[0][0].Ratio)
	}
	if trimmed[0][0].Ratio < 0.8 {
		t.Errorf("trimmed ratio = %.3f", trimmed[0][0].Ratio)
	}
}

func TestDetectTrimScale(t *testing.T) {
	sheet := testSheet(t)
	c := blankCanonical(sheet)

	// A print run scaled 3% about the sheet center displaces regions
	// far from the center by tens of pixels.
	const scale = 1.03
	cx := float64(sheet.CanonicalWidth) / 2
	cy := float64(sheet.CanonicalHeight) / 2
	last := sheet.Questions[len(sheet.Questions)-1]
	r := last.Options[3]
	rcx := float64(r.X) + float64(r.Width)/2
	rcy := float64(r.Y) + float64(r.Height)/2
	inkDisc(c, r, fullRadius(r), (rcx-cx)*(scale-1), (rcy-cy)*(scale-1))

	plain, err := Detect(context.Background(), c, sheet, DefaultOptions())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	opts := DefaultOptions()
	opts.Trim = Trim{ScaleX: scale, ScaleY: scale}
	trimmed, err := Detect(context.Background(), c, sheet, opts)
	if err != nil {
		t.Fatalf("Detect with trim: %v", err)
	}

	qi := len(sheet.Questions) - 1
	if plain[qi][3].Ratio > 0.4 {
		t.Errorf("untrimmed ratio = %.3f, displacement too mild for test", plain[qi][3].Ratio)
	}
	if trimmed[qi][3].Ratio < 0.8 {
		t.Errorf("trimmed ratio = %.3f", trimmed[qi][3].Ratio)
	}
}

func TestTrimValidate(t *testing.T) {
	tests := []struct {
		name    string
		trim    Trim
		wantErr bool
	}{
		{"zero value", Trim{}, false},
		{"mild", Trim{ScaleX: 1.05, ScaleY: 0.97, OffsetX: -0.03, OffsetY: 0.01}, false},
		{"scale too small", Trim{ScaleX: 0.5}, true},
		{"scale too big", Trim{ScaleY: 1.2}, true},
		{"offset too big", Trim{OffsetX: 0.06}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.trim.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDetectRegionLeavesSheet(t *testing.T) {
	sheet := &template.Sheet{
		Version:         "T",
		CanonicalWidth:  200,
		CanonicalHeight: 200,
		Fiducials: []template.Fiducial{
			{Name: template.FiducialTopLeft, X: 10, Y: 10, Size: 8},
			{Name: template.FiducialTopRight, X: 190, Y: 10, Size: 8},
			{Name: template.FiducialBottomRight, X: 190, Y: 190, Size: 8},
			{Name: template.FiducialBottomLeft, X: 10, Y: 190, Size: 8},
		},
		Questions: []template.Question{{
			Index:   1,
			Subject: "S",
			Options: []geometry.RectInt{
				{X: 0, Y: 50, Width: 8, Height: 8},
				{X: 20, Y: 50, Width: 8, Height: 8},
			},
		}},
		Scheme: template.DefaultScheme(),
	}
	if err := sheet.Validate(); err != nil {
		t.Fatalf("test sheet invalid: %v", err)
	}

	c := blankCanonical(sheet)
	opts := DefaultOptions()
	opts.Trim = Trim{OffsetX: -0.05}

	_, err := Detect(context.Background(), c, sheet, opts)
	if err == nil || !strings.Contains(err.Error(), "leaves the sheet") {
		t.Errorf("err = %v, want region-leaves-sheet", err)
	}
}

func TestDetectNilInputs(t *testing.T) {
	sheet := testSheet(t)
	if _, err := Detect(context.Background(), nil, sheet, DefaultOptions()); err == nil {
		t.Error("nil canonical accepted")
	}
	if _, err := Detect(context.Background(), blankCanonical(sheet), nil, DefaultOptions()); err == nil {
		t.Error("nil sheet accepted")
	}
}

func TestDetectCancelled(t *testing.T) {
	sheet := testSheet(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Detect(ctx, blankCanonical(sheet), sheet, DefaultOptions())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
