package preprocess

import (
	"errors"
	"image"
	"image/color"
	"testing"

	img "omr-grader/internal/image"
)

// gradientSheet draws dark squares on a white page lit unevenly from
// left to right.
func gradientSheet(w, h int, squares []image.Rectangle) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// 140 at the left edge rising to 250 at the right.
			lum := uint8(140 + (110*x)/w)
			out.SetNRGBA(x, y, color.NRGBA{R: lum, G: lum, B: lum, A: 255})
		}
	}
	for _, sq := range squares {
		for y := sq.Min.Y; y < sq.Max.Y; y++ {
			for x := sq.Min.X; x < sq.Max.X; x++ {
				out.SetNRGBA(x, y, color.NRGBA{R: 35, G: 35, B: 35, A: 255})
			}
		}
	}
	return out
}

// plainSheet draws ink squares on an evenly lit page.
func plainSheet(w, h int, paper, ink uint8, squares []image.Rectangle) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.SetNRGBA(x, y, color.NRGBA{R: paper, G: paper, B: paper, A: 255})
		}
	}
	for _, sq := range squares {
		for y := sq.Min.Y; y < sq.Max.Y; y++ {
			for x := sq.Min.X; x < sq.Max.X; x++ {
				out.SetNRGBA(x, y, color.NRGBA{R: ink, G: ink, B: ink, A: 255})
			}
		}
	}
	return out
}

func TestNormalizeLowContrast(t *testing.T) {
	flat := image.NewNRGBA(image.Rect(0, 0, 300, 400))
	for y := 0; y < 400; y++ {
		for x := 0; x < 300; x++ {
			flat.SetNRGBA(x, y, color.NRGBA{R: 180, G: 180, B: 180, A: 255})
		}
	}

	_, err := Normalize(img.FromImage(flat), DefaultOptions())
	if !errors.Is(err, ErrLowContrast) {
		t.Fatalf("err = %v, want ErrLowContrast", err)
	}
}

// A page whose printing covers a tenth of a percent still separates
// cleanly. The gate has to read ink depth, not ink quantity, or a
// lightly printed sheet reads as contrastless.
func TestNormalizeSparseInk(t *testing.T) {
	squares := []image.Rectangle{
		image.Rect(100, 120, 116, 136),
		image.Rect(600, 400, 616, 416),
		image.Rect(300, 800, 316, 816),
	}
	sheet := plainSheet(800, 1000, 235, 45, squares)

	bin, err := Normalize(img.FromImage(sheet), DefaultOptions())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if bin.Contrast < DefaultOptions().MinContrast {
		t.Errorf("contrast = %.1f, want at least %.1f", bin.Contrast, DefaultOptions().MinContrast)
	}
	for i, sq := range squares {
		cx := (sq.Min.X + sq.Max.X) / 2
		cy := (sq.Min.Y + sq.Max.Y) / 2
		if bin.Mask.GrayAt(cx, cy).Y != 255 {
			t.Errorf("square %d center (%d,%d) not detected as ink", i, cx, cy)
		}
	}
	if bin.Mask.GrayAt(400, 200).Y != 0 {
		t.Error("paper marked as ink")
	}
}

// Ink that is nearly paper-colored can never binarize, however much of
// the page it covers.
func TestNormalizeFaintInk(t *testing.T) {
	squares := []image.Rectangle{
		image.Rect(60, 80, 100, 120),
		image.Rect(200, 220, 240, 260),
		image.Rect(320, 380, 360, 420),
	}
	sheet := plainSheet(400, 500, 230, 215, squares)

	_, err := Normalize(img.FromImage(sheet), DefaultOptions())
	if !errors.Is(err, ErrLowContrast) {
		t.Fatalf("err = %v, want ErrLowContrast", err)
	}
}

func TestNormalizeMarksSurviveGradient(t *testing.T) {
	squares := []image.Rectangle{
		image.Rect(40, 60, 80, 100),    // dim side
		image.Rect(200, 200, 240, 240), // middle
		image.Rect(330, 340, 370, 380), // bright side
	}
	sheet := gradientSheet(400, 440, squares)

	bin, err := Normalize(img.FromImage(sheet), DefaultOptions())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if bin.Width != 400 || bin.Height != 440 {
		t.Fatalf("size = %dx%d, want 400x440", bin.Width, bin.Height)
	}

	for i, sq := range squares {
		cx := (sq.Min.X + sq.Max.X) / 2
		cy := (sq.Min.Y + sq.Max.Y) / 2
		if bin.Mask.GrayAt(cx, cy).Y != 255 {
			t.Errorf("square %d center (%d,%d) not detected as ink", i, cx, cy)
		}
	}

	// Paper far from any square must stay clean on both the dim and
	// bright sides.
	clean := []image.Point{{X: 30, Y: 400}, {X: 370, Y: 40}, {X: 150, Y: 100}}
	for _, p := range clean {
		if bin.Mask.GrayAt(p.X, p.Y).Y != 0 {
			t.Errorf("paper at (%d,%d) marked as ink", p.X, p.Y)
		}
	}
}

func TestNormalizeFlattensShadow(t *testing.T) {
	// The flattened plane should pull the dim and bright paper to a
	// similar level.
	sheet := gradientSheet(400, 440, []image.Rectangle{image.Rect(180, 180, 220, 220)})

	bin, err := Normalize(img.FromImage(sheet), DefaultOptions())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	dim := float64(bin.Flat.GrayAt(20, 220).Y)
	bright := float64(bin.Flat.GrayAt(380, 220).Y)
	if diff := bright - dim; diff > 30 || diff < -30 {
		t.Errorf("paper levels after flattening differ by %.0f (dim=%.0f bright=%.0f)", diff, dim, bright)
	}
}

func TestNormalizeDownscalesLargeInput(t *testing.T) {
	sheet := gradientSheet(900, 600, []image.Rectangle{image.Rect(100, 100, 200, 200)})

	opts := DefaultOptions()
	opts.MaxDimension = 450
	bin, err := Normalize(img.FromImage(sheet), opts)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if bin.Width > 450 || bin.Height > 450 {
		t.Errorf("size = %dx%d, want within 450", bin.Width, bin.Height)
	}
	if bin.Width != 450 || bin.Height != 300 {
		t.Errorf("aspect not preserved: %dx%d", bin.Width, bin.Height)
	}
}

func TestNormalizeRejectsBadOptions(t *testing.T) {
	sheet := gradientSheet(100, 100, nil)

	opts := DefaultOptions()
	opts.WindowFrac = 0
	opts.WindowMin = 1
	if _, err := Normalize(img.FromImage(sheet), opts); err == nil {
		t.Error("expected error for tiny threshold window")
	}

	if _, err := Normalize(nil, DefaultOptions()); err == nil {
		t.Error("expected error for nil input")
	}
}
