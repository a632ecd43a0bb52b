// Command sheetgen renders a synthetic scan of an answer sheet so the
// grader can be exercised without a scanner. The output is a PNG the
// way a desk scanner would produce it, optionally rotated and shaded.
//
//	sheetgen -template templates/sheet-A.json -fill random -seed 7 -o scan.png
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"

	"omr-grader/internal/sheettest"
	"omr-grader/internal/template"
)

func main() {
	tplPath := flag.String("template", "", "sheet template JSON, empty means the default grid")
	fill := flag.String("fill", "random", "bubble fill: none, key or random")
	seed := flag.Int64("seed", 1, "random seed for -fill random")
	rotate := flag.Float64("rotate", 0, "in-plane rotation in degrees")
	gradient := flag.Float64("gradient", 0, "brightness drop toward the right edge, 0 to 1")
	out := flag.String("o", "scan.png", "output PNG path")
	flag.Parse()

	sheet, err := loadSheet(*tplPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sheetgen: %v\n", err)
		os.Exit(1)
	}

	marks, err := buildMarks(sheet, *fill, *seed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sheetgen: %v\n", err)
		os.Exit(1)
	}

	img := sheettest.Render(sheet, marks, sheettest.Options{
		RotateDeg:    *rotate,
		GradientDrop: *gradient,
	})
	data, err := sheettest.PNG(img)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sheetgen: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "sheetgen: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s: version %s, %d questions, %d marked\n",
		*out, sheet.Version, len(sheet.Questions), len(marks))
}

func loadSheet(path string) (*template.Sheet, error) {
	if path == "" {
		return template.NewGrid(template.DefaultGridConfig("A"))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return template.DecodeSheet(f)
}

func buildMarks(sheet *template.Sheet, fill string, seed int64) (map[int][]int, error) {
	switch fill {
	case "none":
		return nil, nil
	case "key":
		if len(sheet.AnswerKey) == 0 {
			return nil, fmt.Errorf("template %q carries no answer key", sheet.Version)
		}
		marks := make(map[int][]int, len(sheet.AnswerKey))
		for q, key := range sheet.AnswerKey {
			marks[q] = []int{key[0]}
		}
		return marks, nil
	case "random":
		r := rand.New(rand.NewSource(seed))
		marks := make(map[int][]int, len(sheet.Questions))
		for _, q := range sheet.Questions {
			n := len(q.Options)
			switch roll := r.Float64(); {
			case roll < 0.08:
				// left blank
			case roll < 0.13:
				a := r.Intn(n)
				b := (a + 1 + r.Intn(n-1)) % n
				marks[q.Index] = []int{a, b}
			default:
				marks[q.Index] = []int{r.Intn(n)}
			}
		}
		return marks, nil
	default:
		return nil, fmt.Errorf("unknown fill mode %q", fill)
	}
}
