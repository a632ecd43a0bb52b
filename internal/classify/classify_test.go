package classify

import (
	"strings"
	"testing"

	"omr-grader/internal/bubble"
	"omr-grader/internal/template"
	"omr-grader/pkg/geometry"
)

func testQuestions(n, options int) []template.Question {
	qs := make([]template.Question, n)
	for i := range qs {
		opts := make([]geometry.RectInt, options)
		for oi := range opts {
			opts[oi] = geometry.RectInt{X: oi * 36, Y: i * 36, Width: 26, Height: 26}
		}
		qs[i] = template.Question{Index: i + 1, Subject: "S", Options: opts}
	}
	return qs
}

func fillRow(question int, ratios ...float64) []bubble.Fill {
	row := make([]bubble.Fill, len(ratios))
	for i, r := range ratios {
		row[i] = bubble.Fill{Question: question, Option: i, Ratio: r, Samples: 324}
	}
	return row
}

// sheetFills builds a measurement set for n questions of 4 options.
// Questions listed in marks get that option inked at 0.88; everything
// else carries a small deterministic paper-noise ratio.
func sheetFills(n int, marks map[int]int) map[int][]bubble.Fill {
	fills := make(map[int][]bubble.Fill, n)
	for q := 1; q <= n; q++ {
		ratios := make([]float64, 4)
		for o := range ratios {
			ratios[o] = 0.005 + 0.003*float64((q*7+o)%9)
		}
		if o, ok := marks[q]; ok {
			ratios[o] = 0.88
		}
		fills[q] = fillRow(q, ratios...)
	}
	return fills
}

func TestClassifyCleanSheet(t *testing.T) {
	marks := map[int]int{1: 0, 2: 3, 5: 1, 9: 2, 10: 0}
	fills := sheetFills(10, marks)

	decisions, cal, err := Classify(fills, testQuestions(10, 4), DefaultOptions())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(decisions) != 10 {
		t.Fatalf("decisions = %d, want 10", len(decisions))
	}

	if cal.Fallback {
		t.Error("calibration fell back on a sheet with plenty of background")
	}
	if cal.Floor < 0.25 || cal.Floor > 0.60 {
		t.Errorf("floor = %.3f outside clamp range", cal.Floor)
	}
	if cal.Background != 4*10-len(marks) {
		t.Errorf("background = %d, want %d", cal.Background, 4*10-len(marks))
	}

	for q := 1; q <= 10; q++ {
		d := decisions[q]
		if d.Question != q {
			t.Fatalf("decision %d reports question %d", q, d.Question)
		}
		if want, ok := marks[q]; ok {
			if d.State != Single || d.Selected != want {
				t.Errorf("q%d = %s selected %d, want Single %d", q, d.State, d.Selected, want)
			}
		} else {
			if d.State != Blank || d.Selected != -1 {
				t.Errorf("q%d = %s selected %d, want Blank", q, d.State, d.Selected)
			}
		}
		if len(d.Fills) != 4 {
			t.Errorf("q%d carries %d fills", q, len(d.Fills))
		}
	}
}

func TestDecideTable(t *testing.T) {
	cal := Calibration{Floor: 0.45, Separation: 0.12}
	tests := []struct {
		name     string
		ratios   []float64
		want     State
		selected int
		marked   []int
	}{
		{"clean single", []float64{0.9, 0.02, 0.03, 0.01}, Single, 0, []int{0}},
		{"blank", []float64{0.1, 0.02, 0.03, 0.01}, Blank, -1, nil},
		{"just under floor", []float64{0.44, 0.0, 0.0, 0.0}, Blank, -1, nil},
		{"multi mark pair", []float64{0.88, 0.85, 0.02, 0.01}, MultiMark, -1, []int{0, 1}},
		{"multi mark triple", []float64{0.9, 0.85, 0.82, 0.01}, MultiMark, -1, []int{0, 1, 2}},
		{"darker mark wins", []float64{0.9, 0.5, 0.01, 0.0}, Single, 0, []int{0}},
		{"runner-up under floor", []float64{0.5, 0.42, 0.01, 0.0}, LowConfidence, 0, []int{0}},
		{"exact tie", []float64{0.8, 0.8, 0.0, 0.0}, MultiMark, -1, []int{0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := decide(7, fillRow(7, tt.ratios...), cal)
			if d.State != tt.want {
				t.Fatalf("state = %s, want %s", d.State, tt.want)
			}
			if d.Selected != tt.selected {
				t.Errorf("selected = %d, want %d", d.Selected, tt.selected)
			}
			if len(d.Marked) != len(tt.marked) {
				t.Fatalf("marked = %v, want %v", d.Marked, tt.marked)
			}
			for i := range tt.marked {
				if d.Marked[i] != tt.marked[i] {
					t.Errorf("marked = %v, want %v", d.Marked, tt.marked)
				}
			}
		})
	}
}

// A smudged sheet should raise the floor above the smudge level, so
// dirt that would pass a naive fixed threshold still reads Blank.
func TestClassifyAdaptiveFloor(t *testing.T) {
	const n = 50
	fills := make(map[int][]bubble.Fill, n)
	for q := 1; q <= n; q++ {
		ratios := make([]float64, 4)
		for o := range ratios {
			ratios[o] = 0.12 + 0.04*float64((q+o)%5)
		}
		if q%5 == 0 {
			ratios[q%4] = 0.85
		}
		fills[q] = fillRow(q, ratios...)
	}
	// One smudge darker than any paper noise but far short of a mark.
	fills[3][1].Ratio = 0.33

	decisions, cal, err := Classify(fills, testQuestions(n, 4), DefaultOptions())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cal.Floor <= 0.30 {
		t.Errorf("floor = %.3f, want it raised above the smudge level", cal.Floor)
	}
	if d := decisions[3]; d.State != Blank {
		t.Errorf("smudged question = %s, want Blank", d.State)
	}
	for q := 5; q <= n; q += 5 {
		if d := decisions[q]; d.State != Single || d.Selected != q%4 {
			t.Errorf("q%d = %s selected %d, want Single %d", q, d.State, d.Selected, q%4)
		}
	}
}

func TestClassifyFallbackFloor(t *testing.T) {
	fills := map[int][]bubble.Fill{
		1: fillRow(1, 0.90, 0.88),
		2: fillRow(2, 0.92, 0.87),
	}
	decisions, cal, err := Classify(fills, testQuestions(2, 2), DefaultOptions())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !cal.Fallback {
		t.Error("expected fallback calibration on an all-inked sheet")
	}
	if cal.Floor != DefaultOptions().FallbackFloor {
		t.Errorf("floor = %.3f, want fallback %.3f", cal.Floor, DefaultOptions().FallbackFloor)
	}
	for q := 1; q <= 2; q++ {
		if d := decisions[q]; d.State != MultiMark {
			t.Errorf("q%d = %s, want MultiMark", q, d.State)
		}
	}
}

// Raising one bubble's fill while everything else holds still must
// never move that bubble from marked back to unmarked.
func TestClassifyMonotonicity(t *testing.T) {
	marks := map[int]int{2: 1, 4: 0, 6: 3, 8: 2, 10: 1, 12: 0, 14: 2, 16: 3, 18: 1}
	questions := testQuestions(20, 4)

	const q, o = 1, 0
	wasMarked := false
	for step := 0; step <= 50; step++ {
		fills := sheetFills(20, marks)
		fills[q][o].Ratio = float64(step) / 50

		decisions, _, err := Classify(fills, questions, DefaultOptions())
		if err != nil {
			t.Fatalf("Classify at step %d: %v", step, err)
		}
		d := decisions[q]
		marked := false
		for _, m := range d.Marked {
			if m == o {
				marked = true
			}
		}
		if wasMarked && !marked {
			t.Fatalf("fill %.2f unmarked the bubble after %.2f marked it (state %s)",
				float64(step)/50, float64(step-1)/50, d.State)
		}
		wasMarked = wasMarked || marked
	}
	if !wasMarked {
		t.Fatal("bubble never classified as marked across the sweep")
	}
}

func TestClassifyInputValidation(t *testing.T) {
	questions := testQuestions(2, 4)
	fills := sheetFills(2, nil)

	if _, _, err := Classify(fills, nil, DefaultOptions()); err == nil {
		t.Error("no questions accepted")
	}

	delete(fills, 2)
	if _, _, err := Classify(fills, questions, DefaultOptions()); err == nil ||
		!strings.Contains(err.Error(), "no fill measurements") {
		t.Errorf("missing question err = %v", err)
	}

	fills = sheetFills(2, nil)
	fills[1] = fills[1][:3]
	if _, _, err := Classify(fills, questions, DefaultOptions()); err == nil ||
		!strings.Contains(err.Error(), "measurements for") {
		t.Errorf("short row err = %v", err)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Blank, "Blank"}, {Single, "Single"}, {MultiMark, "MultiMark"},
		{LowConfidence, "LowConfidence"}, {State(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %q, want %q", int(tt.s), got, tt.want)
		}
	}
}
