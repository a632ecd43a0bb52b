// Package classify turns fill measurements into discrete per-question
// answer decisions. The marked floor is calibrated from the sheet's
// own fill distribution, so the classifier adapts to each capture's
// ink density and lighting instead of trusting a fixed cutoff.
package classify

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"omr-grader/internal/bubble"
	"omr-grader/internal/template"
)

// State is the discrete outcome for one question.
type State int

const (
	// Blank means no option reached the marked floor.
	Blank State = iota
	// Single means exactly one option is convincingly marked.
	Single
	// MultiMark means two or more options are marked too evenly to
	// pick one.
	MultiMark
	// LowConfidence means one option leads but its runner-up sits too
	// close under the floor to call the mark clean.
	LowConfidence
)

func (s State) String() string {
	switch s {
	case Blank:
		return "Blank"
	case Single:
		return "Single"
	case MultiMark:
		return "MultiMark"
	case LowConfidence:
		return "LowConfidence"
	default:
		return "Unknown"
	}
}

// Decision is the classified answer for one question.
type Decision struct {
	Question int
	State    State
	Selected int           // option index for Single, tentative pick for LowConfidence, else -1
	Marked   []int         // options at the floor and within separation of the top, ascending
	Fills    []bubble.Fill // the measurements behind the call, in option order
}

// Calibration records the thresholds one evaluation actually used.
type Calibration struct {
	Floor      float64 `json:"floor"` // marked floor applied to every question
	Separation float64 `json:"separation"`
	Split      float64 `json:"split"` // background/foreground split of the fill histogram
	BgMean     float64 `json:"bg_mean"`
	BgStd      float64 `json:"bg_std"`
	Background int     `json:"background"` // bubbles in the background population
	Fallback   bool    `json:"fallback"`   // fixed floor used because the background was too small
}

// Options tune the per-sheet calibration. Start from DefaultOptions.
type Options struct {
	FloorSigma    float64 // floor sits this many stddevs above the background mean
	FloorMin      float64 // fill ratio
	FloorMax      float64 // fill ratio
	Separation    float64 // runner-up within this of the top still competes
	FallbackFloor float64 // floor when calibration has too little background
	MinBackground int     // background bubbles needed to calibrate
}

// DefaultOptions returns calibration parameters tuned on the
// synthetic sheet corpus.
func DefaultOptions() Options {
	return Options{
		FloorSigma:    3.0,
		FloorMin:      0.25,
		FloorMax:      0.60,
		Separation:    0.12,
		FallbackFloor: 0.45,
		MinBackground: 8,
	}
}

// Classify decides every question on the sheet. Exactly one Decision
// per template question index; missing or mismatched measurements are
// an error, never a silent blank.
func Classify(fills map[int][]bubble.Fill, questions []template.Question, opts Options) (map[int]Decision, Calibration, error) {
	if len(questions) == 0 {
		return nil, Calibration{}, fmt.Errorf("no questions to classify")
	}
	for _, q := range questions {
		row, ok := fills[q.Index]
		if !ok {
			return nil, Calibration{}, fmt.Errorf("question %d has no fill measurements", q.Index)
		}
		if len(q.Options) < 2 {
			return nil, Calibration{}, fmt.Errorf("question %d needs at least 2 options", q.Index)
		}
		if len(row) != len(q.Options) {
			return nil, Calibration{}, fmt.Errorf("question %d has %d measurements for %d options",
				q.Index, len(row), len(q.Options))
		}
	}

	cal := Calibrate(fills, opts)

	out := make(map[int]Decision, len(questions))
	for _, q := range questions {
		out[q.Index] = decide(q.Index, fills[q.Index], cal)
	}
	return out, cal, nil
}

// Calibrate derives the marked floor from the sheet's fill
// distribution. Background bubbles are everything at or below the
// Otsu split of the fill histogram; the floor sits FloorSigma
// standard deviations above their mean, clamped to [FloorMin,
// FloorMax]. Sheets with too few background bubbles to trust the
// statistics fall back to a fixed floor.
func Calibrate(fills map[int][]bubble.Fill, opts Options) Calibration {
	var ratios []float64
	for _, row := range fills {
		for _, f := range row {
			ratios = append(ratios, f.Ratio)
		}
	}

	cal := Calibration{Separation: opts.Separation}
	cal.Split = otsuSplit(ratios)

	var bg []float64
	for _, r := range ratios {
		if r <= cal.Split {
			bg = append(bg, r)
		}
	}
	cal.Background = len(bg)
	if len(bg) >= 2 {
		cal.BgMean = stat.Mean(bg, nil)
		cal.BgStd = stat.StdDev(bg, nil)
	}

	if cal.Background >= opts.MinBackground {
		cal.Floor = cal.BgMean + opts.FloorSigma*cal.BgStd
	} else {
		cal.Floor = opts.FallbackFloor
		cal.Fallback = true
	}
	if cal.Floor < opts.FloorMin {
		cal.Floor = opts.FloorMin
	}
	if cal.Floor > opts.FloorMax {
		cal.Floor = opts.FloorMax
	}
	return cal
}

// decide applies the decision rule to one question. The top option
// wins outright only if it clears the floor and leads the runner-up
// by more than the separation margin. Ties at the top keep the lowest
// option index, which matters only for reporting MultiMark members.
func decide(question int, row []bubble.Fill, cal Calibration) Decision {
	d := Decision{Question: question, Selected: -1, Fills: row}

	top, second := -1, -1
	for i, f := range row {
		if top < 0 || f.Ratio > row[top].Ratio {
			second = top
			top = i
		} else if second < 0 || f.Ratio > row[second].Ratio {
			second = i
		}
	}

	if row[top].Ratio < cal.Floor {
		d.State = Blank
		return d
	}
	if row[top].Ratio-row[second].Ratio > cal.Separation {
		d.State = Single
		d.Selected = top
		d.Marked = []int{top}
		return d
	}
	if row[second].Ratio >= cal.Floor {
		d.State = MultiMark
		for i, f := range row {
			if f.Ratio >= cal.Floor && row[top].Ratio-f.Ratio <= cal.Separation {
				d.Marked = append(d.Marked, i)
			}
		}
		return d
	}
	d.State = LowConfidence
	d.Selected = top
	d.Marked = []int{top}
	return d
}

// otsuSplit finds the fill level separating unmarked from marked
// bubbles by maximizing between-class variance over a 64-bin
// histogram. Returns the upper edge of the background bin.
func otsuSplit(vals []float64) float64 {
	const bins = 64
	var hist [bins]int
	for _, v := range vals {
		b := int(v * bins)
		if b < 0 {
			b = 0
		}
		if b >= bins {
			b = bins - 1
		}
		hist[b]++
	}

	total := len(vals)
	var sum float64
	for i, n := range hist {
		sum += float64(i) * float64(n)
	}

	var sumB float64
	var wB int
	var maxVar float64
	split := 0
	for t := 0; t < bins; t++ {
		wB += hist[t]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t) * float64(hist[t])
		mB := sumB / float64(wB)
		mF := (sum - sumB) / float64(wF)
		v := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if v > maxVar {
			maxVar = v
			split = t
		}
	}
	return float64(split+1) / bins
}
