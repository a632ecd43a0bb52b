// Package trace captures the intermediate artifacts of one sheet
// evaluation so a reviewer can see why the pipeline decided what it
// decided: which fiducials anchored the fit, what every bubble
// measured, and which thresholds the classifier ran with.
package trace

import (
	"time"

	"omr-grader/internal/align"
	"omr-grader/internal/bubble"
	"omr-grader/internal/classify"
)

// StageTiming is the wall time one pipeline stage took.
type StageTiming struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
}

// Trace is the QA record of one evaluation. The canonical image stays
// in memory for overlay rendering and is dropped from JSON output.
type Trace struct {
	Version     string               `json:"version"`
	Orientation int                  `json:"orientation"` // coarse rotation undone, degrees
	FitRMS      float64              `json:"fit_rms"`     // canonical px
	Matched     []string             `json:"matched"`     // fiducials anchoring the fit
	Missing     []string             `json:"missing,omitempty"`
	Residuals   []float64            `json:"residuals"` // per matched fiducial, canonical px
	Candidates  []align.VersionScore `json:"candidates,omitempty"`
	Fills       [][]bubble.Fill      `json:"fills"`
	Calibration classify.Calibration `json:"calibration"`
	Timings     []StageTiming        `json:"timings,omitempty"`
	OverlayPath string               `json:"overlay_path,omitempty"`

	Canonical *align.Canonical `json:"-"`
}

// New assembles a trace from the pipeline's stage outputs.
func New(res *align.Result, fills [][]bubble.Fill, cal classify.Calibration) *Trace {
	return &Trace{
		Version:     res.Sheet.Version,
		Orientation: res.Orientation,
		FitRMS:      res.Fit.RMS,
		Matched:     res.Matched,
		Missing:     res.Missing,
		Residuals:   res.Fit.Residuals,
		Candidates:  res.Candidates,
		Fills:       fills,
		Calibration: cal,
		Canonical:   res.Canonical,
	}
}

// AddTiming appends one stage duration.
func (t *Trace) AddTiming(stage string, d time.Duration) {
	t.Timings = append(t.Timings, StageTiming{Stage: stage, Duration: d})
}
