// Package score compares classified answers against the answer key
// and assembles the final report.
package score

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"omr-grader/internal/classify"
	"omr-grader/internal/template"
	"omr-grader/internal/trace"
)

// ErrIncompleteEvaluation means the decision set does not cover the
// template's questions exactly. Missing answers are never zero-filled.
var ErrIncompleteEvaluation = errors.New("incomplete evaluation")

// QuestionResult is one scored question.
type QuestionResult struct {
	Question int            `json:"question"`
	Subject  string         `json:"subject"`
	State    classify.State `json:"state"`
	Selected int            `json:"selected"` // -1 unless a single answer was accepted
	Marked   []int          `json:"marked,omitempty"`
	Key      []int          `json:"key"`
	Points   float64        `json:"points"`
}

// SubjectScore aggregates one subject.
type SubjectScore struct {
	Subject   string  `json:"subject"`
	Questions int     `json:"questions"`
	Correct   int     `json:"correct"`
	Wrong     int     `json:"wrong"`
	Blank     int     `json:"blank"`
	MultiMark int     `json:"multi_mark"`
	Flagged   int     `json:"flagged"` // low confidence, scored as unanswered
	Raw       float64 `json:"raw"`     // scheme points before scaling
	Scaled    int     `json:"scaled"`  // 0..Scheme.SubjectMax
}

// Counts tallies decision states over the whole sheet.
type Counts struct {
	Correct       int `json:"correct"`
	Wrong         int `json:"wrong"`
	Blank         int `json:"blank"`
	MultiMark     int `json:"multi_mark"`
	LowConfidence int `json:"low_confidence"`
}

// Report is the outcome of one sheet evaluation, immutable once
// returned.
type Report struct {
	ID          string               `json:"id"`
	Version     string               `json:"version"`
	CreatedAt   time.Time            `json:"created_at"`
	Subjects    []SubjectScore       `json:"subjects"`
	Total       int                  `json:"total"` // 0..Scheme.TotalMax
	Questions   []QuestionResult     `json:"questions"`
	Counts      Counts               `json:"counts"`
	Calibration classify.Calibration `json:"calibration"`
	Trace       *trace.Trace         `json:"trace,omitempty"`
}

// Score applies the sheet's marking scheme to a complete decision set.
// Subjects appear in template question order. Same decisions and
// template always yield the same numbers; only the report id and
// timestamp vary between calls.
func Score(decisions map[int]classify.Decision, tpl *template.Sheet) (*Report, error) {
	if tpl == nil {
		return nil, fmt.Errorf("nil sheet template")
	}
	if err := tpl.ValidateKey(); err != nil {
		return nil, fmt.Errorf("answer key: %w", err)
	}
	if len(decisions) != len(tpl.Questions) {
		return nil, fmt.Errorf("%d decisions for %d questions: %w",
			len(decisions), len(tpl.Questions), ErrIncompleteEvaluation)
	}

	var order []string
	perSubject := make(map[string]*SubjectScore)
	results := make([]QuestionResult, 0, len(tpl.Questions))

	for _, q := range tpl.Questions {
		d, ok := decisions[q.Index]
		if !ok {
			return nil, fmt.Errorf("question %d has no decision: %w", q.Index, ErrIncompleteEvaluation)
		}

		ss := perSubject[q.Subject]
		if ss == nil {
			ss = &SubjectScore{Subject: q.Subject}
			perSubject[q.Subject] = ss
			order = append(order, q.Subject)
		}
		ss.Questions++

		key := tpl.AnswerKey[q.Index]
		var points float64
		switch d.State {
		case classify.Single:
			if containsOption(key, d.Selected) {
				points = tpl.Scheme.CorrectPoints
				ss.Correct++
			} else {
				points = -tpl.Scheme.WrongPenalty
				ss.Wrong++
			}
		case classify.MultiMark:
			points = -tpl.Scheme.MultiPenalty
			ss.MultiMark++
		case classify.Blank:
			ss.Blank++
		case classify.LowConfidence:
			ss.Flagged++
		default:
			return nil, fmt.Errorf("question %d has unknown decision state %d", q.Index, int(d.State))
		}
		ss.Raw += points

		results = append(results, QuestionResult{
			Question: q.Index,
			Subject:  q.Subject,
			State:    d.State,
			Selected: d.Selected,
			Marked:   d.Marked,
			Key:      key,
			Points:   points,
		})
	}

	subjects := make([]SubjectScore, 0, len(order))
	sumScaled := 0
	for _, name := range order {
		ss := perSubject[name]
		maxRaw := tpl.Scheme.CorrectPoints * float64(ss.Questions)
		ss.Scaled = clampRound(ss.Raw/maxRaw*float64(tpl.Scheme.SubjectMax), tpl.Scheme.SubjectMax)
		sumScaled += ss.Scaled
		subjects = append(subjects, *ss)
	}

	// Rescale so the total spans 0..TotalMax whatever the subject
	// count. With five 0-20 subjects this is the plain sum.
	total := clampRound(
		float64(sumScaled)*float64(tpl.Scheme.TotalMax)/float64(tpl.Scheme.SubjectMax*len(order)),
		tpl.Scheme.TotalMax)

	var counts Counts
	for _, ss := range subjects {
		counts.Correct += ss.Correct
		counts.Wrong += ss.Wrong
		counts.Blank += ss.Blank
		counts.MultiMark += ss.MultiMark
		counts.LowConfidence += ss.Flagged
	}

	return &Report{
		ID:        uuid.NewString(),
		Version:   tpl.Version,
		CreatedAt: time.Now().UTC(),
		Subjects:  subjects,
		Total:     total,
		Questions: results,
		Counts:    counts,
	}, nil
}

// Decisions rebuilds the per-question decision map from the report
// rows. Fill measurements are not carried, so the returned decisions
// hold states and selections only.
func (r *Report) Decisions() map[int]classify.Decision {
	out := make(map[int]classify.Decision, len(r.Questions))
	for _, q := range r.Questions {
		out[q.Question] = classify.Decision{
			Question: q.Question,
			State:    q.State,
			Selected: q.Selected,
			Marked:   q.Marked,
		}
	}
	return out
}

// clampRound rounds half up and clamps to [0, limit].
func clampRound(x float64, limit int) int {
	n := int(math.Floor(x + 0.5))
	if n < 0 {
		return 0
	}
	if n > limit {
		return limit
	}
	return n
}

func containsOption(key []int, option int) bool {
	for _, k := range key {
		if k == option {
			return true
		}
	}
	return false
}
