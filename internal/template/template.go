// Package template defines versioned sheet layouts and the registry
// that publishes them to concurrent evaluations.
//
// A Sheet is pure data: fiducial geometry, the bubble grid, the
// subject grouping and the answer key. The aligner, bubble detector
// and scoring engine all consult the same Sheet, so adding a new sheet
// version is a data change, never a code change.
package template

import (
	"fmt"
	"sort"

	"omr-grader/pkg/geometry"
)

// Corner fiducial names. Every sheet carries these four; any further
// fiducials (such as the version marker) use free-form names.
const (
	FiducialTopLeft     = "tl"
	FiducialTopRight    = "tr"
	FiducialBottomRight = "br"
	FiducialBottomLeft  = "bl"
	FiducialVersion     = "version"
)

// Fiducial is a printed registration marker: a filled square centered
// at (X, Y) in canonical coordinates.
type Fiducial struct {
	Name string  `json:"name"`
	X    float64 `json:"x"`    // center, canonical px
	Y    float64 `json:"y"`    // center, canonical px
	Size float64 `json:"size"` // side length, canonical px
}

// Point returns the marker center.
func (f Fiducial) Point() geometry.Point2D {
	return geometry.Point2D{X: f.X, Y: f.Y}
}

// Question is one row of the bubble grid. Options are ordered: index 0
// is option A, index 1 is B, and so on.
type Question struct {
	Index   int                `json:"index"` // 1-based, unique per sheet
	Subject string             `json:"subject"`
	Options []geometry.RectInt `json:"options"`
}

// Scheme is the marking scheme applied at scoring time. Penalties are
// magnitudes: a wrong single answer scores -WrongPenalty.
type Scheme struct {
	CorrectPoints float64 `json:"correct_points"`
	WrongPenalty  float64 `json:"wrong_penalty"`
	MultiPenalty  float64 `json:"multi_penalty"`
	SubjectMax    int     `json:"subject_max"` // scaled per-subject ceiling
	TotalMax      int     `json:"total_max"`   // scaled total ceiling
}

// DefaultScheme returns plain +1 marking with the 0-20 subject and
// 0-100 total scales.
func DefaultScheme() Scheme {
	return Scheme{CorrectPoints: 1, SubjectMax: 20, TotalMax: 100}
}

// Validate checks the scheme.
func (s Scheme) Validate() error {
	if s.CorrectPoints <= 0 {
		return fmt.Errorf("correct points must be positive")
	}
	if s.WrongPenalty < 0 || s.MultiPenalty < 0 {
		return fmt.Errorf("penalties are magnitudes and cannot be negative")
	}
	if s.SubjectMax <= 0 || s.TotalMax <= 0 {
		return fmt.Errorf("score ceilings must be positive")
	}
	return nil
}

// Sheet is one immutable, versioned sheet layout.
type Sheet struct {
	Version         string        `json:"version"`
	Name            string        `json:"name,omitempty"`
	CanonicalWidth  int           `json:"canonical_width"`
	CanonicalHeight int           `json:"canonical_height"`
	Fiducials       []Fiducial    `json:"fiducials"`
	Questions       []Question    `json:"questions"`
	AnswerKey       map[int][]int `json:"answer_key,omitempty"` // question index -> correct options
	Scheme          Scheme        `json:"scheme"`
}

// Validate checks the structural parts of the sheet: geometry, grid
// and scheme. The answer key is validated separately by ValidateKey so
// a layout can exist before its key is provisioned.
func (s *Sheet) Validate() error {
	if s.Version == "" {
		return fmt.Errorf("sheet version is required")
	}
	if s.CanonicalWidth <= 0 || s.CanonicalHeight <= 0 {
		return fmt.Errorf("canonical dimensions must be positive")
	}

	names := make(map[string]bool, len(s.Fiducials))
	for _, f := range s.Fiducials {
		if f.Name == "" {
			return fmt.Errorf("fiducial name is required")
		}
		if names[f.Name] {
			return fmt.Errorf("duplicate fiducial %q", f.Name)
		}
		names[f.Name] = true
		if f.Size <= 0 {
			return fmt.Errorf("fiducial %q size must be positive", f.Name)
		}
		if f.X < 0 || f.Y < 0 || f.X > float64(s.CanonicalWidth) || f.Y > float64(s.CanonicalHeight) {
			return fmt.Errorf("fiducial %q outside canonical bounds", f.Name)
		}
	}
	for _, corner := range []string{FiducialTopLeft, FiducialTopRight, FiducialBottomRight, FiducialBottomLeft} {
		if !names[corner] {
			return fmt.Errorf("missing corner fiducial %q", corner)
		}
	}

	if len(s.Questions) == 0 {
		return fmt.Errorf("at least one question is required")
	}
	seen := make(map[int]bool, len(s.Questions))
	for _, q := range s.Questions {
		if q.Index <= 0 {
			return fmt.Errorf("question index %d must be positive", q.Index)
		}
		if seen[q.Index] {
			return fmt.Errorf("duplicate question index %d", q.Index)
		}
		seen[q.Index] = true
		if q.Subject == "" {
			return fmt.Errorf("question %d has no subject", q.Index)
		}
		if len(q.Options) < 2 {
			return fmt.Errorf("question %d needs at least 2 options", q.Index)
		}
		for oi, r := range q.Options {
			if r.Width <= 0 || r.Height <= 0 {
				return fmt.Errorf("question %d option %d has empty region", q.Index, oi)
			}
			if r.X < 0 || r.Y < 0 || r.X+r.Width > s.CanonicalWidth || r.Y+r.Height > s.CanonicalHeight {
				return fmt.Errorf("question %d option %d outside canonical bounds", q.Index, oi)
			}
		}
	}

	if err := s.Scheme.Validate(); err != nil {
		return fmt.Errorf("invalid scheme: %w", err)
	}
	return nil
}

// ValidateKey checks that the answer key covers every question with
// in-range option indices.
func (s *Sheet) ValidateKey() error {
	if len(s.AnswerKey) == 0 {
		return fmt.Errorf("answer key is empty")
	}
	byIndex := make(map[int]*Question, len(s.Questions))
	for i := range s.Questions {
		byIndex[s.Questions[i].Index] = &s.Questions[i]
	}

	for idx, correct := range s.AnswerKey {
		q, ok := byIndex[idx]
		if !ok {
			return fmt.Errorf("answer key references unknown question %d", idx)
		}
		if len(correct) == 0 {
			return fmt.Errorf("answer key for question %d is empty", idx)
		}
		for _, opt := range correct {
			if opt < 0 || opt >= len(q.Options) {
				return fmt.Errorf("answer key for question %d references option %d of %d", idx, opt, len(q.Options))
			}
		}
	}
	for idx := range byIndex {
		if _, ok := s.AnswerKey[idx]; !ok {
			return fmt.Errorf("answer key missing question %d", idx)
		}
	}
	return nil
}

// ApplyKey replaces the sheet's answer key after validating it against
// the grid.
func (s *Sheet) ApplyKey(key map[int][]int) error {
	old := s.AnswerKey
	s.AnswerKey = cloneKey(key)
	if err := s.ValidateKey(); err != nil {
		s.AnswerKey = old
		return err
	}
	return nil
}

// CornerQuad returns the four corner fiducial centers as an ordered
// quad.
func (s *Sheet) CornerQuad() (geometry.Quad, error) {
	var q geometry.Quad
	found := 0
	for _, f := range s.Fiducials {
		switch f.Name {
		case FiducialTopLeft:
			q.TL = f.Point()
			found++
		case FiducialTopRight:
			q.TR = f.Point()
			found++
		case FiducialBottomRight:
			q.BR = f.Point()
			found++
		case FiducialBottomLeft:
			q.BL = f.Point()
			found++
		}
	}
	if found != 4 {
		return geometry.Quad{}, fmt.Errorf("sheet %q has %d corner fiducials, want 4", s.Version, found)
	}
	return q, nil
}

// ExtraFiducials returns the non-corner fiducials sorted by name, so
// iteration order is stable across runs.
func (s *Sheet) ExtraFiducials() []Fiducial {
	var extras []Fiducial
	for _, f := range s.Fiducials {
		switch f.Name {
		case FiducialTopLeft, FiducialTopRight, FiducialBottomRight, FiducialBottomLeft:
		default:
			extras = append(extras, f)
		}
	}
	sort.Slice(extras, func(i, j int) bool { return extras[i].Name < extras[j].Name })
	return extras
}

// Subjects returns the subject names in first-appearance order.
func (s *Sheet) Subjects() []string {
	var subjects []string
	seen := make(map[string]bool)
	for _, q := range s.Questions {
		if !seen[q.Subject] {
			seen[q.Subject] = true
			subjects = append(subjects, q.Subject)
		}
	}
	return subjects
}

// QuestionCount returns the number of questions on the sheet.
func (s *Sheet) QuestionCount() int {
	return len(s.Questions)
}

// SubjectQuestions returns the question indices belonging to one
// subject, in grid order.
func (s *Sheet) SubjectQuestions(subject string) []int {
	var out []int
	for _, q := range s.Questions {
		if q.Subject == subject {
			out = append(out, q.Index)
		}
	}
	return out
}

// Clone returns a deep copy of the sheet.
func (s *Sheet) Clone() *Sheet {
	out := *s
	out.Fiducials = append([]Fiducial(nil), s.Fiducials...)
	out.Questions = make([]Question, len(s.Questions))
	for i, q := range s.Questions {
		q.Options = append([]geometry.RectInt(nil), q.Options...)
		out.Questions[i] = q
	}
	out.AnswerKey = cloneKey(s.AnswerKey)
	return &out
}

func cloneKey(key map[int][]int) map[int][]int {
	if key == nil {
		return nil
	}
	out := make(map[int][]int, len(key))
	for k, v := range key {
		out[k] = append([]int(nil), v...)
	}
	return out
}

// OptionLabel returns the conventional letter for an option index:
// 0 is "A", 1 is "B", and so on.
func OptionLabel(i int) string {
	if i < 0 {
		return "?"
	}
	if i < 26 {
		return string(rune('A' + i))
	}
	return fmt.Sprintf("#%d", i)
}
