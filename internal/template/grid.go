package template

import (
	"fmt"

	"omr-grader/pkg/geometry"
)

// Default canonical layout constants: A4 proportions at 150 DPI.
const (
	DefaultCanonicalWidth  = 1240
	DefaultCanonicalHeight = 1754

	DefaultFiducialMargin = 60 // page edge to fiducial center
	DefaultFiducialSize   = 36 // filled square side
	DefaultBubbleSide     = 26 // option region side
	DefaultOptionGap      = 10 // horizontal gap between options

	// Width reserved at the left of each subject column for the
	// printed question number.
	questionNumberWidth = 36

	// The version marker sits on the top edge between the corner
	// fiducials; each set shifts it right by this fraction of the
	// canonical width. Distinct positions are what let the aligner
	// tell sets apart by fit residual.
	versionMarkerBase = 0.30
	versionMarkerStep = 0.08
)

// GridConfig describes a regular column-per-subject bubble layout for
// NewGrid.
type GridConfig struct {
	Version             string
	Name                string
	Subjects            []string // one column per subject
	QuestionsPerSubject int
	OptionsPerQuestion  int
	CanonicalWidth      int
	CanonicalHeight     int
	FiducialMargin      int
	FiducialSize        int
	BubbleSide          int
	OptionGap           int
	VersionIndex        int // ordinal of this set; shifts the version marker
	Scheme              Scheme
}

// DefaultGridConfig returns the standard five-subject, hundred
// question layout for the given version id.
func DefaultGridConfig(version string) GridConfig {
	return GridConfig{
		Version:             version,
		Subjects:            []string{"MATH", "PHYSICS", "CHEMISTRY", "BIOLOGY", "ENGLISH"},
		QuestionsPerSubject: 20,
		OptionsPerQuestion:  4,
		CanonicalWidth:      DefaultCanonicalWidth,
		CanonicalHeight:     DefaultCanonicalHeight,
		FiducialMargin:      DefaultFiducialMargin,
		FiducialSize:        DefaultFiducialSize,
		BubbleSide:          DefaultBubbleSide,
		OptionGap:           DefaultOptionGap,
		Scheme:              DefaultScheme(),
	}
}

// NewGrid builds a complete sheet layout from the grid parameters. The
// answer key is left empty; apply one before registering the sheet.
func NewGrid(cfg GridConfig) (*Sheet, error) {
	if cfg.Version == "" {
		return nil, fmt.Errorf("grid version is required")
	}
	if len(cfg.Subjects) == 0 {
		return nil, fmt.Errorf("at least one subject is required")
	}
	if cfg.QuestionsPerSubject <= 0 {
		return nil, fmt.Errorf("questions per subject must be positive")
	}
	if cfg.OptionsPerQuestion < 2 {
		return nil, fmt.Errorf("need at least 2 options per question")
	}
	if cfg.VersionIndex < 0 {
		return nil, fmt.Errorf("version index cannot be negative")
	}

	w, h := cfg.CanonicalWidth, cfg.CanonicalHeight
	m := float64(cfg.FiducialMargin)
	fs := float64(cfg.FiducialSize)

	fiducials := []Fiducial{
		{Name: FiducialTopLeft, X: m, Y: m, Size: fs},
		{Name: FiducialTopRight, X: float64(w) - m, Y: m, Size: fs},
		{Name: FiducialBottomRight, X: float64(w) - m, Y: float64(h) - m, Size: fs},
		{Name: FiducialBottomLeft, X: m, Y: float64(h) - m, Size: fs},
		{
			Name: FiducialVersion,
			X:    float64(w) * (versionMarkerBase + versionMarkerStep*float64(cfg.VersionIndex)),
			Y:    m,
			Size: fs,
		},
	}

	// Content box below the top fiducial row, above the bottom one.
	sidePad := cfg.FiducialMargin + cfg.FiducialSize
	topY := cfg.FiducialMargin + cfg.FiducialSize/2 + 50
	bottomY := h - cfg.FiducialMargin - cfg.FiducialSize/2 - 20

	colW := (w - 2*sidePad) / len(cfg.Subjects)
	rowH := (bottomY - topY) / cfg.QuestionsPerSubject
	if rowH < cfg.BubbleSide+2 {
		return nil, fmt.Errorf("layout does not fit: row height %d below bubble size %d", rowH, cfg.BubbleSide)
	}
	rowWidth := questionNumberWidth + cfg.OptionsPerQuestion*(cfg.BubbleSide+cfg.OptionGap)
	if rowWidth > colW {
		return nil, fmt.Errorf("layout does not fit: option row %d px exceeds column %d px", rowWidth, colW)
	}

	var questions []Question
	for si, subject := range cfg.Subjects {
		colX := sidePad + si*colW + questionNumberWidth
		for qi := 0; qi < cfg.QuestionsPerSubject; qi++ {
			y := topY + qi*rowH + (rowH-cfg.BubbleSide)/2
			opts := make([]geometry.RectInt, cfg.OptionsPerQuestion)
			for oi := 0; oi < cfg.OptionsPerQuestion; oi++ {
				opts[oi] = geometry.RectInt{
					X:      colX + oi*(cfg.BubbleSide+cfg.OptionGap),
					Y:      y,
					Width:  cfg.BubbleSide,
					Height: cfg.BubbleSide,
				}
			}
			questions = append(questions, Question{
				Index:   si*cfg.QuestionsPerSubject + qi + 1,
				Subject: subject,
				Options: opts,
			})
		}
	}

	sheet := &Sheet{
		Version:         cfg.Version,
		Name:            cfg.Name,
		CanonicalWidth:  w,
		CanonicalHeight: h,
		Fiducials:       fiducials,
		Questions:       questions,
		Scheme:          cfg.Scheme,
	}
	if err := sheet.Validate(); err != nil {
		return nil, fmt.Errorf("generated grid invalid: %w", err)
	}
	return sheet, nil
}
