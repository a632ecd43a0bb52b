package align

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"omr-grader/internal/preprocess"
	"omr-grader/internal/template"
	"omr-grader/pkg/geometry"
)

var (
	// ErrFiducialNotFound reports that too few fiducial markers could
	// be found to anchor the sheet.
	ErrFiducialNotFound = errors.New("fiducials not found")

	// ErrResidualTooHigh reports that fiducials were matched but no
	// transform mapped them onto the template accurately enough.
	ErrResidualTooHigh = errors.New("alignment residual too high")

	// ErrAmbiguousVersion reports that two sheet versions fit the scan
	// about equally well.
	ErrAmbiguousVersion = errors.New("sheet version is ambiguous")
)

// Options tunes fiducial detection and sheet alignment. Distances are
// canonical pixels unless noted.
type Options struct {
	MinFiducials      int     // matched fiducial floor before a fit is attempted
	SearchRadiusPx    float64 // projection match radius
	MaxResidualPx     float64 // fit RMS acceptance gate
	AmbiguityMarginPx float64 // required score gap between best and runner-up version
	MissPenaltyPx     float64 // score penalty per unmatched fiducial, doubled for the version marker
	MaxRotationDeg    float64 // residual in-plane rotation gate on accepted fits
	MaxAnisotropy     float64 // axis scale ratio gate on accepted fits
	MarkerMinFill     float64 // blob fill ratio floor
	MarkerMaxAspect   float64 // blob bounding box aspect ceiling
	MarkerSizeLo      float64 // min blob side as a fraction of the expected fiducial side
	MarkerSizeHi      float64 // max blob side as a fraction of the expected fiducial side

	Logger zerolog.Logger
}

// DefaultOptions returns alignment parameters tuned for 150-300 DPI
// desk scans.
func DefaultOptions() Options {
	return Options{
		MinFiducials:      3,
		SearchRadiusPx:    18,
		MaxResidualPx:     6.0,
		AmbiguityMarginPx: 1.5,
		MissPenaltyPx:     8.0,
		MaxRotationDeg:    25,
		MaxAnisotropy:     1.25,
		MarkerMinFill:     0.60,
		MarkerMaxAspect:   1.6,
		MarkerSizeLo:      0.45,
		MarkerSizeHi:      2.3,
		Logger:            zerolog.Nop(),
	}
}

// VersionScore is the outcome of fitting one candidate sheet version
// at one orientation. Score is the fit RMS plus a penalty per
// unmatched fiducial, doubled when the miss is the version marker, so
// a fit that lost the one orientation-breaking landmark ranks clearly
// below one that kept it.
type VersionScore struct {
	Version     string  `json:"version"`
	Orientation int     `json:"orientation"`
	Matched     int     `json:"matched"`
	Missing     int     `json:"missing"`
	RMS         float64 `json:"rms"`
	Score       float64 `json:"score"`
	Accepted    bool    `json:"accepted"`
}

// Result is an accepted alignment: the winning sheet version, the scan
// resampled into its canonical frame, and the fit diagnostics.
type Result struct {
	Sheet       *template.Sheet
	Canonical   *Canonical
	Transform   geometry.ProjectiveTransform // scan coordinates onto the canonical sheet
	Orientation int                          // degrees of coarse rotation undone before matching
	Fit         Fit
	Matched     []string
	Missing     []string
	Candidates  []VersionScore // per version, its best fit across the orientations
}

// orientations are the quarter-turn pre-rotations every scan is
// scored under. The corner quad is 180-degree symmetric, so a flipped
// scan fits the wrong orientation almost as well as the right one;
// all four turns feed one pooled ranking, where the version-marker
// miss penalty separates them.
var orientations = []int{0, 90, 180, 270}

// fitted is one pooled (orientation, version) fit.
type fitted struct {
	score VersionScore
	corr  Correspondence
	total geometry.ProjectiveTransform
	sheet *template.Sheet
}

// Align locates the fiducial markers in a binarized scan, decides
// which candidate sheet version it is and at which quarter-turn
// orientation, and resamples the scan into that sheet's canonical
// frame.
//
// Every (orientation, version) pair is fitted and the accepted fits
// compete on score in a single ranking. Version selection requires
// the winner to beat every fit of any other version by
// AmbiguityMarginPx; anything closer fails with ErrAmbiguousVersion
// rather than guessing.
func Align(bin *preprocess.Binary, candidates []*template.Sheet, opts Options) (*Result, error) {
	if bin == nil || bin.Mask == nil {
		return nil, fmt.Errorf("nil binarized scan")
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no candidate sheet versions")
	}
	log := opts.Logger

	markers := FindMarkers(bin.Mask, markerFilter(bin, candidates, opts))
	log.Debug().Int("markers", len(markers)).Msg("fiducial candidates")
	if len(markers) < opts.MinFiducials {
		return nil, fmt.Errorf("%w: %d marker candidates in scan", ErrFiducialNotFound, len(markers))
	}

	summary := make([]VersionScore, len(candidates))
	for i, sheet := range candidates {
		summary[i] = VersionScore{Version: sheet.Version, RMS: math.Inf(1), Score: math.Inf(1)}
	}

	var pool []fitted
	for _, deg := range orientations {
		rot := rotationTransform(deg, bin.Width, bin.Height)
		rotated := rotateMarkers(markers, rot)

		for i, sheet := range candidates {
			corr, err := MatchFiducials(sheet, rotated, opts)
			if err != nil {
				log.Debug().Int("orientation", deg).Str("version", sheet.Version).
					Err(err).Msg("alignment candidate rejected")
				continue
			}

			miss := opts.MissPenaltyPx * float64(len(corr.Missing))
			// The version marker is the only fiducial breaking the
			// corner grid's 180-degree symmetry, so losing it costs
			// double: a flipped scan fitting the corners but not the
			// marker must rank below a torn corner that kept it.
			for _, name := range corr.Missing {
				if name == template.FiducialVersion {
					miss += opts.MissPenaltyPx
				}
			}
			vs := VersionScore{
				Version:     sheet.Version,
				Orientation: deg,
				Matched:     len(corr.Matched),
				Missing:     len(corr.Missing),
				RMS:         corr.Fit.RMS,
				Score:       corr.Fit.RMS + miss,
				Accepted:    corr.Fit.RMS <= opts.MaxResidualPx,
			}
			pool = append(pool, fitted{
				score: vs,
				corr:  corr,
				total: corr.Fit.Transform.Compose(geometry.FromAffine(rot)),
				sheet: sheet,
			})
			if vs.Score < summary[i].Score {
				summary[i] = vs
			}
			log.Debug().Int("orientation", deg).Str("version", sheet.Version).
				Int("matched", vs.Matched).Int("missing", vs.Missing).
				Float64("rms", vs.RMS).Float64("score", vs.Score).
				Bool("accepted", vs.Accepted).Msg("alignment candidate")
		}
	}

	best := -1
	for i := range pool {
		if !pool[i].score.Accepted {
			continue
		}
		if best < 0 || pool[i].score.Score < pool[best].score.Score {
			best = i
		}
	}
	if best < 0 {
		if len(pool) > 0 {
			low := math.Inf(1)
			for i := range pool {
				if pool[i].score.RMS < low {
					low = pool[i].score.RMS
				}
			}
			return nil, fmt.Errorf("%w: best fit RMS %.2f px over limit %.2f px",
				ErrResidualTooHigh, low, opts.MaxResidualPx)
		}
		return nil, fmt.Errorf("%w: no sheet version matched at any orientation (%d marker candidates)",
			ErrFiducialNotFound, len(markers))
	}

	// The margin guards version identity only. Two orientations of one
	// version may score close together without making the version
	// ambiguous; the better of them simply wins.
	win := pool[best]
	for i := range pool {
		if !pool[i].score.Accepted || pool[i].score.Version == win.score.Version {
			continue
		}
		if pool[i].score.Score-win.score.Score < opts.AmbiguityMarginPx {
			return nil, fmt.Errorf("%w: %q (score %.2f) vs %q (score %.2f)",
				ErrAmbiguousVersion,
				win.score.Version, win.score.Score,
				pool[i].score.Version, pool[i].score.Score)
		}
	}

	canon, err := Rectify(bin, win.total, win.sheet.CanonicalWidth, win.sheet.CanonicalHeight)
	if err != nil {
		return nil, fmt.Errorf("rectify %q: %w", win.sheet.Version, err)
	}
	log.Debug().Str("version", win.sheet.Version).Int("orientation", win.score.Orientation).
		Float64("rms", win.score.RMS).Msg("sheet aligned")

	return &Result{
		Sheet:       win.sheet,
		Canonical:   canon,
		Transform:   win.total,
		Orientation: win.score.Orientation,
		Fit:         win.corr.Fit,
		Matched:     win.corr.Matched,
		Missing:     win.corr.Missing,
		Candidates:  summary,
	}, nil
}

// markerFilter derives blob size bounds from the candidates' fiducial
// geometry scaled to the scan. Bounds are the loosest over all
// candidates so detection never has to rerun per version.
func markerFilter(bin *preprocess.Binary, candidates []*template.Sheet, opts Options) MarkerFilter {
	scanLong := float64(max(bin.Width, bin.Height))

	lo := math.Inf(1)
	hi := 0.0
	for _, s := range candidates {
		scale := scanLong / float64(max(s.CanonicalWidth, s.CanonicalHeight))
		for _, f := range s.Fiducials {
			side := f.Size * scale
			if v := side * opts.MarkerSizeLo; v < lo {
				lo = v
			}
			if v := side * opts.MarkerSizeHi; v > hi {
				hi = v
			}
		}
	}

	minSide := int(lo)
	if minSide < 4 {
		minSide = 4
	}
	return MarkerFilter{
		MinSide:   minSide,
		MaxSide:   int(hi) + 1,
		MaxAspect: opts.MarkerMaxAspect,
		MinFill:   opts.MarkerMinFill,
	}
}

// rotationTransform maps original scan coordinates into the frame of
// the scan rotated deg degrees clockwise.
func rotationTransform(deg, w, h int) geometry.AffineTransform {
	switch deg {
	case 90:
		return geometry.AffineTransform{B: -1, TX: float64(h), C: 1}
	case 180:
		return geometry.AffineTransform{A: -1, TX: float64(w), D: -1, TY: float64(h)}
	case 270:
		return geometry.AffineTransform{B: 1, C: -1, TY: float64(w)}
	default:
		return geometry.Identity()
	}
}

func rotateMarkers(markers []Marker, rot geometry.AffineTransform) []Marker {
	out := make([]Marker, len(markers))
	for i, m := range markers {
		out[i] = m
		out[i].Center = rot.Apply(m.Center)
	}
	return out
}

// fitGeometry measures the worst residual rotation and axis
// anisotropy of a scan-to-canonical mapping, sampled at the canonical
// center and corners. A transform that maps fiducials with low error
// by pairing them with the wrong corners shows up here as a gross
// scale imbalance, a shear, or a quarter-turn rotation, and the
// distortion is strongest at the corners.
func fitGeometry(t geometry.ProjectiveTransform, w, h int) (rotationDeg, anisotropy float64, ok bool) {
	inv, invOK := t.Inverse()
	if !invOK {
		return 0, 0, false
	}

	fw, fh := float64(w), float64(h)
	samples := []geometry.Point2D{
		{X: fw / 2, Y: fh / 2},
		{X: 0, Y: 0},
		{X: fw, Y: 0},
		{X: fw, Y: fh},
		{X: 0, Y: fh},
	}

	anisotropy = 1
	for _, c := range samples {
		o := inv.Apply(c)
		u := inv.Apply(geometry.Point2D{X: c.X + 1, Y: c.Y}).Sub(o)
		v := inv.Apply(geometry.Point2D{X: c.X, Y: c.Y + 1}).Sub(o)

		su := math.Hypot(u.X, u.Y)
		sv := math.Hypot(v.X, v.Y)
		if su < 1e-9 || sv < 1e-9 {
			return 0, 0, false
		}

		a := su / sv
		if a < 1 {
			a = 1 / a
		}
		if a > anisotropy {
			anisotropy = a
		}
		if r := math.Abs(math.Atan2(u.Y, u.X)) * 180 / math.Pi; r > rotationDeg {
			rotationDeg = r
		}
	}
	return rotationDeg, anisotropy, true
}
