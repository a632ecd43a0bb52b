package align

import (
	"fmt"
	"math"

	"omr-grader/internal/template"
	"omr-grader/pkg/geometry"
)

// cornerRoles is the fixed processing order for corner fiducials.
// Matching iterates roles in this order, so results are stable for
// identical input.
var cornerRoles = []string{
	template.FiducialTopLeft,
	template.FiducialTopRight,
	template.FiducialBottomRight,
	template.FiducialBottomLeft,
}

// Correspondence is a fitted pairing between a sheet's fiducials and
// detected markers. Matched holds fiducial names in correspondence
// order; Missing holds template fiducials that found no marker.
type Correspondence struct {
	Fit     Fit
	Matched []string
	Missing []string
}

// pickCorners selects the marker nearest each image corner by the
// extreme-point rule: smallest x+y is top-left, largest x-y top-right,
// largest x+y bottom-right, largest y-x bottom-left. Indices are into
// the marker slice and may repeat when a quadrant has no marker of its
// own.
func pickCorners(markers []Marker) [4]int {
	var picks [4]int
	best := [4]float64{math.Inf(1), math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for i, m := range markers {
		s := m.Center.X + m.Center.Y
		d := m.Center.X - m.Center.Y
		if s < best[0] {
			best[0] = s
			picks[0] = i
		}
		if d > best[1] {
			best[1] = d
			picks[1] = i
		}
		if s > best[2] {
			best[2] = s
			picks[2] = i
		}
		if -d > best[3] {
			best[3] = -d
			picks[3] = i
		}
	}
	return picks
}

// orderedFiducials returns the sheet's fiducials in matching order:
// the four corners first, then the extras sorted by name.
func orderedFiducials(s *template.Sheet) []template.Fiducial {
	byName := make(map[string]template.Fiducial, len(s.Fiducials))
	for _, f := range s.Fiducials {
		byName[f.Name] = f
	}
	out := make([]template.Fiducial, 0, len(s.Fiducials))
	for _, role := range cornerRoles {
		out = append(out, byName[role])
	}
	return append(out, s.ExtraFiducials()...)
}

// fitTieRMS is the error band inside which two attempts count as
// tied: exact three-point fits report zero error no matter how wrong
// their pairing is, so tiny error differences carry no information.
const fitTieRMS = 1e-6

// MatchFiducials pairs the sheet's fiducials with detected markers and
// fits the scan-to-canonical transform.
//
// The corner picks seed an initial canonical-to-scan mapping, which
// projects every template fiducial near its marker so the full set can
// be matched by proximity and refitted. Because a quadrant pick can be
// wrong when that corner is torn or occluded, the match is attempted
// with all four picks and then with each leave-one-out triple. Among
// attempts that pass the shape and geometry gates, the one fitting the
// most fiducials wins; refit error breaks count ties, and residual
// rotation breaks error ties. Every step is ordered, so the result is
// a pure function of the inputs.
func MatchFiducials(sheet *template.Sheet, markers []Marker, opts Options) (Correspondence, error) {
	if len(markers) < 3 {
		return Correspondence{}, fmt.Errorf("found %d marker candidates, need at least 3", len(markers))
	}

	canonQuad, err := sheet.CornerQuad()
	if err != nil {
		return Correspondence{}, err
	}
	canonCorners := canonQuad.Points()
	picks := pickCorners(markers)
	quadOK := plausibleQuad(cornerQuad(markers, picks), opts.MaxAnisotropy)

	// Attempt 0 uses all four picks; attempts 1..4 drop one role.
	var (
		bestCorr   Correspondence
		bestRot    float64
		bestValid  bool
		maxMatched int
	)
	for attempt := 0; attempt <= 4; attempt++ {
		drop := attempt - 1

		var roleIdx []int
		for r := 0; r < 4; r++ {
			if r != drop {
				roleIdx = append(roleIdx, r)
			}
		}
		if len(roleIdx) == 4 && !quadOK {
			continue
		}
		if !distinctPicks(picks, roleIdx) {
			continue
		}

		initial, ok := initialTransform(canonCorners, markers, picks, roleIdx)
		if !ok {
			continue
		}
		inv, ok := initial.Inverse()
		if !ok {
			continue
		}

		corr, matched, ok := matchAndFit(sheet, markers, inv, opts)
		if matched > maxMatched {
			maxMatched = matched
		}
		if !ok {
			continue
		}

		// One unmatched fiducial is a damaged sheet. Two or more mean
		// the seed paired markers with the wrong fiducials, however
		// exactly the remainder fits.
		if len(corr.Missing) > 1 {
			continue
		}

		// An attempt can pair markers with the wrong fiducials and
		// still fit them exactly; the resulting transform is always
		// grossly distorted somewhere on the sheet, so gate on its
		// geometry before ranking.
		rotDeg, aniso, geomOK := fitGeometry(corr.Fit.Transform, sheet.CanonicalWidth, sheet.CanonicalHeight)
		if !geomOK || rotDeg > opts.MaxRotationDeg || aniso > opts.MaxAnisotropy {
			continue
		}

		if !bestValid || betterAttempt(corr, rotDeg, bestCorr, bestRot) {
			bestCorr = corr
			bestRot = rotDeg
			bestValid = true
		}
	}

	if !bestValid {
		if maxMatched >= opts.MinFiducials {
			return Correspondence{}, fmt.Errorf("no plausible sheet geometry (best attempt matched %d of %d fiducials)",
				maxMatched, len(sheet.Fiducials))
		}
		return Correspondence{}, fmt.Errorf("matched %d of %d fiducials, need %d",
			maxMatched, len(sheet.Fiducials), opts.MinFiducials)
	}
	return bestCorr, nil
}

// betterAttempt ranks two gate-passing attempts: more matched
// fiducials first, then lower refit error, then less residual
// rotation.
func betterAttempt(c Correspondence, rot float64, best Correspondence, bestRot float64) bool {
	if len(c.Matched) != len(best.Matched) {
		return len(c.Matched) > len(best.Matched)
	}
	if math.Abs(c.Fit.RMS-best.Fit.RMS) > fitTieRMS {
		return c.Fit.RMS < best.Fit.RMS
	}
	return rot < bestRot
}

func distinctPicks(picks [4]int, roleIdx []int) bool {
	seen := make(map[int]bool, len(roleIdx))
	for _, r := range roleIdx {
		if seen[picks[r]] {
			return false
		}
		seen[picks[r]] = true
	}
	return true
}

// cornerQuad assembles the picked markers into a quad in role order.
func cornerQuad(markers []Marker, picks [4]int) geometry.Quad {
	return geometry.Quad{
		TL: markers[picks[0]].Center,
		TR: markers[picks[1]].Center,
		BR: markers[picks[2]].Center,
		BL: markers[picks[3]].Center,
	}
}

// plausibleQuad reports whether the picked quad could outline a
// rectangular sheet: opposite sides must agree within the anisotropy
// tolerance. When a non-corner blob stands in for a lost corner (the
// version marker is the usual culprit) one side shortens far beyond
// any camera tilt.
func plausibleQuad(q geometry.Quad, tol float64) bool {
	agree := func(a, b float64) bool {
		if a < 1 || b < 1 {
			return false
		}
		if a < b {
			a, b = b, a
		}
		return a <= b*tol
	}
	return agree(q.TL.Distance(q.TR), q.BL.Distance(q.BR)) &&
		agree(q.TL.Distance(q.BL), q.TR.Distance(q.BR))
}

// initialTransform builds the rough canonical-to-scan mapping from the
// picked corners: an exact quad homography for four roles, a
// three-point affine otherwise.
func initialTransform(canonCorners []geometry.Point2D, markers []Marker, picks [4]int, roleIdx []int) (geometry.ProjectiveTransform, bool) {
	if len(roleIdx) == 4 {
		canon := geometry.Quad{TL: canonCorners[0], TR: canonCorners[1], BR: canonCorners[2], BL: canonCorners[3]}
		return geometry.QuadToQuad(canon, cornerQuad(markers, picks))
	}

	src := make([]geometry.Point2D, 0, 3)
	dst := make([]geometry.Point2D, 0, 3)
	for _, r := range roleIdx {
		src = append(src, canonCorners[r])
		dst = append(dst, markers[picks[r]].Center)
	}
	aff, err := FitAffine3(src, dst)
	if err != nil {
		return geometry.ProjectiveTransform{}, false
	}
	return geometry.FromAffine(aff), true
}

// matchAndFit projects every marker into canonical space with inv,
// greedily pairs each template fiducial with its nearest unused marker
// within the search radius, and fits the final scan-to-canonical
// transform over the pairs.
func matchAndFit(sheet *template.Sheet, markers []Marker, inv geometry.ProjectiveTransform, opts Options) (Correspondence, int, bool) {
	canonPos := make([]geometry.Point2D, len(markers))
	for i, m := range markers {
		canonPos[i] = inv.Apply(m.Center)
	}

	used := make([]bool, len(markers))
	var (
		scanPts  []geometry.Point2D
		canonPts []geometry.Point2D
		names    []string
		missing  []string
	)
	for _, f := range orderedFiducials(sheet) {
		target := f.Point()
		best := -1
		bestD := opts.SearchRadiusPx
		for i := range markers {
			if used[i] {
				continue
			}
			if d := canonPos[i].Distance(target); d <= bestD {
				bestD = d
				best = i
			}
		}
		if best < 0 {
			missing = append(missing, f.Name)
			continue
		}
		used[best] = true
		scanPts = append(scanPts, markers[best].Center)
		canonPts = append(canonPts, target)
		names = append(names, f.Name)
	}

	matched := len(scanPts)
	if matched < opts.MinFiducials {
		return Correspondence{}, matched, false
	}

	var fit Fit
	if matched == 3 {
		aff, err := FitAffine3(scanPts, canonPts)
		if err != nil {
			return Correspondence{}, matched, false
		}
		fit = EvaluateFit(geometry.FromAffine(aff), scanPts, canonPts)
	} else {
		var err error
		fit, err = FitTrimmed(scanPts, canonPts, opts.MaxResidualPx)
		if err != nil {
			return Correspondence{}, matched, false
		}
	}

	if fit.Trimmed >= 0 {
		missing = append(missing, names[fit.Trimmed])
		names = append(names[:fit.Trimmed:fit.Trimmed], names[fit.Trimmed+1:]...)
	}
	return Correspondence{Fit: fit, Matched: names, Missing: missing}, matched, true
}
