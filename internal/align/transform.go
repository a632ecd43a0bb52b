package align

import (
	"fmt"
	"math"

	"omr-grader/pkg/geometry"

	"gonum.org/v1/gonum/mat"
)

// Fit holds a fitted sheet-to-canonical transform together with its
// per-correspondence diagnostics. Residuals are measured in canonical
// pixels.
type Fit struct {
	Transform geometry.ProjectiveTransform
	Residuals []float64
	RMS       float64
	MaxErr    float64
	MaxIndex  int
	Trimmed   int // correspondence dropped during refinement, -1 if none
}

// FitAffine3 computes an affine transform from exactly 3 point pairs.
// With only three fiducials there is no perspective information, so
// the affine model is the most the data supports.
func FitAffine3(src, dst []geometry.Point2D) (geometry.AffineTransform, error) {
	if len(src) != 3 || len(dst) != 3 {
		return geometry.AffineTransform{}, fmt.Errorf("need exactly 3 points, got %d", len(src))
	}

	// [x', y'] = [a, b, tx; c, d, ty] * [x, y, 1]
	// Three pairs give six equations for the six unknowns.
	A := mat.NewDense(6, 6, nil)
	B := mat.NewVecDense(6, nil)
	for i := 0; i < 3; i++ {
		x, y := src[i].X, src[i].Y

		A.Set(i*2, 0, x)
		A.Set(i*2, 1, y)
		A.Set(i*2, 2, 1)
		B.SetVec(i*2, dst[i].X)

		A.Set(i*2+1, 3, x)
		A.Set(i*2+1, 4, y)
		A.Set(i*2+1, 5, 1)
		B.SetVec(i*2+1, dst[i].Y)
	}

	var params mat.VecDense
	if err := params.SolveVec(A, B); err != nil {
		return geometry.AffineTransform{}, fmt.Errorf("degenerate point set: %w", err)
	}

	return geometry.AffineTransform{
		A: params.AtVec(0), B: params.AtVec(1), TX: params.AtVec(2),
		C: params.AtVec(3), D: params.AtVec(4), TY: params.AtVec(5),
	}, nil
}

// FitProjective computes the projective transform mapping src points
// onto dst points. Four pairs determine the homography exactly; more
// are solved in the least-squares sense with h22 pinned to 1.
func FitProjective(src, dst []geometry.Point2D) (geometry.ProjectiveTransform, error) {
	n := len(src)
	if n != len(dst) {
		return geometry.ProjectiveTransform{}, fmt.Errorf("point count mismatch: %d vs %d", n, len(dst))
	}
	if n < 4 {
		return geometry.ProjectiveTransform{}, fmt.Errorf("need at least 4 points, got %d", n)
	}

	// Each pair contributes two rows in the unknowns
	// (h00,h01,h02,h10,h11,h12,h20,h21):
	//   x*h00 + y*h01 + h02 - x'x*h20 - x'y*h21 = x'
	//   x*h10 + y*h11 + h12 - y'x*h20 - y'y*h21 = y'
	A := mat.NewDense(n*2, 8, nil)
	B := mat.NewVecDense(n*2, nil)
	for i := 0; i < n; i++ {
		x, y := src[i].X, src[i].Y
		xp, yp := dst[i].X, dst[i].Y

		A.Set(i*2, 0, x)
		A.Set(i*2, 1, y)
		A.Set(i*2, 2, 1)
		A.Set(i*2, 6, -xp*x)
		A.Set(i*2, 7, -xp*y)
		B.SetVec(i*2, xp)

		A.Set(i*2+1, 3, x)
		A.Set(i*2+1, 4, y)
		A.Set(i*2+1, 5, 1)
		A.Set(i*2+1, 6, -yp*x)
		A.Set(i*2+1, 7, -yp*y)
		B.SetVec(i*2+1, yp)
	}

	var params mat.VecDense
	if n == 4 {
		if err := params.SolveVec(A, B); err != nil {
			return geometry.ProjectiveTransform{}, fmt.Errorf("degenerate point set: %w", err)
		}
	} else {
		var qr mat.QR
		qr.Factorize(A)
		if err := qr.SolveVecTo(&params, false, B); err != nil {
			return geometry.ProjectiveTransform{}, fmt.Errorf("degenerate point set: %w", err)
		}
	}

	return geometry.ProjectiveTransform{H: [3][3]float64{
		{params.AtVec(0), params.AtVec(1), params.AtVec(2)},
		{params.AtVec(3), params.AtVec(4), params.AtVec(5)},
		{params.AtVec(6), params.AtVec(7), 1},
	}}, nil
}

// EvaluateFit measures per-point residuals of a transform against the
// correspondences it was fitted from.
func EvaluateFit(t geometry.ProjectiveTransform, src, dst []geometry.Point2D) Fit {
	fit := Fit{Transform: t, Trimmed: -1, MaxIndex: -1}
	if len(src) == 0 || len(src) != len(dst) {
		fit.RMS = math.Inf(1)
		fit.MaxErr = math.Inf(1)
		return fit
	}

	fit.Residuals = make([]float64, len(src))
	var sumSq float64
	for i := range src {
		d := t.Apply(src[i]).Distance(dst[i])
		fit.Residuals[i] = d
		sumSq += d * d
		if d > fit.MaxErr {
			fit.MaxErr = d
			fit.MaxIndex = i
		}
	}
	fit.RMS = math.Sqrt(sumSq / float64(len(src)))
	return fit
}

// FitTrimmed fits a projective transform and, when the point set is
// redundant and the worst correspondence exceeds maxResidual, refits
// with each correspondence excluded in turn, keeping the exclusion
// with the lowest refit error. Least squares smears one bad pair
// across every residual, so the largest residual can land on an
// innocent point; the exclusion whose removal collapses the error is
// the bad pair. Point sets are a handful of fiducials, so the scan is
// cheap, and the single fixed trim keeps the result a pure function
// of its inputs.
func FitTrimmed(src, dst []geometry.Point2D, maxResidual float64) (Fit, error) {
	t, err := FitProjective(src, dst)
	if err != nil {
		return Fit{}, err
	}
	fit := EvaluateFit(t, src, dst)

	if len(src) < 5 || fit.MaxErr <= maxResidual {
		return fit, nil
	}

	best := fit
	trimmed := -1
	for drop := range src {
		keepSrc := make([]geometry.Point2D, 0, len(src)-1)
		keepDst := make([]geometry.Point2D, 0, len(dst)-1)
		for i := range src {
			if i == drop {
				continue
			}
			keepSrc = append(keepSrc, src[i])
			keepDst = append(keepDst, dst[i])
		}

		t2, err := FitProjective(keepSrc, keepDst)
		if err != nil {
			continue
		}
		refit := EvaluateFit(t2, keepSrc, keepDst)
		if refit.RMS < best.RMS {
			best = refit
			trimmed = drop
		}
	}
	if trimmed < 0 {
		return fit, nil
	}
	best.Trimmed = trimmed
	return best, nil
}
