package geometry

import "math"

// ProjectiveTransform represents a 3x3 homogeneous (perspective)
// transformation. A point (x, y) maps to
//
//	x' = (h00*x + h01*y + h02) / (h20*x + h21*y + h22)
//	y' = (h10*x + h11*y + h12) / (h20*x + h21*y + h22)
//
// Unlike AffineTransform it can model the keystone distortion of a
// tilted camera, which is why sheet rectification uses it.
type ProjectiveTransform struct {
	H [3][3]float64
}

// IdentityProjective returns the identity projective transform.
func IdentityProjective() ProjectiveTransform {
	return ProjectiveTransform{H: [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}}
}

// FromAffine lifts an affine transform into projective form.
func FromAffine(a AffineTransform) ProjectiveTransform {
	return ProjectiveTransform{H: [3][3]float64{
		{a.A, a.B, a.TX},
		{a.C, a.D, a.TY},
		{0, 0, 1},
	}}
}

// Apply applies the transform to a point.
func (t ProjectiveTransform) Apply(p Point2D) Point2D {
	w := t.H[2][0]*p.X + t.H[2][1]*p.Y + t.H[2][2]
	if math.Abs(w) < 1e-12 {
		return Point2D{}
	}
	return Point2D{
		X: (t.H[0][0]*p.X + t.H[0][1]*p.Y + t.H[0][2]) / w,
		Y: (t.H[1][0]*p.X + t.H[1][1]*p.Y + t.H[1][2]) / w,
	}
}

// Compose returns this transform composed with another (this * other),
// so that Compose(o).Apply(p) == Apply(o.Apply(p)).
func (t ProjectiveTransform) Compose(other ProjectiveTransform) ProjectiveTransform {
	var out ProjectiveTransform
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var sum float64
			for k := 0; k < 3; k++ {
				sum += t.H[i][k] * other.H[k][j]
			}
			out.H[i][j] = sum
		}
	}
	return out
}

// Adjugate returns the adjugate matrix. Because projective application
// is invariant under scaling of the matrix, the adjugate acts as the
// inverse mapping whenever the transform is non-degenerate.
func (t ProjectiveTransform) Adjugate() ProjectiveTransform {
	h := t.H
	return ProjectiveTransform{H: [3][3]float64{
		{
			h[1][1]*h[2][2] - h[1][2]*h[2][1],
			h[0][2]*h[2][1] - h[0][1]*h[2][2],
			h[0][1]*h[1][2] - h[0][2]*h[1][1],
		},
		{
			h[1][2]*h[2][0] - h[1][0]*h[2][2],
			h[0][0]*h[2][2] - h[0][2]*h[2][0],
			h[0][2]*h[1][0] - h[0][0]*h[1][2],
		},
		{
			h[1][0]*h[2][1] - h[1][1]*h[2][0],
			h[0][1]*h[2][0] - h[0][0]*h[2][1],
			h[0][0]*h[1][1] - h[0][1]*h[1][0],
		},
	}}
}

// Det returns the determinant of the transform matrix.
func (t ProjectiveTransform) Det() float64 {
	h := t.H
	return h[0][0]*(h[1][1]*h[2][2]-h[1][2]*h[2][1]) -
		h[0][1]*(h[1][0]*h[2][2]-h[1][2]*h[2][0]) +
		h[0][2]*(h[1][0]*h[2][1]-h[1][1]*h[2][0])
}

// Inverse returns the inverse transform, if it exists.
func (t ProjectiveTransform) Inverse() (ProjectiveTransform, bool) {
	if math.Abs(t.Det()) < 1e-12 {
		return ProjectiveTransform{}, false
	}
	return t.Adjugate(), true
}

// Normalized returns the transform scaled so that H[2][2] == 1, which
// makes matrices comparable across independently computed fits.
func (t ProjectiveTransform) Normalized() ProjectiveTransform {
	s := t.H[2][2]
	if math.Abs(s) < 1e-12 {
		return t
	}
	var out ProjectiveTransform
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.H[i][j] = t.H[i][j] / s
		}
	}
	return out
}

// SquareToQuad returns the transform mapping the unit square
// (0,0),(1,0),(1,1),(0,1) onto the quad's TL,TR,BR,BL corners.
// Follows the standard projective mapping construction: the
// perspective terms are solved from the quad's diagonal excess, with
// the affine shortcut when the quad is a parallelogram.
func SquareToQuad(q Quad) (ProjectiveTransform, bool) {
	x0, y0 := q.TL.X, q.TL.Y
	x1, y1 := q.TR.X, q.TR.Y
	x2, y2 := q.BR.X, q.BR.Y
	x3, y3 := q.BL.X, q.BL.Y

	dx3 := x0 - x1 + x2 - x3
	dy3 := y0 - y1 + y2 - y3

	if dx3 == 0 && dy3 == 0 {
		// Parallelogram: plain affine.
		return ProjectiveTransform{H: [3][3]float64{
			{x1 - x0, x2 - x1, x0},
			{y1 - y0, y2 - y1, y0},
			{0, 0, 1},
		}}, true
	}

	dx1 := x1 - x2
	dx2 := x3 - x2
	dy1 := y1 - y2
	dy2 := y3 - y2
	den := dx1*dy2 - dx2*dy1
	if math.Abs(den) < 1e-12 {
		return ProjectiveTransform{}, false
	}

	g := (dx3*dy2 - dx2*dy3) / den
	h := (dx1*dy3 - dx3*dy1) / den

	return ProjectiveTransform{H: [3][3]float64{
		{x1 - x0 + g*x1, x3 - x0 + h*x3, x0},
		{y1 - y0 + g*y1, y3 - y0 + h*y3, y0},
		{g, h, 1},
	}}, true
}

// QuadToSquare returns the transform mapping the quad onto the unit
// square. It is the adjugate of the square-to-quad mapping.
func QuadToSquare(q Quad) (ProjectiveTransform, bool) {
	t, ok := SquareToQuad(q)
	if !ok {
		return ProjectiveTransform{}, false
	}
	return t.Adjugate(), true
}

// QuadToQuad returns the transform mapping the src quad onto the dst
// quad, corner to corner.
func QuadToQuad(src, dst Quad) (ProjectiveTransform, bool) {
	toSquare, ok := QuadToSquare(src)
	if !ok {
		return ProjectiveTransform{}, false
	}
	fromSquare, ok := SquareToQuad(dst)
	if !ok {
		return ProjectiveTransform{}, false
	}
	return fromSquare.Compose(toSquare).Normalized(), true
}
