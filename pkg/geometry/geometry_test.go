package geometry

import (
	"math"
	"testing"
)

const tol = 1e-9

func approxEq(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func pointsClose(a, b Point2D, eps float64) bool {
	return math.Abs(a.X-b.X) < eps && math.Abs(a.Y-b.Y) < eps
}

func TestAffineApply(t *testing.T) {
	tests := []struct {
		name string
		tr   AffineTransform
		in   Point2D
		want Point2D
	}{
		{"identity", Identity(), Point2D{X: 3, Y: 4}, Point2D{X: 3, Y: 4}},
		{"translation", Translation(10, -5), Point2D{X: 1, Y: 2}, Point2D{X: 11, Y: -3}},
		{"scale", Scale(2, 3), Point2D{X: 1, Y: 1}, Point2D{X: 2, Y: 3}},
		{"rotation 90", Rotation(math.Pi / 2), Point2D{X: 1, Y: 0}, Point2D{X: 0, Y: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.tr.Apply(tt.in)
			if !pointsClose(got, tt.want, 1e-9) {
				t.Errorf("Apply(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestAffineInverseRoundTrip(t *testing.T) {
	tr := Translation(12, 7).Compose(Rotation(0.3)).Compose(Scale(1.2, 0.9))
	inv, ok := tr.Inverse()
	if !ok {
		t.Fatal("expected invertible transform")
	}

	p := Point2D{X: 42.5, Y: -17.25}
	back := inv.Apply(tr.Apply(p))
	if !pointsClose(back, p, 1e-9) {
		t.Errorf("round trip = %v, want %v", back, p)
	}
}

func TestAffineInverseSingular(t *testing.T) {
	if _, ok := Scale(0, 1).Inverse(); ok {
		t.Error("singular transform reported as invertible")
	}
}

func TestOrderQuad(t *testing.T) {
	tl := Point2D{X: 10, Y: 12}
	tr := Point2D{X: 110, Y: 10}
	br := Point2D{X: 112, Y: 150}
	bl := Point2D{X: 8, Y: 148}

	tests := []struct {
		name string
		pts  []Point2D
	}{
		{"already ordered", []Point2D{tl, tr, br, bl}},
		{"reversed", []Point2D{bl, br, tr, tl}},
		{"shuffled", []Point2D{br, tl, bl, tr}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, ok := OrderQuad(tt.pts)
			if !ok {
				t.Fatal("OrderQuad failed")
			}
			if q.TL != tl || q.TR != tr || q.BR != br || q.BL != bl {
				t.Errorf("got %+v, want TL=%v TR=%v BR=%v BL=%v", q, tl, tr, br, bl)
			}
		})
	}
}

func TestOrderQuadRotated(t *testing.T) {
	// A rectangle rotated by 15 degrees must still order correctly.
	rot := Rotation(15 * math.Pi / 180)
	base := []Point2D{{X: -50, Y: -70}, {X: 50, Y: -70}, {X: 50, Y: 70}, {X: -50, Y: 70}}
	pts := make([]Point2D, 4)
	for i, p := range base {
		pts[i] = rot.Apply(p).Add(Point2D{X: 200, Y: 200})
	}

	q, ok := OrderQuad([]Point2D{pts[2], pts[0], pts[3], pts[1]})
	if !ok {
		t.Fatal("OrderQuad failed")
	}
	if !pointsClose(q.TL, pts[0], 1e-9) || !pointsClose(q.TR, pts[1], 1e-9) ||
		!pointsClose(q.BR, pts[2], 1e-9) || !pointsClose(q.BL, pts[3], 1e-9) {
		t.Errorf("rotated quad ordered incorrectly: %+v", q)
	}
}

func TestOrderQuadDegenerate(t *testing.T) {
	p := Point2D{X: 5, Y: 5}
	if _, ok := OrderQuad([]Point2D{p, p, {X: 9, Y: 9}, {X: 1, Y: 9}}); ok {
		t.Error("expected failure for duplicate points")
	}
	if _, ok := OrderQuad([]Point2D{{X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}}); ok {
		t.Error("expected failure for wrong point count")
	}
}

func TestSquareToQuadCorners(t *testing.T) {
	q := Quad{
		TL: Point2D{X: 20, Y: 30},
		TR: Point2D{X: 220, Y: 40},
		BR: Point2D{X: 240, Y: 310},
		BL: Point2D{X: 10, Y: 300},
	}

	tr, ok := SquareToQuad(q)
	if !ok {
		t.Fatal("SquareToQuad failed")
	}

	unit := []Point2D{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}}
	want := q.Points()
	for i, u := range unit {
		got := tr.Apply(u)
		if !pointsClose(got, want[i], 1e-6) {
			t.Errorf("corner %d: got %v, want %v", i, got, want[i])
		}
	}
}

func TestQuadToQuadMapsCorners(t *testing.T) {
	src := Quad{
		TL: Point2D{X: 105, Y: 95},
		TR: Point2D{X: 890, Y: 120},
		BR: Point2D{X: 870, Y: 1180},
		BL: Point2D{X: 90, Y: 1150},
	}
	dst := Quad{
		TL: Point2D{X: 40, Y: 40},
		TR: Point2D{X: 1200, Y: 40},
		BR: Point2D{X: 1200, Y: 1714},
		BL: Point2D{X: 40, Y: 1714},
	}

	tr, ok := QuadToQuad(src, dst)
	if !ok {
		t.Fatal("QuadToQuad failed")
	}

	srcPts := src.Points()
	dstPts := dst.Points()
	for i := range srcPts {
		got := tr.Apply(srcPts[i])
		if !pointsClose(got, dstPts[i], 1e-4) {
			t.Errorf("corner %d: got %v, want %v", i, got, dstPts[i])
		}
	}

	// Interior points must round-trip through the inverse.
	inv, ok := tr.Inverse()
	if !ok {
		t.Fatal("expected invertible transform")
	}
	interior := []Point2D{{X: 400, Y: 500}, {X: 200, Y: 900}, {X: 700, Y: 300}}
	for _, p := range interior {
		back := inv.Apply(tr.Apply(p))
		if !pointsClose(back, p, 1e-4) {
			t.Errorf("round trip %v = %v", p, back)
		}
	}
}

func TestFromAffineMatchesAffine(t *testing.T) {
	a := Translation(5, 9).Compose(Rotation(0.2))
	p := FromAffine(a)

	pts := []Point2D{{X: 0, Y: 0}, {X: 10, Y: -3}, {X: -7, Y: 22}}
	for _, pt := range pts {
		if !pointsClose(a.Apply(pt), p.Apply(pt), 1e-9) {
			t.Errorf("affine and lifted projective disagree at %v", pt)
		}
	}
}

func TestRectInset(t *testing.T) {
	r := Rect{X: 10, Y: 20, Width: 100, Height: 50}

	in := r.Inset(5)
	want := Rect{X: 15, Y: 25, Width: 90, Height: 40}
	if in != want {
		t.Errorf("Inset(5) = %+v, want %+v", in, want)
	}

	collapsed := r.Inset(30)
	if collapsed.Width != 0 || collapsed.Height != 0 {
		t.Errorf("over-inset should collapse, got %+v", collapsed)
	}
	if !approxEq(collapsed.X, 60) || !approxEq(collapsed.Y, 45) {
		t.Errorf("collapsed rect not at center: %+v", collapsed)
	}
}

func TestCentroidAndBoundingBox(t *testing.T) {
	pts := []Point2D{{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 4, Y: 8}, {X: 0, Y: 8}}

	c := Centroid(pts)
	if !pointsClose(c, Point2D{X: 2, Y: 4}, tol) {
		t.Errorf("Centroid = %v, want (2,4)", c)
	}

	bb := BoundingBox(pts)
	if bb.X != 0 || bb.Y != 0 || bb.Width != 4 || bb.Height != 8 {
		t.Errorf("BoundingBox = %+v", bb)
	}
}
