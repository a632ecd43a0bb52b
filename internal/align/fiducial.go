package align

import (
	"image"

	"omr-grader/pkg/geometry"
)

// Marker is a candidate fiducial blob found in the binarized scan.
type Marker struct {
	Center geometry.Point2D
	Area   int
	BBox   geometry.RectInt
	Fill   float64 // blob area over bounding box area
}

// MarkerFilter bounds which ink blobs count as fiducial candidates.
// A filled square tilted by the full rotation tolerance still fills
// about two thirds of its bounding box, so MinFill has to sit well
// below the upright value of 1. Filled answer bubbles pass this
// filter too; the corner picking and projection matching are what
// keep them out of the correspondence set.
type MarkerFilter struct {
	MinSide   int     // bounding box short side floor, px
	MaxSide   int     // bounding box long side ceiling, px
	MaxAspect float64 // long over short side ceiling
	MinFill   float64 // fill ratio floor
}

func (f MarkerFilter) accepts(m Marker) bool {
	long, short := m.BBox.Width, m.BBox.Height
	if short > long {
		long, short = short, long
	}
	if short < f.MinSide || long > f.MaxSide {
		return false
	}
	if float64(long) > f.MaxAspect*float64(short) {
		return false
	}
	return m.Fill >= f.MinFill
}

// FindMarkers extracts candidate fiducial blobs from an ink mask.
// Blobs are discovered in row-major scan order, so the output order is
// stable for identical input.
func FindMarkers(mask *image.Gray, f MarkerFilter) []Marker {
	b := mask.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil
	}

	visited := make([]bool, w*h)
	var out []Marker
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if visited[y*w+x] || mask.GrayAt(b.Min.X+x, b.Min.Y+y).Y == 0 {
				continue
			}
			m := fillBlob(mask, visited, x, y)
			if f.accepts(m) {
				out = append(out, m)
			}
		}
	}
	return out
}

// fillBlob flood-fills the 4-connected ink blob containing (startX,
// startY) and returns its centroid, area and bounding box.
func fillBlob(mask *image.Gray, visited []bool, startX, startY int) Marker {
	b := mask.Bounds()
	w, h := b.Dx(), b.Dy()

	minX, minY := startX, startY
	maxX, maxY := startX, startY
	var area int
	var sumX, sumY float64

	stack := []geometry.PointInt{{X: startX, Y: startY}}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if p.X < 0 || p.X >= w || p.Y < 0 || p.Y >= h {
			continue
		}
		idx := p.Y*w + p.X
		if visited[idx] || mask.GrayAt(b.Min.X+p.X, b.Min.Y+p.Y).Y == 0 {
			continue
		}
		visited[idx] = true

		area++
		sumX += float64(p.X)
		sumY += float64(p.Y)
		if p.X < minX {
			minX = p.X
		}
		if p.X > maxX {
			maxX = p.X
		}
		if p.Y < minY {
			minY = p.Y
		}
		if p.Y > maxY {
			maxY = p.Y
		}

		stack = append(stack,
			geometry.PointInt{X: p.X - 1, Y: p.Y},
			geometry.PointInt{X: p.X + 1, Y: p.Y},
			geometry.PointInt{X: p.X, Y: p.Y - 1},
			geometry.PointInt{X: p.X, Y: p.Y + 1},
		)
	}

	bw, bh := maxX-minX+1, maxY-minY+1
	return Marker{
		Center: geometry.Point2D{X: sumX / float64(area), Y: sumY / float64(area)},
		Area:   area,
		BBox:   geometry.RectInt{X: minX, Y: minY, Width: bw, Height: bh},
		Fill:   float64(area) / float64(bw*bh),
	}
}
