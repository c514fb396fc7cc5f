// Package images - Box geometry and image preprocessing utilities.
package images

import "github.com/chewxy/math32"

// Rect is an axis-aligned bounding box in pixel space.
//
// Coordinates are corners: (X1, Y1) is the top-left and (X2, Y2) the bottom-right.
// A box with X2 <= X1 or Y2 <= Y1 is degenerate and has zero area.
type Rect struct {
	X1, Y1, X2, Y2 float32
}

// RectFromCenter builds a Rect from a center point and an extent.
//
// Arguments:
//   - cx, cy: The center of the box.
//   - w, h: The width and height of the box.
//
// Returns:
//   - Rect: The corner form of the box.
func RectFromCenter(cx, cy, w, h float32) Rect {
	return Rect{
		X1: cx - w*0.5,
		Y1: cy - h*0.5,
		X2: cx + w*0.5,
		Y2: cy + h*0.5,
	}
}

// Width returns the horizontal extent, clamped at zero.
func (r Rect) Width() float32 {
	return math32.Max(r.X2-r.X1, 0)
}

// Height returns the vertical extent, clamped at zero.
func (r Rect) Height() float32 {
	return math32.Max(r.Y2-r.Y1, 0)
}

// Area returns the area of the box, zero for degenerate boxes.
func (r Rect) Area() float32 {
	return r.Width() * r.Height()
}

// Center returns the center point of the box.
func (r Rect) Center() (float32, float32) {
	return (r.X1 + r.X2) * 0.5, (r.Y1 + r.Y2) * 0.5
}

// Intersect returns the overlapping region of two boxes. The result is degenerate when
// the boxes do not overlap.
func (r Rect) Intersect(o Rect) Rect {
	return Rect{
		X1: math32.Max(r.X1, o.X1),
		Y1: math32.Max(r.Y1, o.Y1),
		X2: math32.Min(r.X2, o.X2),
		Y2: math32.Min(r.Y2, o.Y2),
	}
}

// Enclose returns the smallest box containing both boxes.
func (r Rect) Enclose(o Rect) Rect {
	return Rect{
		X1: math32.Min(r.X1, o.X1),
		Y1: math32.Min(r.Y1, o.Y1),
		X2: math32.Max(r.X2, o.X2),
		Y2: math32.Max(r.Y2, o.Y2),
	}
}

// IoU (Intersection over Union) measures how much two boxes overlap.
//
//	IoU = Area of Intersection / Area of Union
//
//	- 1.0 means the boxes are identical.
//	- 0.0 means the boxes do not overlap at all (touching edges included).
//
// The union is computed with inclusion-exclusion, Area(A) + Area(B) - Area(A ∩ B), so
// the overlap is not counted twice. Two degenerate boxes have a zero union and the
// result is 0 rather than NaN.
//
// Arguments:
//   - o: The other box.
//
// Returns:
//   - float32: The IoU score in [0, 1].
func (r Rect) IoU(o Rect) float32 {
	inter := r.Intersect(o).Area()
	if inter <= 0 {
		return 0
	}
	union := r.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// GIoU (Generalized IoU) extends IoU with a penalty for the empty space inside the
// smallest enclosing box:
//
//	GIoU = IoU - (Area(C) - Area(A ∪ B)) / Area(C)
//
// where C encloses both boxes. The score lies in (-1, 1] and, unlike IoU, keeps
// decreasing as disjoint boxes move apart, which is what makes it usable as a
// regression loss for boxes that do not overlap yet.
//
// Arguments:
//   - o: The other box.
//
// Returns:
//   - float32: The GIoU score.
func (r Rect) GIoU(o Rect) float32 {
	inter := r.Intersect(o).Area()
	union := r.Area() + o.Area() - inter
	enclose := r.Enclose(o).Area()
	if union <= 0 || enclose <= 0 {
		return 0
	}
	iou := inter / union
	return iou - (enclose-union)/enclose
}

// Scale multiplies the horizontal coordinates by sx and the vertical ones by sy.
//
// This is how boxes predicted on a square network input are mapped back onto the
// original frame:
//
//	box.Scale(float32(originW)/float32(inputSize), float32(originH)/float32(inputSize))
func (r Rect) Scale(sx, sy float32) Rect {
	return Rect{
		X1: r.X1 * sx,
		Y1: r.Y1 * sy,
		X2: r.X2 * sx,
		Y2: r.Y2 * sy,
	}
}
