package nn

import (
	"github.com/chewxy/math32"
	"github.com/cyclopcam/itemscan/pkg/gen"
)

// Length of the diagonal of the unit square. Center distances are divided by this,
// so that opposite corners of the frame are 1.0 apart.
var unitDiagonal = math32.Sqrt(2)

// Boxes with an area below this carry no usable size signal
const NearZeroArea = 1e-6

type Point struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

func (p Point) Distance(b Point) float32 {
	return math32.Sqrt((p.X-b.X)*(p.X-b.X) + (p.Y-b.Y)*(p.Y-b.Y))
}

// Rect is a bounding box in normalized frame coordinates.
// (0,0) is the top-left corner of the frame, and (1,1) is the bottom-right.
type Rect struct {
	Left   float32 `json:"left"`
	Top    float32 `json:"top"`
	Right  float32 `json:"right"`
	Bottom float32 `json:"bottom"`
}

func MakeRect(left, top, right, bottom float32) Rect {
	return Rect{Left: left, Top: top, Right: right, Bottom: bottom}
}

// Width is never negative. An inverted rectangle has zero width.
func (r Rect) Width() float32 {
	return max(0, r.Right-r.Left)
}

func (r Rect) Height() float32 {
	return max(0, r.Bottom-r.Top)
}

func (r Rect) Area() float32 {
	return r.Width() * r.Height()
}

// IsZero is true for the zero value, which we interpret as "no position known"
func (r Rect) IsZero() bool {
	return r == Rect{}
}

// HasSize is true if the rectangle is large enough to say something about the object's size
func (r Rect) HasSize() bool {
	return r.Area() > NearZeroArea
}

// IsNormalized is true if all coordinates are inside [0,1] and the rectangle is not inverted
func (r Rect) IsNormalized() bool {
	return gen.InUnitRange(r.Left) && gen.InUnitRange(r.Top) && gen.InUnitRange(r.Right) && gen.InUnitRange(r.Bottom) &&
		r.Left <= r.Right && r.Top <= r.Bottom
}

// Clamped returns a copy of r with every coordinate forced into [0,1].
// An inverted rectangle collapses to zero area at its left/top edge.
func (r Rect) Clamped() Rect {
	c := Rect{
		Left:   gen.Clamp01(r.Left),
		Top:    gen.Clamp01(r.Top),
		Right:  gen.Clamp01(r.Right),
		Bottom: gen.Clamp01(r.Bottom),
	}
	if c.Right < c.Left {
		c.Right = c.Left
	}
	if c.Bottom < c.Top {
		c.Bottom = c.Top
	}
	return c
}

func (r Rect) Intersection(b Rect) Rect {
	x1 := max(r.Left, b.Left)
	y1 := max(r.Top, b.Top)
	x2 := min(r.Right, b.Right)
	y2 := min(r.Bottom, b.Bottom)
	return Rect{
		Left:   x1,
		Top:    y1,
		Right:  max(x1, x2),
		Bottom: max(y1, y2),
	}
}

// Intersection over Union.
// Returns 0 if the rectangles do not overlap, or if both are empty.
func (r Rect) IOU(b Rect) float32 {
	inter := r.Intersection(b).Area()
	if inter <= 0 {
		return 0
	}
	union := r.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func (r Rect) Center() Point {
	return Point{
		X: (r.Left + r.Right) / 2,
		Y: (r.Top + r.Bottom) / 2,
	}
}

// CenterDistance is the distance between the two centers, as a fraction of the frame diagonal
func (r Rect) CenterDistance(b Rect) float32 {
	return r.Center().Distance(b.Center()) / unitDiagonal
}

// SizeRatio is min(area)/max(area).
// 1 means identical area. If both areas are zero the result is 1, and if only one is zero the result is 0.
func (r Rect) SizeRatio(b Rect) float32 {
	a1 := r.Area()
	a2 := b.Area()
	big := max(a1, a2)
	if big <= 0 {
		return 1
	}
	return min(a1, a2) / big
}

// Average returns the component-wise mean of the rectangles.
// Returns the zero Rect if boxes is empty.
func Average(boxes []Rect) Rect {
	if len(boxes) == 0 {
		return Rect{}
	}
	var sum Rect
	for _, b := range boxes {
		sum.Left += b.Left
		sum.Top += b.Top
		sum.Right += b.Right
		sum.Bottom += b.Bottom
	}
	n := float32(len(boxes))
	return Rect{
		Left:   sum.Left / n,
		Top:    sum.Top / n,
		Right:  sum.Right / n,
		Bottom: sum.Bottom / n,
	}
}
