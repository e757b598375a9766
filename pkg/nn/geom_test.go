package nn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIOU(t *testing.T) {
	a := MakeRect(0, 0, 0.1, 0.1)
	b := MakeRect(0.05, 0.05, 0.15, 0.15)
	// intersection 0.0025, union 0.01 + 0.01 - 0.0025
	require.InDelta(t, 0.0025/0.0175, a.IOU(b), 1e-5)
	require.InDelta(t, 1, a.IOU(a), 1e-6)

	// Disjoint
	c := MakeRect(0.5, 0.5, 0.6, 0.6)
	require.Equal(t, float32(0), a.IOU(c))

	// Touching edges do not overlap
	d := MakeRect(0.1, 0, 0.2, 0.1)
	require.Equal(t, float32(0), a.IOU(d))

	// Inverted rectangles have no area, and therefore no overlap
	inv := Rect{Left: 0.1, Top: 0.1, Right: 0, Bottom: 0}
	require.Equal(t, float32(0), inv.Area())
	require.Equal(t, float32(0), inv.IOU(a))
	require.Equal(t, float32(0), Rect{}.IOU(Rect{}))
}

func TestCenterDistance(t *testing.T) {
	a := MakeRect(0, 0, 0, 0)
	b := MakeRect(1, 1, 1, 1)
	require.InDelta(t, 1, a.CenterDistance(b), 1e-6)

	c := MakeRect(0.1, 0.1, 0.3, 0.3)
	e := MakeRect(0.6, 0.6, 0.8, 0.8)
	require.InDelta(t, 0.2, c.Center().X, 1e-6)
	require.InDelta(t, 0.2, c.Center().Y, 1e-6)
	require.InDelta(t, 0.5, c.CenterDistance(e), 1e-6)
	require.Equal(t, float32(0), c.CenterDistance(c))
}

func TestSizeRatio(t *testing.T) {
	small := MakeRect(0.4, 0.4, 0.5, 0.5)
	big := MakeRect(0.35, 0.35, 0.55, 0.55)
	require.InDelta(t, 0.25, small.SizeRatio(big), 1e-5)
	require.InDelta(t, 0.25, big.SizeRatio(small), 1e-5)
	require.InDelta(t, 1, small.SizeRatio(small), 1e-6)
	require.Equal(t, float32(0), small.SizeRatio(Rect{}))
	require.Equal(t, float32(1), Rect{}.SizeRatio(Rect{}))
}

func TestClamped(t *testing.T) {
	r := Rect{Left: -0.2, Top: 0.5, Right: 1.3, Bottom: 0.2}
	require.False(t, r.IsNormalized())
	c := r.Clamped()
	require.True(t, c.IsNormalized())
	require.Equal(t, Rect{Left: 0, Top: 0.5, Right: 1, Bottom: 0.5}, c)
	require.Equal(t, float32(0), c.Area())
	require.False(t, c.HasSize())

	ok := MakeRect(0.1, 0.1, 0.2, 0.2)
	require.Equal(t, ok, ok.Clamped())
	require.True(t, ok.HasSize())
}

func TestAverage(t *testing.T) {
	require.Equal(t, Rect{}, Average(nil))
	avg := Average([]Rect{MakeRect(0, 0, 0.2, 0.2), MakeRect(0.2, 0.2, 0.4, 0.4)})
	require.InDelta(t, 0.1, avg.Left, 1e-6)
	require.InDelta(t, 0.1, avg.Top, 1e-6)
	require.InDelta(t, 0.3, avg.Right, 1e-6)
	require.InDelta(t, 0.3, avg.Bottom, 1e-6)
}
