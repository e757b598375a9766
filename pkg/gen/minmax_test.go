package gen

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClamp(t *testing.T) {
	require.Equal(t, 3, Clamp(5, 1, 3))
	require.Equal(t, 1, Clamp(-5, 1, 3))
	require.Equal(t, 2, Clamp(2, 1, 3))
	require.Equal(t, "b", Clamp("z", "a", "b"))
}

func TestClamp01(t *testing.T) {
	require.Equal(t, float32(0), Clamp01(float32(-0.5)))
	require.Equal(t, float32(1), Clamp01(float32(1.5)))
	require.Equal(t, 0.25, Clamp01(0.25))
	require.Equal(t, 0.0, Clamp01(math.NaN()))
	require.Equal(t, 1.0, Clamp01(math.Inf(1)))
}

func TestInUnitRange(t *testing.T) {
	require.True(t, InUnitRange(0.0))
	require.True(t, InUnitRange(1.0))
	require.False(t, InUnitRange(1.01))
	require.False(t, InUnitRange(math.NaN()))
}
