package perfstats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAccumulator(t *testing.T) {
	a := Accumulator{}
	require.Equal(t, 0.0, a.Average())
	a.AddSample(0.8)
	a.AddSample(0.85)
	require.InDelta(t, 0.825, a.Average(), 1e-9)
	require.Equal(t, 0.85, a.Max)
	a.AddSample(0.1)
	require.Equal(t, 0.85, a.Max)
	require.Equal(t, int64(3), a.Samples)

	// A negative first sample must still become the max
	b := Accumulator{}
	b.AddSample(-1)
	require.Equal(t, -1.0, b.Max)

	a.Reset()
	require.Equal(t, int64(0), a.Samples)
	require.Equal(t, 0.0, a.Max)
}

func TestTimeAccumulator(t *testing.T) {
	a := TimeAccumulator{}
	require.Equal(t, time.Duration(0), a.Average())
	a.AddSample(time.Millisecond)
	a.AddSample(3 * time.Millisecond)
	require.Equal(t, 2*time.Millisecond, a.Average())
	require.Equal(t, 3*time.Millisecond, a.Max)
}
