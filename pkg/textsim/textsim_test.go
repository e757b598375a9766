package textsim

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	require.Equal(t, "red shirt", Normalize("  Red \t SHIRT "))
	require.Equal(t, "", Normalize("   "))
	require.True(t, Equal("Blue Jeans", "blue  jeans"))
	require.False(t, Equal("Blue Jeans", "blue jean"))
	require.True(t, IsEmpty(" \n"))
	require.False(t, IsEmpty("x"))
}

func TestSimilarity(t *testing.T) {
	require.Equal(t, float32(1), Similarity("Shirt", "shirt"))
	require.Equal(t, float32(1), Similarity("", ""))
	require.InDelta(t, 1-1.0/6.0, Similarity("Shirt", "Shirts"), 1e-6)
	require.Less(t, Similarity("Shirt", "Laptop"), float32(0.3))
	require.Equal(t, float32(0), Similarity("abc", ""))

	// Multi-byte text is measured in runes, not bytes
	require.InDelta(t, 0.75, Similarity("café", "cafe"), 1e-6)
}
