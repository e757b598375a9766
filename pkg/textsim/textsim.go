// Package textsim compares free-text detector labels.
package textsim

import (
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"
)

// Normalize folds case and collapses whitespace, so that "  Red  SHIRT" and "red shirt" compare equal.
func Normalize(s string) string {
	// A Caser is stateful, so we can't share one between goroutines
	return cases.Fold().String(strings.Join(strings.Fields(s), " "))
}

// IsEmpty is true if the label carries no text at all
func IsEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}

// Equal is true if a and b are the same label after normalization
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// Similarity is 1 - levenshtein(a,b) / max(len(a),len(b)), computed on normalized text and
// counted in runes. Identical labels score 1, completely different labels approach 0.
// Two empty labels score 1.
func Similarity(a, b string) float32 {
	a = Normalize(a)
	b = Normalize(b)
	if a == b {
		return 1
	}
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float32(dist)/float32(longest)
}
