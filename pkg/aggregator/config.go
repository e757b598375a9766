package aggregator

import (
	"fmt"

	"github.com/cyclopcam/itemscan/pkg/gen"
	"github.com/cyclopcam/itemscan/pkg/nn"
)

// SimilarityThresholds decide whether a detection belongs to an existing item
type SimilarityThresholds struct {
	MinLabelSimilarity     float32 `json:"minLabelSimilarity"`     // Normalized edit-distance similarity required between non-empty labels
	MaxSizeDifferenceRatio float32 `json:"maxSizeDifferenceRatio"` // Largest allowed relative area difference (0.4 means the smaller box must be at least 60% of the larger)
	MaxCenterDistanceRatio float32 `json:"maxCenterDistanceRatio"` // Largest allowed center distance, as a fraction of the frame diagonal
}

func (s *SimilarityThresholds) Validate() error {
	if !gen.InUnitRange(s.MinLabelSimilarity) {
		return fmt.Errorf("minLabelSimilarity must be in [0,1] (got %v)", s.MinLabelSimilarity)
	}
	if !gen.InUnitRange(s.MaxSizeDifferenceRatio) {
		return fmt.Errorf("maxSizeDifferenceRatio must be in [0,1] (got %v)", s.MaxSizeDifferenceRatio)
	}
	if !gen.InUnitRange(s.MaxCenterDistanceRatio) {
		return fmt.Errorf("maxCenterDistanceRatio must be in [0,1] (got %v)", s.MaxCenterDistanceRatio)
	}
	return nil
}

// AggregationConfig holds the default thresholds, plus optional per-detector overrides.
// A detector type without an override uses the defaults.
type AggregationConfig struct {
	SimilarityThresholds
	PerDetector map[nn.DetectorType]SimilarityThresholds `json:"perDetector,omitempty"`
}

func DefaultConfig() AggregationConfig {
	return AggregationConfig{
		SimilarityThresholds: SimilarityThresholds{
			MinLabelSimilarity:     0.7,
			MaxSizeDifferenceRatio: 0.4,
			MaxCenterDistanceRatio: 0.15,
		},
	}
}

func (c *AggregationConfig) Validate() error {
	if err := c.SimilarityThresholds.Validate(); err != nil {
		return fmt.Errorf("aggregation: %w", err)
	}
	for t, s := range c.PerDetector {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("aggregation override for %v: %w", t, err)
		}
	}
	return nil
}

// ThresholdsFor returns the thresholds that apply to detections from the given detector
func (c *AggregationConfig) ThresholdsFor(t nn.DetectorType) SimilarityThresholds {
	if s, ok := c.PerDetector[t]; ok {
		return s
	}
	return c.SimilarityThresholds
}
