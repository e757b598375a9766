package dedupe

import (
	"fmt"

	"github.com/cyclopcam/itemscan/pkg/gen"
	"github.com/cyclopcam/itemscan/pkg/nn"
)

type Config struct {
	ExpiryWindowsMs map[nn.DetectorType]int64 `json:"expiryWindowsMs"` // How long an item suppresses its duplicates, per detector
	DefaultExpiryMs int64                     `json:"defaultExpiryMs"` // Window for detector types that are not in ExpiryWindowsMs
	GridSize        int                       `json:"gridSize"`        // Normalized centers are multiplied by this and truncated, to form the bucket key
	IoUThreshold    float32                   `json:"iouThreshold"`    // Minimum overlap for two boxes in nearby buckets to be the same item
	CleanupInterval int                       `json:"cleanupInterval"` // Sweep out stale entries after this many operations
}

func DefaultConfig() Config {
	return Config{
		ExpiryWindowsMs: map[nn.DetectorType]int64{
			nn.DetectorObject:   3000,
			nn.DetectorBarcode:  5000,
			nn.DetectorDocument: 4000,
		},
		DefaultExpiryMs: 3000,
		GridSize:        10,
		IoUThreshold:    0.3,
		CleanupInterval: 50,
	}
}

func (c *Config) Validate() error {
	if c.DefaultExpiryMs <= 0 {
		return fmt.Errorf("dedupe defaultExpiryMs must be positive (got %v)", c.DefaultExpiryMs)
	}
	for t, w := range c.ExpiryWindowsMs {
		if w <= 0 {
			return fmt.Errorf("dedupe expiry window for %v must be positive (got %v)", t, w)
		}
	}
	if c.GridSize < 1 {
		return fmt.Errorf("dedupe gridSize must be at least 1 (got %v)", c.GridSize)
	}
	if !gen.InUnitRange(c.IoUThreshold) {
		return fmt.Errorf("dedupe iouThreshold must be in [0,1] (got %v)", c.IoUThreshold)
	}
	if c.CleanupInterval < 1 {
		return fmt.Errorf("dedupe cleanupInterval must be at least 1 (got %v)", c.CleanupInterval)
	}
	return nil
}

// ExpiryMs returns the suppression window for the detector type
func (c *Config) ExpiryMs(t nn.DetectorType) int64 {
	if w, ok := c.ExpiryWindowsMs[t]; ok {
		return w
	}
	return c.DefaultExpiryMs
}

// Returns the longest window of any detector type
func (c *Config) maxExpiryMs() int64 {
	m := c.DefaultExpiryMs
	for _, w := range c.ExpiryWindowsMs {
		m = max(m, w)
	}
	return m
}
