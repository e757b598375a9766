package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cyclopcam/itemscan/pkg/pipeline"
)

type DB struct {
	Filename string `json:"filename"` // SQLite item database. Empty means no persistence.
}

type HTTP struct {
	Listen          string `json:"listen"`          // eg 127.0.0.1:8090
	RateLimit       int    `json:"rateLimit"`       // Max requests per RateLimitWindow, per IP, on endpoints that mutate state
	RateLimitWindow int64  `json:"rateLimitWindow"` // Milliseconds
}

type Config struct {
	pipeline.Config
	StaleItemAgeMs int64 `json:"staleItemAgeMs"` // Evict aggregated items not seen for this long. Zero disables eviction.
	DB             DB    `json:"db"`
	HTTP           HTTP  `json:"http"`
}

func Default() *Config {
	return &Config{
		Config:         pipeline.DefaultConfig(),
		StaleItemAgeMs: 5 * 60 * 1000,
		DB: DB{
			Filename: "items.sqlite",
		},
		HTTP: HTTP{
			Listen:          "127.0.0.1:8090",
			RateLimit:       20,
			RateLimitWindow: 1000,
		},
	}
}

// Load reads a JSON config file. Anything missing from the file keeps its default value.
func Load(filename string) (*Config, error) {
	if filename == "" {
		filename = "itemscan.json"
	}
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	cfg := Default()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid config %v: %w", filename, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if c.StaleItemAgeMs < 0 {
		return fmt.Errorf("staleItemAgeMs may not be negative (got %v)", c.StaleItemAgeMs)
	}
	if c.HTTP.RateLimit < 1 {
		return fmt.Errorf("http rateLimit must be at least 1 (got %v)", c.HTTP.RateLimit)
	}
	if c.HTTP.RateLimitWindow < 1 {
		return fmt.Errorf("http rateLimitWindow must be at least 1 (got %v)", c.HTTP.RateLimitWindow)
	}
	return nil
}
