package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/itemscan/pkg/nn"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	filename := filepath.Join(t.TempDir(), "itemscan.json")
	require.NoError(t, os.WriteFile(filename, []byte(content), 0660))
	return filename
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{"http": {"listen": ":9000"}, "dedupe": {"gridSize": 20}}`))
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.HTTP.Listen)
	require.Equal(t, 20, cfg.Dedupe.GridSize)
	// Untouched fields keep their defaults
	require.Equal(t, Default().HTTP.RateLimit, cfg.HTTP.RateLimit)
	require.Equal(t, Default().DB.Filename, cfg.DB.Filename)
	require.Equal(t, Default().Tracker, cfg.Tracker)
	require.Equal(t, int64(5000), cfg.Dedupe.ExpiryMs(nn.DetectorBarcode))
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorContains(t, err, "Error loading")

	_, err = Load(writeConfig(t, `{not json`))
	require.ErrorContains(t, err, "Error loading as JSON")

	_, err = Load(writeConfig(t, `{"http": {"rateLimit": 0}}`))
	require.ErrorContains(t, err, "rateLimit")

	_, err = Load(writeConfig(t, `{"staleItemAgeMs": -1}`))
	require.ErrorContains(t, err, "staleItemAgeMs")

	_, err = Load(writeConfig(t, `{"dedupe": {"gridSize": 0}}`))
	require.Error(t, err)
}
