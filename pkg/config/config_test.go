package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPassesValidation(t *testing.T) {
	errs := Default().Validate()
	assert.False(t, errs.HasErrors(), errs.Error())
}

func TestValidateCatchesCapViolations(t *testing.T) {
	cfg := Default()
	cfg.Pool.MinWarm = 5
	cfg.Pool.MaxTotal = 2
	cfg.Pool.MaxPerAgent = 3
	cfg.Resources.PidsLimit = 1
	cfg.Timeouts.HealthIntervalMs = 500
	cfg.Timeouts.StartupMs = 100

	errs := cfg.Validate()
	require.True(t, errs.HasErrors())
	assert.GreaterOrEqual(t, len(errs), 5)
}

func TestValidateIdleMustExceedThreeHealthIntervals(t *testing.T) {
	cfg := Default()
	cfg.Timeouts.HealthIntervalMs = 5000
	cfg.Timeouts.IdleMs = 5000

	errs := cfg.Validate()
	require.True(t, errs.HasErrors())
}

func TestLoadParsesYAMLOverOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
pool:
  minWarm: 2
  maxTotal: 5
  maxPerAgent: 3
image: custom/sandbox:v1
redis:
  keyPrefix: "custom:cc:"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Pool.MinWarm)
	assert.Equal(t, 5, cfg.Pool.MaxTotal)
	assert.Equal(t, "custom/sandbox:v1", cfg.Image)
	assert.Equal(t, "custom:cc:", cfg.Redis.KeyPrefix)
	// Fields not present in the file keep Default()'s values.
	assert.Equal(t, 64, cfg.Resources.PidsLimit)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
pool:
  minWarm: 10
  maxTotal: 1
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
