package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 5, cfg.Impute.Neighbors)
	assert.Equal(t, "s2", cfg.Pipeline.Index)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeFile(t, `
pipeline:
  index: geohash
  base_resolution: 7
  reduced_resolution: 5
  chunk_size: 500
impute:
  exclude: [label]
server:
  read_timeout: 3s
`)
	t.Setenv("MOBILITY_PIPELINE_CHUNK_SIZE", "2000")
	t.Setenv("MOBILITY_IMPUTE_NEIGHBORS", "3")
	t.Setenv("MOBILITY_SERVER_JWT_SECRET", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "geohash", cfg.Pipeline.Index)
	assert.Equal(t, 7, cfg.Pipeline.BaseResolution)
	assert.Equal(t, 5, cfg.Pipeline.ReducedResolution)
	assert.Equal(t, 2000, cfg.Pipeline.ChunkSize, "env overrides file")
	assert.Equal(t, 3, cfg.Impute.Neighbors)
	assert.Equal(t, []string{"label"}, cfg.Impute.Exclude)
	assert.Equal(t, "s3cret", cfg.Server.JWTSecret)
	assert.Equal(t, 3*time.Second, cfg.Server.ReadTimeout)

	// keys absent from the file keep their defaults
	assert.Equal(t, "skip", cfg.Pipeline.InvalidPolicy)
	assert.True(t, cfg.Impute.Enabled)
}

func TestLoadIgnoresUnprefixedEnv(t *testing.T) {
	t.Setenv("PORT", ":9999")
	t.Setenv("LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown index", "pipeline: {index: h3}"},
		{"zero chunk size", "pipeline: {chunk_size: 0}"},
		{"reduced not coarser", "pipeline: {base_resolution: 9, reduced_resolution: 9}"},
		{"geohash too fine", "pipeline: {index: geohash, base_resolution: 15}"},
		{"s2 too fine", "pipeline: {base_resolution: 31}"},
		{"bad policy", "pipeline: {invalid_policy: ignore}"},
		{"zero neighbors", "impute: {neighbors: 0}"},
		{"bad log level", "log: {level: trace}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "pipeline: [not, a, map]"))
	assert.Error(t, err)

	t.Setenv("MOBILITY_PIPELINE_PREFETCH", "many")
	_, err = Load("")
	assert.Error(t, err)
}
