package config

import (
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HYPESTACK_DATA_DIR", "/tmp/hs")
	for _, k := range []string{"PORT", "HYPESTACK_START_TIMEOUT", "HYPESTACK_MAX_CONCURRENT_BUILDS", "HYPESTACK_MAX_CONTEXT_SIZE"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "/tmp/hs", cfg.DataDir)
	assert.Equal(t, 60*time.Second, cfg.StartTimeout)
	assert.Equal(t, 2, cfg.MaxConcurrentBuilds)
	assert.Equal(t, 2*datasize.GB, cfg.MaxContextSize)
}

func TestLoad_Overrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HYPESTACK_START_TIMEOUT", "5s")
	t.Setenv("HYPESTACK_MAX_CONTEXT_SIZE", "512MB")
	t.Setenv("HYPESTACK_MAX_CONCURRENT_BUILDS", "4")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.StartTimeout)
	assert.Equal(t, 512*datasize.MB, cfg.MaxContextSize)
	assert.Equal(t, 4, cfg.MaxConcurrentBuilds)
}

func TestLoad_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HYPESTACK_STOP_TIMEOUT", "soon")
	_, err := Load()
	assert.ErrorContains(t, err, "HYPESTACK_STOP_TIMEOUT")
}
