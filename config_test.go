// Use of this software is governed by an Apache 2.0
// licence which can be found in the license file

package objectcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"objectcache/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 500, cfg.MaxFlushBatch)
	assert.Equal(t, 500, cfg.DeferralLogInterval)
	assert.False(t, cfg.ParanoidFlush)
	assert.Equal(t, common.EvictionPolicyLocalLRU, cfg.EvictionPolicy)
}

func TestConfigLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.yaml")
	data := []byte(`
max_flush_batch: 64
max_reachable_objects: 10
paranoid_flush: true
flush_interval: 50ms
sweep_interval: 0s
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg := NewDefaultConfig()
	require.NoError(t, cfg.LoadFromFile(path))
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 64, cfg.MaxFlushBatch)
	assert.Equal(t, 10, cfg.MaxReachableObjects)
	assert.True(t, cfg.ParanoidFlush)
	assert.Equal(t, 50*time.Millisecond, cfg.FlushInterval)
	assert.Zero(t, cfg.SweepInterval)
	assert.Equal(t, 1000, cfg.MaxLookupFanOut)

	assert.Error(t, cfg.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestConfigLoadFromEnv(t *testing.T) {
	t.Setenv("OBJECTCACHE_MAX_RESIDENT_OBJECTS", "42")
	t.Setenv("OBJECTCACHE_GC_POLL_INTERVAL", "5ms")
	t.Setenv("OBJECTCACHE_PARANOID_FLUSH", "TRUE")

	cfg := NewDefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, 42, cfg.MaxResidentObjects)
	assert.Equal(t, 5*time.Millisecond, cfg.GCPollInterval)
	assert.True(t, cfg.ParanoidFlush)

	t.Setenv("OBJECTCACHE_FAULT_WORKERS", "many")
	assert.Error(t, NewDefaultConfig().LoadFromEnv())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"flush batch", func(c *Config) { c.MaxFlushBatch = 0 }},
		{"fault workers", func(c *Config) { c.FaultWorkers = -1 }},
		{"flush interval", func(c *Config) { c.FlushInterval = 0 }},
		{"sweep interval", func(c *Config) { c.SweepInterval = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), common.ErrInvalidParam)
		})
	}
}
