// Use of this software is governed by an Apache 2.0
// licence which can be found in the license file

package objectcache

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"objectcache/common"

	"gopkg.in/yaml.v2"
)

// Config -- object cache tuning.
// MaxFlushBatch       -- max objects persisted (or deleted) per commit.
// MaxReachableObjects -- hard ceiling of objects added by one expansion.
// MaxLookupFanOut     -- max identifiers named by one lookup.
// MaxInFlightFaults   -- faults in flight before lookups get backpressure.
// ParanoidFlush       -- flush synchronously on release instead of batching.
// MaxResidentObjects  -- evictable objects kept before eviction starts.
// FaultWorkers        -- concurrent backing store loads.
// FlushInterval       -- max time a flush waits for its batch to fill.
// GCPollInterval      -- poll interval of WaitUntilReadyToGC.
// SweepInterval       -- period of the background write-behind sweep, zero
//                        disables the sweeper.
// DeferralLogInterval -- a lookup deferred this many times logs a warning.
type Config struct {
	MaxFlushBatch       int           `yaml:"max_flush_batch"`
	MaxReachableObjects int           `yaml:"max_reachable_objects"`
	MaxLookupFanOut     int           `yaml:"max_lookup_fan_out"`
	MaxInFlightFaults   int           `yaml:"max_in_flight_faults"`
	ParanoidFlush       bool          `yaml:"paranoid_flush"`
	MaxResidentObjects  int           `yaml:"max_resident_objects"`
	EvictionPolicy      string        `yaml:"eviction_policy"`
	FaultWorkers        int           `yaml:"fault_workers"`
	FlushInterval       time.Duration `yaml:"flush_interval"`
	GCPollInterval      time.Duration `yaml:"gc_poll_interval"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	DeferralLogInterval int           `yaml:"deferral_log_interval"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		MaxFlushBatch:       500,
		MaxReachableObjects: 1000,
		MaxLookupFanOut:     1000,
		MaxInFlightFaults:   10000,
		ParanoidFlush:       false,
		MaxResidentObjects:  100000,
		EvictionPolicy:      common.EvictionPolicyLocalLRU,
		FaultWorkers:        8,
		FlushInterval:       10 * time.Millisecond,
		GCPollInterval:      100 * time.Millisecond,
		SweepInterval:       30 * time.Second,
		DeferralLogInterval: 500,
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv loads configuration from OBJECTCACHE_* environment variables.
func (c *Config) LoadFromEnv() error {
	ints := map[string]*int{
		"OBJECTCACHE_MAX_FLUSH_BATCH":       &c.MaxFlushBatch,
		"OBJECTCACHE_MAX_REACHABLE_OBJECTS": &c.MaxReachableObjects,
		"OBJECTCACHE_MAX_LOOKUP_FAN_OUT":    &c.MaxLookupFanOut,
		"OBJECTCACHE_MAX_IN_FLIGHT_FAULTS":  &c.MaxInFlightFaults,
		"OBJECTCACHE_MAX_RESIDENT_OBJECTS":  &c.MaxResidentObjects,
		"OBJECTCACHE_FAULT_WORKERS":         &c.FaultWorkers,
	}
	for name, dst := range ints {
		if val := os.Getenv(name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = n
		}
	}
	durations := map[string]*time.Duration{
		"OBJECTCACHE_FLUSH_INTERVAL":   &c.FlushInterval,
		"OBJECTCACHE_GC_POLL_INTERVAL": &c.GCPollInterval,
		"OBJECTCACHE_SWEEP_INTERVAL":   &c.SweepInterval,
	}
	for name, dst := range durations {
		if val := os.Getenv(name); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = d
		}
	}
	if val := os.Getenv("OBJECTCACHE_PARANOID_FLUSH"); val != "" {
		c.ParanoidFlush = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("OBJECTCACHE_EVICTION_POLICY"); val != "" {
		c.EvictionPolicy = val
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	positive := []struct {
		name string
		val  int
	}{
		{"max_flush_batch", c.MaxFlushBatch},
		{"max_reachable_objects", c.MaxReachableObjects},
		{"max_lookup_fan_out", c.MaxLookupFanOut},
		{"max_in_flight_faults", c.MaxInFlightFaults},
		{"max_resident_objects", c.MaxResidentObjects},
		{"fault_workers", c.FaultWorkers},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return fmt.Errorf("%s must be greater than 0: %w", p.name, common.ErrInvalidParam)
		}
	}
	if c.FlushInterval <= 0 || c.GCPollInterval <= 0 {
		return fmt.Errorf("flush_interval and gc_poll_interval must be positive: %w", common.ErrInvalidParam)
	}
	if c.SweepInterval < 0 || c.DeferralLogInterval < 0 {
		return fmt.Errorf("sweep_interval and deferral_log_interval must not be negative: %w", common.ErrInvalidParam)
	}
	return nil
}
