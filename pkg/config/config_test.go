package config

import (
	"testing"
	"time"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.A2A.MessagesPerSecond = 50
	cfg.RateLimiting.A2A.Burst = 100
	cfg.RateLimiting.A2A.MaxMessageSize = 65536
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestValidate_LatencyTargets(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name: "text latency target must be > 0",
			mutate: func(c *Config) {
				c.Performance.TextLatencyTarget = 0
			},
		},
		{
			name: "multimedia latency target must be > 0",
			mutate: func(c *Config) {
				c.Performance.MultimediaLatencyTarget = 0
			},
		},
		{
			name: "text target must not exceed multimedia target",
			mutate: func(c *Config) {
				c.Performance.TextLatencyTarget = time.Second
				c.Performance.MultimediaLatencyTarget = 100 * time.Millisecond
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestValidate_Synchronization(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Synchronization.Tolerance = 200 * time.Millisecond
	cfg.Synchronization.MaxDrift = 100 * time.Millisecond
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when tolerance >= max_drift, got nil")
	}

	cfg = validBaseConfig()
	cfg.Synchronization.Tolerance = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero tolerance, got nil")
	}
}

func TestValidate_ICEServers(t *testing.T) {
	cfg := validBaseConfig()
	cfg.WebRTC.ICEServers = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty ice server list, got nil")
	}
}

func TestValidate_ConsensusThreshold(t *testing.T) {
	for _, threshold := range []float64{0, -0.5, 1.5} {
		cfg := validBaseConfig()
		cfg.A2A.ConsensusThreshold = threshold
		if err := cfg.Validate(); err == nil {
			t.Fatalf("expected error for consensus threshold %v, got nil", threshold)
		}
	}

	cfg := validBaseConfig()
	cfg.A2A.ConsensusThreshold = 1.0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("threshold 1.0 should be accepted, got: %v", err)
	}
}

func TestValidate_Caching(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Caching.Enabled = true
	cfg.Caching.TTL = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-positive cache ttl, got nil")
	}

	cfg = validBaseConfig()
	cfg.Caching.MaxSize = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-positive cache size, got nil")
	}

	// disabled caching skips the checks
	cfg = validBaseConfig()
	cfg.Caching.Enabled = false
	cfg.Caching.TTL = 0
	cfg.Caching.MaxSize = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled caching should skip validation, got: %v", err)
	}
}

func TestValidate_RateLimiting_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name: "http rps must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.HTTP.RequestsPerSecond = 0
			},
		},
		{
			name: "http burst must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.HTTP.Burst = 0
			},
		},
		{
			name: "a2a messages per second must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.A2A.MessagesPerSecond = 0
			},
		},
		{
			name: "a2a burst must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.A2A.Burst = 0
			},
		},
		{
			name: "a2a max message size must be >= 0",
			mutate: func(c *Config) {
				c.RateLimiting.A2A.MaxMessageSize = -1
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}
