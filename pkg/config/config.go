package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	A2A struct {
		Address           string        `yaml:"address"` // websocket bus listen address
		EnableCoordination bool         `yaml:"enable_coordination"`
		ConsensusThreshold float64      `yaml:"consensus_threshold"` // fraction of participants, (0,1]
		VotingWindow      time.Duration `yaml:"voting_window"`
		VotingTimeout     time.Duration `yaml:"voting_timeout"` // authoritative hard deadline
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		FailoverTimeout   time.Duration `yaml:"failover_timeout"`
		PingInterval      time.Duration `yaml:"ping_interval"`
		PongTimeout       time.Duration `yaml:"pong_timeout"`
	} `yaml:"a2a"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PreferredVideoCodec string `yaml:"preferred_video_codec"`
		PreferredAudioCodec string `yaml:"preferred_audio_codec"`
		HardwareAccel       bool   `yaml:"hardware_accel"`
	} `yaml:"webrtc"`

	Synchronization struct {
		Tolerance       time.Duration `yaml:"tolerance"`
		MaxDrift        time.Duration `yaml:"max_drift"`
		ResyncThreshold time.Duration `yaml:"resync_threshold"`
		Method          string        `yaml:"method"` // "master" or "ntp"
		MasterClock     string        `yaml:"master_clock"`
		SyncInterval    time.Duration `yaml:"sync_interval"`
	} `yaml:"synchronization"`

	Quality struct {
		EnableAdaptation bool          `yaml:"enable_adaptation"`
		TargetLatency    time.Duration `yaml:"target_latency"`
		AdaptationSpeed  string        `yaml:"adaptation_speed"` // "slow", "normal", "fast"
		MLPrediction     bool          `yaml:"ml_prediction"`
		EvalInterval     time.Duration `yaml:"eval_interval"`
	} `yaml:"quality"`

	Caching struct {
		Enabled       bool          `yaml:"enabled"`
		TTL           time.Duration `yaml:"ttl"`
		MaxSize       int64         `yaml:"max_size"` // bytes per edge node
		PurgeStrategy string        `yaml:"purge_strategy"`
		Replicas      int           `yaml:"replicas"`
		AnalyticsInterval time.Duration `yaml:"analytics_interval"`
		OriginURL     string        `yaml:"origin_url"` // empty disables origin fallback
		OriginTimeout time.Duration `yaml:"origin_timeout"`
	} `yaml:"caching"`

	Performance struct {
		TextLatencyTarget       time.Duration `yaml:"text_latency_target"`
		MultimediaLatencyTarget time.Duration `yaml:"multimedia_latency_target"`
		HealthSweepInterval     time.Duration `yaml:"health_sweep_interval"`
		PauseAfterIdle          time.Duration `yaml:"pause_after_idle"`
		EndAfterIdle            time.Duration `yaml:"end_after_idle"`
	} `yaml:"performance"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		PrometheusPort    int           `yaml:"prometheus_port"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret       string        `yaml:"jwt_secret"`
		AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
		RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		A2A struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
			MaxMessageSize    int64   `yaml:"max_message_size_bytes"`
		} `yaml:"a2a"`
	} `yaml:"rate_limiting"`

	Backup struct {
		Enabled  bool          `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"`
		Dir      string        `yaml:"dir"`
		Keep     int           `yaml:"keep"`
	} `yaml:"backup"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// A2A
	if c.A2A.EnableCoordination {
		if c.A2A.Address == "" {
			return fmt.Errorf("a2a.address must not be empty when coordination is enabled")
		}
		if c.A2A.ConsensusThreshold <= 0 || c.A2A.ConsensusThreshold > 1 {
			return fmt.Errorf("a2a.consensus_threshold must be in (0,1]")
		}
		if c.A2A.VotingTimeout <= 0 {
			return fmt.Errorf("a2a.voting_timeout must be > 0")
		}
		if c.A2A.VotingWindow > c.A2A.VotingTimeout {
			return fmt.Errorf("a2a.voting_window must not exceed a2a.voting_timeout")
		}
		if c.A2A.HeartbeatInterval <= 0 {
			return fmt.Errorf("a2a.heartbeat_interval must be > 0")
		}
		if c.A2A.FailoverTimeout <= c.A2A.HeartbeatInterval {
			return fmt.Errorf("a2a.failover_timeout must exceed a2a.heartbeat_interval")
		}
	}

	// WebRTC
	if len(c.WebRTC.ICEServers) == 0 {
		return fmt.Errorf("webrtc.ice_servers must not be empty")
	}
	for i, srv := range c.WebRTC.ICEServers {
		if len(srv.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	// Synchronization
	if c.Synchronization.Tolerance <= 0 {
		return fmt.Errorf("synchronization.tolerance must be > 0")
	}
	if c.Synchronization.Tolerance >= c.Synchronization.MaxDrift {
		return fmt.Errorf("synchronization.tolerance must be < synchronization.max_drift")
	}
	if c.Synchronization.SyncInterval <= 0 {
		return fmt.Errorf("synchronization.sync_interval must be > 0")
	}

	// Quality
	if c.Quality.TargetLatency <= 0 {
		return fmt.Errorf("quality.target_latency must be > 0")
	}
	if c.Quality.EvalInterval <= 0 {
		return fmt.Errorf("quality.eval_interval must be > 0")
	}

	// Caching
	if c.Caching.Enabled {
		if c.Caching.TTL <= 0 {
			return fmt.Errorf("caching.ttl must be > 0")
		}
		if c.Caching.MaxSize <= 0 {
			return fmt.Errorf("caching.max_size must be > 0")
		}
		if c.Caching.Replicas <= 0 {
			return fmt.Errorf("caching.replicas must be > 0")
		}
	}

	// Performance
	if c.Performance.TextLatencyTarget <= 0 {
		return fmt.Errorf("performance.text_latency_target must be > 0")
	}
	if c.Performance.MultimediaLatencyTarget <= 0 {
		return fmt.Errorf("performance.multimedia_latency_target must be > 0")
	}
	if c.Performance.TextLatencyTarget > c.Performance.MultimediaLatencyTarget {
		return fmt.Errorf("performance.text_latency_target must not exceed multimedia_latency_target")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}
	if c.Monitoring.MetricsInterval <= 0 {
		return fmt.Errorf("monitoring.metrics_interval must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in (0,1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		return fmt.Errorf("auth.refresh_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.A2A.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.a2a.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.A2A.Burst <= 0 {
			return fmt.Errorf("rate_limiting.a2a.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.A2A.MaxMessageSize < 0 {
			return fmt.Errorf("rate_limiting.a2a.max_message_size_bytes must be >= 0")
		}
	}

	// Backup
	if c.Backup.Enabled {
		if c.Backup.Interval <= 0 {
			return fmt.Errorf("backup.interval must be > 0 when backup.enabled=true")
		}
		if c.Backup.Keep < 0 {
			return fmt.Errorf("backup.keep must be >= 0")
		}
	}

	return nil
}

// Load reads configuration from a YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// Missing files fall back to defaults so local runs need no config
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ICEServerURLs flattens the configured ICE servers into a URL list.
func (c *Config) ICEServerURLs() []string {
	urls := make([]string, 0, len(c.WebRTC.ICEServers))
	for _, srv := range c.WebRTC.ICEServers {
		urls = append(urls, srv.URLs...)
	}
	return urls
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.A2A.Address = ":8081"
	cfg.A2A.EnableCoordination = true
	cfg.A2A.ConsensusThreshold = 0.5
	cfg.A2A.VotingWindow = 5 * time.Second
	cfg.A2A.VotingTimeout = 6 * time.Second
	cfg.A2A.HeartbeatInterval = 30 * time.Second
	cfg.A2A.FailoverTimeout = 90 * time.Second
	cfg.A2A.PingInterval = 30 * time.Second
	cfg.A2A.PongTimeout = 60 * time.Second

	cfg.WebRTC.ICEServers = []struct {
		URLs       []string `yaml:"urls"`
		Username   string   `yaml:"username,omitempty"`
		Credential string   `yaml:"credential,omitempty"`
	}{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}
	cfg.WebRTC.PreferredVideoCodec = "VP8"
	cfg.WebRTC.PreferredAudioCodec = "opus"

	cfg.Synchronization.Tolerance = 50 * time.Millisecond
	cfg.Synchronization.MaxDrift = 100 * time.Millisecond
	cfg.Synchronization.ResyncThreshold = 200 * time.Millisecond
	cfg.Synchronization.Method = "master"
	cfg.Synchronization.MasterClock = "coordinator"
	cfg.Synchronization.SyncInterval = 100 * time.Millisecond

	cfg.Quality.EnableAdaptation = true
	cfg.Quality.TargetLatency = 200 * time.Millisecond
	cfg.Quality.AdaptationSpeed = "normal"
	cfg.Quality.MLPrediction = false
	cfg.Quality.EvalInterval = 5 * time.Second

	cfg.Caching.Enabled = true
	cfg.Caching.TTL = 5 * time.Minute
	cfg.Caching.MaxSize = 512 * 1024 * 1024
	cfg.Caching.PurgeStrategy = "adaptive"
	cfg.Caching.Replicas = 2
	cfg.Caching.AnalyticsInterval = 60 * time.Second
	cfg.Caching.OriginTimeout = 10 * time.Second

	cfg.Performance.TextLatencyTarget = 100 * time.Millisecond
	cfg.Performance.MultimediaLatencyTarget = 500 * time.Millisecond
	cfg.Performance.HealthSweepInterval = 10 * time.Second
	cfg.Performance.PauseAfterIdle = 5 * time.Minute
	cfg.Performance.EndAfterIdle = time.Hour

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090
	cfg.Monitoring.MetricsInterval = 30 * time.Second

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Auth.RefreshTokenTTL = 7 * 24 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.A2A.MessagesPerSecond = 200
	cfg.RateLimiting.A2A.Burst = 400
	cfg.RateLimiting.A2A.MaxMessageSize = 64 * 1024

	cfg.Backup.Enabled = false
	cfg.Backup.Interval = 15 * time.Minute
	cfg.Backup.Dir = "backups"
	cfg.Backup.Keep = 10

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("SYNCMESH_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("SYNCMESH_A2A_ADDRESS"); addr != "" {
		c.A2A.Address = addr
	}
	if level := os.Getenv("SYNCMESH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("SYNCMESH_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("SYNCMESH_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
}
