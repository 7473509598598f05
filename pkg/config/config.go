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

	Signal struct {
		Address         string        `yaml:"address"`
		Transport       string        `yaml:"transport"` // websocket | redis
		URL             string        `yaml:"url"`
		Token           string        `yaml:"token"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Media struct {
		AudioFile  string `yaml:"audio_file"`  // ogg/opus, silence when empty
		VideoFile  string `yaml:"video_file"`  // ivf/vp8, idle track when empty
		ScreenFile string `yaml:"screen_file"` // ivf/vp8
		Loop       bool   `yaml:"loop"`
	} `yaml:"media"`

	Call struct {
		RingTimeout         time.Duration `yaml:"ring_timeout"`
		StatsInterval       time.Duration `yaml:"stats_interval"`
		ResetDelay          time.Duration `yaml:"reset_delay"`
		OrphanCandidateTTL  time.Duration `yaml:"orphan_candidate_ttl"`
		MaxOrphanCandidates int           `yaml:"max_orphan_candidates"`
		DrainTimeout        time.Duration `yaml:"drain_timeout"`
	} `yaml:"call"`

	Quality struct {
		MediumLossThreshold float64 `yaml:"medium_loss_threshold"`
		LowLossThreshold    float64 `yaml:"low_loss_threshold"`
		HighBitrate         int     `yaml:"high_bitrate"`
		MediumBitrate       int     `yaml:"medium_bitrate"`
		LowBitrate          int     `yaml:"low_bitrate"`
	} `yaml:"quality"`

	Identity struct {
		UserID      string `yaml:"user_id"`
		DisplayName string `yaml:"display_name"`
		DeviceStore string `yaml:"device_store"` // file | redis | memory
		DevicePath  string `yaml:"device_path"`
	} `yaml:"identity"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
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
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		OperatorKey    string        `yaml:"operator_key"` // enables token minting on the relay
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be > 0")
	}

	// Signal
	switch c.Signal.Transport {
	case "websocket":
		if c.Signal.URL == "" {
			return fmt.Errorf("signal.url must not be empty when signal.transport=websocket")
		}
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("signal.transport=redis requires redis.enabled=true")
		}
	default:
		return fmt.Errorf("signal.transport must be websocket or redis, got %q", c.Signal.Transport)
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Call
	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("call.ring_timeout must be > 0")
	}
	if c.Call.StatsInterval <= 0 {
		return fmt.Errorf("call.stats_interval must be > 0")
	}
	if c.Call.ResetDelay < 0 {
		return fmt.Errorf("call.reset_delay must be >= 0")
	}
	if c.Call.MaxOrphanCandidates <= 0 {
		return fmt.Errorf("call.max_orphan_candidates must be > 0")
	}

	// Quality
	if c.Quality.MediumLossThreshold <= 0 || c.Quality.MediumLossThreshold >= c.Quality.LowLossThreshold {
		return fmt.Errorf("quality.medium_loss_threshold must be in (0, low_loss_threshold)")
	}
	if c.Quality.LowLossThreshold >= 1 {
		return fmt.Errorf("quality.low_loss_threshold must be < 1")
	}
	if !(c.Quality.LowBitrate < c.Quality.MediumBitrate && c.Quality.MediumBitrate < c.Quality.HighBitrate) {
		return fmt.Errorf("quality bitrates must increase from low to high")
	}

	// Identity
	switch c.Identity.DeviceStore {
	case "file":
		if c.Identity.DevicePath == "" {
			return fmt.Errorf("identity.device_path must not be empty when identity.device_store=file")
		}
	case "redis", "memory":
	default:
		return fmt.Errorf("identity.device_store must be file, redis or memory, got %q", c.Identity.DeviceStore)
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

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 || c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http requires requests_per_second and burst > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 || c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket requires messages_per_second and burst > 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
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

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = "127.0.0.1:8090"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.Transport = "websocket"
	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.ShutdownTimeout = 15 * time.Second

	cfg.Media.Loop = true

	cfg.Call.RingTimeout = 30 * time.Second
	cfg.Call.StatsInterval = 2 * time.Second
	cfg.Call.ResetDelay = 2 * time.Second
	cfg.Call.OrphanCandidateTTL = 30 * time.Second
	cfg.Call.MaxOrphanCandidates = 64
	cfg.Call.DrainTimeout = 5 * time.Second

	cfg.Quality.MediumLossThreshold = 0.03
	cfg.Quality.LowLossThreshold = 0.10
	cfg.Quality.HighBitrate = 1_500_000
	cfg.Quality.MediumBitrate = 500_000
	cfg.Quality.LowBitrate = 150_000

	cfg.Identity.DeviceStore = "file"
	cfg.Identity.DevicePath = "ringline-device.yaml"

	cfg.Monitoring.PrometheusEnabled = true

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
	cfg.Auth.AccessTokenTTL = 24 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("RINGLINE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("RINGLINE_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if url := os.Getenv("RINGLINE_SIGNAL_URL"); url != "" {
		c.Signal.URL = url
	}
	if token := os.Getenv("RINGLINE_SIGNAL_TOKEN"); token != "" {
		c.Signal.Token = token
	}
	if userID := os.Getenv("RINGLINE_USER_ID"); userID != "" {
		c.Identity.UserID = userID
	}
	if level := os.Getenv("RINGLINE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("RINGLINE_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if key := os.Getenv("RINGLINE_OPERATOR_KEY"); key != "" {
		c.Auth.OperatorKey = key
	}
	if addr := os.Getenv("RINGLINE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
}
