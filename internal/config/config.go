package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. REEL_PLAYER_SPEED.
const EnvPrefix = "REEL"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Player  PlayerConfig  `mapstructure:"player"`
	Input   InputConfig   `mapstructure:"input"`
	Session SessionConfig `mapstructure:"session"`
}

type ServerConfig struct {
	// Control API (HTTP/1.1)
	HTTPPort        int           `mapstructure:"http_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Optional HTTP/3 listener
	EnableHTTP3    bool          `mapstructure:"enable_http3"`
	HTTP3Port      int           `mapstructure:"http3_port"`
	TLSCertFile    string        `mapstructure:"tls_cert_file"`
	TLSKeyFile     string        `mapstructure:"tls_key_file"`
	MaxIdleTimeout time.Duration `mapstructure:"max_idle_timeout"`

	CORSOrigins []string `mapstructure:"cors_origins"`
}

type RedisConfig struct {
	Addresses    []string      `mapstructure:"addresses"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`   // json or text
	Output     string `mapstructure:"output"`   // stdout, stderr, or file path
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// PlayerConfig holds the playback knobs shared by every session.
type PlayerConfig struct {
	ScalingMethod  string        `mapstructure:"scaling_method"` // "auto" picks the platform default
	StrictDecode   bool          `mapstructure:"strict_decode"`
	SyncTolerance  time.Duration `mapstructure:"sync_tolerance"`
	DropThreshold  time.Duration `mapstructure:"drop_threshold"`
	PacketQueue    int           `mapstructure:"packet_queue"`
	FrameQueue     int           `mapstructure:"frame_queue"`
	ReorderDepth   int           `mapstructure:"reorder_depth"`
	MaxDemuxErrors int           `mapstructure:"max_demux_errors"`
	Speed          float64       `mapstructure:"speed"`
	AudioLanguage  string        `mapstructure:"audio_language"`
	SubLanguage    string        `mapstructure:"subtitle_language"`
	Platform       string        `mapstructure:"platform"` // empty = detect
	Retry          RetryConfig   `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

type InputConfig struct {
	FileRoot      string        `mapstructure:"file_root"` // confines file:// locators when set
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
	ReadRateLimit int64         `mapstructure:"read_rate_limit"` // bytes/s, 0 = unlimited
	SRTLatency    time.Duration `mapstructure:"srt_latency"`
	RTPBufferSize int           `mapstructure:"rtp_buffer_size"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	SubtitleBuf   int           `mapstructure:"subtitle_buffer"`
}

type SessionConfig struct {
	Backend           string        `mapstructure:"backend"` // memory or redis
	TTL               time.Duration `mapstructure:"ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxSessions       int           `mapstructure:"max_sessions"`
}

// Load reads configPath (optional), applies REEL_ environment overrides and
// defaults, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration Load produces with no file and no
// environment overrides.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.enable_http3", false)
	v.SetDefault("server.http3_port", 8443)
	v.SetDefault("server.max_idle_timeout", "30s")
	v.SetDefault("server.cors_origins", []string{"*"})

	// Redis defaults
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 2)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 30)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Player defaults
	v.SetDefault("player.scaling_method", "auto")
	v.SetDefault("player.strict_decode", false)
	v.SetDefault("player.sync_tolerance", "40ms")
	v.SetDefault("player.drop_threshold", "150ms")
	v.SetDefault("player.packet_queue", 64)
	v.SetDefault("player.frame_queue", 8)
	v.SetDefault("player.reorder_depth", 0) // derive from the SPS
	v.SetDefault("player.max_demux_errors", 32)
	v.SetDefault("player.speed", 1.0)
	v.SetDefault("player.audio_language", "")
	v.SetDefault("player.subtitle_language", "")
	v.SetDefault("player.platform", "")
	v.SetDefault("player.retry.max_attempts", 5)
	v.SetDefault("player.retry.initial_delay", "100ms")
	v.SetDefault("player.retry.max_delay", "5s")
	v.SetDefault("player.retry.multiplier", 2.0)

	// Input defaults
	v.SetDefault("input.file_root", "")
	v.SetDefault("input.http_timeout", "15s")
	v.SetDefault("input.read_rate_limit", 0)
	v.SetDefault("input.srt_latency", "120ms")
	v.SetDefault("input.rtp_buffer_size", 2097152) // 2MB
	v.SetDefault("input.read_timeout", "10s")
	v.SetDefault("input.subtitle_buffer", 4096)

	// Session defaults
	v.SetDefault("session.backend", "memory")
	v.SetDefault("session.ttl", "5m")
	v.SetDefault("session.heartbeat_interval", "5s")
	v.SetDefault("session.max_sessions", 16)
}
