package config

import (
	"fmt"
	"os"
)

var scalingMethods = map[string]bool{
	"auto":     true,
	"nearest":  true,
	"linear":   true,
	"bicubic":  true,
	"lanczos2": true,
	"lanczos3": true,
	"spline36": true,
	"sinc8":    true,
	"hardware": true,
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if c.Session.Backend == "redis" {
		if err := c.Redis.Validate(); err != nil {
			return fmt.Errorf("redis config: %w", err)
		}
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	if err := c.Player.Validate(); err != nil {
		return fmt.Errorf("player config: %w", err)
	}

	if err := c.Input.Validate(); err != nil {
		return fmt.Errorf("input config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	return nil
}

func (s *ServerConfig) Validate() error {
	if s.HTTPPort < 1 || s.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", s.HTTPPort)
	}

	if !s.EnableHTTP3 {
		return nil
	}

	if s.HTTP3Port < 1 || s.HTTP3Port > 65535 {
		return fmt.Errorf("invalid HTTP3 port: %d", s.HTTP3Port)
	}

	if s.TLSCertFile == "" {
		return fmt.Errorf("TLS certificate file is required")
	}

	if s.TLSKeyFile == "" {
		return fmt.Errorf("TLS key file is required")
	}

	if _, err := os.Stat(s.TLSCertFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS certificate file not found: %s", s.TLSCertFile)
	}

	if _, err := os.Stat(s.TLSKeyFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS key file not found: %s", s.TLSKeyFile)
	}

	return nil
}

func (r *RedisConfig) Validate() error {
	if len(r.Addresses) == 0 {
		return fmt.Errorf("at least one Redis address is required")
	}

	if r.DB < 0 {
		return fmt.Errorf("invalid Redis database number: %d", r.DB)
	}

	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}

	if r.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive")
	}

	if r.MinIdleConns < 0 {
		return fmt.Errorf("min_idle_conns cannot be negative")
	}

	if r.MinIdleConns > r.PoolSize {
		return fmt.Errorf("min_idle_conns cannot be greater than pool_size")
	}

	return nil
}

func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"panic": true,
		"fatal": true,
		"error": true,
		"warn":  true,
		"info":  true,
		"debug": true,
		"trace": true,
	}

	if !validLevels[l.Level] {
		return fmt.Errorf("invalid log level: %s", l.Level)
	}

	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("log format must be 'json' or 'text'")
	}

	if l.Output != "stdout" && l.Output != "stderr" {
		if l.MaxSize <= 0 {
			return fmt.Errorf("max_size must be positive for file output")
		}
		if l.MaxBackups < 0 {
			return fmt.Errorf("max_backups cannot be negative")
		}
		if l.MaxAge < 0 {
			return fmt.Errorf("max_age cannot be negative")
		}
	}

	return nil
}

func (m *MetricsConfig) Validate() error {
	if m.Enabled && m.Path == "" {
		return fmt.Errorf("metrics path cannot be empty")
	}
	return nil
}

func (p *PlayerConfig) Validate() error {
	if !scalingMethods[p.ScalingMethod] {
		return fmt.Errorf("unknown scaling method: %q", p.ScalingMethod)
	}

	if p.SyncTolerance <= 0 {
		return fmt.Errorf("sync_tolerance must be positive")
	}

	if p.DropThreshold < p.SyncTolerance {
		return fmt.Errorf("drop_threshold (%s) cannot be below sync_tolerance (%s)", p.DropThreshold, p.SyncTolerance)
	}

	if p.PacketQueue <= 0 {
		return fmt.Errorf("packet_queue must be positive")
	}

	if p.FrameQueue <= 0 {
		return fmt.Errorf("frame_queue must be positive")
	}

	if p.ReorderDepth < 0 || p.ReorderDepth > 16 {
		return fmt.Errorf("reorder_depth must be between 0 and 16")
	}

	if p.MaxDemuxErrors <= 0 {
		return fmt.Errorf("max_demux_errors must be positive")
	}

	if p.Speed <= 0 || p.Speed > 16 {
		return fmt.Errorf("speed must be in (0, 16]: %v", p.Speed)
	}

	return p.Retry.Validate()
}

func (r *RetryConfig) Validate() error {
	if r.MaxAttempts < 0 {
		return fmt.Errorf("retry max_attempts cannot be negative")
	}

	if r.InitialDelay <= 0 {
		return fmt.Errorf("retry initial_delay must be positive")
	}

	if r.MaxDelay < r.InitialDelay {
		return fmt.Errorf("retry max_delay cannot be below initial_delay")
	}

	if r.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1")
	}

	return nil
}

func (i *InputConfig) Validate() error {
	if i.HTTPTimeout <= 0 {
		return fmt.Errorf("http_timeout must be positive")
	}

	if i.ReadRateLimit < 0 {
		return fmt.Errorf("read_rate_limit cannot be negative")
	}

	if i.RTPBufferSize <= 0 {
		return fmt.Errorf("rtp_buffer_size must be positive")
	}

	if i.SubtitleBuf < 16 {
		return fmt.Errorf("subtitle_buffer must be at least 16 bytes")
	}

	if i.FileRoot != "" {
		st, err := os.Stat(i.FileRoot)
		if err != nil {
			return fmt.Errorf("file_root: %w", err)
		}
		if !st.IsDir() {
			return fmt.Errorf("file_root is not a directory: %s", i.FileRoot)
		}
	}

	return nil
}

func (s *SessionConfig) Validate() error {
	if s.Backend != "memory" && s.Backend != "redis" {
		return fmt.Errorf("session backend must be 'memory' or 'redis'")
	}

	if s.TTL <= 0 {
		return fmt.Errorf("session ttl must be positive")
	}

	if s.HeartbeatInterval <= 0 || s.HeartbeatInterval >= s.TTL {
		return fmt.Errorf("heartbeat_interval must be positive and below ttl")
	}

	if s.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive")
	}

	return nil
}
