// Package config resolves server configuration from, in increasing
// priority, built-in defaults, environment variables, an optional YAML
// config file, and command-line flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved, immutable configuration for one server run.
type Config struct {
	Port     int    `yaml:"port"`
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
	Pretty   bool   `yaml:"pretty"`

	// Connection Hub
	MaxConnections        int           `yaml:"max_connections"`
	MaxConnectionsPerAddr int           `yaml:"max_connections_per_addr"`
	MaxFrameBytes         int64         `yaml:"max_frame_bytes"`
	RateLimitPerSecond    float64       `yaml:"rate_limit_per_second"`
	RateLimitBurst        int           `yaml:"rate_limit_burst"`
	PingInterval          time.Duration `yaml:"ping_interval"`
	PongTimeout           time.Duration `yaml:"pong_timeout"`
	SendQueueSize         int           `yaml:"send_queue_size"`
	AllowedOrigins        []string      `yaml:"allowed_origins"`

	// Project Manager / Validation
	MaxProjects      int      `yaml:"max_projects"`
	AllowedRoots     []string `yaml:"allowed_roots"`
	MaxPromptBytes   int      `yaml:"max_prompt_bytes"`
	MaxMessagesLimit int      `yaml:"max_messages_limit"`

	// Execution Engine
	AgentBinary          string        `yaml:"agent_binary"`
	ExecutionDeadline    time.Duration `yaml:"execution_deadline"`
	KillGracePeriod      time.Duration `yaml:"kill_grace_period"`
	MaxConcurrentExecs   int           `yaml:"max_concurrent_execs"`

	// Message Log
	SegmentMaxBytes  int64         `yaml:"segment_max_bytes"`
	RetentionAge     time.Duration `yaml:"retention_age"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	RetentionSweep   time.Duration `yaml:"retention_sweep_interval"`

	// Resource Governor
	MemorySoftLimitBytes uint64        `yaml:"memory_soft_limit_bytes"`
	SampleInterval       time.Duration `yaml:"sample_interval"`
	MetricsLogInterval   time.Duration `yaml:"metrics_log_interval"`

	// HTTP surface
	HTTPRequestTimeout  time.Duration `yaml:"http_request_timeout"`
	WSUpgradeRateLimit  int           `yaml:"ws_upgrade_rate_limit"`
	WSUpgradeRateWindow time.Duration `yaml:"ws_upgrade_rate_window"`

	// Shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Optional archival, off by default. ApplyEnv turns it on when
	// STREAMROOM_ARCHIVE_BUCKET is set or STREAMROOM_ARCHIVE_ENABLED is true;
	// from a YAML file only archive_enabled turns it on.
	ArchiveEnabled  bool   `yaml:"archive_enabled"`
	ArchiveEndpoint string `yaml:"archive_endpoint"`
	ArchiveBucket   string `yaml:"archive_bucket"`
}

// Defaults returns the built-in configuration baseline. Numbers here match
// the approximate defaults documented for segment size (~1GB) and retention
// age (~30 days).
func Defaults() Config {
	return Config{
		Port:     8080,
		DataDir:  "./data",
		LogLevel: "info",
		Pretty:   false,

		MaxConnections:        10000,
		MaxConnectionsPerAddr: 50,
		MaxFrameBytes:         1 << 20, // 1MiB
		RateLimitPerSecond:    20,
		RateLimitBurst:        40,
		PingInterval:          30 * time.Second,
		PongTimeout:           60 * time.Second,
		SendQueueSize:         256,

		MaxProjects:      500,
		MaxPromptBytes:   64 * 1024,
		MaxMessagesLimit: 10000,

		AgentBinary:        "claude",
		ExecutionDeadline:  10 * time.Minute,
		KillGracePeriod:    5 * time.Second,
		MaxConcurrentExecs: 8,

		SegmentMaxBytes: 1 << 30, // ~1GB
		RetentionAge:    30 * 24 * time.Hour,
		FlushInterval:   200 * time.Millisecond,
		RetentionSweep:  1 * time.Hour,

		MemorySoftLimitBytes: 1 << 30, // 1GiB
		SampleInterval:       10 * time.Second,
		MetricsLogInterval:   1 * time.Minute,

		HTTPRequestTimeout:  30 * time.Second,
		WSUpgradeRateLimit:  30,
		WSUpgradeRateWindow: time.Minute,

		ShutdownTimeout: 30 * time.Second,
	}
}

// ApplyEnv overlays environment variables (prefix STREAMROOM_) on top of cfg:
// read the variable, parse if non-empty, otherwise leave the existing value
// untouched.
func (c *Config) ApplyEnv() {
	c.Port = getEnvInt("STREAMROOM_PORT", c.Port)
	c.DataDir = getEnv("STREAMROOM_DATA_DIR", c.DataDir)
	c.LogLevel = getEnv("STREAMROOM_LOG_LEVEL", c.LogLevel)
	c.Pretty = getEnvBool("STREAMROOM_LOG_PRETTY", c.Pretty)
	c.AgentBinary = getEnv("STREAMROOM_AGENT_BINARY", c.AgentBinary)
	c.MaxConnections = getEnvInt("STREAMROOM_MAX_CONNECTIONS", c.MaxConnections)
	c.MaxProjects = getEnvInt("STREAMROOM_MAX_PROJECTS", c.MaxProjects)
	c.MaxConcurrentExecs = getEnvInt("STREAMROOM_MAX_CONCURRENT_EXECS", c.MaxConcurrentExecs)
	c.ArchiveBucket = getEnv("STREAMROOM_ARCHIVE_BUCKET", c.ArchiveBucket)
	c.ArchiveEndpoint = getEnv("STREAMROOM_ARCHIVE_ENDPOINT", c.ArchiveEndpoint)
	c.ArchiveEnabled = c.ArchiveBucket != "" || getEnvBool("STREAMROOM_ARCHIVE_ENABLED", c.ArchiveEnabled)
}

// LoadFile overlays a YAML config file on top of cfg, if path is non-empty
// and the file exists. A missing path is not an error; a present-but-broken
// file is.
func (c *Config) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
