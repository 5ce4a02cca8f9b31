// Package config provides YAML-based configuration loading for Turntable.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Turntable configuration, loaded from turntable.yaml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	DB        DBConfig        `yaml:"db"`
	Admission AdmissionConfig `yaml:"admission"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Stream    StreamConfig    `yaml:"stream"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// DBConfig holds connection settings for the MySQL server.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// AdmissionConfig bounds how much concurrent work the system accepts.
type AdmissionConfig struct {
	// MaxQueueDepth is the global cap on runs in {queued, running}.
	MaxQueueDepth int `yaml:"max_queue_depth"`
	// UserRunLimit is the default per-user concurrent run limit.
	UserRunLimit int `yaml:"user_run_limit"`
	// TightUserRunLimit applies once global depth reaches
	// TightenThreshold of MaxQueueDepth.
	TightUserRunLimit int     `yaml:"tight_user_run_limit"`
	TightenThreshold  float64 `yaml:"tighten_threshold"`
}

// SandboxConfig holds sandbox lifecycle tunables.
type SandboxConfig struct {
	TTLMinutes        int `yaml:"ttl_minutes"`
	LockTTLSec        int `yaml:"lock_ttl_sec"`
	ProvisionAttempts int `yaml:"provision_attempts"`
	PollTimeoutSec    int `yaml:"poll_timeout_sec"`
	LivenessCacheSec  int `yaml:"liveness_cache_sec"`
}

// StreamConfig holds streaming delivery tunables.
type StreamConfig struct {
	QueueMaxBytes    int `yaml:"queue_max_bytes"`
	QueueMaxMessages int `yaml:"queue_max_messages"`
	HeartbeatSec     int `yaml:"heartbeat_sec"`
	ReplayPageSize   int `yaml:"replay_page_size"`
}

// SweepConfig controls the background sandbox sweeper.
type SweepConfig struct {
	IntervalSec int `yaml:"interval_sec"`
}

// NotifyConfig configures optional chat notifications.
type NotifyConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack credentials and the target channel.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// DiscordConfig holds Discord credentials and the target channel.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a Config with every field at its default value. Used by
// tests and by commands that run without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.DB.Host == "" {
		c.DB.Host = "127.0.0.1"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.DB.Database == "" {
		c.DB.Database = "turntable"
	}
	if c.DB.User == "" {
		c.DB.User = "root"
	}
	if c.Admission.MaxQueueDepth == 0 {
		c.Admission.MaxQueueDepth = 100
	}
	if c.Admission.UserRunLimit == 0 {
		c.Admission.UserRunLimit = 3
	}
	if c.Admission.TightUserRunLimit == 0 {
		c.Admission.TightUserRunLimit = 1
	}
	if c.Admission.TightenThreshold == 0 {
		c.Admission.TightenThreshold = 0.8
	}
	if c.Sandbox.TTLMinutes == 0 {
		c.Sandbox.TTLMinutes = 30
	}
	if c.Sandbox.LockTTLSec == 0 {
		c.Sandbox.LockTTLSec = 30
	}
	if c.Sandbox.ProvisionAttempts == 0 {
		c.Sandbox.ProvisionAttempts = 5
	}
	if c.Sandbox.PollTimeoutSec == 0 {
		c.Sandbox.PollTimeoutSec = 20
	}
	if c.Sandbox.LivenessCacheSec == 0 {
		c.Sandbox.LivenessCacheSec = 10
	}
	if c.Stream.QueueMaxBytes == 0 {
		c.Stream.QueueMaxBytes = 512 * 1024
	}
	if c.Stream.QueueMaxMessages == 0 {
		c.Stream.QueueMaxMessages = 512
	}
	if c.Stream.HeartbeatSec == 0 {
		c.Stream.HeartbeatSec = 15
	}
	if c.Stream.ReplayPageSize == 0 {
		c.Stream.ReplayPageSize = 500
	}
	if c.Sweep.IntervalSec == 0 {
		c.Sweep.IntervalSec = 60
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Admission.MaxQueueDepth < 1 {
		errs = append(errs, "admission.max_queue_depth must be positive")
	}
	if c.Admission.UserRunLimit < c.Admission.TightUserRunLimit {
		errs = append(errs, "admission.user_run_limit must be >= tight_user_run_limit")
	}
	if c.Admission.TightenThreshold <= 0 || c.Admission.TightenThreshold > 1 {
		errs = append(errs, "admission.tighten_threshold must be in (0, 1]")
	}
	if c.Stream.ReplayPageSize < 1 {
		errs = append(errs, "stream.replay_page_size must be positive")
	}
	if c.Notify.Slack.BotToken != "" && c.Notify.Slack.Channel == "" {
		errs = append(errs, "notify.slack.channel is required when a bot token is set")
	}
	if c.Notify.Discord.BotToken != "" && c.Notify.Discord.Channel == "" {
		errs = append(errs, "notify.discord.channel is required when a bot token is set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SandboxTTL returns the sandbox expiry window as a duration.
func (c *Config) SandboxTTL() time.Duration {
	return time.Duration(c.Sandbox.TTLMinutes) * time.Minute
}

// LockTTL returns the provisioning lock TTL as a duration.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Sandbox.LockTTLSec) * time.Second
}

// PollTimeout returns the bounded wait for a competing provisioner.
func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.Sandbox.PollTimeoutSec) * time.Second
}

// LivenessCacheTTL returns how long a backend health check is memoized.
func (c *Config) LivenessCacheTTL() time.Duration {
	return time.Duration(c.Sandbox.LivenessCacheSec) * time.Second
}

// HeartbeatInterval returns the SSE keep-alive interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Stream.HeartbeatSec) * time.Second
}

// SweepInterval returns how often the sweeper reconciles sandboxes.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Sweep.IntervalSec) * time.Second
}
