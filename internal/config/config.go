// Package config loads the gateway's YAML configuration file and applies
// defaults for everything the operator leaves out.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration, loaded from a YAML file.
type Config struct {
	// Host is the listen address. Empty binds all interfaces.
	Host string `yaml:"host" json:"host"`

	// Port is the listen port.
	Port int `yaml:"port" json:"port"`

	// Debug enables debug-level logging and request dumping.
	Debug bool `yaml:"debug" json:"debug"`

	// RequestLog enables per-request logging middleware.
	RequestLog bool `yaml:"request-log" json:"request-log"`

	// APIKeys authenticate clients to this gateway. Empty disables client
	// authentication.
	APIKeys []string `yaml:"api-keys,omitempty" json:"api-keys,omitempty"`

	// AccountFile is the JSON file holding the account pool.
	AccountFile string `yaml:"account-file" json:"account-file"`

	// TokenCacheFile persists access tokens across restarts. Empty keeps
	// tokens in memory only.
	TokenCacheFile string `yaml:"token-cache-file,omitempty" json:"token-cache-file,omitempty"`

	// Upstream configures the CodeWhisperer endpoints.
	Upstream UpstreamConfig `yaml:"upstream" json:"upstream"`

	// Streaming configures SSE behavior toward clients.
	Streaming StreamingConfig `yaml:"streaming" json:"streaming"`

	// Logging configures log output and rotation.
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// UpstreamConfig holds the CodeWhisperer service endpoints.
type UpstreamConfig struct {
	// Endpoint is the streaming API base URL.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// TokenEndpoint is the SSO OIDC token exchange URL.
	TokenEndpoint string `yaml:"token-endpoint" json:"token-endpoint"`

	// ProfileArn is sent with every generation request when set.
	ProfileArn string `yaml:"profile-arn,omitempty" json:"profile-arn,omitempty"`

	// RequestTimeoutSeconds bounds the whole upstream exchange. <= 0 means
	// no overall deadline; the idle timeout still applies.
	RequestTimeoutSeconds int `yaml:"request-timeout-seconds,omitempty" json:"request-timeout-seconds,omitempty"`

	// IdleTimeoutSeconds aborts a stream when no frame arrives for this
	// long. Default 120.
	IdleTimeoutSeconds int `yaml:"idle-timeout-seconds,omitempty" json:"idle-timeout-seconds,omitempty"`
}

// StreamingConfig holds client-facing SSE behavior.
type StreamingConfig struct {
	// KeepAliveSeconds controls how often ping events are emitted while
	// waiting on the upstream. <= 0 disables pings. Default 15.
	KeepAliveSeconds int `yaml:"keepalive-seconds,omitempty" json:"keepalive-seconds,omitempty"`
}

// LoggingConfig holds log output configuration.
type LoggingConfig struct {
	// Level overrides the log level (debug, info, warn, error, quiet).
	// Empty follows the debug flag.
	Level string `yaml:"level,omitempty" json:"level,omitempty"`

	// File writes logs to the given path with rotation instead of stderr.
	File string `yaml:"file,omitempty" json:"file,omitempty"`

	// MaxSizeMB rotates the log file after it reaches this size. Default 50.
	MaxSizeMB int `yaml:"max-size-mb,omitempty" json:"max-size-mb,omitempty"`

	// MaxBackups limits rotated files kept. Default 5.
	MaxBackups int `yaml:"max-backups,omitempty" json:"max-backups,omitempty"`

	// MaxAgeDays removes rotated files older than this. Default 30.
	MaxAgeDays int `yaml:"max-age-days,omitempty" json:"max-age-days,omitempty"`
}

// Defaults applied by LoadConfig.
const (
	DefaultPort          = 8080
	DefaultEndpoint      = "https://q.us-east-1.amazonaws.com"
	DefaultTokenEndpoint = "https://oidc.us-east-1.amazonaws.com/token"
	DefaultAccountFile   = "account.json"
)

// LoadConfig reads and validates the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.AccountFile == "" {
		c.AccountFile = DefaultAccountFile
	}
	if c.Upstream.Endpoint == "" {
		c.Upstream.Endpoint = DefaultEndpoint
	}
	if c.Upstream.TokenEndpoint == "" {
		c.Upstream.TokenEndpoint = DefaultTokenEndpoint
	}
	if c.Upstream.IdleTimeoutSeconds == 0 {
		c.Upstream.IdleTimeoutSeconds = 120
	}
	if c.Streaming.KeepAliveSeconds == 0 {
		c.Streaming.KeepAliveSeconds = 15
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 50
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 30
	}
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.Upstream.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("config: idle-timeout-seconds must not be negative")
	}
	return nil
}

// IdleTimeout returns the upstream idle timeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Upstream.IdleTimeoutSeconds) * time.Second
}

// KeepAliveInterval returns the SSE ping interval, or zero when disabled.
func (c *Config) KeepAliveInterval() time.Duration {
	if c.Streaming.KeepAliveSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Streaming.KeepAliveSeconds) * time.Second
}

// RequestTimeout returns the upstream request deadline, or zero when
// unbounded.
func (c *Config) RequestTimeout() time.Duration {
	if c.Upstream.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Upstream.RequestTimeoutSeconds) * time.Second
}
