// Package config loads the YAML configuration of the emrtd tools.
package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2060-io/go-emrtd/fetchers"
)

// Common errors
var (
	ErrConfigurationError = errors.New("configuration error")
	ErrInvalidValue       = errors.New("invalid value")
)

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrConfigurationError
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// MasterListConfig configures the CSCA Master List source.
type MasterListConfig struct {
	// Source is a local path or an http(s) URL. Empty disables
	// authenticity checks.
	Source string `yaml:"source" json:"source,omitempty"`

	// CacheDir holds downloaded Master Lists.
	// Default: <user cache dir>/emrtd.
	CacheDir string `yaml:"cache-dir" json:"cache_dir,omitempty"`

	// CacheTTL is the cache lifetime in seconds, as text. See ParseCacheTTL.
	CacheTTL string `yaml:"cache-ttl" json:"cache_ttl,omitempty"`

	// CheckValidity enforces certificate validity periods when building
	// paths to the CSCA.
	CheckValidity bool `yaml:"check-validity" json:"check_validity,omitempty"`

	// Anchors are PEM or DER certificate files trusted in addition to
	// the Master List.
	Anchors []string `yaml:"anchors" json:"anchors,omitempty"`
}

// TTL returns the parsed cache TTL.
func (c *MasterListConfig) TTL() *time.Duration {
	return ParseCacheTTL(c.CacheTTL)
}

// DownloadConfig configures remote Master List retrieval.
type DownloadConfig struct {
	// Timeout is the per-request timeout. Default: 60s.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`

	// MaxAttempts includes the first try. Default: 3.
	MaxAttempts int `yaml:"max-attempts" json:"max_attempts,omitempty"`

	// ProxyURL overrides the proxy from the environment.
	ProxyURL string `yaml:"proxy-url" json:"proxy_url,omitempty"`

	// UserAgent replaces the default download User-Agent.
	UserAgent string `yaml:"user-agent" json:"user_agent,omitempty"`
}

// SetDefaults sets default values for download configuration.
func (c *DownloadConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = fetchers.DefaultHTTPClientConfig().Timeout
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = fetchers.DefaultRetryConfig().MaxAttempts
	}
}

// HTTPClientConfig returns the fetchers client configuration.
func (c *DownloadConfig) HTTPClientConfig() *fetchers.HTTPClientConfig {
	cfg := fetchers.DefaultHTTPClientConfig()
	cfg.Timeout = c.Timeout
	cfg.ProxyURL = c.ProxyURL
	if c.UserAgent != "" {
		cfg.UserAgent = c.UserAgent
	}
	return cfg
}

// RetryConfig returns the fetchers retry configuration.
func (c *DownloadConfig) RetryConfig() *fetchers.RetryConfig {
	cfg := fetchers.DefaultRetryConfig()
	cfg.MaxAttempts = c.MaxAttempts
	return cfg
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level" json:"level,omitempty"`

	// Format is the log format (text, json).
	Format string `yaml:"format" json:"format,omitempty"`

	// Output is the log output (stdout, stderr, or file path).
	Output string `yaml:"output" json:"output,omitempty"`
}

// SetDefaults sets default values for logging configuration.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// AppConfig contains the complete application configuration.
type AppConfig struct {
	MasterList MasterListConfig `yaml:"masterlist" json:"masterlist"`
	Download   DownloadConfig   `yaml:"download" json:"download"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *AppConfig {
	config := &AppConfig{}
	config.SetDefaults()
	return config
}

// SetDefaults fills unset fields.
func (c *AppConfig) SetDefaults() {
	if c.MasterList.CacheDir == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			c.MasterList.CacheDir = filepath.Join(dir, "emrtd")
		}
	}
	c.Download.SetDefaults()
	c.Logging.SetDefaults()
}

// Validate checks field values.
func (c *AppConfig) Validate() error {
	if source := c.MasterList.Source; source != "" && isURL(source) {
		if _, err := url.ParseRequestURI(source); err != nil {
			return &ConfigError{Field: "masterlist.source", Message: "invalid URL", Err: err}
		}
	}
	for i, anchor := range c.MasterList.Anchors {
		if strings.TrimSpace(anchor) == "" {
			return NewConfigError(fmt.Sprintf("masterlist.anchors[%d]", i), "must not be empty")
		}
	}
	if c.Download.Timeout < 0 {
		return NewConfigError("download.timeout", "must not be negative")
	}
	if c.Download.MaxAttempts < 1 {
		return NewConfigError("download.max-attempts", "must be at least 1")
	}
	if c.Download.ProxyURL != "" {
		if _, err := url.Parse(c.Download.ProxyURL); err != nil {
			return &ConfigError{Field: "download.proxy-url", Message: "invalid URL", Err: err}
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return &ConfigError{Field: "logging.level", Message: fmt.Sprintf("unknown level %q", c.Logging.Level), Err: ErrInvalidValue}
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return &ConfigError{Field: "logging.format", Message: fmt.Sprintf("unknown format %q", c.Logging.Format), Err: ErrInvalidValue}
	}
	return nil
}

// LoadConfig loads a configuration from a YAML file.
func LoadConfig(filename string) (*AppConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses configuration from YAML data, applies defaults and
// validates the result.
func ParseConfig(data []byte) (*AppConfig, error) {
	var config AppConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ParseCacheTTL parses a TTL given in seconds. Empty or non-numeric input
// yields nil, which like a negative TTL means the cache never expires.
// Zero means the cache is refreshed on every initialization.
func ParseCacheTTL(s string) *time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	seconds, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return nil
	}
	var ttl time.Duration
	switch nanos := seconds * float64(time.Second); {
	case nanos >= math.MaxInt64:
		ttl = math.MaxInt64
	case nanos <= math.MinInt64:
		ttl = math.MinInt64
	default:
		ttl = time.Duration(nanos)
	}
	return &ttl
}

func isURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
