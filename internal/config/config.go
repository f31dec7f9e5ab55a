package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	MinTimeoutSecs    = 1
	MaxTimeoutSecs    = 3600
	MinMaxRetries     = 0
	MaxMaxRetries     = 10
	MinUploadWorkers  = 1
	MaxUploadWorkers  = 32
	defaultConfigName = "config.toml"
)

// Config represents the main application configuration
type Config struct {
	BaseURL       string         `toml:"base_url" yaml:"base_url"`
	Loglevel      string         `toml:"loglevel" yaml:"loglevel"`
	TimeoutSecs   int            `toml:"timeout_secs" yaml:"timeout_secs"`
	MaxRetries    int            `toml:"max_retries" yaml:"max_retries"`
	ErrorOn404    bool           `toml:"error_on_404" yaml:"error_on_404"`
	UploadWorkers int            `toml:"upload_workers" yaml:"upload_workers"`
	BindAddress   string         `toml:"bind_address" yaml:"bind_address"`
	Port          int            `toml:"port" yaml:"port"`
	Uploads       []UploadConfig `toml:"uploads" yaml:"uploads"`
}

// UploadConfig describes one file of a batch upload
type UploadConfig struct {
	JobID      string `toml:"job_id" yaml:"job_id"`
	Path       string `toml:"path" yaml:"path"`
	Compressed bool   `toml:"compressed" yaml:"compressed"`
	Gzip       bool   `toml:"gzip" yaml:"gzip"`
	Chunked    bool   `toml:"chunked" yaml:"chunked"`
	Close      bool   `toml:"close" yaml:"close"`
}

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	return &Config{
		BaseURL:       "http://localhost:8080/engine/v2",
		Loglevel:      "info",
		TimeoutSecs:   30,
		MaxRetries:    3,
		UploadWorkers: 4,
		BindAddress:   "127.0.0.1",
		Port:          8080,
	}
}

// DefaultConfigPath returns the default configuration file path
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".config", "engineapi")

	return filepath.Join(configDir, defaultConfigName), nil
}

// Load loads configuration from a TOML file, or YAML when the extension says so
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	u, err := url.ParseRequestURI(c.BaseURL)
	if err != nil {
		return fmt.Errorf("base_url is invalid: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url must use http or https")
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if _, err := logrus.ParseLevel(c.Loglevel); err != nil {
		return fmt.Errorf("loglevel must be one of: panic, fatal, error, warn, info, debug, trace")
	}

	if c.TimeoutSecs < MinTimeoutSecs || c.TimeoutSecs > MaxTimeoutSecs {
		return fmt.Errorf("timeout_secs must be between %d and %d seconds", MinTimeoutSecs, MaxTimeoutSecs)
	}
	if c.MaxRetries < MinMaxRetries || c.MaxRetries > MaxMaxRetries {
		return fmt.Errorf("max_retries must be between %d and %d", MinMaxRetries, MaxMaxRetries)
	}
	if c.UploadWorkers < MinUploadWorkers || c.UploadWorkers > MaxUploadWorkers {
		return fmt.Errorf("upload_workers must be between %d and %d", MinUploadWorkers, MaxUploadWorkers)
	}

	for i, up := range c.Uploads {
		if up.JobID == "" {
			return fmt.Errorf("uploads[%d].job_id is required", i)
		}
		if up.Path == "" {
			return fmt.Errorf("uploads[%d].path is required", i)
		}
		if up.Compressed && up.Gzip {
			return fmt.Errorf("uploads[%d]: compressed and gzip are mutually exclusive", i)
		}
		if up.Chunked && (up.Compressed || up.Gzip) {
			return fmt.Errorf("uploads[%d]: chunked uploads cannot be compressed", i)
		}
	}

	return nil
}
