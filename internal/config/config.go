// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the exporter.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultQuery is the search used when none is given.
const DefaultQuery = "filename:pdf"

// Config holds the complete application configuration.
type Config struct {
	Gmail    GmailConfig    `yaml:"gmail"`
	State    StateConfig    `yaml:"state"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// GmailConfig holds Gmail API and OAuth client configuration.
type GmailConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`

	// AccessToken, when set, is used as-is instead of the OAuth flow.
	AccessToken string `yaml:"access_token"`

	Endpoint       string        `yaml:"api_endpoint"`
	PageSize       int64         `yaml:"page_size"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	Query      string `yaml:"query"`
	NameFilter string `yaml:"name_filter"`
}

// StateConfig holds local storage locations.
type StateConfig struct {
	Path       string `yaml:"path"`
	KeyringDir string `yaml:"keyring_dir"`
}

// DeliveryConfig selects and configures the archive sink.
type DeliveryConfig struct {
	Sink string    `yaml:"sink"`
	Dir  string    `yaml:"dir"`
	SES  SESConfig `yaml:"ses"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
	Recipient       string `yaml:"recipient"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// OAuthConfigured returns true if the OAuth client ID and secret are set.
func (c *Config) OAuthConfigured() bool {
	return c.Gmail.ClientID != "" && c.Gmail.ClientSecret != ""
}

// SESConfigured returns true if a region, sender and recipient are set.
func (c *Config) SESConfigured() bool {
	return c.Delivery.SES.Region != "" &&
		c.Delivery.SES.Sender != "" &&
		c.Delivery.SES.Recipient != ""
}

// defaultDataDir returns the per-user directory for state and keyring files.
func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".pdfzip"
	}
	return filepath.Join(dir, "pdfzip")
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	dataDir := defaultDataDir()

	c.Gmail.RedirectURL = "http://127.0.0.1"
	c.Gmail.Query = DefaultQuery
	c.State.Path = filepath.Join(dataDir, "state.db")
	c.State.KeyringDir = filepath.Join(dataDir, "keyring")
	c.Delivery.Sink = "file"
	c.Delivery.Dir = "."
	c.Logging.Level = "info"
	c.Logging.Format = "text"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("GMAIL_CLIENT_ID"); v != "" {
		c.Gmail.ClientID = v
	}
	if v := os.Getenv("GMAIL_CLIENT_SECRET"); v != "" {
		c.Gmail.ClientSecret = v
	}
	if v := os.Getenv("GMAIL_REDIRECT_URL"); v != "" {
		c.Gmail.RedirectURL = v
	}
	if v := os.Getenv("GMAIL_ACCESS_TOKEN"); v != "" {
		c.Gmail.AccessToken = v
	}
	if v := os.Getenv("GMAIL_API_ENDPOINT"); v != "" {
		c.Gmail.Endpoint = v
	}
	if v := os.Getenv("GMAIL_PAGE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Gmail.PageSize = n
		}
	}
	if v := os.Getenv("GMAIL_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Gmail.MaxRetries = n
		}
	}
	if v := os.Getenv("GMAIL_RETRY_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Gmail.RetryBaseDelay = d
		}
	}
	if v := os.Getenv("GMAIL_QUERY"); v != "" {
		c.Gmail.Query = v
	}
	if v := os.Getenv("GMAIL_NAME_FILTER"); v != "" {
		c.Gmail.NameFilter = v
	}

	if v := os.Getenv("PDFZIP_STATE_PATH"); v != "" {
		c.State.Path = v
	}
	if v := os.Getenv("PDFZIP_KEYRING_DIR"); v != "" {
		c.State.KeyringDir = v
	}

	if v := os.Getenv("DELIVERY_SINK"); v != "" {
		c.Delivery.Sink = strings.ToLower(v)
	}
	if v := os.Getenv("DELIVERY_DIR"); v != "" {
		c.Delivery.Dir = v
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.Delivery.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.Delivery.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.Delivery.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.Delivery.SES.Sender = v
	}
	if v := os.Getenv("SES_RECIPIENT"); v != "" {
		c.Delivery.SES.Recipient = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
}
