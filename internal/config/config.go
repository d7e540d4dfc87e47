// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the sink.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	TLS      TLSConfig      `yaml:"tls"`
	Outbound OutboundConfig `yaml:"outbound"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// HTTPConfig holds the HTTP surface configuration.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// SMTPConfig holds the shared listener configuration. Login and Password are
// the fixed test credentials every auth-requiring listener accepts; either
// one matching is enough.
type SMTPConfig struct {
	Hostname string `yaml:"hostname"`
	Login    string `yaml:"login"`
	Password string `yaml:"password"`

	// MaxMessageSize caps the DATA body in bytes on every listener.
	MaxMessageSize int64 `yaml:"max_message_size"`
}

// TLSConfig holds explicit certificate file paths. When empty, the
// well-known locations are probed instead.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// OutboundConfig selects the relay backend for send-mail jobs without a
// target host.
type OutboundConfig struct {
	Provider string    `yaml:"provider"`
	SES      SESConfig `yaml:"ses"`
}

// SESConfig holds AWS SES relay settings.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer, then
// overrides with environment variables. The file must exist.
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

	cfg.applyEnvVars()
	return cfg, nil
}

// SESConfigured returns true if the SES relay has enough settings to start.
func (c *Config) SESConfigured() bool {
	return c.Outbound.SES.Region != "" && c.Outbound.SES.Sender != ""
}

// applyDefaults sets default values. The credentials default to the fixed
// pair the test harness has always used.
func (c *Config) applyDefaults() {
	c.HTTP.Listen = ":3060"
	c.SMTP.Hostname = "localhost"
	c.SMTP.Login = "little"
	c.SMTP.Password = "non-secret"
	c.SMTP.MaxMessageSize = 10 * 1024 * 1024
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}

	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := os.Getenv("SMTP_LOGIN"); v != "" {
		c.SMTP.Login = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil && size > 0 {
			c.SMTP.MaxMessageSize = size
		} else {
			slog.Warn("invalid SMTP_MAX_MESSAGE_SIZE, keeping current value", "value", v)
		}
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("OUTBOUND_PROVIDER"); v != "" {
		c.Outbound.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("SES_REGION"); v != "" {
		c.Outbound.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.Outbound.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.Outbound.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.Outbound.SES.Sender = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}
