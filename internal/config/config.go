// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the relay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// defaultAttachmentThreshold is 3 MiB: attachments at or above this size go
// through a Graph upload session instead of being inlined as base64.
const defaultAttachmentThreshold = 3 * 1024 * 1024

// uploadChunkUnit is the Graph upload-session granularity. Chunk sizes must
// be a multiple of 320 KiB.
const uploadChunkUnit = 327680

// defaultUploadChunkSize is 10 upload units (3,276,800 bytes), within the
// Graph API's 4 MiB per-request limit.
const defaultUploadChunkSize = 10 * uploadChunkUnit

// Config holds the complete application configuration.
type Config struct {
	Provider string        `yaml:"provider"`
	SMTP     SMTPConfig    `yaml:"smtp"`
	Graph    GraphConfig   `yaml:"graph"`
	SES      SESConfig     `yaml:"ses"`
	TLS      TLSConfig     `yaml:"tls"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Logging  LoggingConfig `yaml:"logging"`
}

// SMTPConfig holds the inbound SMTP listener configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
	MaxConnRate    int    `yaml:"max_conn_rate"`
}

// GraphConfig holds Microsoft Graph API configuration.
//
// Authority overrides the token endpoint derived from TenantID; it is the
// full authority URL of the identity provider.
type GraphConfig struct {
	TenantID            string `yaml:"tenant_id"`
	Authority           string `yaml:"authority"`
	ClientID            string `yaml:"client_id"`
	ClientSecret        string `yaml:"client_secret"`
	Sender              string `yaml:"sender"`
	SaveToSent          bool   `yaml:"save_to_sent"`
	AttachmentThreshold int64  `yaml:"attachment_threshold"`
	UploadChunkSize     int64  `yaml:"upload_chunk_size"`
}

// SESConfig holds AWS SES v2 configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// TLSConfig holds TLS certificate file paths for STARTTLS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// MetricsConfig holds the Prometheus listener configuration. An empty
// listen address disables the metrics endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
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

	if err := cfg.validate(); err != nil {
		return nil, err
	}
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

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GraphConfigured returns true if the Graph credentials and sender are set.
// Either a tenant ID or a full authority URL satisfies the authority part.
func (c *Config) GraphConfigured() bool {
	return (c.Graph.TenantID != "" || c.Graph.Authority != "") &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// SESConfigured returns true if the minimum SES settings are present.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// validate rejects settings the relay cannot operate with.
func (c *Config) validate() error {
	if c.Graph.UploadChunkSize <= 0 || c.Graph.UploadChunkSize%uploadChunkUnit != 0 {
		return fmt.Errorf("graph upload_chunk_size must be a positive multiple of %d bytes, got %d",
			uploadChunkUnit, c.Graph.UploadChunkSize)
	}
	if c.Graph.AttachmentThreshold <= 0 {
		return fmt.Errorf("graph attachment_threshold must be positive, got %d", c.Graph.AttachmentThreshold)
	}
	return nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxConnRate = 50
	c.Graph.AttachmentThreshold = defaultAttachmentThreshold
	c.Graph.UploadChunkSize = defaultUploadChunkSize
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}
	if v := os.Getenv("SMTP_MAX_CONN_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SMTP.MaxConnRate = n
		}
	}

	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		c.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_AUTHORITY"); v != "" {
		c.Graph.Authority = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		c.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		c.Graph.ClientSecret = v
	}
	if v := os.Getenv("GRAPH_SENDER"); v != "" {
		c.Graph.Sender = v
	}
	if v := os.Getenv("GRAPH_SAVE_TO_SENT"); v != "" {
		c.Graph.SaveToSent = v == "true" || v == "1"
	}
	if v := os.Getenv("GRAPH_ATTACHMENT_THRESHOLD"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Graph.AttachmentThreshold = size
		}
	}
	if v := os.Getenv("GRAPH_UPLOAD_CHUNK_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Graph.UploadChunkSize = size
		}
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.SES.Sender = v
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}
