package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultBaseEndpoint = "https://cloudcode-pa.googleapis.com"
	defaultUserAgent    = "GeminiCLI/0.1.5 (linux; x64)"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	IPControl  IPControlConfig  `yaml:"ip_control"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type ServerConfig struct {
	Port           int           `yaml:"port"`
	MaxBodySizeMB  int           `yaml:"max_body_size_mb"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	LoggingLevel   string        `yaml:"logging_level"`
	MasterKey      string        `yaml:"master_key"`
	CredentialsDir string        `yaml:"credentials_dir"`
}

// UpstreamConfig enumerates the upstream call policy knobs.
type UpstreamConfig struct {
	BaseEndpoint          string          `yaml:"base_endpoint"`
	UserAgent             string          `yaml:"user_agent"`
	Retry429Enabled       bool            `yaml:"retry_429_enabled"`
	Retry429MaxRetries    int             `yaml:"retry_429_max_retries"`
	Retry429Interval      float64         `yaml:"retry_429_interval"`
	AutoBanEnabled        bool            `yaml:"auto_ban_enabled"`
	AutoBanErrorCodes     []int           `yaml:"auto_ban_error_codes"`
	PublicAPIModels       []string        `yaml:"public_api_models"`
	DefaultSafetySettings []SafetySetting `yaml:"default_safety_settings"`
}

// SafetySetting is one category/threshold pair merged into requests that
// lack the category.
type SafetySetting struct {
	Category  string `yaml:"category" json:"category"`
	Threshold string `yaml:"threshold" json:"threshold"`
}

type IPControlConfig struct {
	FlushInterval       time.Duration `yaml:"flush_interval"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	HealthCheckPath   string `yaml:"health_check_path"`
}

// UnmarshalYAML implements custom unmarshaling for ServerConfig so that
// request_timeout accepts Go duration strings ("120s", "2m").
func (s *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Port           int    `yaml:"port"`
		MaxBodySizeMB  int    `yaml:"max_body_size_mb"`
		RequestTimeout string `yaml:"request_timeout"`
		LoggingLevel   string `yaml:"logging_level"`
		MasterKey      string `yaml:"master_key"`
		CredentialsDir string `yaml:"credentials_dir"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	s.Port = temp.Port
	s.MaxBodySizeMB = temp.MaxBodySizeMB
	s.LoggingLevel = temp.LoggingLevel
	s.MasterKey = temp.MasterKey
	s.CredentialsDir = temp.CredentialsDir

	if temp.RequestTimeout == "" {
		s.RequestTimeout = 0
		return nil
	}
	duration, err := time.ParseDuration(temp.RequestTimeout)
	if err != nil {
		return fmt.Errorf("invalid request_timeout: %w", err)
	}
	s.RequestTimeout = duration
	return nil
}

// UnmarshalYAML implements custom unmarshaling for IPControlConfig to accept
// duration strings for the background task intervals.
func (c *IPControlConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		FlushInterval       string `yaml:"flush_interval"`
		MaintenanceInterval string `yaml:"maintenance_interval"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	parse := func(name, raw string) (time.Duration, error) {
		if raw == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", name, err)
		}
		return d, nil
	}

	var err error
	if c.FlushInterval, err = parse("flush_interval", temp.FlushInterval); err != nil {
		return err
	}
	if c.MaintenanceInterval, err = parse("maintenance_interval", temp.MaintenanceInterval); err != nil {
		return err
	}
	return nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Normalize fills defaults for optional values.
func (c *Config) Normalize() {
	if c.Upstream.BaseEndpoint == "" {
		c.Upstream.BaseEndpoint = defaultBaseEndpoint
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = defaultUserAgent
	}
	if c.Upstream.Retry429Interval == 0 {
		c.Upstream.Retry429Interval = 1.0
	}
	if c.Upstream.AutoBanErrorCodes == nil {
		c.Upstream.AutoBanErrorCodes = []int{400, 401, 403, 404}
	}
	if c.IPControl.FlushInterval == 0 {
		c.IPControl.FlushInterval = 60 * time.Second
	}
	if c.IPControl.MaintenanceInterval == 0 {
		c.IPControl.MaintenanceInterval = 30 * time.Minute
	}
	if c.Monitoring.HealthCheckPath == "" {
		c.Monitoring.HealthCheckPath = "/health"
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 120 * time.Second
	}
	if c.Server.MaxBodySizeMB == 0 {
		c.Server.MaxBodySizeMB = 32
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.CredentialsDir == "" {
		return fmt.Errorf("credentials_dir is required")
	}

	// Validate logging level
	if c.Server.LoggingLevel != "" {
		validLevels := map[string]bool{"info": true, "debug": true, "error": true}
		if !validLevels[c.Server.LoggingLevel] {
			return fmt.Errorf("invalid logging_level: %s (must be info, debug, or error)", c.Server.LoggingLevel)
		}
	} else {
		c.Server.LoggingLevel = "info" // Default to info
	}

	if c.Server.MasterKey == "" {
		return fmt.Errorf("master_key is required")
	}

	if c.Upstream.Retry429MaxRetries < 0 {
		return fmt.Errorf("invalid retry_429_max_retries: %d", c.Upstream.Retry429MaxRetries)
	}

	if c.Upstream.Retry429Interval <= 0 {
		return fmt.Errorf("invalid retry_429_interval: %v", c.Upstream.Retry429Interval)
	}

	parsedURL, err := url.Parse(c.Upstream.BaseEndpoint)
	if err != nil {
		return fmt.Errorf("invalid base_endpoint: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("base_endpoint must use http or https scheme, got: %s", parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base_endpoint must have a host")
	}

	for i, setting := range c.Upstream.DefaultSafetySettings {
		if setting.Category == "" {
			return fmt.Errorf("default_safety_settings[%d]: category is required", i)
		}
		if setting.Threshold == "" {
			return fmt.Errorf("default_safety_settings[%d]: threshold is required", i)
		}
	}

	return nil
}
