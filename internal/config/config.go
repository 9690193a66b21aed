package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the proxy configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Recaptcha RecaptchaConfig `yaml:"recaptcha"`
	CORS      CORSConfig      `yaml:"cors"`
	Logging   LoggingConfig   `yaml:"logging"`
	Audit     AuditConfig     `yaml:"audit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Addr                string   `yaml:"addr"` // HTTP listen address, e.g. ":3001"
	MaxRequestBodyBytes int64    `yaml:"max_request_body_bytes"`
	ReadHeaderTimeout   Duration `yaml:"read_header_timeout"`
}

// UpstreamConfig describes the generative-media API the proxy fronts.
type UpstreamConfig struct {
	BaseURL        string   `yaml:"base_url"`
	Origin         string   `yaml:"origin"`
	Referer        string   `yaml:"referer"`
	CredentialMode string   `yaml:"credential_mode"` // oauth | api_key
	APIKey         string   `yaml:"api_key"`
	APIKeyEnv      string   `yaml:"api_key_env"`
	Timeout        Duration `yaml:"timeout"` // 0 = no timeout
}

// RecaptchaConfig describes the risk-assessment service.
type RecaptchaConfig struct {
	ProjectID      string   `yaml:"project_id"`
	SiteKey        string   `yaml:"site_key"`
	BaseURL        string   `yaml:"base_url"`
	AuthMode       string   `yaml:"auth_mode"` // oauth | api_key
	APIKey         string   `yaml:"api_key"`
	APIKeyEnv      string   `yaml:"api_key_env"`
	ScoreThreshold float64  `yaml:"score_threshold"`
	Timeout        Duration `yaml:"timeout"`
}

type CORSConfig struct {
	// AllowedOrigins lists origins permitted for cross-origin calls.
	// The single entry "*" reflects any caller origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug | info
}

type AuditConfig struct {
	Sinks []AuditSinkConfig `yaml:"sinks"`
}

type AuditSinkConfig struct {
	Type    string            `yaml:"type"` // stdout | file_jsonl | webhook
	Path    string            `yaml:"path"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc | http
	Service  string `yaml:"service"`
}

// Duration wraps time.Duration so YAML values like "30s" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		var n int64
		if err := node.Decode(&n); err != nil {
			return fmt.Errorf("invalid duration %q", node.Value)
		}
		*d = Duration(time.Duration(n))
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads configuration from a YAML file.
// If the file doesn't exist, it returns a default config and no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaultConfig()
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":3001"
	}
	if cfg.Server.MaxRequestBodyBytes <= 0 {
		cfg.Server.MaxRequestBodyBytes = 50 * 1024 * 1024
	}
	if cfg.Server.ReadHeaderTimeout <= 0 {
		cfg.Server.ReadHeaderTimeout = Duration(10 * time.Second)
	}

	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = "https://aisandbox-pa.googleapis.com/v1"
	}
	if cfg.Upstream.Origin == "" {
		cfg.Upstream.Origin = "https://labs.google"
	}
	if cfg.Upstream.Referer == "" {
		cfg.Upstream.Referer = "https://labs.google/"
	}
	if cfg.Upstream.CredentialMode == "" {
		cfg.Upstream.CredentialMode = "oauth"
	}

	if cfg.Recaptcha.BaseURL == "" {
		cfg.Recaptcha.BaseURL = "https://recaptchaenterprise.googleapis.com/v1"
	}
	if cfg.Recaptcha.AuthMode == "" {
		cfg.Recaptcha.AuthMode = "oauth"
	}
	if cfg.Recaptcha.ScoreThreshold == 0 {
		cfg.Recaptcha.ScoreThreshold = 0.3
	}

	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{"*"}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}

	if len(cfg.Audit.Sinks) == 0 {
		cfg.Audit.Sinks = []AuditSinkConfig{{Type: "stdout"}}
	}

	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.Service == "" {
		cfg.Telemetry.Service = "mediaproxy"
	}
}

// ResolveAPIKey returns the upstream API key, preferring the environment.
func (c UpstreamConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(os.Getenv(c.APIKeyEnv)); c.APIKeyEnv != "" && key != "" {
		return key
	}
	return strings.TrimSpace(c.APIKey)
}

// ResolveAPIKey returns the assessment-service API key, preferring the environment.
func (c RecaptchaConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(os.Getenv(c.APIKeyEnv)); c.APIKeyEnv != "" && key != "" {
		return key
	}
	return strings.TrimSpace(c.APIKey)
}
