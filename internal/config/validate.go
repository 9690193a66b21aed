package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}

	if err := validateBaseURL("upstream.base_url", cfg.Upstream.BaseURL); err != nil {
		return err
	}
	switch cfg.Upstream.CredentialMode {
	case "oauth":
	case "api_key":
		if cfg.Upstream.ResolveAPIKey() == "" {
			return errors.New("upstream.credential_mode is api_key but no api_key or api_key_env value is available")
		}
	default:
		return fmt.Errorf("upstream.credential_mode must be oauth or api_key, got %q", cfg.Upstream.CredentialMode)
	}

	if err := validateBaseURL("recaptcha.base_url", cfg.Recaptcha.BaseURL); err != nil {
		return err
	}
	switch cfg.Recaptcha.AuthMode {
	case "oauth":
	case "api_key":
		if cfg.Recaptcha.ResolveAPIKey() == "" {
			return errors.New("recaptcha.auth_mode is api_key but no api_key or api_key_env value is available")
		}
	default:
		return fmt.Errorf("recaptcha.auth_mode must be oauth or api_key, got %q", cfg.Recaptcha.AuthMode)
	}
	if cfg.Recaptcha.ScoreThreshold < 0 || cfg.Recaptcha.ScoreThreshold > 1 {
		return fmt.Errorf("recaptcha.score_threshold must be within [0,1], got %v", cfg.Recaptcha.ScoreThreshold)
	}

	for _, origin := range cfg.CORS.AllowedOrigins {
		if origin == "*" {
			if len(cfg.CORS.AllowedOrigins) != 1 {
				return errors.New(`cors.allowed_origins "*" cannot be combined with explicit origins`)
			}
			continue
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("cors.allowed_origins entry %q must include scheme and host", origin)
		}
	}

	switch cfg.Logging.Level {
	case "debug", "info":
	default:
		return fmt.Errorf("logging.level must be debug or info, got %q", cfg.Logging.Level)
	}

	for i, s := range cfg.Audit.Sinks {
		switch strings.ToLower(strings.TrimSpace(s.Type)) {
		case "stdout":
		case "file_jsonl":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("audit sink %d (file_jsonl) missing path", i)
			}
		case "webhook":
			if err := validateBaseURL(fmt.Sprintf("audit sink %d url", i), s.URL); err != nil {
				return err
			}
		default:
			return fmt.Errorf("audit sink %d has unknown type %q", i, s.Type)
		}
	}

	if cfg.Telemetry.Enabled {
		if strings.TrimSpace(cfg.Telemetry.Endpoint) == "" {
			return errors.New("telemetry.enabled requires telemetry.endpoint")
		}
		switch strings.ToLower(cfg.Telemetry.Protocol) {
		case "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", cfg.Telemetry.Protocol)
		}
	}

	return nil
}

func validateBaseURL(field, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%s must be set", field)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s is not a valid URL", field)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be http or https", field)
	}
	return nil
}
