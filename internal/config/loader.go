package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // keep original if env var not set
	})
}

// validate checks configuration for errors.
func (l *Loader) validate(cfg *Config) error {
	if cfg.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}

	switch cfg.Mode {
	case ModeProduction, ModeDevelopment:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeProduction, ModeDevelopment, cfg.Mode)
	}

	if len(cfg.Services) == 0 {
		return fmt.Errorf("at least one backend service is required")
	}
	for name, svc := range cfg.Services {
		if svc.URL == "" {
			return fmt.Errorf("service %q: url is required", name)
		}
		u, err := url.Parse(svc.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("service %q: invalid url %q", name, svc.URL)
		}
	}

	for name, p := range cfg.RateLimits {
		if p.Rate <= 0 {
			return fmt.Errorf("rate limit policy %q: rate must be positive", name)
		}
		if p.Burst < 0 {
			return fmt.Errorf("rate limit policy %q: burst must not be negative", name)
		}
	}

	// Production must not run with an empty credential surface: user tokens
	// would be unverifiable and internal callers indistinguishable.
	if cfg.Mode == ModeProduction {
		if cfg.Auth.JWT.Secret == "" && cfg.Auth.JWT.PublicKey == "" {
			return fmt.Errorf("auth.jwt: secret or public_key is required in production")
		}
		if cfg.Auth.ServiceKey == "" {
			return fmt.Errorf("auth.service_key is required in production")
		}
		if cfg.Auth.GatewayKey == "" {
			return fmt.Errorf("auth.gateway_key is required in production")
		}
	}

	return nil
}
