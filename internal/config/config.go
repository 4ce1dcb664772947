package config

import (
	"time"
)

// Mode selects the runtime environment. Development mode registers extra
// helper routes that must be entirely absent in production.
type Mode string

const (
	ModeProduction  Mode = "production"
	ModeDevelopment Mode = "development"
)

// Config represents the complete gateway configuration.
type Config struct {
	Listen     ListenConfig             `yaml:"listen"`
	Admin      AdminConfig              `yaml:"admin"`
	Mode       Mode                     `yaml:"mode"`
	Logging    LoggingConfig            `yaml:"logging"`
	Auth       AuthConfig               `yaml:"auth"`
	Services   map[string]ServiceConfig `yaml:"services"`
	RateLimits map[string]PolicyConfig  `yaml:"rate_limits"`
	Redis      RedisConfig              `yaml:"redis"`
	Upstream   UpstreamConfig           `yaml:"upstream"`
}

// ListenConfig defines the main HTTP listener.
type ListenConfig struct {
	Address           string        `yaml:"address"` // e.g. ":8080"
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// AdminConfig defines the optional admin listener (metrics, route dump).
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g. ":9090"
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// AuthConfig defines the token verifier settings.
type AuthConfig struct {
	JWT        JWTConfig `yaml:"jwt"`
	ServiceKey string    `yaml:"service_key"` // shared secret for internal-service callers
	GatewayKey string    `yaml:"gateway_key"` // trust marker injected on forwarded requests
	AdminRole  string    `yaml:"admin_role"`  // role claim value granting admin tier
}

// JWTConfig defines end-user token verification.
type JWTConfig struct {
	Secret    string   `yaml:"secret"`     // HMAC secret (HS algorithms)
	PublicKey string   `yaml:"public_key"` // PEM RSA public key (RS algorithms)
	Algorithm string   `yaml:"algorithm"`  // HS256 (default), HS384, HS512, RS256
	Issuer    string   `yaml:"issuer"`
	Audience  []string `yaml:"audience"`
}

// ServiceConfig defines a backend service the gateway forwards to.
type ServiceConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"` // per-request upstream timeout, 0 = transport default
}

// PolicyConfig defines a named rate-limit policy.
//
// The two limiter backends enforce it differently. The local limiter is a
// token bucket: sustained Rate per Period with spikes up to Burst. The
// Redis limiter is a sliding window capped at Burst per Period, so when
// Burst exceeds Rate it admits a higher sustained throughput than the
// local limiter would. Keep Burst equal to Rate for identical behavior
// across backends.
type PolicyConfig struct {
	Rate   int           `yaml:"rate"`   // requests per period
	Period time.Duration `yaml:"period"` // defaults to 1m
	Burst  int           `yaml:"burst"`  // defaults to Rate
}

// RedisConfig enables distributed rate-limit counters when Address is set.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// UpstreamConfig defines shared transport settings for backend connections.
type UpstreamConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	DefaultTimeout      time.Duration `yaml:"default_timeout"`
}

// DefaultConfig returns a config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Address:           ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Admin: AdminConfig{
			Address: ":9090",
		},
		Mode: ModeProduction,
		Logging: LoggingConfig{
			Level: "info",
		},
		Auth: AuthConfig{
			AdminRole: "admin",
		},
		Upstream: UpstreamConfig{
			MaxIdleConns:        256,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
			DialTimeout:         5 * time.Second,
			DefaultTimeout:      30 * time.Second,
		},
	}
}

// Development reports whether development-only routes should be registered.
func (c *Config) Development() bool {
	return c.Mode == ModeDevelopment
}
