package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/pwacache/internal/classify"
)

// Config holds every option of the caching proxy.
type Config struct {
	Server         ServerConfig         `koanf:"server"`
	Cache          CacheConfig          `koanf:"cache"`
	App            AppConfig            `koanf:"app"`
	Classification ClassificationConfig `koanf:"classification"`
	Retry          RetryConfig          `koanf:"retry"`
}

// ServerConfig collects the listener and process-level knobs.
type ServerConfig struct {
	Listen   ListenConfig   `koanf:"listen"`
	Logging  LoggingConfig  `koanf:"logging"`
	Upstream UpstreamConfig `koanf:"upstream"`
	// AdminPrefix mounts health, explain and metrics routes. Everything else is
	// proxied.
	AdminPrefix string `koanf:"adminPrefix"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// UpstreamConfig bounds individual network attempts.
type UpstreamConfig struct {
	Timeout      string `koanf:"timeout"`
	MaxBodyBytes int64  `koanf:"maxBodyBytes"`
}

// TimeoutDuration parses Timeout. Empty means no per-attempt bound.
func (u UpstreamConfig) TimeoutDuration() time.Duration {
	return parseDuration(u.Timeout)
}

// CacheConfig selects the store backend and names the current generation.
type CacheConfig struct {
	Backend    string `koanf:"backend"`
	Namespace  string `koanf:"namespace"`
	Generation string `koanf:"generation"`
	// NameTemplate renders the generation name from Namespace and Generation.
	NameTemplate string            `koanf:"nameTemplate"`
	Redis        RedisCacheConfig  `koanf:"redis"`
	SQLite       SQLiteCacheConfig `koanf:"sqlite"`
}

type RedisCacheConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	Prefix   string         `koanf:"prefix"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

type SQLiteCacheConfig struct {
	Path string `koanf:"path"`
}

// AppConfig describes the application being served.
type AppConfig struct {
	Origin string `koanf:"origin"`
	// Manifest lists origin-relative paths precached on install.
	Manifest    []string `koanf:"manifest"`
	OfflinePath string   `koanf:"offlinePath"`
	ShellPath   string   `koanf:"shellPath"`
}

// OriginURL parses Origin. Validate guarantees success on a loaded config.
func (a AppConfig) OriginURL() (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(a.Origin))
	if err != nil {
		return nil, fmt.Errorf("config: app.origin: %w", err)
	}
	return u, nil
}

// ClassificationConfig carries the allow-lists that bucket requests.
type ClassificationConfig struct {
	StaticHosts      []string             `koanf:"staticHosts"`
	APIPrefixes      []string             `koanf:"apiPrefixes"`
	APIHosts         []string             `koanf:"apiHosts"`
	ScriptExtensions []string             `koanf:"scriptExtensions"`
	Rules            []ClassificationRule `koanf:"rules"`
}

// ClassificationRule overrides the built-in order when When matches.
type ClassificationRule struct {
	Name  string `koanf:"name"`
	When  string `koanf:"when"`
	Class string `koanf:"class"`
}

// RetryConfig is the network retry schedule.
type RetryConfig struct {
	Attempts     int     `koanf:"attempts"`
	InitialDelay string  `koanf:"initialDelay"`
	Multiplier   float64 `koanf:"multiplier"`
	MaxElapsed   string  `koanf:"maxElapsed"`
}

func (r RetryConfig) InitialDelayDuration() time.Duration { return parseDuration(r.InitialDelay) }

func (r RetryConfig) MaxElapsedDuration() time.Duration { return parseDuration(r.MaxElapsed) }

func parseDuration(value string) time.Duration {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0
	}
	return d
}

func validateDuration(field, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return fmt.Errorf("config: %s invalid: %w", field, err)
	}
	if d < 0 {
		return fmt.Errorf("config: %s must not be negative", field)
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	prefix := strings.TrimSpace(c.Server.AdminPrefix)
	if prefix == "" || prefix == "/" || !strings.HasPrefix(prefix, "/") {
		return fmt.Errorf("config: server.adminPrefix must be a non-root absolute path: %q", c.Server.AdminPrefix)
	}
	if err := validateDuration("server.upstream.timeout", c.Server.Upstream.Timeout); err != nil {
		return err
	}
	if c.Server.Upstream.MaxBodyBytes < 0 {
		return fmt.Errorf("config: server.upstream.maxBodyBytes invalid: %d", c.Server.Upstream.MaxBodyBytes)
	}

	backend := strings.TrimSpace(strings.ToLower(c.Cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Cache.Redis.Address) == "" {
			return errors.New("config: cache.redis.address required for redis backend")
		}
	case "sqlite":
		if strings.TrimSpace(c.Cache.SQLite.Path) == "" {
			return errors.New("config: cache.sqlite.path required for sqlite backend")
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Cache.Backend)
	}
	if strings.TrimSpace(c.Cache.Generation) == "" {
		return errors.New("config: cache.generation required")
	}

	origin, err := c.App.OriginURL()
	if err != nil {
		return err
	}
	if (origin.Scheme != "http" && origin.Scheme != "https") || origin.Host == "" {
		return fmt.Errorf("config: app.origin must be an absolute http(s) url: %q", c.App.Origin)
	}
	for i, asset := range c.App.Manifest {
		if !strings.HasPrefix(strings.TrimSpace(asset), "/") {
			return fmt.Errorf("config: app.manifest[%d] must start with /: %q", i, asset)
		}
	}
	for field, p := range map[string]string{"app.offlinePath": c.App.OfflinePath, "app.shellPath": c.App.ShellPath} {
		if p != "" && !strings.HasPrefix(p, "/") {
			return fmt.Errorf("config: %s must start with /: %q", field, p)
		}
	}

	for i, prefix := range c.Classification.APIPrefixes {
		if !strings.HasPrefix(strings.TrimSpace(prefix), "/") {
			return fmt.Errorf("config: classification.apiPrefixes[%d] must start with /: %q", i, prefix)
		}
	}
	for i, rule := range c.Classification.Rules {
		if strings.TrimSpace(rule.When) == "" {
			return fmt.Errorf("config: classification.rules[%d] when required", i)
		}
		if _, err := classify.ParseClass(rule.Class); err != nil {
			return fmt.Errorf("config: classification.rules[%d]: %w", i, err)
		}
	}

	if c.Retry.Attempts < 1 {
		return fmt.Errorf("config: retry.attempts must be >= 1: %d", c.Retry.Attempts)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("config: retry.multiplier must be >= 1: %v", c.Retry.Multiplier)
	}
	if err := validateDuration("retry.initialDelay", c.Retry.InitialDelay); err != nil {
		return err
	}
	if err := validateDuration("retry.maxElapsed", c.Retry.MaxElapsed); err != nil {
		return err
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Upstream: UpstreamConfig{
				Timeout:      "15s",
				MaxBodyBytes: 32 << 20,
			},
			AdminPrefix: "/__pwacache",
		},
		Cache: CacheConfig{
			Backend:      "memory",
			Namespace:    "pwacache",
			Generation:   "v1",
			NameTemplate: "{{ .Namespace }}-{{ .Generation }}",
			Redis: RedisCacheConfig{
				Prefix: "pwacache:",
			},
			SQLite: SQLiteCacheConfig{
				Path: "./pwacache.db",
			},
		},
		App: AppConfig{
			Origin:      "http://localhost:3000",
			Manifest:    []string{"/", "/index.html"},
			OfflinePath: "/offline.html",
			ShellPath:   "/index.html",
		},
		Classification: ClassificationConfig{
			StaticHosts: []string{
				"fonts.googleapis.com",
				"fonts.gstatic.com",
				"*.firebasestorage.app",
				"firebasestorage.googleapis.com",
			},
			APIPrefixes:      []string{"/api/"},
			APIHosts:         []string{"firestore.googleapis.com", "*.firebaseio.com"},
			ScriptExtensions: []string{".js", ".mjs", ".css"},
		},
		Retry: RetryConfig{
			Attempts:     3,
			InitialDelay: "500ms",
			Multiplier:   2,
			MaxElapsed:   "10s",
		},
	}
}
