package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "port", mutate: func(c *Config) { c.Server.Listen.Port = 70000 }, want: "listen.port"},
		{name: "root admin prefix", mutate: func(c *Config) { c.Server.AdminPrefix = "/" }, want: "adminPrefix"},
		{name: "relative admin prefix", mutate: func(c *Config) { c.Server.AdminPrefix = "admin" }, want: "adminPrefix"},
		{name: "upstream timeout", mutate: func(c *Config) { c.Server.Upstream.Timeout = "soon" }, want: "server.upstream.timeout"},
		{name: "body limit", mutate: func(c *Config) { c.Server.Upstream.MaxBodyBytes = -1 }, want: "maxBodyBytes"},
		{name: "backend", mutate: func(c *Config) { c.Cache.Backend = "memcached" }, want: "cache.backend"},
		{name: "redis address", mutate: func(c *Config) { c.Cache.Backend = "redis" }, want: "cache.redis.address"},
		{name: "sqlite path", mutate: func(c *Config) { c.Cache.Backend = "sqlite"; c.Cache.SQLite.Path = "" }, want: "cache.sqlite.path"},
		{name: "generation", mutate: func(c *Config) { c.Cache.Generation = " " }, want: "cache.generation"},
		{name: "relative origin", mutate: func(c *Config) { c.App.Origin = "/app" }, want: "app.origin"},
		{name: "non http origin", mutate: func(c *Config) { c.App.Origin = "ftp://files.example" }, want: "app.origin"},
		{name: "manifest path", mutate: func(c *Config) { c.App.Manifest = []string{"index.html"} }, want: "app.manifest[0]"},
		{name: "offline path", mutate: func(c *Config) { c.App.OfflinePath = "offline.html" }, want: "app.offlinePath"},
		{name: "api prefix", mutate: func(c *Config) { c.Classification.APIPrefixes = []string{"api"} }, want: "apiPrefixes[0]"},
		{name: "rule class", mutate: func(c *Config) {
			c.Classification.Rules = []ClassificationRule{{When: "true", Class: "images"}}
		}, want: "rules[0]"},
		{name: "rule expression", mutate: func(c *Config) {
			c.Classification.Rules = []ClassificationRule{{Class: "api"}}
		}, want: "when required"},
		{name: "attempts", mutate: func(c *Config) { c.Retry.Attempts = 0 }, want: "retry.attempts"},
		{name: "multiplier", mutate: func(c *Config) { c.Retry.Multiplier = 0.5 }, want: "retry.multiplier"},
		{name: "initial delay", mutate: func(c *Config) { c.Retry.InitialDelay = "-1s" }, want: "retry.initialDelay"},
		{name: "max elapsed", mutate: func(c *Config) { c.Retry.MaxElapsed = "forever" }, want: "retry.maxElapsed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	var nilCfg *Config
	require.Error(t, nilCfg.Validate())
}

func TestDurationAccessors(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 500*time.Millisecond, cfg.Retry.InitialDelayDuration())
	require.Equal(t, 10*time.Second, cfg.Retry.MaxElapsedDuration())
	require.Equal(t, 15*time.Second, cfg.Server.Upstream.TimeoutDuration())

	cfg.Retry.MaxElapsed = ""
	require.Zero(t, cfg.Retry.MaxElapsedDuration())
}

func TestOriginURL(t *testing.T) {
	u, err := AppConfig{Origin: " https://app.example:8443 "}.OriginURL()
	require.NoError(t, err)
	require.Equal(t, "app.example:8443", u.Host)

	_, err = AppConfig{Origin: "http://[::1"}.OriginURL()
	require.Error(t, err)
}
