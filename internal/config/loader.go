package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// canonicalKeys restores camelCase keys that environment variables cannot express.
var canonicalKeys = map[string]string{
	"server.logging.correlationheader": "server.logging.correlationHeader",
	"server.adminprefix":               "server.adminPrefix",
	"server.upstream.maxbodybytes":     "server.upstream.maxBodyBytes",
	"cache.nametemplate":               "cache.nameTemplate",
	"cache.redis.tls.cafile":           "cache.redis.tls.caFile",
	"app.offlinepath":                  "app.offlinePath",
	"app.shellpath":                    "app.shellPath",
	"classification.statichosts":       "classification.staticHosts",
	"classification.apiprefixes":       "classification.apiPrefixes",
	"classification.apihosts":          "classification.apiHosts",
	"classification.scriptextensions":  "classification.scriptExtensions",
	"retry.initialdelay":               "retry.initialDelay",
	"retry.maxelapsed":                 "retry.maxElapsed",
}

// listKeys accept comma separated values when supplied through the environment.
var listKeys = []string{
	"app.manifest",
	"classification.staticHosts",
	"classification.apiPrefixes",
	"classification.apiHosts",
	"classification.scriptExtensions",
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (PWACACHE_SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonicalKeys[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			lower = strings.ToLower(key)
			if mapped, ok := canonicalKeys[lower]; ok {
				return mapped
			}
			return lower
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
		if err := splitListValues(k); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Files returns the configuration files the loader reads, in order.
func (l *Loader) Files() []string {
	out := make([]string, 0, len(l.files))
	for _, f := range l.files {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func splitListValues(k *koanf.Koanf) error {
	for _, key := range listKeys {
		raw, ok := k.Get(key).(string)
		if !ok {
			continue
		}
		var items []string
		for _, part := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				items = append(items, trimmed)
			}
		}
		if err := k.Set(key, items); err != nil {
			return fmt.Errorf("config: normalize %s: %w", key, err)
		}
	}
	return nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file type %s", path)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"upstream": map[string]any{
				"timeout":      cfg.Server.Upstream.Timeout,
				"maxBodyBytes": cfg.Server.Upstream.MaxBodyBytes,
			},
			"adminPrefix": cfg.Server.AdminPrefix,
		},
		"cache": map[string]any{
			"backend":      cfg.Cache.Backend,
			"namespace":    cfg.Cache.Namespace,
			"generation":   cfg.Cache.Generation,
			"nameTemplate": cfg.Cache.NameTemplate,
			"redis": map[string]any{
				"address":  cfg.Cache.Redis.Address,
				"username": cfg.Cache.Redis.Username,
				"password": cfg.Cache.Redis.Password,
				"db":       cfg.Cache.Redis.DB,
				"prefix":   cfg.Cache.Redis.Prefix,
				"tls": map[string]any{
					"enabled": cfg.Cache.Redis.TLS.Enabled,
					"caFile":  cfg.Cache.Redis.TLS.CAFile,
				},
			},
			"sqlite": map[string]any{
				"path": cfg.Cache.SQLite.Path,
			},
		},
		"app": map[string]any{
			"origin":      cfg.App.Origin,
			"manifest":    cfg.App.Manifest,
			"offlinePath": cfg.App.OfflinePath,
			"shellPath":   cfg.App.ShellPath,
		},
		"classification": map[string]any{
			"staticHosts":      cfg.Classification.StaticHosts,
			"apiPrefixes":      cfg.Classification.APIPrefixes,
			"apiHosts":         cfg.Classification.APIHosts,
			"scriptExtensions": cfg.Classification.ScriptExtensions,
		},
		"retry": map[string]any{
			"attempts":     cfg.Retry.Attempts,
			"initialDelay": cfg.Retry.InitialDelay,
			"multiplier":   cfg.Retry.Multiplier,
			"maxElapsed":   cfg.Retry.MaxElapsed,
		},
	}
}
