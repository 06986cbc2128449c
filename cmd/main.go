package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/pwacache/internal/cachestore"
	"github.com/l0p7/pwacache/internal/classify"
	"github.com/l0p7/pwacache/internal/config"
	"github.com/l0p7/pwacache/internal/engine"
	"github.com/l0p7/pwacache/internal/fetch"
	"github.com/l0p7/pwacache/internal/logging"
	"github.com/l0p7/pwacache/internal/metrics"
	"github.com/l0p7/pwacache/internal/server"
	"github.com/l0p7/pwacache/internal/templates"
)

type configWatcher interface {
	Stop()
}

type configLoader interface {
	Load(context.Context) (config.Config, error)
	Watch(context.Context, func(config.Config), func(error)) (configWatcher, error)
}

type runnableServer interface {
	Run(context.Context) error
}

type fileLoader struct {
	*config.Loader
}

func (l fileLoader) Watch(ctx context.Context, onChange func(config.Config), onError func(error)) (configWatcher, error) {
	return l.Loader.Watch(ctx, onChange, onError)
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return fileLoader{config.NewLoader(envPrefix, configFile)}
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to configuration file (yaml, json or toml)")
		envPrefix  = flag.String("env-prefix", "PWACACHE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	store := buildStore(logger.With(slog.String("agent", "cache_factory")), cfg.Cache)
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logger.Error("cache store close failed", slog.Any("error", err))
		}
	}()

	ctrl := engine.NewController(logger, engine.DefaultDrainTimeout)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), engine.DefaultDrainTimeout)
		defer cancel()
		if err := ctrl.Close(shutdownCtx); err != nil {
			logger.Error("controller shutdown failed", slog.Any("error", err))
		}
	}()

	d := &deployer{
		ctrl:     ctrl,
		store:    store,
		backend:  cfg.Cache.Backend,
		renderer: templates.NewRenderer(),
		logger:   logger,
		metrics:  recorder,
	}
	if err := d.apply(ctx, cfg); err != nil {
		return fmt.Errorf("deploy generation: %w", err)
	}

	if configFile != "" {
		watcher, err := loader.Watch(ctx, func(next config.Config) {
			if err := d.apply(ctx, next); err != nil {
				logger.Error("redeploy failed", slog.Any("error", err))
			}
		}, func(err error) {
			logger.Error("config watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler := server.NewControllerHandler(cfg.Server.AdminPrefix, ctrl, recorder.Handler())
	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated: %w", err)
	}
	logger.Info("server shutdown complete")
	return nil
}

// deployer turns configuration snapshots into engine deployments. The store,
// logger and metrics registry are fixed for the life of the process.
type deployer struct {
	ctrl     *engine.Controller
	store    cachestore.Store
	backend  string
	renderer *templates.Renderer
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// apply deploys cfg when its rendered generation name differs from the one
// serving clients. Other changes wait for the next generation.
func (d *deployer) apply(ctx context.Context, cfg config.Config) error {
	name, err := d.renderer.GenerationName(cfg.Cache.NameTemplate, cfg.Cache.Namespace, cfg.Cache.Generation)
	if err != nil {
		return err
	}
	if !strings.EqualFold(strings.TrimSpace(cfg.Cache.Backend), strings.TrimSpace(d.backend)) {
		d.logger.Warn("cache backend change requires a restart",
			slog.String("running", d.backend),
			slog.String("configured", cfg.Cache.Backend),
		)
	}
	if active := d.ctrl.Active(); active != nil && active.Generation() == name {
		d.logger.Debug("generation unchanged", slog.String("generation", name))
		return nil
	}
	e, err := buildEngine(cfg, name, d.store, d.logger, d.metrics)
	if err != nil {
		return err
	}
	_, err = d.ctrl.Deploy(ctx, e)
	return err
}

func buildEngine(cfg config.Config, generation string, store cachestore.Store, logger *slog.Logger, recorder *metrics.Recorder) (*engine.Engine, error) {
	origin, err := cfg.App.OriginURL()
	if err != nil {
		return nil, err
	}
	rules := make([]classify.Rule, 0, len(cfg.Classification.Rules))
	for _, rule := range cfg.Classification.Rules {
		rules = append(rules, classify.Rule{Name: rule.Name, When: rule.When, Class: rule.Class})
	}
	resolver, err := classify.New(classify.Config{
		Origin:           origin,
		StaticHosts:      cfg.Classification.StaticHosts,
		APIPrefixes:      cfg.Classification.APIPrefixes,
		APIHosts:         cfg.Classification.APIHosts,
		ScriptExtensions: cfg.Classification.ScriptExtensions,
		Rules:            rules,
	}, logger)
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	fetcher, err := fetch.New(fetch.Options{
		Transport: transport,
		Policy: fetch.Policy{
			Attempts:     cfg.Retry.Attempts,
			InitialDelay: cfg.Retry.InitialDelayDuration(),
			Multiplier:   cfg.Retry.Multiplier,
			MaxElapsed:   cfg.Retry.MaxElapsedDuration(),
		},
		Timeout: cfg.Server.Upstream.TimeoutDuration(),
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		return nil, err
	}

	return engine.New(engine.Options{
		Generation:        generation,
		Origin:            origin,
		Manifest:          cfg.App.Manifest,
		OfflinePath:       cfg.App.OfflinePath,
		ShellPath:         cfg.App.ShellPath,
		Resolver:          resolver,
		Fetcher:           fetcher,
		Store:             store,
		Logger:            logger,
		Metrics:           recorder,
		MaxBodyBytes:      cfg.Server.Upstream.MaxBodyBytes,
		BackgroundTimeout: backgroundTimeout(cfg),
	})
}

// backgroundTimeout leaves room for a full retry schedule.
func backgroundTimeout(cfg config.Config) time.Duration {
	if d := cfg.Retry.MaxElapsedDuration(); d > 0 {
		return d + cfg.Server.Upstream.TimeoutDuration()
	}
	return 0
}

func buildStore(logger *slog.Logger, cfg config.CacheConfig) cachestore.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory cache store")
		return cachestore.NewMemory()
	case "redis":
		store, err := cachestore.NewRedis(cachestore.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TLS: cachestore.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis cache store initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache store")
			return cachestore.NewMemory()
		}
		logger.Info("using redis cache store", slog.String("address", cfg.Redis.Address))
		return store
	case "sqlite":
		store, err := cachestore.NewSQLite(cfg.SQLite.Path)
		if err != nil {
			logger.Error("sqlite cache store initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache store")
			return cachestore.NewMemory()
		}
		logger.Info("using sqlite cache store", slog.String("path", cfg.SQLite.Path))
		return store
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return cachestore.NewMemory()
	}
}
