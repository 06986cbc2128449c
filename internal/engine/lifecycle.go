package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/l0p7/pwacache/internal/cachestore"
	"github.com/l0p7/pwacache/internal/fetch"
	"github.com/l0p7/pwacache/internal/metrics"
)

// AssetFailure records a manifest entry that could not be precached.
type AssetFailure struct {
	Path string
	Err  error
}

// InstallReport summarizes a precache run.
type InstallReport struct {
	Generation string
	Stored     []string
	Failed     []AssetFailure
}

// ActivateReport lists the stale generations removed on activation.
type ActivateReport struct {
	Generation string
	Deleted    []string
	Failed     []string
}

// HandleInstall opens the engine's generation and precaches the manifest.
// Individual asset failures are logged and reported but never fail the
// install; only an unopenable generation does.
func (e *Engine) HandleInstall(ctx context.Context) (InstallReport, error) {
	report := InstallReport{Generation: e.generation}
	if err := e.transition([]State{StateNew}, StateInstalling); err != nil {
		return report, err
	}

	handle, err := e.store.Open(ctx, e.generation)
	if err != nil {
		_ = e.transition([]State{StateInstalling}, StateRedundant)
		return report, fmt.Errorf("engine: open generation %s: %w", e.generation, err)
	}
	e.mu.Lock()
	e.handle = handle
	e.mu.Unlock()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, asset := range e.manifest {
		g.Go(func() error {
			err := e.precache(gctx, handle, asset)
			e.metrics.ObservePrecache(err == nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.logger.Warn("precache failed", slog.String("asset", asset), slog.Any("error", err))
				report.Failed = append(report.Failed, AssetFailure{Path: asset, Err: err})
				return nil
			}
			report.Stored = append(report.Stored, asset)
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(report.Stored)
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].Path < report.Failed[j].Path })

	if err := ctx.Err(); err != nil {
		_ = e.transition([]State{StateInstalling}, StateRedundant)
		return report, fmt.Errorf("engine: install %s: %w", e.generation, err)
	}
	if err := e.transition([]State{StateInstalling}, StateWaiting); err != nil {
		return report, err
	}
	e.logger.Info("install complete",
		slog.Int("stored", len(report.Stored)),
		slog.Int("failed", len(report.Failed)),
	)
	if e.hooks.Installed != nil {
		e.hooks.Installed(e.generation)
	}
	return report, nil
}

func (e *Engine) precache(ctx context.Context, handle cachestore.Handle, asset string) error {
	target, err := e.resolvePath(asset)
	if err != nil {
		return err
	}
	req, err := fetch.NewRequest(ctx, nil, target)
	if err != nil {
		return err
	}
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	body, err := fetch.ReadBody(resp, e.maxBody)
	if err != nil {
		return err
	}
	key := cachestore.KeyFor(http.MethodGet, target)
	if !cachestore.Cacheable(key, resp.StatusCode) {
		return fmt.Errorf("engine: precache %s: unexpected status %d", asset, resp.StatusCode)
	}
	header := resp.Header.Clone()
	if header != nil {
		fetch.StripHopHeaders(header)
		header.Del("Set-Cookie")
	}
	start := time.Now()
	if err := handle.Put(ctx, key, cachestore.Entry{Status: resp.StatusCode, Header: header, Body: body}); err != nil {
		e.metrics.ObserveCache(metrics.CacheOperationPut, metrics.CacheError, time.Since(start))
		return fmt.Errorf("engine: precache %s: %w", asset, err)
	}
	e.metrics.ObserveCache(metrics.CacheOperationPut, metrics.CacheStored, time.Since(start))
	return nil
}

// HandleActivate deletes every generation other than this engine's own and
// makes the engine active. A generation that fails to delete is logged and
// left for the next activation.
func (e *Engine) HandleActivate(ctx context.Context) (ActivateReport, error) {
	report := ActivateReport{Generation: e.generation}
	if state := e.State(); state != StateWaiting {
		return report, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, state, StateActive)
	}

	names, err := e.store.ListGenerations(ctx)
	if err != nil {
		return report, fmt.Errorf("engine: list generations: %w", err)
	}
	for _, name := range names {
		if name == e.generation {
			continue
		}
		start := time.Now()
		existed, err := e.store.DeleteGeneration(ctx, name)
		if err != nil {
			e.metrics.ObserveCache(metrics.CacheOperationDelete, metrics.CacheError, time.Since(start))
			e.logger.Warn("delete stale generation failed", slog.String("stale", name), slog.Any("error", err))
			report.Failed = append(report.Failed, name)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return report, fmt.Errorf("engine: activate %s: %w", e.generation, err)
			}
			continue
		}
		result := metrics.CacheMiss
		if existed {
			result = metrics.CacheDeleted
		}
		e.metrics.ObserveCache(metrics.CacheOperationDelete, result, time.Since(start))
		if existed {
			e.logger.Info("deleted stale generation", slog.String("stale", name))
			report.Deleted = append(report.Deleted, name)
		}
	}

	if err := e.transition([]State{StateWaiting}, StateActive); err != nil {
		return report, err
	}
	if e.hooks.Activated != nil {
		e.hooks.Activated(e.generation)
	}
	return report, nil
}
