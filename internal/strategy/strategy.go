// Package strategy implements the caching policies applied to intercepted
// requests: cache-first, network-first, stale-while-revalidate and the
// default policy.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/l0p7/pwacache/internal/cachestore"
	"github.com/l0p7/pwacache/internal/fetch"
	"github.com/l0p7/pwacache/internal/metrics"
)

// Source records where a response came from. It is never sent to clients.
type Source string

const (
	SourceCache    Source = "cache"
	SourceNetwork  Source = "network"
	SourceFallback Source = "fallback"
)

// Response is a fully buffered response ready to be written to a client.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source Source
}

// Request is an intercepted GET resolved against the application origin.
type Request struct {
	Key cachestore.Key
	// Upstream is the outbound request template. Executors clone it for every
	// network call.
	Upstream   *http.Request
	Navigation bool
	Image      bool
}

// Fetcher performs a network fetch with the configured retry policy.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Executor serves a request against one cache generation.
type Executor interface {
	Name() string
	Execute(ctx context.Context, req *Request, handle cachestore.Handle) (*Response, error)
}

// Deps are shared by every executor.
type Deps struct {
	Fetcher      Fetcher
	Background   *Background
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
	MaxBodyBytes int64
}

type base struct {
	fetcher    Fetcher
	background *Background
	logger     *slog.Logger
	metrics    *metrics.Recorder
	maxBody    int64
}

func newBase(name string, deps Deps) (base, error) {
	if deps.Fetcher == nil {
		return base{}, errors.New("strategy: fetcher required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := base{
		fetcher:    deps.Fetcher,
		background: deps.Background,
		logger:     logger.With(slog.String("agent", "strategy"), slog.String("strategy", name)),
		metrics:    deps.Metrics,
		maxBody:    deps.MaxBodyBytes,
	}
	if b.background == nil {
		b.background = NewBackground(0, logger)
	}
	return b, nil
}

// match treats store failures as misses.
func (b base) match(ctx context.Context, handle cachestore.Handle, key cachestore.Key) (cachestore.Entry, bool) {
	start := time.Now()
	entry, ok, err := handle.Match(ctx, key)
	switch {
	case err != nil:
		b.metrics.ObserveCache(metrics.CacheOperationMatch, metrics.CacheError, time.Since(start))
		b.logger.Warn("cache match failed", slog.String("key", key.String()), slog.Any("error", err))
		return cachestore.Entry{}, false
	case !ok:
		b.metrics.ObserveCache(metrics.CacheOperationMatch, metrics.CacheMiss, time.Since(start))
		return cachestore.Entry{}, false
	}
	b.metrics.ObserveCache(metrics.CacheOperationMatch, metrics.CacheHit, time.Since(start))
	return entry, true
}

// put never fails the request; errors are logged and counted.
func (b base) put(ctx context.Context, handle cachestore.Handle, key cachestore.Key, resp *Response) {
	entry := cachestore.Entry{
		Status: resp.Status,
		Header: storableHeader(resp.Header),
		Body:   resp.Body,
	}
	start := time.Now()
	if err := handle.Put(context.WithoutCancel(ctx), key, entry); err != nil {
		b.metrics.ObserveCache(metrics.CacheOperationPut, metrics.CacheError, time.Since(start))
		level := slog.LevelWarn
		if errors.Is(err, cachestore.ErrGenerationGone) {
			level = slog.LevelDebug
		}
		b.logger.Log(ctx, level, "cache put failed",
			slog.String("generation", handle.Generation()),
			slog.String("key", key.String()),
			slog.Any("error", err),
		)
		return
	}
	b.metrics.ObserveCache(metrics.CacheOperationPut, metrics.CacheStored, time.Since(start))
}

// network fetches the request and buffers the response. Any HTTP status is
// a successful fetch.
func (b base) network(ctx context.Context, req *Request) (*Response, error) {
	if req.Upstream == nil {
		return nil, errors.New("strategy: upstream request required")
	}
	resp, err := b.fetcher.Fetch(ctx, req.Upstream.Clone(ctx))
	if err != nil {
		return nil, err
	}
	body, err := fetch.ReadBody(resp, b.maxBody)
	if err != nil {
		return nil, fmt.Errorf("strategy: %s: %w", req.Key, err)
	}
	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	fetch.StripHopHeaders(header)
	return &Response{Status: resp.StatusCode, Header: header, Body: body, Source: SourceNetwork}, nil
}

// fetchAndStore runs network and stores a cacheable result.
func (b base) fetchAndStore(ctx context.Context, req *Request, handle cachestore.Handle) (*Response, error) {
	resp, err := b.network(ctx, req)
	if err != nil {
		return nil, err
	}
	if cachestore.Cacheable(req.Key, resp.Status) {
		b.put(ctx, handle, req.Key, resp)
	}
	return resp, nil
}

// FromEntry converts a stored entry into a response.
func FromEntry(entry cachestore.Entry, source Source) *Response {
	header := entry.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &Response{Status: entry.Status, Header: header, Body: entry.Body, Source: source}
}

// storableHeader drops per-client headers before a response is shared
// through the cache.
func storableHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return nil
	}
	fetch.StripHopHeaders(out)
	out.Del("Set-Cookie")
	return out
}
