package engine

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/pwacache/internal/cachestore"
	"github.com/l0p7/pwacache/internal/classify"
	"github.com/l0p7/pwacache/internal/fetch"
	"github.com/l0p7/pwacache/internal/metrics"
)

const origin = "https://app.example"

// upstream is an in-memory network that can be switched off.
type upstream struct {
	mu       sync.Mutex
	offline  bool
	pages    map[string]string
	requests []string
}

func newUpstream(pages map[string]string) *upstream {
	return &upstream{pages: pages}
}

func (u *upstream) RoundTrip(r *http.Request) (*http.Response, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.requests = append(u.requests, r.Method+" "+r.URL.String())
	if u.offline {
		return nil, errors.New("dial tcp: network is unreachable")
	}
	body, ok := u.pages[r.URL.String()]
	status := http.StatusOK
	header := http.Header{"Content-Type": []string{contentType(r.URL.Path)}}
	switch {
	case !ok:
		status = http.StatusNotFound
		body = "not found"
	case r.Header.Get("Range") != "" && len(body) > 4:
		// honours any range as the first four bytes
		status = http.StatusPartialContent
		header.Set("Content-Range", fmt.Sprintf("bytes 0-3/%d", len(body)))
		body = body[:4]
	case strings.Contains(r.Header.Get("Accept-Encoding"), "gzip"):
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = io.WriteString(zw, body)
		_ = zw.Close()
		header.Set("Content-Encoding", "gzip")
		body = buf.String()
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    r,
	}, nil
}

func (u *upstream) setOffline(offline bool) {
	u.mu.Lock()
	u.offline = offline
	u.mu.Unlock()
}

func (u *upstream) setPage(target, body string) {
	u.mu.Lock()
	u.pages[target] = body
	u.mu.Unlock()
}

func (u *upstream) seen(entry string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, r := range u.requests {
		if r == entry {
			n++
		}
	}
	return n
}

func contentType(p string) string {
	switch {
	case strings.HasSuffix(p, ".js"):
		return "text/javascript"
	case strings.HasSuffix(p, ".css"):
		return "text/css"
	case strings.HasSuffix(p, ".json"), strings.Contains(p, "/api/"):
		return "application/json"
	}
	return "text/html"
}

func sitePages() map[string]string {
	return map[string]string{
		origin + "/index.html":   "<html>shell</html>",
		origin + "/app.js":       "console.log('v1')",
		origin + "/offline.html": "<html>offline</html>",
		origin + "/profile":      "<html>profile</html>",
		origin + "/api/items":    `{"items":[]}`,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type engineConfig struct {
	generation string
	manifest   []string
	hooks      Hooks
	metrics    *metrics.Recorder
}

func newEngine(t *testing.T, store cachestore.Store, up http.RoundTripper, cfg engineConfig) *Engine {
	t.Helper()
	originURL, err := url.Parse(origin)
	require.NoError(t, err)
	resolver, err := classify.New(classify.Config{
		Origin:      originURL,
		StaticHosts: []string{"fonts.gstatic.com"},
		APIPrefixes: []string{"/api/"},
	}, discardLogger())
	require.NoError(t, err)
	fetcher, err := fetch.New(fetch.Options{
		Transport: up,
		Logger:    discardLogger(),
		Sleep:     func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	require.NoError(t, err)
	e, err := New(Options{
		Generation:  cfg.generation,
		Origin:      originURL,
		Manifest:    cfg.manifest,
		OfflinePath: "/offline.html",
		Resolver:    resolver,
		Fetcher:     fetcher,
		Store:       store,
		Logger:      discardLogger(),
		Hooks:       cfg.hooks,
		Metrics:     cfg.metrics,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Retire(context.Background()) })
	return e
}

func activate(t *testing.T, e *Engine) {
	t.Helper()
	_, err := e.HandleInstall(context.Background())
	require.NoError(t, err)
	_, err = e.HandleActivate(context.Background())
	require.NoError(t, err)
}

func get(t *testing.T, e *Engine, path string, headers map[string]string) (*http.Response, string, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.HandleFetch(context.Background(), req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	body, readErr := io.ReadAll(resp.Body)
	require.NoError(t, readErr)
	return resp, string(body), nil
}

var navigate = map[string]string{"Sec-Fetch-Mode": "navigate", "Accept": "text/html"}

func TestActivateDeletesEveryOtherGeneration(t *testing.T) {
	ctx := context.Background()
	store := cachestore.NewMemory()
	for _, name := range []string{"app-gen1", "app-gen2"} {
		_, err := store.Open(ctx, name)
		require.NoError(t, err)
	}

	var activated []string
	e := newEngine(t, store, newUpstream(sitePages()), engineConfig{
		generation: "app-gen3",
		hooks:      Hooks{Activated: func(g string) { activated = append(activated, g) }},
	})
	_, err := e.HandleInstall(ctx)
	require.NoError(t, err)
	report, err := e.HandleActivate(ctx)
	require.NoError(t, err)

	require.Equal(t, []string{"app-gen1", "app-gen2"}, report.Deleted)
	names, err := store.ListGenerations(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"app-gen3"}, names)
	require.Equal(t, StateActive, e.State())
	require.Equal(t, []string{"app-gen3"}, activated)
}

func TestActivateRecordsDeletesAsDeleted(t *testing.T) {
	ctx := context.Background()
	store := cachestore.NewMemory()
	_, err := store.Open(ctx, "app-gen1")
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	e := newEngine(t, store, newUpstream(sitePages()), engineConfig{
		generation: "app-gen2",
		metrics:    metrics.NewRecorder(reg),
	})
	activate(t, e)

	families, err := reg.Gather()
	require.NoError(t, err)
	results := map[string]float64{}
	for _, family := range families {
		if family.GetName() != "pwacache_cache_operations_total" {
			continue
		}
		for _, m := range family.GetMetric() {
			labels := map[string]string{}
			for _, pair := range m.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			if labels["operation"] == string(metrics.CacheOperationDelete) {
				results[labels["result"]] += m.GetCounter().GetValue()
			}
		}
	}
	require.Equal(t, map[string]float64{string(metrics.CacheDeleted): 1}, results)
}

func TestInstallRecordsAssetFailuresWithoutAborting(t *testing.T) {
	ctx := context.Background()
	store := cachestore.NewMemory()
	up := newUpstream(sitePages())
	var installed string
	e := newEngine(t, store, up, engineConfig{
		generation: "app-v1",
		manifest:   []string{"/index.html", "/missing.css", "/app.js"},
		hooks:      Hooks{Installed: func(g string) { installed = g }},
	})

	report, err := e.HandleInstall(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"/app.js", "/index.html"}, report.Stored)
	require.Len(t, report.Failed, 1)
	require.Equal(t, "/missing.css", report.Failed[0].Path)
	require.ErrorContains(t, report.Failed[0].Err, "404")
	require.Equal(t, StateWaiting, e.State())
	require.Equal(t, "app-v1", installed)

	handle, err := store.Open(ctx, "app-v1")
	require.NoError(t, err)
	size, err := handle.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), size)
}

func TestInstallSurvivesNetworkOutage(t *testing.T) {
	up := newUpstream(sitePages())
	up.setOffline(true)
	e := newEngine(t, cachestore.NewMemory(), up, engineConfig{
		generation: "app-v1",
		manifest:   []string{"/index.html", "/app.js"},
	})
	report, err := e.HandleInstall(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Stored)
	require.Len(t, report.Failed, 2)
	var fetchErr *fetch.Error
	require.ErrorAs(t, report.Failed[0].Err, &fetchErr)
	require.Equal(t, StateWaiting, e.State())
}

type brokenStore struct {
	cachestore.Store
}

func (brokenStore) Open(context.Context, string) (cachestore.Handle, error) {
	return nil, errors.New("disk unavailable")
}

func TestInstallFailsWhenGenerationCannotOpen(t *testing.T) {
	e := newEngine(t, brokenStore{Store: cachestore.NewMemory()}, newUpstream(sitePages()), engineConfig{generation: "app-v1"})
	_, err := e.HandleInstall(context.Background())
	require.ErrorContains(t, err, "disk unavailable")
	require.Equal(t, StateRedundant, e.State())
}

func TestLifecycleStepsRunInOrder(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, cachestore.NewMemory(), newUpstream(sitePages()), engineConfig{generation: "app-v1"})

	_, err := e.HandleActivate(ctx)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, StateNew, e.State())

	_, err = e.HandleInstall(ctx)
	require.NoError(t, err)
	_, err = e.HandleInstall(ctx)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPostIsNeverCached(t *testing.T) {
	ctx := context.Background()
	store := cachestore.NewMemory()
	up := newUpstream(sitePages())
	e := newEngine(t, store, up, engineConfig{generation: "app-v1"})
	activate(t, e)

	req := httptest.NewRequest(http.MethodPost, "/api/items", strings.NewReader(`{"name":"x"}`))
	resp, err := e.HandleFetch(ctx, req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, 1, up.seen("POST "+origin+"/api/items"))

	handle, err := store.Open(ctx, "app-v1")
	require.NoError(t, err)
	size, err := handle.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, size)

	up.setOffline(true)
	_, err = e.HandleFetch(ctx, httptest.NewRequest(http.MethodPost, "/api/items", strings.NewReader(`{}`)))
	require.Error(t, err)
	require.Equal(t, 2, up.seen("POST "+origin+"/api/items"), "passthrough is never retried")
}

func TestRequestsBeforeActivationPassThrough(t *testing.T) {
	ctx := context.Background()
	store := cachestore.NewMemory()
	up := newUpstream(sitePages())
	e := newEngine(t, store, up, engineConfig{generation: "app-v1"})
	_, err := e.HandleInstall(ctx)
	require.NoError(t, err)

	_, body, err := get(t, e, "/api/items", nil)
	require.NoError(t, err)
	require.Equal(t, `{"items":[]}`, body)

	handle, err := store.Open(ctx, "app-v1")
	require.NoError(t, err)
	size, err := handle.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestOfflineScenario(t *testing.T) {
	up := newUpstream(sitePages())
	e := newEngine(t, cachestore.NewMemory(), up, engineConfig{
		generation: "app-v1",
		manifest:   []string{"/index.html", "/app.js", "/offline.html"},
	})
	activate(t, e)
	up.setOffline(true)

	// uncached page falls back to the offline page
	resp, body, err := get(t, e, "/profile", navigate)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<html>offline</html>", body)
	require.Equal(t, "text/html", resp.Header.Get("Content-Type"))

	// precached pages and scripts come from the cache
	_, body, err = get(t, e, "/index.html", navigate)
	require.NoError(t, err)
	require.Equal(t, "<html>shell</html>", body)

	_, body, err = get(t, e, "/app.js", nil)
	require.NoError(t, err)
	require.Equal(t, "console.log('v1')", body)

	// images degrade to a placeholder, other assets surface the error
	resp, _, err = get(t, e, "https://fonts.gstatic.com/logo.png", nil)
	require.NoError(t, err)
	require.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))

	_, _, err = get(t, e, "/api/items", nil)
	var fetchErr *fetch.Error
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, 3, fetchErr.Attempts)
}

func TestOfflineShellFallback(t *testing.T) {
	up := newUpstream(sitePages())
	e := newEngine(t, cachestore.NewMemory(), up, engineConfig{
		generation: "app-v1",
		manifest:   []string{"/index.html"},
	})
	activate(t, e)
	up.setOffline(true)

	_, body, err := get(t, e, "/settings", navigate)
	require.NoError(t, err)
	require.Equal(t, "<html>shell</html>", body)
}

func TestScriptsRevalidateInBackground(t *testing.T) {
	up := newUpstream(sitePages())
	e := newEngine(t, cachestore.NewMemory(), up, engineConfig{
		generation: "app-v1",
		manifest:   []string{"/app.js"},
	})
	activate(t, e)
	up.setPage(origin+"/app.js", "console.log('v2')")

	_, body, err := get(t, e, "/app.js", nil)
	require.NoError(t, err)
	require.Equal(t, "console.log('v1')", body)
	require.NoError(t, e.background.Wait(context.Background()))

	_, body, err = get(t, e, "/app.js", nil)
	require.NoError(t, err)
	require.Equal(t, "console.log('v2')", body)
}

func TestAPICallsPreferNetwork(t *testing.T) {
	up := newUpstream(sitePages())
	e := newEngine(t, cachestore.NewMemory(), up, engineConfig{generation: "app-v1"})
	activate(t, e)

	_, body, err := get(t, e, "/api/items", nil)
	require.NoError(t, err)
	require.Equal(t, `{"items":[]}`, body)

	up.setPage(origin+"/api/items", `{"items":[1]}`)
	_, body, err = get(t, e, "/api/items", nil)
	require.NoError(t, err)
	require.Equal(t, `{"items":[1]}`, body)

	up.setOffline(true)
	_, body, err = get(t, e, "/api/items", nil)
	require.NoError(t, err)
	require.Equal(t, `{"items":[1]}`, body)
}

func TestExplainAndStatus(t *testing.T) {
	store := cachestore.NewMemory()
	e := newEngine(t, store, newUpstream(sitePages()), engineConfig{
		generation: "app-v1",
		manifest:   []string{"/index.html", "/app.js"},
	})
	activate(t, e)

	exp, err := e.Explain("/app.js#main", nil)
	require.NoError(t, err)
	require.True(t, exp.Intercepted)
	require.Equal(t, "local-script", exp.Class)
	require.Equal(t, "stale-while-revalidate", exp.Strategy)
	require.Equal(t, "GET https://app.example/app.js", exp.Key)

	exp, err = e.Explain("https://fonts.gstatic.com/s/a.woff2", nil)
	require.NoError(t, err)
	require.Equal(t, "cache-first", exp.Strategy)

	exp, err = e.Explain("/", http.Header{"Accept": []string{"text/html"}})
	require.NoError(t, err)
	require.Equal(t, "navigation", exp.Class)
	require.Equal(t, "network-first", exp.Strategy)

	exp, err = e.Explain("ftp://files.example/a", nil)
	require.NoError(t, err)
	require.False(t, exp.Intercepted)

	status, err := e.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, "app-v1", status.Generation)
	require.Equal(t, StateActive, status.State)
	require.Equal(t, []string{"app-v1"}, status.Generations)
	require.Equal(t, int64(2), status.Entries)
}

func TestNewValidatesOptions(t *testing.T) {
	originURL, _ := url.Parse(origin)
	resolver, err := classify.New(classify.Config{Origin: originURL}, discardLogger())
	require.NoError(t, err)
	fetcher, err := fetch.New(fetch.Options{})
	require.NoError(t, err)
	valid := Options{Generation: "g", Origin: originURL, Resolver: resolver, Fetcher: fetcher, Store: cachestore.NewMemory()}

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{name: "generation", mutate: func(o *Options) { o.Generation = " " }},
		{name: "origin", mutate: func(o *Options) { o.Origin = &url.URL{Path: "/"} }},
		{name: "resolver", mutate: func(o *Options) { o.Resolver = nil }},
		{name: "fetcher", mutate: func(o *Options) { o.Fetcher = nil }},
		{name: "store", mutate: func(o *Options) { o.Store = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid
			tt.mutate(&opts)
			_, err := New(opts)
			require.Error(t, err)
		})
	}
	_, err = New(valid)
	require.NoError(t, err)
}

func TestRangedRequestDoesNotPoisonCache(t *testing.T) {
	font := "https://fonts.gstatic.com/s/roboto.woff2"
	pages := sitePages()
	pages[font] = "wOF2-full-font-bytes"
	up := newUpstream(pages)
	e := newEngine(t, cachestore.NewMemory(), up, engineConfig{generation: "app-v1"})
	activate(t, e)

	resp, body, err := get(t, e, font, map[string]string{"Range": "bytes=0-3", "If-Range": `"abc"`})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "wOF2-full-font-bytes", body)

	up.setOffline(true)
	resp, body, err = get(t, e, font, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Content-Range"))
	require.Equal(t, "wOF2-full-font-bytes", body)
}

func TestEncodedClientDoesNotPoisonCache(t *testing.T) {
	up := newUpstream(sitePages())
	e := newEngine(t, cachestore.NewMemory(), up, engineConfig{generation: "app-v1"})
	activate(t, e)

	headers := map[string]string{"Sec-Fetch-Mode": "navigate", "Accept": "text/html", "Accept-Encoding": "gzip, br"}
	resp, body, err := get(t, e, "/profile", headers)
	require.NoError(t, err)
	require.Empty(t, resp.Header.Get("Content-Encoding"))
	require.Equal(t, "<html>profile</html>", body)

	up.setOffline(true)
	resp, body, err = get(t, e, "/profile", navigate)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Content-Encoding"))
	require.Equal(t, "<html>profile</html>", body)
}
