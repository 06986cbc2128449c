package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/l0p7/pwacache/internal/cachestore"
	"github.com/l0p7/pwacache/internal/classify"
	"github.com/l0p7/pwacache/internal/fetch"
	"github.com/l0p7/pwacache/internal/strategy"
)

const passthroughLabel = "passthrough"

// HandleFetch serves one client request. Requests the engine does not
// intercept, and every request while the engine is not active, go straight
// to the network. The only error returned for an intercepted request is the
// network error left when no cache layer could answer.
func (e *Engine) HandleFetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	start := time.Now()
	target := e.absoluteURL(req)
	outbound := req.Clone(ctx)
	outbound.URL = target

	handle := e.currentHandle()
	if e.State() != StateActive || handle == nil || !e.resolver.Intercepts(outbound) {
		return e.passthrough(outbound, start)
	}

	class := e.resolver.Classify(outbound)
	exec := e.executors[class]
	upstream, err := fetch.NewRequest(ctx, req, target)
	if err != nil {
		return nil, err
	}
	sreq := &strategy.Request{
		Key:        cachestore.KeyFor(http.MethodGet, target),
		Upstream:   upstream,
		Navigation: classify.IsNavigation(outbound),
		Image:      classify.IsImage(outbound),
	}

	resp, err := exec.Execute(ctx, sreq, handle)
	if err != nil {
		e.metrics.ObserveFetch(string(class), exec.Name(), string(strategy.SourceNetwork), 0, time.Since(start))
		e.logger.Debug("fetch failed",
			slog.String("url", target.Redacted()),
			slog.String("class", string(class)),
			slog.String("strategy", exec.Name()),
			slog.Any("error", err),
		)
		return nil, err
	}
	e.metrics.ObserveFetch(string(class), exec.Name(), string(resp.Source), resp.Status, time.Since(start))
	e.logger.Debug("fetch served",
		slog.String("url", target.Redacted()),
		slog.String("class", string(class)),
		slog.String("strategy", exec.Name()),
		slog.String("source", string(resp.Source)),
		slog.Int("status", resp.Status),
	)
	return toHTTPResponse(resp, outbound), nil
}

func (e *Engine) passthrough(out *http.Request, start time.Time) (*http.Response, error) {
	out.RequestURI = ""
	out.Host = out.URL.Host
	out.Header = out.Header.Clone()
	fetch.StripHopHeaders(out.Header)
	resp, err := e.fetcher.Passthrough(out)
	if err != nil {
		e.metrics.ObserveFetch(passthroughLabel, passthroughLabel, string(strategy.SourceNetwork), 0, time.Since(start))
		return nil, err
	}
	e.metrics.ObserveFetch(passthroughLabel, passthroughLabel, string(strategy.SourceNetwork), resp.StatusCode, time.Since(start))
	return resp, nil
}

func toHTTPResponse(resp *strategy.Response, req *http.Request) *http.Response {
	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.Status, http.StatusText(resp.Status)),
		StatusCode:    resp.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       req,
	}
}

// Explanation describes how a URL would be served.
type Explanation struct {
	URL         string `json:"url"`
	Key         string `json:"key"`
	Intercepted bool   `json:"intercepted"`
	Class       string `json:"class,omitempty"`
	Strategy    string `json:"strategy,omitempty"`
}

// Explain classifies raw as a plain GET without touching the cache or the
// network. Request headers such as Accept may be supplied to mimic a client.
func (e *Engine) Explain(raw string, header http.Header) (Explanation, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Explanation{}, fmt.Errorf("engine: parse url: %w", err)
	}
	target := e.origin.ResolveReference(ref)
	target.Fragment = ""
	req := &http.Request{Method: http.MethodGet, URL: target, Header: header.Clone()}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	out := Explanation{URL: target.String(), Key: cachestore.KeyFor(http.MethodGet, target).String()}
	if !e.resolver.Intercepts(req) {
		return out, nil
	}
	class := e.resolver.Classify(req)
	out.Intercepted = true
	out.Class = string(class)
	out.Strategy = e.executors[class].Name()
	return out, nil
}

// Status is a point-in-time snapshot of the engine and its store.
type Status struct {
	Generation  string   `json:"generation"`
	State       State    `json:"state"`
	Generations []string `json:"generations"`
	Entries     int64    `json:"entries"`
}

// Status reports the lifecycle state together with the store contents.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	out := Status{Generation: e.generation, State: e.State()}
	names, err := e.store.ListGenerations(ctx)
	if err != nil {
		return out, fmt.Errorf("engine: status: %w", err)
	}
	out.Generations = names
	if handle := e.currentHandle(); handle != nil {
		size, err := handle.Size(ctx)
		if err != nil {
			return out, fmt.Errorf("engine: status: %w", err)
		}
		out.Entries = size
	}
	return out, nil
}
