package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/pwacache/internal/engine"
)

type stubController struct {
	status      engine.Status
	statusErr   error
	explainErr  error
	explained   []string
	explainHdr  http.Header
	proxied     []string
	proxyStatus int
}

func (s *stubController) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.proxied = append(s.proxied, r.URL.String())
	w.WriteHeader(s.proxyStatus)
	_, _ = w.Write([]byte("proxied"))
}

func (s *stubController) Status(context.Context) (engine.Status, error) {
	return s.status, s.statusErr
}

func (s *stubController) Explain(raw string, header http.Header) (engine.Explanation, error) {
	s.explained = append(s.explained, raw)
	s.explainHdr = header
	if s.explainErr != nil {
		return engine.Explanation{}, s.explainErr
	}
	return engine.Explanation{URL: "https://app.example" + raw, Key: "GET https://app.example" + raw, Intercepted: true, Class: "navigation", Strategy: "network-first"}, nil
}

func newExpect(t *testing.T, handler http.Handler) *httpexpect.Expect {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return httpexpect.Default(t, srv.URL)
}

func TestAdminRoute(t *testing.T) {
	cases := map[string]struct {
		target string
		route  string
		ok     bool
	}{
		"healthz":          {target: "/__pwacache/healthz", route: "healthz", ok: true},
		"health alias":     {target: "/__pwacache/health", route: "healthz", ok: true},
		"explain":          {target: "/__pwacache/explain?url=/", route: "explain", ok: true},
		"metrics":          {target: "/__pwacache/metrics/", route: "metrics", ok: true},
		"bare prefix":      {target: "/__pwacache", route: "", ok: true},
		"unknown admin":    {target: "/__pwacache/other", route: "other", ok: true},
		"similar prefix":   {target: "/__pwacachex/healthz", ok: false},
		"application path": {target: "/index.html", ok: false},
		"absolute form":    {target: "http://cdn.example/__pwacache/healthz", ok: false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			u, err := url.Parse(tc.target)
			require.NoError(t, err)
			route, ok := adminRoute("/__pwacache", &http.Request{URL: u})
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.route, route)
		})
	}

	_, ok := adminRoute("/", &http.Request{URL: &url.URL{Path: "/healthz"}})
	require.False(t, ok)
}

func TestHandlerProxiesApplicationRequests(t *testing.T) {
	stub := &stubController{proxyStatus: http.StatusOK}
	e := newExpect(t, NewControllerHandler("/__pwacache/", stub, nil))

	e.GET("/index.html").Expect().Status(http.StatusOK).Body().IsEqual("proxied")
	e.POST("/api/items").Expect().Status(http.StatusOK)
	require.Equal(t, []string{"/index.html", "/api/items"}, stub.proxied)
}

func TestHandlerHealth(t *testing.T) {
	stub := &stubController{status: engine.Status{Generation: "pwacache-v1", State: engine.StateActive, Generations: []string{"pwacache-v1"}, Entries: 3}}
	e := newExpect(t, NewControllerHandler("/__pwacache", stub, nil))

	obj := e.GET("/__pwacache/healthz").Expect().
		Status(http.StatusOK).
		JSON().Object()
	obj.Value("generation").String().IsEqual("pwacache-v1")
	obj.Value("state").String().IsEqual("active")
	obj.Value("entries").Number().IsEqual(3)

	e.POST("/__pwacache/healthz").Expect().Status(http.StatusMethodNotAllowed)

	stub.status.State = engine.StateRedundant
	e.GET("/__pwacache/health").Expect().Status(http.StatusServiceUnavailable)

	stub.statusErr = engine.ErrNoActiveEngine
	e.GET("/__pwacache/healthz").Expect().
		Status(http.StatusServiceUnavailable).
		JSON().Object().Value("error").String().Contains("no active engine")

	stub.statusErr = errors.New("store offline")
	e.GET("/__pwacache/healthz").Expect().Status(http.StatusInternalServerError)
	require.Empty(t, stub.proxied)
}

func TestHandlerExplain(t *testing.T) {
	stub := &stubController{}
	e := newExpect(t, NewControllerHandler("/__pwacache", stub, nil))

	obj := e.GET("/__pwacache/explain").
		WithQuery("url", "/profile").
		WithHeader("Accept", "text/html").
		WithHeader("Authorization", "Bearer secret").
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	obj.Value("strategy").String().IsEqual("network-first")
	obj.Value("intercepted").Boolean().IsTrue()
	require.Equal(t, []string{"/profile"}, stub.explained)
	require.Equal(t, "text/html", stub.explainHdr.Get("Accept"))
	require.Empty(t, stub.explainHdr.Get("Authorization"))

	e.GET("/__pwacache/explain").Expect().Status(http.StatusBadRequest)

	stub.explainErr = errors.New("engine: parse url: bad")
	e.GET("/__pwacache/explain").WithQuery("url", "%zz").Expect().Status(http.StatusBadRequest)

	stub.explainErr = engine.ErrNoActiveEngine
	e.GET("/__pwacache/explain").WithQuery("url", "/").Expect().Status(http.StatusServiceUnavailable)
}

func TestHandlerMetricsAndUnknownAdminRoutes(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pwacache_fetch_requests_total 1\n"))
	})
	stub := &stubController{proxyStatus: http.StatusOK}
	e := newExpect(t, NewControllerHandler("/__pwacache", stub, metrics))

	e.GET("/__pwacache/metrics").Expect().Status(http.StatusOK).Body().Contains("pwacache_fetch_requests_total")
	e.GET("/__pwacache/unknown").Expect().Status(http.StatusNotFound)
	e.GET("/__pwacache").Expect().Status(http.StatusNotFound)
	require.Empty(t, stub.proxied)

	withoutMetrics := newExpect(t, NewControllerHandler("/__pwacache", stub, nil))
	withoutMetrics.GET("/__pwacache/metrics").Expect().Status(http.StatusNotFound)
}

func TestHandlerWithoutController(t *testing.T) {
	e := newExpect(t, NewControllerHandler("/__pwacache", nil, nil))
	e.GET("/").Expect().Status(http.StatusServiceUnavailable)
}

func TestHandlerWithRealControllerBeforeDeploy(t *testing.T) {
	ctrl := engine.NewController(newTestLogger(), 0)
	e := newExpect(t, NewControllerHandler("/__pwacache", ctrl, nil))

	e.GET("/index.html").Expect().Status(http.StatusServiceUnavailable)
	e.GET("/__pwacache/healthz").Expect().Status(http.StatusServiceUnavailable)
}
