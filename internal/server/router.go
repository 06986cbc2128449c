package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/l0p7/pwacache/internal/engine"
)

// ControllerHTTP is the surface the router needs from the engine controller.
type ControllerHTTP interface {
	http.Handler
	Status(context.Context) (engine.Status, error)
	Explain(raw string, header http.Header) (engine.Explanation, error)
}

// NewControllerHandler mounts the admin routes under adminPrefix and proxies
// everything else through the controller. Admin routes only answer
// origin-form requests; absolute-form proxy requests always reach the
// controller, whatever their path.
func NewControllerHandler(adminPrefix string, c ControllerHTTP, metricsHandler http.Handler) http.Handler {
	if c == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "controller unavailable", http.StatusServiceUnavailable)
		})
	}
	prefix := "/" + strings.Trim(adminPrefix, "/")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := adminRoute(prefix, r)
		if !ok {
			c.ServeHTTP(w, r)
			return
		}
		switch route {
		case "healthz":
			serveHealth(w, r, c)
		case "explain":
			serveExplain(w, r, c)
		case "metrics":
			if metricsHandler == nil {
				http.NotFound(w, r)
				return
			}
			metricsHandler.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

func adminRoute(prefix string, r *http.Request) (string, bool) {
	if prefix == "/" || r.URL.Host != "" {
		return "", false
	}
	path := r.URL.Path
	if path != prefix && !strings.HasPrefix(path, prefix+"/") {
		return "", false
	}
	route := strings.ToLower(strings.Trim(strings.TrimPrefix(path, prefix), "/"))
	if route == "health" {
		route = "healthz"
	}
	return route, true
}

func serveHealth(w http.ResponseWriter, r *http.Request, c ControllerHTTP) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status, err := c.Status(r.Context())
	if err != nil {
		if errors.Is(err, engine.ErrNoActiveEngine) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	code := http.StatusOK
	if status.State != engine.StateActive {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func serveExplain(w http.ResponseWriter, r *http.Request, c ControllerHTTP) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	raw := strings.TrimSpace(r.URL.Query().Get("url"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "url query parameter required")
		return
	}
	header := make(http.Header)
	for _, name := range []string{"Accept", "Sec-Fetch-Mode", "Sec-Fetch-Dest"} {
		if v := r.Header.Get(name); v != "" {
			header.Set(name, v)
		}
	}
	explanation, err := c.Explain(raw, header)
	switch {
	case errors.Is(err, engine.ErrNoActiveEngine):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusOK, explanation)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
