package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/pwacache/internal/fetch"
)

// DefaultDrainTimeout bounds how long a replaced engine may spend finishing
// its background work.
const DefaultDrainTimeout = 10 * time.Second

// DeployReport combines the install and activate results of a deployment.
type DeployReport struct {
	Install  InstallReport
	Activate ActivateReport
	// Replaced is the generation that served clients before the deployment.
	Replaced string
}

// Controller owns the engine currently serving clients. Deployments swap it
// atomically, so connected clients move to the new generation on their next
// request.
type Controller struct {
	logger       *slog.Logger
	drainTimeout time.Duration

	deployMu sync.Mutex
	current  atomic.Pointer[Engine]
}

// NewController returns a Controller with no engine. Until the first
// deployment it answers every request with 503.
func NewController(logger *slog.Logger, drainTimeout time.Duration) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}
	return &Controller{
		logger:       logger.With(slog.String("agent", "controller")),
		drainTimeout: drainTimeout,
	}
}

// ErrNoActiveEngine is returned by the admin accessors before the first
// deployment and after Close.
var ErrNoActiveEngine = errors.New("engine: no active engine")

// Active returns the engine serving clients, or nil.
func (c *Controller) Active() *Engine {
	return c.current.Load()
}

// Status reports on the active engine.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	e := c.Active()
	if e == nil {
		return Status{}, ErrNoActiveEngine
	}
	return e.Status(ctx)
}

// Explain classifies raw against the active engine.
func (c *Controller) Explain(raw string, header http.Header) (Explanation, error) {
	e := c.Active()
	if e == nil {
		return Explanation{}, ErrNoActiveEngine
	}
	return e.Explain(raw, header)
}

// Deploy installs and activates e, then claims every client for it. A failed
// install or activation retires e and leaves the current engine in place.
func (c *Controller) Deploy(ctx context.Context, e *Engine) (DeployReport, error) {
	if e == nil {
		return DeployReport{}, errors.New("engine: deploy requires an engine")
	}
	c.deployMu.Lock()
	defer c.deployMu.Unlock()

	var report DeployReport
	install, err := e.HandleInstall(ctx)
	report.Install = install
	if err != nil {
		c.retire(e)
		return report, err
	}
	activate, err := e.HandleActivate(ctx)
	report.Activate = activate
	if err != nil {
		c.retire(e)
		return report, err
	}

	if prev := c.Claim(e); prev != nil {
		report.Replaced = prev.Generation()
		if prev != e {
			c.retire(prev)
		}
	}
	c.logger.Info("deployment claimed clients",
		slog.String("generation", e.Generation()),
		slog.String("replaced", report.Replaced),
		slog.Int("precached", len(install.Stored)),
		slog.Int("precache_failures", len(install.Failed)),
		slog.Any("deleted", activate.Deleted),
	)
	return report, nil
}

// Claim routes all subsequent requests to e and returns the engine it
// replaced. e must already be active.
func (c *Controller) Claim(e *Engine) *Engine {
	return c.current.Swap(e)
}

func (c *Controller) retire(e *Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), c.drainTimeout)
	defer cancel()
	if err := e.Retire(ctx); err != nil {
		c.logger.Warn("retire engine", slog.String("generation", e.Generation()), slog.Any("error", err))
	}
}

// Close retires the active engine.
func (c *Controller) Close(ctx context.Context) error {
	c.deployMu.Lock()
	defer c.deployMu.Unlock()
	e := c.current.Swap(nil)
	if e == nil {
		return nil
	}
	return e.Retire(ctx)
}

// ServeHTTP proxies the request through the active engine.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e := c.Active()
	if e == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	resp, err := e.HandleFetch(r.Context(), r)
	if err != nil {
		if r.Context().Err() == nil {
			c.logger.Warn("upstream unavailable",
				slog.String("method", r.Method),
				slog.String("url", r.URL.Redacted()),
				slog.Any("error", err),
			)
		}
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	header := resp.Header.Clone()
	fetch.StripHopHeaders(header)
	for name, values := range header {
		w.Header()[name] = values
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		c.logger.Debug("copy response body", slog.Any("error", err))
	}
}
