// Package engine runs the install, activate and fetch lifecycle of one cache
// generation and dispatches intercepted requests to their strategies.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/pwacache/internal/cachestore"
	"github.com/l0p7/pwacache/internal/classify"
	"github.com/l0p7/pwacache/internal/fetch"
	"github.com/l0p7/pwacache/internal/metrics"
	"github.com/l0p7/pwacache/internal/strategy"
)

// State is the lifecycle position of an engine's generation.
type State string

const (
	StateNew        State = "new"
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// ErrInvalidTransition is returned when a lifecycle step runs out of order.
var ErrInvalidTransition = errors.New("engine: invalid lifecycle transition")

// Fetcher is the network side used by the engine.
type Fetcher interface {
	strategy.Fetcher
	Passthrough(req *http.Request) (*http.Response, error)
}

// Hooks are notified of lifecycle milestones. Nil hooks are skipped.
type Hooks struct {
	// Installed fires once precaching finished and the generation waits for
	// activation. It is the place to announce that an update is available.
	Installed func(generation string)
	Activated func(generation string)
}

// Options configures an Engine.
type Options struct {
	Generation string
	// Origin is the application's own origin. Origin-relative requests and
	// manifest paths are resolved against it.
	Origin      *url.URL
	Manifest    []string
	OfflinePath string
	ShellPath   string

	Resolver *classify.Resolver
	Fetcher  Fetcher
	Store    cachestore.Store
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Hooks    Hooks

	MaxBodyBytes      int64
	BackgroundTimeout time.Duration
	// PrecacheConcurrency bounds parallel manifest fetches during install.
	PrecacheConcurrency int
}

// DefaultShellPath is served to navigations when neither the network, the
// cache nor the offline page can answer.
const DefaultShellPath = "/index.html"

// Engine is safe for concurrent use.
type Engine struct {
	generation  string
	origin      *url.URL
	manifest    []string
	concurrency int
	maxBody     int64

	resolver   *classify.Resolver
	fetcher    Fetcher
	store      cachestore.Store
	logger     *slog.Logger
	metrics    *metrics.Recorder
	hooks      Hooks
	background *strategy.Background
	executors  map[classify.ResourceClass]strategy.Executor

	mu     sync.RWMutex
	state  State
	handle cachestore.Handle
}

// New validates opts and wires the strategy for every resource class.
func New(opts Options) (*Engine, error) {
	generation := strings.TrimSpace(opts.Generation)
	if generation == "" {
		return nil, errors.New("engine: generation required")
	}
	if opts.Origin == nil || !opts.Origin.IsAbs() || opts.Origin.Host == "" {
		return nil, errors.New("engine: absolute origin required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("engine: resolver required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("engine: fetcher required")
	}
	if opts.Store == nil {
		return nil, errors.New("engine: store required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", "engine"), slog.String("generation", generation))

	e := &Engine{
		generation:  generation,
		origin:      opts.Origin,
		manifest:    opts.Manifest,
		concurrency: opts.PrecacheConcurrency,
		maxBody:     opts.MaxBodyBytes,
		resolver:    opts.Resolver,
		fetcher:     opts.Fetcher,
		store:       opts.Store,
		logger:      logger,
		metrics:     opts.Metrics,
		hooks:       opts.Hooks,
		background:  strategy.NewBackground(opts.BackgroundTimeout, logger),
		state:       StateNew,
	}
	if e.concurrency <= 0 {
		e.concurrency = 4
	}

	var fallbacks []cachestore.Key
	shell := opts.ShellPath
	if shell == "" {
		shell = DefaultShellPath
	}
	for _, p := range []string{opts.OfflinePath, shell} {
		if p == "" {
			continue
		}
		u, err := e.resolvePath(p)
		if err != nil {
			return nil, err
		}
		fallbacks = append(fallbacks, cachestore.KeyFor(http.MethodGet, u))
	}

	deps := strategy.Deps{
		Fetcher:      opts.Fetcher,
		Background:   e.background,
		Logger:       logger,
		Metrics:      opts.Metrics,
		MaxBodyBytes: opts.MaxBodyBytes,
	}
	cacheFirst, err := strategy.NewCacheFirst(deps)
	if err != nil {
		return nil, err
	}
	networkFirst, err := strategy.NewNetworkFirst(deps, fallbacks...)
	if err != nil {
		return nil, err
	}
	swr, err := strategy.NewStaleWhileRevalidate(deps)
	if err != nil {
		return nil, err
	}
	def, err := strategy.NewDefault(deps, fallbacks...)
	if err != nil {
		return nil, err
	}
	e.executors = map[classify.ResourceClass]strategy.Executor{
		classify.Navigation:     networkFirst,
		classify.ExternalStatic: cacheFirst,
		classify.LocalScript:    swr,
		classify.APICall:        networkFirst,
		classify.Default:        def,
	}
	return e, nil
}

// Generation returns the generation this engine owns.
func (e *Engine) Generation() string { return e.generation }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) transition(from []State, to State) error {
	e.mu.Lock()
	current := e.state
	allowed := false
	for _, s := range from {
		if current == s {
			allowed = true
			break
		}
	}
	if allowed {
		e.state = to
	}
	e.mu.Unlock()
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
	}
	e.metrics.ObserveLifecycle(string(to))
	e.logger.Info("lifecycle transition", slog.String("from", string(current)), slog.String("to", string(to)))
	return nil
}

func (e *Engine) currentHandle() cachestore.Handle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handle
}

// Retire marks the engine redundant and drains its background work.
func (e *Engine) Retire(ctx context.Context) error {
	if e.State() != StateRedundant {
		_ = e.transition([]State{StateNew, StateInstalling, StateWaiting, StateActive}, StateRedundant)
	}
	if err := e.background.Close(ctx); err != nil {
		return fmt.Errorf("engine: drain background work: %w", err)
	}
	return nil
}

func (e *Engine) resolvePath(p string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(p))
	if err != nil {
		return nil, fmt.Errorf("engine: parse path %q: %w", p, err)
	}
	return e.origin.ResolveReference(ref), nil
}

// absoluteURL resolves origin-form requests against the application origin.
// Absolute-form requests keep their own host.
func (e *Engine) absoluteURL(req *http.Request) *url.URL {
	u := *req.URL
	if u.Scheme == "" || u.Host == "" {
		u.Scheme = e.origin.Scheme
		u.Host = e.origin.Host
	}
	u.Fragment = ""
	u.RawFragment = ""
	return &u
}
