// Package fetch performs upstream round trips with bounded retries.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/l0p7/pwacache/internal/metrics"
)

// Policy controls the retry schedule. The delay after failed attempt i
// (0-based) is InitialDelay * Multiplier^i.
type Policy struct {
	Attempts     int
	InitialDelay time.Duration
	Multiplier   float64
	// MaxElapsed bounds the whole loop. Zero disables the bound.
	MaxElapsed time.Duration
}

// DefaultPolicy returns three attempts with 500ms then 1000ms between them.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, InitialDelay: 500 * time.Millisecond, Multiplier: 2}
}

// Validate reports policy values the fetcher cannot run with.
func (p Policy) Validate() error {
	if p.Attempts < 1 {
		return fmt.Errorf("fetch: attempts must be >= 1, got %d", p.Attempts)
	}
	if p.InitialDelay < 0 {
		return fmt.Errorf("fetch: initial delay must not be negative")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("fetch: multiplier must be >= 1, got %v", p.Multiplier)
	}
	if p.MaxElapsed < 0 {
		return fmt.Errorf("fetch: max elapsed must not be negative")
	}
	return nil
}

// Delay returns the wait after the given failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Error is returned once every attempt has failed at the network level.
type Error struct {
	URL      string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch: %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// NowFunc returns the current time.
type NowFunc func() time.Time

// Options configures a Fetcher.
type Options struct {
	Transport http.RoundTripper
	Policy    Policy
	// Timeout bounds a single attempt. Zero leaves attempts bounded only by
	// the caller's context.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Sleep   SleepFunc
	Now     NowFunc
}

// Fetcher is safe for concurrent use.
type Fetcher struct {
	transport http.RoundTripper
	policy    Policy
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metrics.Recorder
	sleep     SleepFunc
	now       NowFunc
}

// New builds a Fetcher. Zero values fall back to http.DefaultTransport,
// DefaultPolicy and a real clock.
func New(opts Options) (*Fetcher, error) {
	policy := opts.Policy
	if policy == (Policy{}) {
		policy = DefaultPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	f := &Fetcher{
		transport: opts.Transport,
		policy:    policy,
		timeout:   opts.Timeout,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		sleep:     opts.Sleep,
		now:       opts.Now,
	}
	if f.transport == nil {
		f.transport = http.DefaultTransport
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	f.logger = f.logger.With(slog.String("agent", "fetch"))
	if f.sleep == nil {
		f.sleep = sleepContext
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f, nil
}

// Policy returns the active retry policy.
func (f *Fetcher) Policy() Policy { return f.policy }

// Fetch performs up to Policy.Attempts round trips. Any HTTP response,
// whatever its status, ends the loop and is returned to the caller, who owns
// its body. Only transport errors are retried.
func (f *Fetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("fetch: request required")
	}
	if req.Body != nil && req.Body != http.NoBody {
		// a consumed body cannot be replayed
		return f.Passthrough(req.WithContext(ctx))
	}
	target := req.URL.String()
	start := f.now()
	var lastErr error
	attempts := 0
	for attempts < f.policy.Attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := f.roundTrip(ctx, req)
		attempts++
		if err == nil {
			f.metrics.ObserveNetworkAttempt(metrics.NetworkSuccess)
			return resp, nil
		}
		f.metrics.ObserveNetworkAttempt(metrics.NetworkError)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err
		if attempts >= f.policy.Attempts {
			break
		}
		delay := f.policy.Delay(attempts - 1)
		if f.policy.MaxElapsed > 0 && f.now().Sub(start)+delay > f.policy.MaxElapsed {
			f.logger.Debug("retry budget exhausted",
				slog.String("url", target),
				slog.Int("attempts", attempts),
				slog.Duration("next_delay", delay),
			)
			break
		}
		f.logger.Debug("retrying fetch",
			slog.String("url", target),
			slog.Int("attempt", attempts),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		if err := f.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, &Error{URL: target, Attempts: attempts, Err: lastErr}
}

// Passthrough forwards the request once, untouched by the retry policy but
// bounded by the per-attempt timeout.
func (f *Fetcher) Passthrough(req *http.Request) (*http.Response, error) {
	resp, err := f.roundTrip(req.Context(), req)
	if err != nil {
		f.metrics.ObserveNetworkAttempt(metrics.NetworkError)
		return nil, fmt.Errorf("fetch: passthrough %s: %w", req.URL.Redacted(), err)
	}
	f.metrics.ObserveNetworkAttempt(metrics.NetworkSuccess)
	return resp, nil
}

func (f *Fetcher) roundTrip(ctx context.Context, req *http.Request) (*http.Response, error) {
	if f.timeout <= 0 {
		return f.transport.RoundTrip(req.Clone(ctx))
	}
	attemptCtx, cancel := context.WithTimeout(ctx, f.timeout)
	resp, err := f.transport.RoundTrip(req.Clone(attemptCtx))
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.Body == nil {
		resp.Body = http.NoBody
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
