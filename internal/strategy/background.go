package strategy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultBackgroundTimeout bounds a single background task.
const DefaultBackgroundTimeout = 30 * time.Second

// Background runs detached work such as revalidations. Tasks sharing a key
// are coalesced: while one runs, further requests under that key collapse
// into a single follow-up run that starts after the current one finishes.
// Tasks scheduled under the same key must be interchangeable.
type Background struct {
	timeout time.Duration
	logger  *slog.Logger
	group   singleflight.Group

	mu     sync.Mutex
	closed bool
	dirty  map[string]bool
	wg     sync.WaitGroup
}

// NewBackground returns a runner whose tasks get a fresh context bounded by
// timeout.
func NewBackground(timeout time.Duration, logger *slog.Logger) *Background {
	if timeout <= 0 {
		timeout = DefaultBackgroundTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Background{
		timeout: timeout,
		logger:  logger.With(slog.String("agent", "background")),
		dirty:   make(map[string]bool),
	}
}

// Go schedules fn under key. It reports false once the runner is closed.
func (b *Background) Go(key string, fn func(ctx context.Context) error) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.dirty[key] = true
	b.wg.Add(1)
	b.mu.Unlock()

	ch := b.group.DoChan(key, func() (any, error) {
		var lastErr error
		for b.claim(key) {
			lastErr = b.run(key, fn)
		}
		return nil, lastErr
	})
	go func() {
		defer b.wg.Done()
		<-ch
	}()
	return true
}

// claim consumes the pending request for key. When none is left the key is
// released so the next Go starts a fresh run instead of joining this one.
func (b *Background) claim(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dirty[key] {
		b.dirty[key] = false
		return true
	}
	delete(b.dirty, key)
	b.group.Forget(key)
	return false
}

func (b *Background) run(key string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		b.logger.Warn("background task failed", slog.String("key", key), slog.Any("error", err))
		return err
	}
	return nil
}

// Wait blocks until every scheduled task finished or ctx is done.
func (b *Background) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and drains the ones in flight.
func (b *Background) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.Wait(ctx)
}
