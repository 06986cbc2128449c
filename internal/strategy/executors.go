package strategy

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/l0p7/pwacache/internal/cachestore"
)

const (
	NameCacheFirst           = "cache-first"
	NameNetworkFirst         = "network-first"
	NameStaleWhileRevalidate = "stale-while-revalidate"
	NameDefault              = "default"
)

// PlaceholderImage is served when an image cannot be loaded from anywhere.
var PlaceholderImage = []byte(`<svg xmlns="http://www.w3.org/2000/svg" width="1" height="1" viewBox="0 0 1 1"></svg>`)

func placeholderResponse() *Response {
	header := make(http.Header)
	header.Set("Content-Type", "image/svg+xml")
	header.Set("Cache-Control", "no-store")
	return &Response{
		Status: http.StatusOK,
		Header: header,
		Body:   append([]byte(nil), PlaceholderImage...),
		Source: SourceFallback,
	}
}

// CacheFirst serves stored entries and only goes to the network on a miss.
type CacheFirst struct {
	base
}

// NewCacheFirst builds the cache-first executor.
func NewCacheFirst(deps Deps) (*CacheFirst, error) {
	b, err := newBase(NameCacheFirst, deps)
	if err != nil {
		return nil, err
	}
	return &CacheFirst{base: b}, nil
}

func (c *CacheFirst) Name() string { return NameCacheFirst }

func (c *CacheFirst) Execute(ctx context.Context, req *Request, handle cachestore.Handle) (*Response, error) {
	if entry, ok := c.match(ctx, handle, req.Key); ok {
		return FromEntry(entry, SourceCache), nil
	}
	resp, err := c.fetchAndStore(ctx, req, handle)
	if err != nil {
		if req.Image && ctx.Err() == nil {
			c.logger.Debug("serving image placeholder", slog.String("key", req.Key.String()), slog.Any("error", err))
			return placeholderResponse(), nil
		}
		return nil, err
	}
	return resp, nil
}

// NetworkFirst prefers fresh content and degrades to the cache, then to the
// configured navigation fallbacks.
type NetworkFirst struct {
	base
	name      string
	fallbacks []cachestore.Key
}

// NewNetworkFirst builds the network-first executor. Navigation requests
// that fail both the network and the cache try fallbacks in order.
func NewNetworkFirst(deps Deps, fallbacks ...cachestore.Key) (*NetworkFirst, error) {
	return newNetworkFirst(NameNetworkFirst, deps, fallbacks)
}

// NewDefault builds the policy used for requests no other class claims. It
// behaves exactly like network-first.
func NewDefault(deps Deps, fallbacks ...cachestore.Key) (*NetworkFirst, error) {
	return newNetworkFirst(NameDefault, deps, fallbacks)
}

func newNetworkFirst(name string, deps Deps, fallbacks []cachestore.Key) (*NetworkFirst, error) {
	b, err := newBase(name, deps)
	if err != nil {
		return nil, err
	}
	return &NetworkFirst{base: b, name: name, fallbacks: fallbacks}, nil
}

func (n *NetworkFirst) Name() string { return n.name }

func (n *NetworkFirst) Execute(ctx context.Context, req *Request, handle cachestore.Handle) (*Response, error) {
	resp, fetchErr := n.fetchAndStore(ctx, req, handle)
	if fetchErr == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, fetchErr
	}
	if entry, ok := n.match(ctx, handle, req.Key); ok {
		n.logger.Debug("network failed, serving cached copy", slog.String("key", req.Key.String()), slog.Any("error", fetchErr))
		return FromEntry(entry, SourceCache), nil
	}
	if req.Navigation {
		for _, key := range n.fallbacks {
			if entry, ok := n.match(ctx, handle, key); ok {
				n.logger.Debug("network failed, serving fallback page",
					slog.String("key", req.Key.String()),
					slog.String("fallback", key.URL),
				)
				return FromEntry(entry, SourceFallback), nil
			}
		}
	}
	return nil, fetchErr
}

// StaleWhileRevalidate answers from the cache immediately and refreshes the
// entry in the background for the next request.
type StaleWhileRevalidate struct {
	base
}

// NewStaleWhileRevalidate builds the stale-while-revalidate executor.
func NewStaleWhileRevalidate(deps Deps) (*StaleWhileRevalidate, error) {
	b, err := newBase(NameStaleWhileRevalidate, deps)
	if err != nil {
		return nil, err
	}
	return &StaleWhileRevalidate{base: b}, nil
}

func (s *StaleWhileRevalidate) Name() string { return NameStaleWhileRevalidate }

func (s *StaleWhileRevalidate) Execute(ctx context.Context, req *Request, handle cachestore.Handle) (*Response, error) {
	if entry, ok := s.match(ctx, handle, req.Key); ok {
		s.revalidate(req, handle)
		return FromEntry(entry, SourceCache), nil
	}
	return s.fetchAndStore(ctx, req, handle)
}

func (s *StaleWhileRevalidate) revalidate(req *Request, handle cachestore.Handle) {
	if req.Upstream == nil {
		return
	}
	upstream := req.Upstream
	key := req.Key
	scheduled := s.background.Go(handle.Generation()+" "+key.String(), func(ctx context.Context) error {
		bg := &Request{Key: key, Upstream: upstream}
		resp, err := s.network(ctx, bg)
		if err != nil {
			return err
		}
		if !cachestore.Cacheable(key, resp.Status) {
			s.logger.Debug("revalidation kept cached copy",
				slog.String("key", key.String()),
				slog.Int("status", resp.Status),
			)
			return nil
		}
		s.put(ctx, handle, key, resp)
		return nil
	})
	if !scheduled {
		s.logger.Debug("revalidation skipped, runner closed", slog.String("key", key.String()))
	}
}
