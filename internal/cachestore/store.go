// Package cachestore holds cached responses grouped into named generations.
// A generation is created when a deployment installs and is removed as a
// whole when a newer generation activates; entries never expire on their own.
package cachestore

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrNotCacheable is returned by Put for non-GET keys, non-2xx and 206 entries.
	ErrNotCacheable = errors.New("cachestore: entry not cacheable")
	// ErrGenerationGone is returned by Put after the handle's generation was deleted.
	ErrGenerationGone = errors.New("cachestore: generation deleted")
	// ErrClosed is returned once the store has been closed.
	ErrClosed = errors.New("cachestore: store closed")
)

// Key identifies a cached request: the method plus the absolute URL with its
// query string. Fragments never reach the network and are not part of the key.
type Key struct {
	Method string
	URL    string
}

// KeyFor normalizes a request into its cache identity.
func KeyFor(method string, u *url.URL) Key {
	if method == "" {
		method = http.MethodGet
	}
	if u == nil {
		return Key{Method: strings.ToUpper(method)}
	}
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	clean.Scheme = strings.ToLower(clean.Scheme)
	clean.Host = strings.ToLower(clean.Host)
	if clean.Path == "" {
		clean.Path = "/"
	}
	return Key{Method: strings.ToUpper(method), URL: clean.String()}
}

// String renders the key in the form stored by every backend.
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Entry is a stored response snapshot.
type Entry struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body,omitempty"`
	StoredAt time.Time   `json:"storedAt"`
}

// Cacheable reports whether a response with the given status for key may be
// stored. Partial content is never stored: the key names the whole resource.
func Cacheable(key Key, status int) bool {
	return key.Method == http.MethodGet && status >= 200 && status < 300 && status != http.StatusPartialContent
}

// Store manages the set of generations.
type Store interface {
	// Open returns a handle for the named generation, creating it if absent.
	Open(ctx context.Context, generation string) (Handle, error)
	// DeleteGeneration removes the generation and every entry in it. It
	// reports whether the generation existed.
	DeleteGeneration(ctx context.Context, name string) (bool, error)
	// ListGenerations returns the names of all generations, sorted.
	ListGenerations(ctx context.Context) ([]string, error)
	Close(ctx context.Context) error
}

// Handle reads and writes entries of a single generation. Each Put and Match
// is atomic per key; concurrent writers to the same key resolve last-writer-wins.
type Handle interface {
	Generation() string
	Match(ctx context.Context, key Key) (Entry, bool, error)
	Put(ctx context.Context, key Key, entry Entry) error
	Size(ctx context.Context) (int64, error)
}

func validatePut(key Key, entry Entry) error {
	if !Cacheable(key, entry.Status) {
		return ErrNotCacheable
	}
	return nil
}

func prepareEntry(entry Entry) Entry {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	return cloneEntry(entry)
}

func cloneEntry(in Entry) Entry {
	out := Entry{
		Status:   in.Status,
		StoredAt: in.StoredAt,
	}
	if in.Header != nil {
		out.Header = in.Header.Clone()
	}
	if in.Body != nil {
		out.Body = append([]byte(nil), in.Body...)
	}
	return out
}
