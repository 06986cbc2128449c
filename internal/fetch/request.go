package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// DefaultMaxBodyBytes caps how much of an upstream body is buffered.
const DefaultMaxBodyBytes int64 = 32 << 20

// ErrBodyTooLarge is returned by ReadBody when the body exceeds the limit.
var ErrBodyTooLarge = errors.New("fetch: response body exceeds limit")

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// negotiationHeaders select a partial, conditional or encoded variant of a
// resource. The outbound request drops them so the response is the full
// identity representation every client can be served from the cache.
// Without Accept-Encoding, http.Transport negotiates gzip itself and
// decodes the body before it is buffered.
var negotiationHeaders = []string{
	"Range",
	"If-Range",
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
	"Accept-Encoding",
}

// StripHopHeaders removes hop-by-hop headers, including any named by the
// Connection header, in place.
func StripHopHeaders(h http.Header) {
	for _, value := range h.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(textproto.CanonicalMIMEHeaderKey(name))
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// NewRequest builds the outbound GET for target from an intercepted request,
// carrying its end-to-end headers minus the ones that select a variant.
func NewRequest(ctx context.Context, in *http.Request, target *url.URL) (*http.Request, error) {
	if target == nil {
		return nil, errors.New("fetch: target url required")
	}
	u := *target
	u.Fragment = ""
	u.RawFragment = ""
	out, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}
	if in != nil {
		out.Header = in.Header.Clone()
		StripHopHeaders(out.Header)
		for _, name := range negotiationHeaders {
			out.Header.Del(name)
		}
	}
	return out, nil
}

// ReadBody drains and closes resp.Body, keeping at most limit bytes.
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, nil
	}
	defer resp.Body.Close()
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("fetch: read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
