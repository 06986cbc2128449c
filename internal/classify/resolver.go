// Package classify buckets intercepted requests into resource classes. The
// class decides which caching strategy serves the request.
package classify

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/gobwas/glob"

	"github.com/l0p7/pwacache/internal/expr"
)

// ResourceClass is recomputed for every request and never persisted.
type ResourceClass string

const (
	Navigation     ResourceClass = "navigation"
	ExternalStatic ResourceClass = "external-static"
	LocalScript    ResourceClass = "local-script"
	APICall        ResourceClass = "api"
	Default        ResourceClass = "default"
)

// ParseClass maps a configured class name onto a ResourceClass.
func ParseClass(name string) (ResourceClass, error) {
	switch ResourceClass(strings.ToLower(strings.TrimSpace(name))) {
	case Navigation:
		return Navigation, nil
	case ExternalStatic:
		return ExternalStatic, nil
	case LocalScript:
		return LocalScript, nil
	case APICall:
		return APICall, nil
	case Default:
		return Default, nil
	}
	return "", fmt.Errorf("classify: unknown resource class %q", name)
}

var defaultScriptExtensions = []string{".js", ".mjs", ".css"}

var imageExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {},
	".avif": {}, ".svg": {}, ".ico": {}, ".bmp": {},
}

// Rule overrides the built-in decision order when its expression matches.
type Rule struct {
	Name  string
	When  string
	Class string
}

// Config carries the allow-lists used for classification.
type Config struct {
	// Origin is the application's own origin; only it can produce LocalScript.
	Origin *url.URL
	// StaticHosts lists external static-asset hosts. Entries may be glob
	// patterns such as "*.gstatic.com".
	StaticHosts []string
	// APIPrefixes are path prefixes served as API calls.
	APIPrefixes []string
	// APIHosts lists third-party data endpoints, also glob-capable.
	APIHosts         []string
	ScriptExtensions []string
	Rules            []Rule
}

type compiledRule struct {
	name    string
	class   ResourceClass
	program expr.Program
}

// Resolver is safe for concurrent use once built.
type Resolver struct {
	logger       *slog.Logger
	origin       *url.URL
	staticHosts  []glob.Glob
	apiHosts     []glob.Glob
	apiPrefixes  []string
	scriptExtSet map[string]struct{}
	rules        []compiledRule
}

// New validates the allow-lists and compiles any override rules.
func New(cfg Config, logger *slog.Logger) (*Resolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		logger:       logger.With(slog.String("agent", "classify")),
		origin:       cfg.Origin,
		scriptExtSet: make(map[string]struct{}),
	}

	var err error
	if r.staticHosts, err = compileHosts(cfg.StaticHosts); err != nil {
		return nil, err
	}
	if r.apiHosts, err = compileHosts(cfg.APIHosts); err != nil {
		return nil, err
	}
	for _, prefix := range cfg.APIPrefixes {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			continue
		}
		if !strings.HasPrefix(prefix, "/") {
			return nil, fmt.Errorf("classify: api prefix %q must start with /", prefix)
		}
		r.apiPrefixes = append(r.apiPrefixes, prefix)
	}

	exts := cfg.ScriptExtensions
	if len(exts) == 0 {
		exts = defaultScriptExtensions
	}
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		r.scriptExtSet[ext] = struct{}{}
	}

	if len(cfg.Rules) > 0 {
		env, err := expr.NewEnvironment()
		if err != nil {
			return nil, err
		}
		for i, rule := range cfg.Rules {
			class, err := ParseClass(rule.Class)
			if err != nil {
				return nil, fmt.Errorf("classify: rule[%d] %s: %w", i, rule.Name, err)
			}
			program, err := env.Compile(rule.When)
			if err != nil {
				return nil, fmt.Errorf("classify: rule[%d] %s: %w", i, rule.Name, err)
			}
			name := rule.Name
			if name == "" {
				name = fmt.Sprintf("rule-%d", i)
			}
			r.rules = append(r.rules, compiledRule{name: name, class: class, program: program})
		}
	}
	return r, nil
}

func compileHosts(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("classify: host pattern %q: %w", pattern, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Intercepts reports whether the cache engine handles the request at all.
// Everything else goes to the network untouched.
func (r *Resolver) Intercepts(req *http.Request) bool {
	if req == nil || req.URL == nil || req.Method != http.MethodGet {
		return false
	}
	switch strings.ToLower(req.URL.Scheme) {
	case "http", "https":
		return true
	}
	return false
}

// Classify buckets an absolute-URL GET request. The first match wins.
func (r *Resolver) Classify(req *http.Request) ResourceClass {
	for _, rule := range r.rules {
		matched, err := rule.program.EvalBool(r.activation(req))
		if err != nil {
			r.logger.Warn("classification rule failed", slog.String("rule", rule.name), slog.Any("error", err))
			continue
		}
		if matched {
			return rule.class
		}
	}

	if IsNavigation(req) {
		return Navigation
	}
	host := strings.ToLower(req.URL.Hostname())
	if matchesAny(r.staticHosts, host) {
		return ExternalStatic
	}
	if r.SameOrigin(req.URL) {
		if _, ok := r.scriptExtSet[strings.ToLower(path.Ext(req.URL.Path))]; ok {
			return LocalScript
		}
	}
	for _, prefix := range r.apiPrefixes {
		if strings.HasPrefix(req.URL.Path, prefix) {
			return APICall
		}
	}
	if matchesAny(r.apiHosts, host) {
		return APICall
	}
	return Default
}

// SameOrigin compares scheme and host (including port) with the app origin.
func (r *Resolver) SameOrigin(u *url.URL) bool {
	if r.origin == nil || u == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, r.origin.Scheme) && strings.EqualFold(u.Host, r.origin.Host)
}

// IsNavigation reports a page navigation or a request that accepts HTML.
func IsNavigation(req *http.Request) bool {
	if strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	if strings.EqualFold(req.Header.Get("Sec-Fetch-Dest"), "document") {
		return true
	}
	return strings.Contains(strings.ToLower(req.Header.Get("Accept")), "text/html")
}

// IsImage reports whether the request targets an image resource.
func IsImage(req *http.Request) bool {
	if strings.EqualFold(req.Header.Get("Sec-Fetch-Dest"), "image") {
		return true
	}
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(req.Header.Get("Accept"))), "image/") {
		return true
	}
	_, ok := imageExtensions[strings.ToLower(path.Ext(req.URL.Path))]
	return ok
}

func matchesAny(patterns []glob.Glob, host string) bool {
	for _, g := range patterns {
		if g.Match(host) {
			return true
		}
	}
	return false
}

func (r *Resolver) activation(req *http.Request) map[string]any {
	query := make(map[string]any)
	for key, values := range req.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}
	return map[string]any{
		"request": map[string]any{
			"method":     req.Method,
			"scheme":     strings.ToLower(req.URL.Scheme),
			"host":       strings.ToLower(req.URL.Hostname()),
			"path":       req.URL.Path,
			"query":      query,
			"accept":     req.Header.Get("Accept"),
			"dest":       req.Header.Get("Sec-Fetch-Dest"),
			"mode":       req.Header.Get("Sec-Fetch-Mode"),
			"sameOrigin": r.SameOrigin(req.URL),
		},
	}
}
