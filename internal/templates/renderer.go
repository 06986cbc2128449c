package templates

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer compiles text templates with the sprig function set, minus the
// helpers that read the process environment or the filesystem.
type Renderer struct {
	funcs template.FuncMap
}

// Template represents a compiled template ready for execution. Templates are
// safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// NameData is the value cache.nameTemplate renders against.
type NameData struct {
	Namespace  string
	Generation string
}

// NewRenderer constructs a renderer with the restricted sprig function map.
func NewRenderer() *Renderer {
	funcs := sprig.TxtFuncMap()
	restricted := []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
	}
	for _, name := range restricted {
		delete(funcs, name)
	}
	return &Renderer{funcs: template.FuncMap(funcs)}
}

// CompileInline parses an inline template source. Empty or whitespace-only
// sources return nil without error to simplify optional configuration fields.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// GenerationName renders the cache name template for a namespace and
// generation. The result is trimmed and must not be empty or contain
// whitespace; an empty template falls back to the bare generation.
func (r *Renderer) GenerationName(source, namespace, generation string) (string, error) {
	tmpl, err := r.CompileInline("cache.nameTemplate", source)
	if err != nil {
		return "", err
	}
	if tmpl == nil {
		source = strings.TrimSpace(generation)
	} else {
		source, err = tmpl.Render(NameData{Namespace: namespace, Generation: generation})
		if err != nil {
			return "", err
		}
		source = strings.TrimSpace(source)
	}
	if source == "" {
		return "", errors.New("templates: generation name rendered empty")
	}
	if strings.ContainsAny(source, " \t\r\n") {
		return "", fmt.Errorf("templates: generation name %q contains whitespace", source)
	}
	return source, nil
}

// Render executes the compiled template with the supplied data returning the
// rendered string.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}
