package templates

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRendererDropsEnvironmentAndFileHelpers(t *testing.T) {
	t.Setenv("TEST_VAR", "value")
	renderer := NewRenderer()

	for _, source := range []string{`{{ env "TEST_VAR" }}`, `{{ expandenv "$TEST_VAR" }}`, `{{ readFile "/etc/hostname" }}`} {
		_, err := renderer.CompileInline("inline", source)
		require.Error(t, err, source)
	}
}

func TestCompileInlineEmptySource(t *testing.T) {
	tmpl, err := NewRenderer().CompileInline("", "   ")
	require.NoError(t, err)
	require.Nil(t, tmpl)

	_, err = tmpl.Render(nil)
	require.Error(t, err)
}

func TestRenderUsesSprig(t *testing.T) {
	tmpl, err := NewRenderer().CompileInline("", `{{ .name | upper }}-{{ .missing }}`)
	require.NoError(t, err)
	require.Equal(t, "inline", tmpl.name)

	out, err := tmpl.Render(map[string]any{"name": "shell"})
	require.NoError(t, err)
	require.Equal(t, "SHELL-", out)
}

func TestGenerationName(t *testing.T) {
	renderer := NewRenderer()
	tests := []struct {
		name       string
		source     string
		namespace  string
		generation string
		want       string
		wantErr    bool
	}{
		{name: "default template", source: "{{ .Namespace }}-{{ .Generation }}", namespace: "pwacache", generation: "v1", want: "pwacache-v1"},
		{name: "sprig pipeline", source: "{{ .Namespace | lower }}-{{ .Generation | replace \".\" \"-\" }}", namespace: "Shop", generation: "1.2.0", want: "shop-1-2-0"},
		{name: "empty template uses generation", source: "", generation: " v7 ", want: "v7"},
		{name: "empty output", source: "{{ trim .Generation }}", generation: "  ", wantErr: true},
		{name: "unknown field", source: "{{ .Missing }}", wantErr: true},
		{name: "whitespace in output", source: "{{ .Namespace }} {{ .Generation }}", namespace: "a", generation: "b", wantErr: true},
		{name: "parse error", source: "{{ .Namespace", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := renderer.GenerationName(tt.source, tt.namespace, tt.generation)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
