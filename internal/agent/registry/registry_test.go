package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/acpbridge/pkg/acp/jsonrpc"
)

func TestLoadEmbeddedCatalogue(t *testing.T) {
	r, err := Load("")
	require.NoError(t, err)

	v, ok := r.Get("claude-code")
	require.True(t, ok)
	assert.Equal(t, jsonrpc.FramingNewline, v.Framing)
	assert.Equal(t, CasingCamel, v.ParamCasing)

	lsp, ok := r.Get("mock-lsp")
	require.True(t, ok)
	assert.Equal(t, jsonrpc.FramingContentLength, lsp.Framing)
	assert.Equal(t, CasingSnake, lsp.ParamCasing)
}

func TestResolveByPathSubstring(t *testing.T) {
	r, err := Load("")
	require.NoError(t, err)

	v := r.Resolve("/opt/tools/node_modules/.bin/codex-acp", nil)
	assert.Equal(t, "codex", v.ID)
	assert.Equal(t, CasingSnake, v.ParamCasing)
	assert.Equal(t, "/opt/tools/node_modules/.bin/codex-acp", v.Command)

	custom := r.Resolve("/usr/local/bin/some-agent", []string{"--stdio"})
	assert.Equal(t, "custom", custom.ID)
	assert.Equal(t, jsonrpc.FramingNewline, custom.Framing)
	assert.Equal(t, []string{"--stdio"}, custom.Args)
}

func TestParamsCasing(t *testing.T) {
	snake := &Variant{ParamCasing: CasingSnake}
	assert.Equal(t,
		map[string]any{"session_id": "s1", "mode_id": "plan"},
		snake.Params(map[string]any{"sessionId": "s1", "modeId": "plan"}))

	camel := &Variant{ParamCasing: CasingCamel}
	assert.Equal(t,
		map[string]any{"sessionId": "s1", "modelId": "m"},
		camel.Params(map[string]any{"sessionId": "s1", "modelId": "m"}))
}

func TestParseRejectsBadEntries(t *testing.T) {
	_, err := Parse([]byte("agents:\n  - id: a\n    framing: xml\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("agents:\n  - id: a\n  - id: a\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("agents:\n  - id: a\n    paramCasing: kebab\n"))
	assert.Error(t, err)
}

func TestResolveMockFramings(t *testing.T) {
	r, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "mock-lsp", r.Resolve("mock-agent", []string{"--framing", "content-length"}).ID)
	assert.Equal(t, "mock", r.Resolve("mock-agent", []string{"--framing", "ndjson"}).ID)
}
