package toolexecutor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/harun/ranya-core/pkg/llm"
	"github.com/harun/ranya-core/pkg/permission"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string, category permission.Category) ToolDefinition {
	return ToolDefinition{
		Name:        name,
		Description: "Echo input",
		Parameters: []ToolParameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Meta: permission.ToolMeta{Category: category},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return params["text"], nil
		},
	}
}

func TestRegistry_RegisterTool(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.RegisterTool(echoTool("echo", permission.CategoryRead)))

	tool := reg.GetTool("echo")
	require.NotNil(t, tool)
	assert.Equal(t, "Echo input", tool.Description)
	assert.Equal(t, permission.SourceBuiltin, tool.Meta.Source)

	meta := reg.Meta("echo")
	require.NotNil(t, meta)
	assert.Equal(t, permission.CategoryRead, meta.Category)

	assert.Nil(t, reg.GetTool("missing"))
	assert.Nil(t, reg.Meta("missing"))
}

func TestRegistry_RegisterTool_Invalid(t *testing.T) {
	handler := func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil }

	tests := []struct {
		name string
		def  ToolDefinition
	}{
		{"empty name", ToolDefinition{Description: "d", Handler: handler}},
		{"empty description", ToolDefinition{Name: "t", Handler: handler}},
		{"nil handler", ToolDefinition{Name: "t", Description: "d"}},
		{"bad category", ToolDefinition{Name: "t", Description: "d", Handler: handler, Meta: permission.ToolMeta{Category: "network"}}},
		{"bad param type", ToolDefinition{Name: "t", Description: "d", Handler: handler, Parameters: []ToolParameter{
			{Name: "p", Type: "date", Description: "d"},
		}}},
		{"param without description", ToolDefinition{Name: "t", Description: "d", Handler: handler, Parameters: []ToolParameter{
			{Name: "p", Type: "string"},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			assert.Error(t, reg.RegisterTool(tt.def))
			assert.Empty(t, reg.ListTools())
		})
	}
}

func TestRegistry_Validate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterTool(echoTool("echo", permission.CategoryRead)))

	assert.NoError(t, reg.Validate("echo", map[string]interface{}{"text": "hi"}))
	assert.Error(t, reg.Validate("echo", map[string]interface{}{}))
	assert.Error(t, reg.Validate("echo", map[string]interface{}{"text": 42}))
	assert.Error(t, reg.Validate("echo", map[string]interface{}{"text": "hi", "extra": true}))

	err := reg.Validate("missing", nil)
	assert.True(t, errors.Is(err, ErrToolNotFound))
}

func TestRegistry_InputSchema(t *testing.T) {
	reg := NewRegistry()
	def := echoTool("search", permission.CategoryRead)
	def.Parameters = nil
	def.InputSchema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
			"limit": map[string]any{"type": "integer", "minimum": 1},
		},
		"required": []string{"query"},
	}
	require.NoError(t, reg.RegisterTool(def))

	assert.NoError(t, reg.Validate("search", map[string]interface{}{"query": "x", "limit": 3}))
	assert.Error(t, reg.Validate("search", map[string]interface{}{"query": "x", "limit": 0}))

	schemas := reg.Schemas()
	require.Len(t, schemas, 1)
	assert.Equal(t, def.InputSchema, schemas[0].InputSchema)
}

func TestRegistry_SchemasAndList(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterTool(echoTool("write", permission.CategoryWrite)))
	require.NoError(t, reg.RegisterTool(echoTool("alpha", permission.CategoryRead)))

	assert.Equal(t, []string{"alpha", "write"}, reg.ListTools())

	schemas := reg.Schemas()
	require.Len(t, schemas, 2)
	assert.Equal(t, "alpha", schemas[0].Name)
	assert.Equal(t, "object", schemas[0].InputSchema["type"])
	assert.Equal(t, []string{"text"}, schemas[0].InputSchema["required"])

	reg.UnregisterTool("alpha")
	assert.Equal(t, []string{"write"}, reg.ListTools())
}

type fakeExternalSource struct {
	tools []ExternalTool
	err   error
	calls []string
}

func (f *fakeExternalSource) ListTools(ctx context.Context) ([]ExternalTool, error) {
	return f.tools, f.err
}

func (f *fakeExternalSource) CallTool(ctx context.Context, name string, args map[string]any) (interface{}, error) {
	f.calls = append(f.calls, name)
	return map[string]any{"tool": name}, nil
}

func TestRegistry_RegisterExternal(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterTool(echoTool("search", permission.CategoryRead)))

	src := &fakeExternalSource{tools: []ExternalTool{
		{Name: "search", Description: "Search issues"},
		{Name: "create_issue", Category: permission.CategoryWrite},
		{Name: ""},
	}}

	names, err := reg.RegisterExternal(context.Background(), permission.SourceMCP, "github", src)
	require.NoError(t, err)
	assert.Equal(t, []string{"github_search", "create_issue"}, names)

	meta := reg.Meta("github_search")
	require.NotNil(t, meta)
	assert.Equal(t, permission.CategoryExecute, meta.Category)
	assert.Equal(t, permission.SourceMCP, meta.Source)
	assert.Equal(t, "github", meta.Origin)

	tool := reg.GetTool("github_search")
	require.NotNil(t, tool)
	out, err := tool.Handler(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tool": "search"}, out)
	assert.Equal(t, []string{"search"}, src.calls)

	assert.Contains(t, reg.GetTool("create_issue").Description, "github")
}

func TestRegistry_RegisterExternal_Errors(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.RegisterExternal(context.Background(), permission.SourceMCP, " ", &fakeExternalSource{})
	assert.Error(t, err)

	_, err = reg.RegisterExternal(context.Background(), permission.SourceMCP, "jira", nil)
	assert.Error(t, err)

	_, err = reg.RegisterExternal(context.Background(), permission.SourceMCP, "jira", &fakeExternalSource{err: errors.New("offline")})
	assert.ErrorContains(t, err, "offline")
}

func TestToOutput(t *testing.T) {
	assert.Equal(t, llm.TextOutput(""), toOutput(nil))
	assert.Equal(t, llm.TextOutput("hi"), toOutput("hi"))
	assert.Equal(t, llm.TextOutput("raw"), toOutput([]byte("raw")))
	assert.Equal(t, llm.DeniedOutput("no"), toOutput(llm.DeniedOutput("no")))

	out := toOutput(map[string]int{"n": 1})
	assert.Equal(t, llm.OutputJSON, out.Kind)
	assert.Equal(t, `{"n":1}`, out.String())
}

func TestTruncateOutput(t *testing.T) {
	short, truncated := truncateOutput(llm.TextOutput("short"))
	assert.False(t, truncated)
	assert.Equal(t, "short", short.Text)

	long, truncated := truncateOutput(llm.ErrorOutput(strings.Repeat("x", maxOutputSize+10)))
	assert.True(t, truncated)
	assert.Equal(t, llm.OutputError, long.Kind)
	assert.True(t, strings.HasSuffix(long.Text, "[output truncated]"))
	assert.Equal(t, maxOutputSize+len("\n... [output truncated]"), len(long.Text))

	small, truncated := truncateOutput(llm.JSONOutput(map[string]string{"stdout": "ok"}))
	assert.False(t, truncated)
	assert.Equal(t, llm.OutputJSON, small.Kind)
}

func TestTruncateOutput_JSON(t *testing.T) {
	out, truncated := truncateOutput(llm.JSONOutput(map[string]string{
		"stdout": strings.Repeat("x", 50*1024),
	}))
	assert.True(t, truncated)
	assert.Equal(t, llm.OutputText, out.Kind)
	assert.True(t, strings.HasPrefix(out.Text, `{"stdout":"xxx`))
	assert.LessOrEqual(t, len(out.Text), maxOutputSize+len("\n... [output truncated]"))
}

func TestTruncateOutput_RuneBoundary(t *testing.T) {
	// One ASCII byte shifts every three-byte rune across the limit.
	text := "a" + strings.Repeat("世", maxOutputSize)
	out, truncated := truncateOutput(llm.TextOutput(text))
	assert.True(t, truncated)
	assert.True(t, utf8.ValidString(out.Text))

	body := strings.TrimSuffix(out.Text, "\n... [output truncated]")
	assert.LessOrEqual(t, len(body), maxOutputSize)
	assert.Greater(t, len(body), maxOutputSize-utf8.UTFMax)
}
