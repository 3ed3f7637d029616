package dispatch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"autosint/pkg/apitypes"
	"autosint/pkg/config"
)

func writeSchema(t *testing.T, dir, name, inputSchema string) {
	t.Helper()
	doc := `{"name":"` + name + `","description":"test tool","input_schema":` + inputSchema + `}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(doc), 0o600))
}

func TestDispatcher_LoadSchemasAndExecute(t *testing.T) {
	dir := t.TempDir()
	writeSchema(t, dir, "get_entity", `{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`)

	d := New(RoleAnalyst, config.ToolResultLimits{MaxSearchResults: 10, MaxEntityDetailChars: 1000, MaxClaimPreviewChars: 200})
	require.NoError(t, d.LoadSchemas(dir))

	d.Register("get_entity", func(ctx *HandlerContext, args json.RawMessage) (any, error) {
		return map[string]any{"id": "e1", "canonical_name": "Acme"}, nil
	})
	require.NoError(t, d.Validate())

	res := d.Execute(&HandlerContext{}, "get_entity", json.RawMessage(`{"id":"e1"}`))
	require.False(t, res.IsError)
	require.Contains(t, res.Content, "Acme")
}

func TestDispatcher_UnknownTool(t *testing.T) {
	d := New(RoleProcessor, config.ToolResultLimits{MaxSearchResults: 10, MaxEntityDetailChars: 1000, MaxClaimPreviewChars: 200})

	res := d.Execute(&HandlerContext{}, "nonexistent_tool", json.RawMessage(`{}`))
	require.True(t, res.IsError)
	require.True(t, res.IsMalformed)
}

func TestDispatcher_ValidateFailsFastOnMismatch(t *testing.T) {
	dir := t.TempDir()
	writeSchema(t, dir, "search_entities", `{"type":"object"}`)

	d := New(RoleAnalyst, config.ToolResultLimits{MaxSearchResults: 10, MaxEntityDetailChars: 1000, MaxClaimPreviewChars: 200})
	require.NoError(t, d.LoadSchemas(dir))

	err := d.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "search_entities")
}

func TestDispatcher_MalformedArgumentsRejectedWithoutSideEffect(t *testing.T) {
	dir := t.TempDir()
	writeSchema(t, dir, "create_entity", `{"type":"object","properties":{"canonical_name":{"type":"string"}},"required":["canonical_name"]}`)

	d := New(RoleProcessor, config.ToolResultLimits{MaxSearchResults: 10, MaxEntityDetailChars: 1000, MaxClaimPreviewChars: 200})
	require.NoError(t, d.LoadSchemas(dir))

	called := false
	d.Register("create_entity", func(ctx *HandlerContext, args json.RawMessage) (any, error) {
		called = true
		return nil, nil
	})
	require.NoError(t, d.Validate())

	res := d.Execute(&HandlerContext{}, "create_entity", json.RawMessage(`{}`))
	require.True(t, res.IsError)
	require.True(t, res.IsMalformed)
	require.False(t, called, "handler must not run when arguments fail schema validation")
}

func TestDispatcher_HandlerErrorSurfacesTaxonomyKind(t *testing.T) {
	dir := t.TempDir()
	writeSchema(t, dir, "fetch_url", `{"type":"object"}`)

	d := New(RoleProcessor, config.ToolResultLimits{MaxSearchResults: 10, MaxEntityDetailChars: 1000, MaxClaimPreviewChars: 200})
	require.NoError(t, d.LoadSchemas(dir))

	d.Register("fetch_url", func(ctx *HandlerContext, args json.RawMessage) (any, error) {
		return nil, apitypes.NewTaxonomyError(apitypes.ErrorSoftDependency, "fetch", "fetch unavailable", nil)
	})
	require.NoError(t, d.Validate())

	res := d.Execute(&HandlerContext{}, "fetch_url", json.RawMessage(`{}`))
	require.True(t, res.IsError)
	require.Equal(t, apitypes.ErrorSoftDependency, res.Kind)
	require.False(t, res.IsMalformed, "soft-dependency failures are not malformed tool calls")
}
