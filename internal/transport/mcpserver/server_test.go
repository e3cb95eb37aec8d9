package mcpserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/actions"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/auth"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/browser"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/config"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/dispatch"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/engine"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/pages"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/store"
)

type mcpFixture struct {
	server *Server
	token  string
}

func newMCPFixture(t *testing.T) *mcpFixture {
	t.Helper()
	cfg := &config.Config{
		MinBrowsers:         1,
		MaxBrowsers:         2,
		MaxPagesPerBrowser:  5,
		AcquisitionTimeout:  time.Second,
		HealthCheckInterval: time.Hour,
		IdleTimeout:         time.Hour,
		ScaleCooldown:       time.Hour,
		MaxScaleStep:        1,
		MaxBrowserLifetime:  time.Hour,
		RecyclingThreshold:  100,
		RecyclingCooldown:   time.Hour,
		MaxRecycleBatch:     1,
		MaintenanceHourHigh: 24,
		SessionTTL:          time.Hour,
		JWTSecret:           "0123456789abcdef0123456789abcdef",
		JWTExpiry:           time.Hour,
	}

	stores := &store.Stores{
		Sessions: store.NewMemorySessionStore(),
		Contexts: store.NewMemoryContextStore(),
		Backend:  "memory",
	}
	t.Cleanup(func() { _ = stores.Close() })

	a := auth.New(cfg.JWTSecret, cfg.JWTExpiry, stores.Sessions)

	pool, err := browser.NewPool(cfg, engine.NewFakeLauncher())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	pm := pages.NewManager(cfg, pool)
	t.Cleanup(pm.Shutdown)

	policies, err := actions.NewPolicyManager("", false)
	require.NoError(t, err)
	t.Cleanup(policies.Close)

	d := dispatch.New(cfg, stores, a, pool, pm, actions.NewExecutor(cfg, pm, policies), nil)

	result, err := d.CreateSession(context.Background(), dispatch.CreateSessionParams{Username: "alice"})
	require.NoError(t, err)

	return &mcpFixture{server: NewServer(d), token: result.Token}
}

func callTool(t *testing.T, s *Server, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := s.executeAPI(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: toolExecuteAPI, Arguments: args},
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func resultText(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &m))
	return m
}

func TestExecuteAPISessionCreate(t *testing.T) {
	f := newMCPFixture(t)

	result := callTool(t, f.server, map[string]any{
		"operation":  "session.create",
		"parameters": map[string]any{"username": "bob"},
	})
	require.False(t, result.IsError)
	data := resultText(t, result)
	assert.NotEmpty(t, data["token"])
	sess := data["session"].(map[string]any)
	assert.Equal(t, "bob", sess["data"].(map[string]any)["username"])
}

func TestExecuteAPIRequiresAuth(t *testing.T) {
	f := newMCPFixture(t)

	result := callTool(t, f.server, map[string]any{"operation": "context.list"})
	require.True(t, result.IsError)
	data := resultText(t, result)
	// JSON-RPC error object with the envelope in data.
	assert.Equal(t, float64(-32000), data["code"])
	assert.Equal(t, "AUTH_REQUIRED", data["data"].(map[string]any)["code"])
}

func TestExecuteAPIContextAndActionFlow(t *testing.T) {
	f := newMCPFixture(t)
	authArg := map[string]any{"token": f.token}

	result := callTool(t, f.server, map[string]any{
		"operation":  "context.create",
		"auth":       authArg,
		"parameters": map[string]any{"name": "work"},
	})
	require.False(t, result.IsError)
	contextID := resultText(t, result)["id"].(string)

	result = callTool(t, f.server, map[string]any{
		"operation": "page.create",
		"resource":  contextID,
		"auth":      authArg,
	})
	require.False(t, result.IsError)
	pageID := resultText(t, result)["id"].(string)

	result = callTool(t, f.server, map[string]any{
		"operation": "context.execute",
		"resource":  contextID,
		"auth":      authArg,
		"parameters": map[string]any{
			"action":     "navigate",
			"pageId":     pageID,
			"parameters": map[string]any{"url": "https://example.com"},
		},
	})
	require.False(t, result.IsError)
	data := resultText(t, result)
	assert.Equal(t, true, data["success"])
	assert.NotNil(t, result.Meta)
	assert.NotEmpty(t, result.Meta.AdditionalFields["requestId"])
}

func TestExecuteAPIUnknownOperation(t *testing.T) {
	f := newMCPFixture(t)

	result := callTool(t, f.server, map[string]any{
		"operation": "teleport",
		"auth":      map[string]any{"token": f.token},
	})
	require.True(t, result.IsError)
	data := resultText(t, result)
	assert.Equal(t, float64(-32602), data["code"])
}

func TestExecuteAPINotFoundMapsToMethodNotFound(t *testing.T) {
	f := newMCPFixture(t)

	result := callTool(t, f.server, map[string]any{
		"operation": "context.get",
		"resource":  "missing",
		"auth":      map[string]any{"token": f.token},
	})
	require.True(t, result.IsError)
	data := resultText(t, result)
	assert.Equal(t, float64(-32601), data["code"])
}

func TestCatalogResource(t *testing.T) {
	f := newMCPFixture(t)

	contents, err := f.server.readCatalog(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: catalogURI},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text := contents[0].(mcp.TextResourceContents)
	assert.Equal(t, catalogURI, text.URI)
	assert.Equal(t, resourceMIMEJSON, text.MIMEType)

	var doc catalog
	require.NoError(t, json.Unmarshal([]byte(text.Text), &doc))
	assert.Contains(t, doc.Operations, "context.execute")
	assert.Contains(t, doc.Actions, "screenshot")
	assert.Contains(t, doc.WSMessages, "subscribe")
}
