package toolgateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/mcp-gateway/internal/authz"
	"github.com/microsoft/mcp-gateway/internal/identity"
	"github.com/microsoft/mcp-gateway/internal/models"
	"github.com/microsoft/mcp-gateway/internal/store"
)

// redirectTransport sends every request to backend regardless of the
// request URL's host, so a test can exercise callToolHandler's hardcoded
// cluster-DNS target construction against a local httptest.Server: the
// path, method and body it builds still flow through untouched, only the
// authority is swapped.
type redirectTransport struct {
	backend *url.URL
}

func (t redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = t.backend.Scheme
	req.URL.Host = t.backend.Host
	req.Host = t.backend.Host
	return http.DefaultTransport.RoundTrip(req)
}

func newTestRouter(t *testing.T, backend *httptest.Server) (*Router, *authz.Evaluator) {
	t.Helper()
	eval := authz.New()
	tools := store.NewInMemory[models.ToolRecord]()
	r := New(tools, eval, "adapter", slog.New(slog.NewTextHandler(io.Discard, nil)))

	if backend != nil {
		backendURL, err := url.Parse(backend.URL)
		require.NoError(t, err)
		r.httpClient = &http.Client{Transport: redirectTransport{backend: backendURL}}
	}

	rec := &models.ToolRecord{
		AdapterRecord: models.AdapterRecord{Name: "weather", CreatedBy: "owner-1", RequiredRoles: []string{"mcp.weather-reader"}},
		ToolDefinition: models.ToolDefinition{
			Tool: models.ToolSpec{Name: "weather", Description: "gives weather"},
			Port: 8000,
			Path: "/run",
		},
	}
	require.NoError(t, tools.Upsert(context.Background(), "weather", rec))

	return r, eval
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: args}}
}

// authorizedContext carries the owning principal of the "weather" record
// newTestRouter registers, so tests exercising dispatch (not the
// permission check itself) clear the Read gate.
func authorizedContext() context.Context {
	return identity.WithPrincipal(context.Background(), models.Principal{UserID: "owner-1"})
}

func TestCallToolHandler_SuccessPathStreamsBackendResponse(t *testing.T) {
	var sawPath, sawMethod, sawContentType string
	var sawBody []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawPath = r.URL.Path
		sawMethod = r.Method
		sawContentType = r.Header.Get("Content-Type")
		sawBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"forecast":"sunny"}`))
	}))
	defer backend.Close()

	r, _ := newTestRouter(t, backend)
	handler := r.callToolHandler("weather")

	res, err := handler(authorizedContext(), callRequest(map[string]any{"city": "Seattle"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.IsType(t, mcp.TextContent{}, res.Content[0])
	assert.Equal(t, `{"forecast":"sunny"}`, res.Content[0].(mcp.TextContent).Text)

	assert.Equal(t, "/run", sawPath)
	assert.Equal(t, http.MethodPost, sawMethod)
	assert.Equal(t, "application/json", sawContentType)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(sawBody, &decoded))
	assert.Equal(t, "Seattle", decoded["city"])
}

func TestCallToolHandler_UnknownToolReturnsNotFoundMessage(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	handler := r.callToolHandler("does-not-exist")

	res, err := handler(context.Background(), callRequest(nil))
	require.NoError(t, err)
	require.True(t, res.IsError)
	assert.Equal(t, "Error: Tool 'does-not-exist' not found", res.Content[0].(mcp.TextContent).Text)
}

func TestCallToolHandler_ForbiddenReturnsPermissionMessage(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	handler := r.callToolHandler("weather")

	stranger := identity.WithPrincipal(context.Background(), models.Principal{UserID: "someone-else"})

	res, err := handler(stranger, callRequest(nil))
	require.NoError(t, err)
	require.True(t, res.IsError)
	assert.Equal(t, "Error: You do not have permission…", res.Content[0].(mcp.TextContent).Text)
}

func TestCallToolHandler_UpstreamNon2xxReturnsStatusMessage(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	r, _ := newTestRouter(t, backend)
	handler := r.callToolHandler("weather")

	res, err := handler(authorizedContext(), callRequest(nil))
	require.NoError(t, err)
	require.True(t, res.IsError)
	assert.Equal(t, "Error: Inference server returned 500", res.Content[0].(mcp.TextContent).Text)
}

// TestReconcile_RegistersAndDeregistersWithoutSync exercises the path a
// standalone tool-gateway router process relies on: nothing ever calls
// Sync directly, so reconcile (driven by Run on a timer) is the only thing
// that can make the resource store's tools reachable at all.
func TestReconcile_RegistersAndDeregistersWithoutSync(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRouter(t, nil)

	other := &models.ToolRecord{
		AdapterRecord:  models.AdapterRecord{Name: "forecast", CreatedBy: "owner-1"},
		ToolDefinition: models.ToolDefinition{Tool: models.ToolSpec{Name: "forecast", Description: "gives a forecast"}, Port: 8000, Path: "/run"},
	}
	require.NoError(t, r.tools.Upsert(ctx, "forecast", other))

	r.reconcile(ctx)
	r.mu.Lock()
	_, weatherRegistered := r.registered["weather"]
	_, forecastRegistered := r.registered["forecast"]
	r.mu.Unlock()
	assert.True(t, weatherRegistered, "reconcile must register tools already in the store on its first pass")
	assert.True(t, forecastRegistered)

	require.NoError(t, r.tools.Delete(ctx, "forecast"))
	r.reconcile(ctx)
	r.mu.Lock()
	_, stillRegistered := r.registered["forecast"]
	r.mu.Unlock()
	assert.False(t, stillRegistered, "reconcile must deregister tools the store no longer has")
}

func TestRun_StopsWhenContextCancelled(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after its context was cancelled")
	}
}

func TestCallToolHandler_TransportFailureReturnsConnectMessage(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	backendURL, err := url.Parse(backend.URL)
	require.NoError(t, err)
	backend.Close() // closed: every dial now fails

	r, _ := newTestRouter(t, nil)
	r.httpClient = &http.Client{Transport: redirectTransport{backend: backendURL}}
	handler := r.callToolHandler("weather")

	res, err := handler(authorizedContext(), callRequest(nil))
	require.NoError(t, err)
	require.True(t, res.IsError)
	assert.Equal(t, "Error: Failed to connect…", res.Content[0].(mcp.TextContent).Text)
}
