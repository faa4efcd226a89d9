package proxy_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/mcp-gateway/internal/apierr"
	"github.com/microsoft/mcp-gateway/internal/identity"
	"github.com/microsoft/mcp-gateway/internal/models"
	"github.com/microsoft/mcp-gateway/internal/nodeinfo"
	"github.com/microsoft/mcp-gateway/internal/proxy"
	"github.com/microsoft/mcp-gateway/internal/sessionstore"
)

type stubLookup struct {
	err error
}

func (s stubLookup) Get(context.Context, models.Principal, string) (*models.AdapterRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.AdapterRecord{}, nil
}

type stubNodes struct {
	endpoints []nodeinfo.ReplicaEndpoint
	err       error
}

func (s stubNodes) ResolveEndpoints(context.Context, string) ([]nodeinfo.ReplicaEndpoint, error) {
	return s.endpoints, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServeAdapter_ForbiddenShortCircuitsBeforeUpstream(t *testing.T) {
	called := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer upstream.Close()

	h := proxy.New(stubNodes{endpoints: []nodeinfo.ReplicaEndpoint{{Address: upstream.URL}}},
		sessionstore.NewInMemory(), stubLookup{err: apierr.New(apierr.KindForbidden, nil)}, "toolgateway", testLogger())

	req := httptest.NewRequest(http.MethodPost, "/adapters/a1/mcp", nil)
	req.SetPathValue("name", "a1")
	w := httptest.NewRecorder()

	h.ServeAdapter(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, called)
}

func TestServeAdapter_NewSessionBindsSessionStore(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(proxy.SessionHeader, "sess-1")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	sessions := sessionstore.NewInMemory()
	h := proxy.New(stubNodes{endpoints: []nodeinfo.ReplicaEndpoint{{Address: upstream.URL}}},
		sessions, stubLookup{}, "toolgateway", testLogger())

	req := httptest.NewRequest(http.MethodPost, "/adapters/a1/mcp", nil)
	req.SetPathValue("name", "a1")
	req = req.WithContext(identity.WithPrincipal(req.Context(), models.Principal{UserID: "u1"}))
	w := httptest.NewRecorder()

	h.ServeAdapter(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	target, ok, err := sessions.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, upstream.URL, target)
}

func TestServeAdapter_ExistingSessionRoutesToStoredTarget(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	sessions := sessionstore.NewInMemory()
	require.NoError(t, sessions.Set(context.Background(), "sess-1", upstream.URL))

	h := proxy.New(stubNodes{}, sessions, stubLookup{}, "toolgateway", testLogger())

	req := httptest.NewRequest(http.MethodPost, "/adapters/a1/mcp", nil)
	req.SetPathValue("name", "a1")
	req.Header.Set(proxy.SessionHeader, "sess-1")
	w := httptest.NewRecorder()

	h.ServeAdapter(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/mcp", gotPath)
}

func TestServeAdapter_NoBackendIsServiceUnavailable(t *testing.T) {
	h := proxy.New(stubNodes{endpoints: nil}, sessionstore.NewInMemory(), stubLookup{}, "toolgateway", testLogger())

	req := httptest.NewRequest(http.MethodPost, "/adapters/a1/mcp", nil)
	req.SetPathValue("name", "a1")
	w := httptest.NewRecorder()

	h.ServeAdapter(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServeAdapter_UnknownSessionIsServiceUnavailable(t *testing.T) {
	h := proxy.New(stubNodes{}, sessionstore.NewInMemory(), stubLookup{}, "toolgateway", testLogger())

	req := httptest.NewRequest(http.MethodPost, "/adapters/a1/mcp", nil)
	req.SetPathValue("name", "a1")
	req.Header.Set(proxy.SessionHeader, "missing-session")
	w := httptest.NewRecorder()

	h.ServeAdapter(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
