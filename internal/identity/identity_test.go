package identity_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/mcp-gateway/internal/identity"
	"github.com/microsoft/mcp-gateway/internal/models"
)

type stubVerifier struct {
	principal models.Principal
	err       error
}

func (s stubVerifier) Verify(*http.Request) (models.Principal, error) {
	return s.principal, s.err
}

func devMode(b bool) *atomic.Bool {
	var v atomic.Bool
	v.Store(b)
	return &v
}

func TestStripInbound_RemovesForwardingHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(identity.HeaderUserID, "attacker")
	r.Header.Set(identity.HeaderRoles, "mcp.admin")

	identity.StripInbound(r)

	assert.Empty(t, r.Header.Get(identity.HeaderUserID))
	assert.Empty(t, r.Header.Get(identity.HeaderRoles))
}

func TestAttachThenFromHeaders_RoundTrips(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	p := models.Principal{UserID: "u1", Name: "Alice", Roles: []string{"reader", "writer"}}

	identity.Attach(r, p)
	got := identity.FromHeaders(r.Header)

	assert.Equal(t, p.UserID, got.UserID)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, p.Roles, got.Roles)
}

func TestMiddleware_DevelopmentModeUsesMockHeaders(t *testing.T) {
	var captured models.Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = identity.FromContext(r.Context())
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(identity.HeaderDevUserID, "dev-user")
	r.Header.Set(identity.HeaderDevRoles, "mcp.admin")
	w := httptest.NewRecorder()

	identity.Middleware(stubVerifier{}, devMode(true), next).ServeHTTP(w, r)

	assert.Equal(t, "dev-user", captured.UserID)
	assert.True(t, captured.IsAdmin())
}

func TestMiddleware_StripsHeadersBeforeVerifying(t *testing.T) {
	var sawUserIDHeader string
	verifier := stubVerifier{principal: models.Principal{UserID: "verified"}}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawUserIDHeader = r.Header.Get(identity.HeaderUserID)
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(identity.HeaderUserID, "forged")
	w := httptest.NewRecorder()

	identity.Middleware(verifier, devMode(false), next).ServeHTTP(w, r)

	assert.Empty(t, sawUserIDHeader)
}

func TestMiddleware_VerifierErrorIsUnauthorized(t *testing.T) {
	verifier := stubVerifier{err: errors.New("bad token")}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next must not be called on verify failure")
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	identity.Middleware(verifier, devMode(false), next).ServeHTTP(w, r)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}
