// Package identity implements Identity Forwarding (spec.md §4.10): the
// well-known X-Mcp-* headers carrying a principal between internal
// services, the edge middleware that strips them from untrusted clients,
// and the development-mode mock-principal middleware (spec.md §6.3,
// §9 "Mock/dev principal"), following the single configuration-gated
// mock-auth middleware pattern in cmd/mcp-broker-router/main.go.
package identity

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/microsoft/mcp-gateway/internal/models"
)

// Header names for intra-cluster identity forwarding, spec.md §4.10.
const (
	HeaderUserID = "X-Mcp-UserId"
	HeaderName   = "X-Mcp-UserName"
	HeaderRoles  = "X-Mcp-Roles"
)

// Dev-mode mock-principal header names, spec.md §6.3.
const (
	HeaderDevUserID = "X-Dev-UserId"
	HeaderDevName   = "X-Dev-Name"
	HeaderDevRoles  = "X-Dev-Roles"
)

type principalKey struct{}

// WithPrincipal returns a context carrying principal for downstream
// handlers to read via FromContext.
func WithPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext retrieves the principal attached by the identity middleware.
func FromContext(ctx context.Context) (models.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(models.Principal)
	return p, ok
}

// StripInbound removes the X-Mcp-* forwarding headers from r so an
// untrusted client cannot forge a principal for internal hops to trust.
// Must run before any handler that might read them (spec.md §4.10: "Headers
// from untrusted clients must be stripped at the edge").
func StripInbound(r *http.Request) {
	r.Header.Del(HeaderUserID)
	r.Header.Del(HeaderName)
	r.Header.Del(HeaderRoles)
}

// Attach sets the X-Mcp-* headers on an outbound intra-cluster request from
// p. The proxy calls it on every request it forwards, whether to an adapter
// replica or to the tool-gateway router.
func Attach(r *http.Request, p models.Principal) {
	r.Header.Set(HeaderUserID, p.UserID)
	r.Header.Set(HeaderName, p.Name)
	r.Header.Set(HeaderRoles, strings.Join(p.Roles, ","))
}

// FromHeaders reconstructs a principal from the X-Mcp-* headers, the
// receiving side's half of spec.md §4.10 ("the receiver ... reconstructs a
// principal from these").
func FromHeaders(h http.Header) models.Principal {
	return models.Principal{
		UserID: h.Get(HeaderUserID),
		Name:   h.Get(HeaderName),
		Roles:  splitRoles(h.Get(HeaderRoles)),
	}
}

func splitRoles(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Verifier resolves a principal from a request's bearer token. The
// concrete identity-provider handshake is a non-goal (spec.md §1); callers
// supply an implementation talking to identityProvider.{issuer, audience,
// tenantId, clientId} (spec.md §6.3).
type Verifier interface {
	Verify(r *http.Request) (models.Principal, error)
}

// Middleware attaches a principal to the request context: in development
// mode from the X-Dev-* mock headers, otherwise from verifier. It always
// strips inbound X-Mcp-* headers first. developmentMode is read on every
// request, so a live config reload of development.mode (spec.md SPEC_FULL
// A2) takes effect without restarting the process.
func Middleware(verifier Verifier, developmentMode *atomic.Bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		StripInbound(r)

		var principal models.Principal
		if developmentMode.Load() {
			principal = mockPrincipal(r.Header)
		} else {
			p, err := verifier.Verify(r)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			principal = p
		}

		ctx := WithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromHeadersMiddleware attaches a principal reconstructed from the
// X-Mcp-* headers to the request context, for a handler reachable only over
// a trusted intra-cluster hop (spec.md §4.10: "only intra-cluster hops may
// supply them") — the tool-gateway router's /mcp endpoint, fed exclusively
// by the gateway's proxy. Unlike Middleware, it never strips the headers it
// reads.
func FromHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithPrincipal(r.Context(), FromHeaders(r.Header))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// mockPrincipal synthesizes a principal from X-Dev-* headers, per spec.md
// §9's "a single configuration-gated middleware that synthesizes a
// principal when the token path is disabled."
func mockPrincipal(h http.Header) models.Principal {
	return models.Principal{
		UserID: h.Get(HeaderDevUserID),
		Name:   h.Get(HeaderDevName),
		Roles:  splitRoles(h.Get(HeaderDevRoles)),
	}
}
