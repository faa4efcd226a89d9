// Package proxy implements the Session Routing Handler (spec.md §4.7) and
// the Reverse Proxy (spec.md §4.8): resolving a target backend for an
// incoming MCP streamable-HTTP request, pinning it to a session, and
// streaming the request/response pair through net/http/httputil. The
// teacher streams data-plane traffic through an Envoy ext_proc filter (not
// reusable Go source); httputil.ReverseProxy is the idiomatic stdlib
// equivalent and no third-party reverse-proxy library appears anywhere in
// the retrieved example pack.
package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/microsoft/mcp-gateway/internal/apierr"
	"github.com/microsoft/mcp-gateway/internal/identity"
	"github.com/microsoft/mcp-gateway/internal/models"
	"github.com/microsoft/mcp-gateway/internal/nodeinfo"
	"github.com/microsoft/mcp-gateway/internal/sessionstore"
)

// SessionHeader is the MCP streamable-HTTP session header, treated as
// opaque per spec.md §9 open question 2. http.Header lookups are always
// case-insensitive via the canonical form, satisfying "read case-
// insensitively."
const SessionHeader = "Mcp-Session-Id"

// RecordLookup is the narrow view of a Resource Service the proxy needs:
// fetch-with-permission-check, returning NotFound/Forbidden as apierr
// kinds.
type RecordLookup interface {
	Get(ctx context.Context, principal models.Principal, name string) (*models.AdapterRecord, error)
}

// Handler implements C7+C8: permission check, session routing, and
// streaming proxy.
type Handler struct {
	nodes               nodeinfo.Provider
	sessions            sessionstore.Store
	lookup              RecordLookup
	toolGatewayWorkload atomic.Pointer[string]
	logger              *slog.Logger
	counter             atomic.Uint64
}

// New constructs a Handler. toolGatewayWorkload is the fixed workload name
// the bare /mcp route dispatches to (spec.md §6.3 toolGatewayWorkloadName,
// default "toolgateway").
func New(nodes nodeinfo.Provider, sessions sessionstore.Store, lookup RecordLookup, toolGatewayWorkload string, logger *slog.Logger) *Handler {
	h := &Handler{
		nodes:    nodes,
		sessions: sessions,
		lookup:   lookup,
		logger:   logger,
	}
	h.SetToolGatewayWorkload(toolGatewayWorkload)
	return h
}

// SetToolGatewayWorkload updates the workload the bare /mcp route
// dispatches to, applied to the next request — in-flight requests keep
// the name they already resolved (spec.md SPEC_FULL A2: toolGatewayWorkloadName
// is reloadable).
func (h *Handler) SetToolGatewayWorkload(name string) {
	h.toolGatewayWorkload.Store(&name)
}

// ServeAdapter handles POST /adapters/{name}/mcp (and any streamable-HTTP
// sub-path under it): permission check against the adapter record, then
// dispatch by name.
func (h *Handler) ServeAdapter(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	principal, _ := identity.FromContext(r.Context())

	if _, err := h.lookup.Get(r.Context(), principal, name); err != nil {
		http.Error(w, err.Error(), apierr.StatusCode(err))
		return
	}

	prefix := "/adapters/" + name
	h.dispatch(w, r, name, prefix)
}

// ServeToolGateway handles the bare POST /mcp entry, routed to the fixed
// tool-gateway workload with no per-record permission check (the
// tool-gateway router enforces per-tool Read itself).
func (h *Handler) ServeToolGateway(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, *h.toolGatewayWorkload.Load(), "")
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, workloadName, stripPrefix string) {
	ctx := r.Context()
	session := r.Header.Get(SessionHeader)
	isNew := session == ""

	var target string
	if isNew {
		endpoints, err := h.nodes.ResolveEndpoints(ctx, workloadName)
		if err != nil || len(endpoints) == 0 {
			http.Error(w, "no backend endpoints available", http.StatusServiceUnavailable)
			return
		}
		target = h.pick(endpoints).Address
	} else {
		t, ok, err := h.sessions.Get(ctx, session)
		if err != nil {
			http.Error(w, err.Error(), apierr.StatusCode(err))
			return
		}
		if !ok {
			// Do not silently create a session; the client must
			// re-initialize (spec.md §4.7).
			http.Error(w, "session not found", http.StatusServiceUnavailable)
			return
		}
		target = t
	}

	targetURL, err := url.Parse(target)
	if err != nil {
		http.Error(w, "invalid backend target", http.StatusBadGateway)
		return
	}

	principal, _ := identity.FromContext(ctx)
	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = targetURL.Scheme
			req.URL.Host = targetURL.Host
			req.URL.Path = rewritePath(r.URL.Path, stripPrefix)
			req.Host = targetURL.Host
			identity.Attach(req, principal)
		},
		ModifyResponse: func(resp *http.Response) error {
			if isNew {
				if sid := resp.Header.Get(SessionHeader); sid != "" {
					if err := h.sessions.Set(ctx, sid, target); err != nil {
						h.logger.Error("session store write failed", "session", sid, "error", err)
					}
				}
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			h.logger.Error("upstream proxy error", "workload", workloadName, "target", target, "error", err)
			http.Error(w, "upstream connect failure", http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(w, r)
}

// pick chooses one endpoint by round-robin, a deterministic dispatch per
// spec.md §4.7.
func (h *Handler) pick(endpoints []nodeinfo.ReplicaEndpoint) nodeinfo.ReplicaEndpoint {
	i := h.counter.Add(1) - 1
	return endpoints[int(i)%len(endpoints)]
}

// rewritePath implements spec.md §4.8 step 3: strip the "/adapters/<name>"
// prefix (two leading segments), append a trailing "/" when the remainder
// ends in "/messages", and leave the bare /mcp path (stripPrefix=="")
// untouched.
func rewritePath(fullPath, stripPrefix string) string {
	if stripPrefix == "" {
		return fullPath
	}
	rest := strings.TrimPrefix(fullPath, stripPrefix)
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	if strings.HasSuffix(rest, "/messages") {
		rest += "/"
	}
	return rest
}
