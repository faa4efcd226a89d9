//go:build e2e

// Package e2e drives the control plane and data plane together through the
// real HTTP surface, the way tests/e2e drives a live broker through
// kubectl port-forwards. This module has no cluster to port-forward into,
// so the harness substitutes a k8s.io/client-go/kubernetes/fake clientset
// for the orchestrator and an httptest-backed upstream
// (tests/servers/server1-style fixture) for adapter backends, and talks to
// the gateway's own in-process httptest.Server instead of a forwarded
// port.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"

	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/microsoft/mcp-gateway/internal/authz"
	"github.com/microsoft/mcp-gateway/internal/deploy"
	"github.com/microsoft/mcp-gateway/internal/httpapi"
	"github.com/microsoft/mcp-gateway/internal/identity"
	"github.com/microsoft/mcp-gateway/internal/metrics"
	"github.com/microsoft/mcp-gateway/internal/models"
	"github.com/microsoft/mcp-gateway/internal/nodeinfo"
	"github.com/microsoft/mcp-gateway/internal/proxy"
	"github.com/microsoft/mcp-gateway/internal/services"
	"github.com/microsoft/mcp-gateway/internal/sessionstore"
	"github.com/microsoft/mcp-gateway/internal/store"
	"github.com/microsoft/mcp-gateway/internal/toolgateway"
)

// TestNamespace is the orchestrator namespace every harness reconciles into.
const TestNamespace = "mcp-test"

// ToolGatewayWorkloadName is the fixed workload name the bare /mcp route
// proxies to, matching the gateway's default config.
const ToolGatewayWorkloadName = "toolgateway"

// proxySessionHeader mirrors proxy.SessionHeader; duplicated as a literal so
// this fixture package does not need to import the internal proxy package
// purely for a header-name constant.
const proxySessionHeader = "Mcp-Session-Id"

// gateway bundles one wired-up instance of the mcp-gateway HTTP surface
// against fake/in-memory collaborators, mirroring cmd/gateway/main.go's
// wiring without a real cluster or listener. backendPort is the single
// container port every registered workload is reachable on, matching
// spec.md §6.4's fixed-port convention; a harness that only exercises
// control-plane CRUD (no proxy dispatch) can leave it 0.
func newGateway(backendPort int) *gateway {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	kubeClient := fake.NewSimpleClientset()
	reg := prometheus.NewRegistry()
	resourceMetrics := metrics.NewResource(reg)

	eval := authz.New()
	deployMgr := deploy.New(kubeClient, TestNamespace, "registry.example.com", logger)
	nodes := nodeinfo.New(kubeClient, TestNamespace, backendPort)

	adapterStore := store.NewInMemory[models.AdapterRecord]()
	toolStore := store.NewInMemory[models.ToolRecord]()
	sessions := sessionstore.NewInMemory()

	router := toolgateway.New(toolStore, eval, TestNamespace, logger)
	adapterSvc := services.NewAdapterService(adapterStore, eval, deployMgr, resourceMetrics, logger)
	toolSvc := services.NewToolService(toolStore, eval, deployMgr, resourceMetrics, router, logger)

	proxyHandler := proxy.New(nodes, sessions, adapterSvc, ToolGatewayWorkloadName, logger)

	mux := http.NewServeMux()
	httpapi.NewAdapterHandlers(adapterSvc, logger).Register(mux)
	httpapi.NewToolHandlers(toolSvc, logger).Register(mux)
	mux.HandleFunc("POST /adapters/{name}/mcp", proxyHandler.ServeAdapter)
	mux.HandleFunc("POST /adapters/{name}/mcp/{rest...}", proxyHandler.ServeAdapter)
	mux.HandleFunc("POST /mcp", proxyHandler.ServeToolGateway)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"*"},
	})

	var devMode atomic.Bool
	devMode.Store(true)
	handler := identity.Middleware(unreachableVerifier{}, &devMode, corsHandler.Handler(mux))

	return &gateway{
		server:     httptest.NewServer(handler),
		kubeClient: kubeClient,
		adapterSvc: adapterSvc,
		toolSvc:    toolSvc,
		router:     router,
		sessions:   sessions,
	}
}

type gateway struct {
	server     *httptest.Server
	kubeClient kubernetes.Interface
	adapterSvc *services.AdapterService
	toolSvc    *services.ToolService
	router     *toolgateway.Router
	sessions   sessionstore.Store
}

func (g *gateway) Close() { g.server.Close() }

// unreachableVerifier is never consulted: every harness runs in development
// mode, so Middleware synthesizes a principal from X-Dev-* headers instead.
type unreachableVerifier struct{}

func (unreachableVerifier) Verify(*http.Request) (models.Principal, error) {
	return models.Principal{}, fmt.Errorf("verifier not wired in the e2e harness")
}

// devPrincipal sets the X-Dev-* headers Middleware reads in development
// mode, so requests arrive at the control/data plane with principal p.
func devPrincipal(req *http.Request, p models.Principal) {
	req.Header.Set(identity.HeaderDevUserID, p.UserID)
	req.Header.Set(identity.HeaderDevName, p.Name)
	req.Header.Set(identity.HeaderDevRoles, joinRoles(p.Roles))
}

func joinRoles(roles []string) string {
	out := ""
	for i, r := range roles {
		if i > 0 {
			out += ","
		}
		out += r
	}
	return out
}

// readyEndpoint registers a fake Endpoints object for "<name>-service" so
// the Node-Info Provider resolves workloadName to upstream's address,
// simulating the orchestrator reporting a ready pod. upstream must be
// listening on the harness's backendPort.
func (g *gateway) readyEndpoint(name string, upstream *httptest.Server) {
	u, err := url.Parse(upstream.URL)
	Expect(err).NotTo(HaveOccurred())

	endpoints := &corev1.Endpoints{
		ObjectMeta: metav1.ObjectMeta{Name: name + "-service", Namespace: TestNamespace},
		Subsets: []corev1.EndpointSubset{{
			Addresses: []corev1.EndpointAddress{{IP: u.Hostname(), Hostname: name + "-0"}},
		}},
	}
	_, err = g.kubeClient.CoreV1().Endpoints(TestNamespace).Create(context.Background(), endpoints, metav1.CreateOptions{})
	Expect(err).NotTo(HaveOccurred())
}

// newLoopbackUpstream starts an httptest fixture bound to a fixed port on
// loopback, the way a real adapter pod always listens on the same
// cluster-wide MCP port (spec.md §6.4); nodeinfo derives the dispatch
// target's port from that convention, not from the Endpoints object.
func newLoopbackUpstream(port int, handler http.HandlerFunc) *httptest.Server {
	srv := httptest.NewUnstartedServer(handler)
	Expect(srv.Listener.Close()).To(Succeed())
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	Expect(err).NotTo(HaveOccurred())
	srv.Listener = listener
	srv.Start()
	return srv
}

// postJSON POSTs payload as JSON to url with Accept: text/event-stream (the
// MCP streamable-HTTP convention), optionally carrying an existing session
// id, and returns the decoded JSON-RPC response plus any session id the
// response assigned.
func postJSON(url string, payload map[string]any, principal models.Principal, sessionID string) (map[string]any, string) {
	body, err := json.Marshal(payload)
	Expect(err).NotTo(HaveOccurred())

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	Expect(err).NotTo(HaveOccurred())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if sessionID != "" {
		req.Header.Set(proxySessionHeader, sessionID)
	}
	devPrincipal(req, principal)

	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()

	got := resp.Header.Get(proxySessionHeader)
	raw, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())

	var result map[string]any
	if len(raw) > 0 {
		Expect(json.Unmarshal(raw, &result)).To(Succeed())
	}
	return result, got
}

// newAdapterRecord builds a minimal valid AdapterRecord for name.
func newAdapterRecord(name string, requiredRoles ...string) *models.AdapterRecord {
	return &models.AdapterRecord{
		Name:          name,
		ImageName:     "adapters/" + name,
		ImageVersion:  "v1",
		ReplicaCount:  1,
		RequiredRoles: requiredRoles,
	}
}

// postAdapter creates an adapter record through the control-plane HTTP
// surface, as a real client would, and returns the decoded response.
func postAdapter(baseURL string, principal models.Principal, rec *models.AdapterRecord) (*http.Response, map[string]any) {
	return postRecord(baseURL+"/adapters", principal, rec)
}

// newToolRecord builds a minimal valid ToolRecord for name, optionally
// gated behind requiredRole.
func newToolRecord(name string, requiredRole string) *models.ToolRecord {
	rec := &models.ToolRecord{
		AdapterRecord: models.AdapterRecord{
			Name:         name,
			ImageName:    "tools/" + name,
			ImageVersion: "v1",
			ReplicaCount: 1,
		},
		ToolDefinition: models.ToolDefinition{
			Tool: models.ToolSpec{Name: name, Description: name + " tool"},
		},
	}
	if requiredRole != "" {
		rec.RequiredRoles = []string{requiredRole}
	}
	return rec
}

// postTool creates a tool record through the control-plane HTTP surface and
// returns the decoded response.
func postTool(baseURL string, principal models.Principal, rec *models.ToolRecord) (*http.Response, map[string]any) {
	return postRecord(baseURL+"/tools", principal, rec)
}

func postRecord(url string, principal models.Principal, rec any) (*http.Response, map[string]any) {
	body, err := json.Marshal(rec)
	Expect(err).NotTo(HaveOccurred())

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	Expect(err).NotTo(HaveOccurred())
	req.Header.Set("Content-Type", "application/json")
	devPrincipal(req, principal)

	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	if len(raw) > 0 {
		Expect(json.Unmarshal(raw, &decoded)).To(Succeed())
	}
	return resp, decoded
}

// upstreamFixture is a minimal streamable-HTTP backend: it mints a session
// id on a session-less request the way a real MCP server does on
// initialize, echoes it back on every subsequent request, and records the
// identity headers the proxy forwarded so a test can assert on them.
type upstreamFixture struct {
	mu       sync.Mutex
	lastUser string
	nextSeq  int
}

func (f *upstreamFixture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.lastUser = r.Header.Get(identity.HeaderUserID)
		sessionID := r.Header.Get(proxySessionHeader)
		if sessionID == "" {
			f.nextSeq++
			sessionID = fmt.Sprintf("sess-%d", f.nextSeq)
		}
		f.mu.Unlock()

		w.Header().Set(proxySessionHeader, sessionID)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"result":  map[string]any{"serverInfo": "fixture-upstream"},
		})
	}
}

func (f *upstreamFixture) LastUser() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastUser
}
