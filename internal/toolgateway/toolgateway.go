// Package toolgateway implements the Tool-Gateway Router (spec.md §4.9): a
// built-in MCP server that advertises every tool record's definition and
// fans tool-call requests out to the named tool's backend over HTTP.
// Grounded on the internal/broker package (NewBroker/AddTools), with the
// call-tool forwarding path left commented out there
// ("UNCOMMENT THIS TO TURN THE BROKER INTO A STAND-ALONE GATEWAY") enabled
// here, since spec.md §4.9 requires exactly that.
package toolgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/microsoft/mcp-gateway/internal/authz"
	"github.com/microsoft/mcp-gateway/internal/identity"
	"github.com/microsoft/mcp-gateway/internal/models"
	"github.com/microsoft/mcp-gateway/internal/store"
)

// listCacheTTL is the tool-list cache lifetime, spec.md §9 "the tool-list
// cache is per-process with TTL."
const listCacheTTL = 5 * time.Minute

// reconcileInterval is how often Run re-lists the resource store and
// registers/deregisters tools on the underlying mcp-go server, so a
// standalone tool-gateway router process (which gets no direct Sync calls —
// cmd/toolgateway mounts no Resource Service callback) still converges on
// the store's actual contents. Grounded on
// internal/broker/upstream.MCPManager's ticker-driven manage loop.
const reconcileInterval = 30 * time.Second

// Router is the Tool-Gateway Router.
type Router struct {
	tools      store.Store[models.ToolRecord]
	eval       *authz.Evaluator
	namespace  string
	httpClient *http.Client
	logger     *slog.Logger
	mcpServer  *server.MCPServer

	mu           sync.Mutex
	cachedAt     time.Time
	cachedByName map[string]*models.ToolRecord
	registered   map[string]struct{}
}

// New constructs a Router. namespace is the orchestrator namespace a tool's
// service DNS name is resolved against (spec.md §6.4).
func New(tools store.Store[models.ToolRecord], eval *authz.Evaluator, namespace string, logger *slog.Logger) *Router {
	r := &Router{
		tools:      tools,
		eval:       eval,
		namespace:  namespace,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		registered: make(map[string]struct{}),
	}
	r.mcpServer = server.NewMCPServer(
		"mcp-gateway tool-gateway router",
		"0.1.0",
		server.WithToolCapabilities(true),
		server.WithToolFilter(r.filterTools),
	)
	return r
}

// Run hydrates the MCP server from the resource store immediately, then
// keeps it converged on every reconcileInterval tick until ctx is done. A
// process that mounts Router.MCPServer() for real traffic (cmd/toolgateway)
// must run this in its own goroutine for the life of the process; a process
// whose ToolService calls Sync directly on create/update/delete (such as the
// e2e harness) does not need to.
func (r *Router) Run(ctx context.Context) {
	r.reconcile(ctx)

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcile(ctx)
		}
	}
}

// reconcile lists every tool record, registers each on the MCP server, and
// deregisters any tool name that no longer appears in the store.
func (r *Router) reconcile(ctx context.Context) {
	all, err := r.tools.List(ctx)
	if err != nil {
		r.logger.Error("tool-gateway reconcile failed", "error", err)
		return
	}

	seen := make(map[string]struct{}, len(all))
	for _, rec := range all {
		seen[rec.Name] = struct{}{}
		r.mcpServer.AddTool(toMCPTool(rec), r.callToolHandler(rec.Name))
	}

	r.mu.Lock()
	stale := make([]string, 0)
	for name := range r.registered {
		if _, ok := seen[name]; !ok {
			stale = append(stale, name)
		}
	}
	r.registered = seen
	r.mu.Unlock()

	for _, name := range stale {
		r.mcpServer.DeleteTools(name)
	}
}

// MCPServer returns the federated MCP server to be mounted on the
// tool-gateway workload's streamable-HTTP /mcp endpoint.
func (r *Router) MCPServer() *server.MCPServer {
	return r.mcpServer
}

// Sync registers or removes name's advertised tool after a Resource
// Service create/update/delete, so the router's live tool set tracks the
// resource store without waiting out the list cache.
func (r *Router) Sync(ctx context.Context, name string) {
	rec, ok, err := r.tools.TryGet(ctx, name)
	if err != nil || !ok {
		r.mu.Lock()
		delete(r.registered, name)
		r.mu.Unlock()
		r.mcpServer.DeleteTools(name)
		return
	}

	r.mu.Lock()
	r.registered[name] = struct{}{}
	// Drop the cached list so filterTools sees this record on its next call.
	r.cachedByName = nil
	r.mu.Unlock()
	r.mcpServer.AddTool(toMCPTool(rec), r.callToolHandler(name))
}

func toMCPTool(rec *models.ToolRecord) mcp.Tool {
	return mcp.NewTool(rec.ToolDefinition.Tool.Name, mcp.WithDescription(rec.ToolDefinition.Tool.Description))
}

// callToolHandler builds the per-tool dispatch handler: resolve by name,
// Read-check, POST the call arguments as JSON to the tool's backend, and
// wrap the result (or failure) in a normal tool-result envelope — tool-call
// errors never throw, per spec.md §7.
func (r *Router) callToolHandler(name string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		principal, _ := identity.FromContext(ctx)

		rec, ok, err := r.tools.TryGet(ctx, name)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("tool lookup failed: %v", err)), nil
		}
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("Error: Tool '%s' not found", name)), nil
		}
		if !r.eval.Allowed(principal, &rec.AdapterRecord, authz.Read) {
			return mcp.NewToolResultError("Error: You do not have permission…"), nil
		}

		body, err := json.Marshal(request.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encode arguments: %v", err)), nil
		}

		target := fmt.Sprintf("http://%s-service.%s.svc.cluster.local:%d%s", name, r.namespace, rec.ToolDefinition.Port, rec.ToolDefinition.Path)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("build request for %q: %v", name, err)), nil
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := r.httpClient.Do(httpReq)
		if err != nil {
			return mcp.NewToolResultError("Error: Failed to connect…"), nil
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("read response from %q: %v", name, err)), nil
		}
		if resp.StatusCode >= 300 {
			return mcp.NewToolResultError(fmt.Sprintf("Error: Inference server returned %d", resp.StatusCode)), nil
		}

		return mcp.NewToolResultText(string(respBody)), nil
	}
}

// filterTools applies per-request Read permission to the 5-minute-cached
// raw tool list, never caching the permission decision itself (spec.md
// §9: "Neither caches a permission decision").
func (r *Router) filterTools(ctx context.Context, tools []mcp.Tool) []mcp.Tool {
	principal, _ := identity.FromContext(ctx)
	byName := r.refreshCache(ctx)

	visible := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		rec, ok := byName[t.Name]
		if !ok {
			continue
		}
		if r.eval.Allowed(principal, &rec.AdapterRecord, authz.Read) {
			visible = append(visible, t)
		}
	}
	return visible
}

func (r *Router) refreshCache(ctx context.Context) map[string]*models.ToolRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cachedByName != nil && time.Since(r.cachedAt) < listCacheTTL {
		return r.cachedByName
	}

	all, err := r.tools.List(ctx)
	if err != nil {
		r.logger.Error("tool-list cache refresh failed", "error", err)
		return r.cachedByName // tolerate a stale hit, spec.md §4.4/§9
	}

	byName := make(map[string]*models.ToolRecord, len(all))
	for _, t := range all {
		byName[t.Name] = t
	}
	r.cachedByName = byName
	r.cachedAt = time.Now()
	return byName
}
