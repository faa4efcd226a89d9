// Package nodeinfo implements the Node-Info Provider (spec.md §4.4):
// resolving a workload name to its current, ordinal-ordered set of replica
// endpoints, by listing the orchestrator's endpoint objects, the way
// pkg/controller reads cluster state through a typed k8s.io/client-go
// client.
package nodeinfo

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/microsoft/mcp-gateway/internal/apierr"
)

// ReplicaEndpoint is a derived, non-persisted view of one ready replica of
// a workload (spec.md §3).
type ReplicaEndpoint struct {
	WorkloadName string
	Ordinal      int
	Address      string // scheme-qualified pod IP and port, e.g. "http://10.0.0.1:8000"
}

// Provider is the Node-Info Provider contract from spec.md §4.4.
type Provider interface {
	ResolveEndpoints(ctx context.Context, workloadName string) ([]ReplicaEndpoint, error)
}

// cacheEntry is a short-TTL cached resolution. A stale hit is tolerated by
// design (spec.md §4.4): the proxy will simply see a network error from a
// dead replica and treat the session as broken.
type cacheEntry struct {
	endpoints []ReplicaEndpoint
	expiresAt time.Time
}

// ClientGoProvider resolves endpoints via the orchestrator's
// CoreV1().Endpoints API against the per-record headless service
// "<name>-service", matching the service layout spec.md §6.4 defines.
type ClientGoProvider struct {
	client    kubernetes.Interface
	namespace string
	port      int
	ttl       time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New constructs a ClientGoProvider. port is the container port adapters
// and tools listen on (the gateway has no per-record port today; it is
// fixed cluster-wide, matching the MCP streamable-HTTP convention).
func New(client kubernetes.Interface, namespace string, port int) *ClientGoProvider {
	return &ClientGoProvider{
		client:    client,
		namespace: namespace,
		port:      port,
		ttl:       2 * time.Second,
		cache:     make(map[string]cacheEntry),
	}
}

// ResolveEndpoints implements Provider.
func (p *ClientGoProvider) ResolveEndpoints(ctx context.Context, workloadName string) ([]ReplicaEndpoint, error) {
	if eps, ok := p.cached(workloadName); ok {
		return eps, nil
	}

	serviceName := workloadName + "-service"
	ep, err := p.client.CoreV1().Endpoints(p.namespace).Get(ctx, serviceName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, apierr.Newf(apierr.KindNotFound, "no endpoints for workload %q", workloadName)
		}
		return nil, apierr.New(apierr.KindUpstreamFailed, fmt.Errorf("resolve endpoints for %q: %w", workloadName, err))
	}

	endpoints := endpointsFromSubsets(workloadName, ep.Subsets, p.port)
	if len(endpoints) == 0 {
		return nil, apierr.Newf(apierr.KindNotFound, "no ready endpoints for workload %q", workloadName)
	}

	p.store(workloadName, endpoints)
	return endpoints, nil
}

func (p *ClientGoProvider) cached(workloadName string) ([]ReplicaEndpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.cache[workloadName]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.endpoints, true
}

func (p *ClientGoProvider) store(workloadName string, endpoints []ReplicaEndpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[workloadName] = cacheEntry{endpoints: endpoints, expiresAt: time.Now().Add(p.ttl)}
}

// endpointsFromSubsets derives ordinal-ordered replica endpoints from a
// headless service's Endpoints subsets. A StatefulSet pod's hostname is
// "<workload>-<ordinal>"; we recover the ordinal from it and fall back to
// arrival order when a pod's hostname isn't set.
func endpointsFromSubsets(workloadName string, subsets []corev1.EndpointSubset, port int) []ReplicaEndpoint {
	var out []ReplicaEndpoint
	next := 0
	for _, subset := range subsets {
		for _, addr := range subset.Addresses {
			ordinal := next
			if addr.Hostname != "" {
				if idx := strings.LastIndex(addr.Hostname, "-"); idx >= 0 {
					if n, err := strconv.Atoi(addr.Hostname[idx+1:]); err == nil {
						ordinal = n
					}
				}
			}
			out = append(out, ReplicaEndpoint{
				WorkloadName: workloadName,
				Ordinal:      ordinal,
				Address:      fmt.Sprintf("http://%s:%d", addr.IP, port),
			})
			next++
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}
