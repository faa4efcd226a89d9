// Package metrics wires github.com/prometheus/client_golang into the
// control plane's resource services, grounded on
// agentregistry-dev-agentregistry's direct use of the same library for
// request metrics (promoted here from an indirect dependency in the
// teacher's go.mod).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Resource counts and times resource-service operations.
type Resource struct {
	Ops           *prometheus.CounterVec
	DeployLatency *prometheus.HistogramVec
}

// NewResource registers and returns the resource-service metrics on reg.
func NewResource(reg prometheus.Registerer) *Resource {
	r := &Resource{
		Ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_gateway_resource_ops_total",
			Help: "Count of resource-service operations by resource kind, operation, and outcome.",
		}, []string{"kind", "operation", "outcome"}),
		DeployLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcp_gateway_deployment_manager_seconds",
			Help:    "Latency of deployment-manager calls by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	reg.MustRegister(r.Ops, r.DeployLatency)
	return r
}

// ObserveOp records the outcome of one resource-service operation.
func (r *Resource) ObserveOp(kind, operation, outcome string) {
	if r == nil {
		return
	}
	r.Ops.WithLabelValues(kind, operation, outcome).Inc()
}

// TimeDeploy times a deployment-manager call and records it under operation.
func (r *Resource) TimeDeploy(operation string) func() {
	if r == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		r.DeployLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}
