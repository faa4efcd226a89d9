// Package deploy implements the Deployment Manager (spec.md §4.5):
// reconciling an AdapterRecord/ToolRecord onto orchestrator workloads (a
// stateful replica set plus a companion service) and exposing status/log
// views. Follows pkg/controller's reconciliation style (typed client,
// errors.IsNotFound checks, structured logging per mutation) but targets
// built-in apps/v1.StatefulSet + corev1.Service objects directly via
// k8s.io/client-go, since reconciliation here is synchronous per-request
// rather than an asynchronous watch loop.
package deploy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"github.com/microsoft/mcp-gateway/internal/apierr"
	"github.com/microsoft/mcp-gateway/internal/models"
)

const (
	// MaxLogLines caps getLogs' tail, per spec.md §4.5.
	MaxLogLines = 1000
)

// Status is the deployment status view from spec.md §4.5.
type Status struct {
	ReadyReplicas     int32  `json:"readyReplicas"`
	UpdatedReplicas   int32  `json:"updatedReplicas"`
	AvailableReplicas int32  `json:"availableReplicas"`
	Image             string `json:"image"`
	ReplicaStatus     string `json:"replicaStatus"`
}

// Manager is the Deployment Manager contract from spec.md §4.5. It holds no
// state of its own; the orchestrator is the source of truth for runtime
// status (spec.md §3).
type Manager interface {
	Create(ctx context.Context, record *models.AdapterRecord, resourceType models.ResourceType) error
	Update(ctx context.Context, record *models.AdapterRecord, resourceType models.ResourceType) error
	Delete(ctx context.Context, name string) error
	Status(ctx context.Context, name string) (*Status, error)
	Logs(ctx context.Context, name string, ordinal int) (string, error)
}

// ClientGoManager implements Manager over a k8s.io/client-go clientset.
type ClientGoManager struct {
	client    kubernetes.Interface
	namespace string
	registry  string
	logger    *slog.Logger
}

// New constructs a ClientGoManager. namespace is the orchestrator namespace
// records are reconciled into (spec.md §6.3 orchestrator.namespace,
// default "adapter"); registry is containerRegistry.endpoint.
func New(client kubernetes.Interface, namespace, registry string, logger *slog.Logger) *ClientGoManager {
	return &ClientGoManager{client: client, namespace: namespace, registry: registry, logger: logger}
}

// Create builds and applies a replica-set spec plus a companion service for
// record, per spec.md §4.5/§6.4.
func (m *ClientGoManager) Create(ctx context.Context, record *models.AdapterRecord, resourceType models.ResourceType) error {
	sts := m.buildStatefulSet(record, resourceType)
	if _, err := m.client.AppsV1().StatefulSets(m.namespace).Create(ctx, sts, metav1.CreateOptions{}); err != nil {
		if apierrors.IsAlreadyExists(err) {
			m.logger.Info("statefulset already exists, treating create as upsert", "name", record.Name)
		} else {
			return apierr.New(apierr.KindUpstreamFailed, fmt.Errorf("create statefulset %s: %w", record.Name, err))
		}
	}

	svc := m.buildService(record, resourceType)
	if _, err := m.client.CoreV1().Services(m.namespace).Create(ctx, svc, metav1.CreateOptions{}); err != nil {
		if apierrors.IsAlreadyExists(err) {
			m.logger.Info("service already exists, treating create as upsert", "name", record.Name)
		} else {
			return apierr.New(apierr.KindUpstreamFailed, fmt.Errorf("create service %s-service: %w", record.Name, err))
		}
	}

	m.logger.Info("created workload", "name", record.Name, "resourceType", resourceType, "replicas", record.ReplicaCount)
	return nil
}

// Update patches only the differing fields of the replica-set; it never
// recreates, and never changes identity labels.
func (m *ClientGoManager) Update(ctx context.Context, record *models.AdapterRecord, resourceType models.ResourceType) error {
	existing, err := m.client.AppsV1().StatefulSets(m.namespace).Get(ctx, record.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return apierr.Newf(apierr.KindNotFound, "no workload named %q", record.Name)
		}
		return apierr.New(apierr.KindUpstreamFailed, fmt.Errorf("get statefulset %s: %w", record.Name, err))
	}

	patched := existing.DeepCopy()
	patched.Spec.Replicas = ptr.To(int32(record.ReplicaCount))
	if len(patched.Spec.Template.Spec.Containers) > 0 {
		patched.Spec.Template.Spec.Containers[0].Image = m.image(record)
		patched.Spec.Template.Spec.Containers[0].Env = envVars(record.EnvironmentVars)
	}

	if _, err := m.client.AppsV1().StatefulSets(m.namespace).Update(ctx, patched, metav1.UpdateOptions{}); err != nil {
		return apierr.New(apierr.KindUpstreamFailed, fmt.Errorf("update statefulset %s: %w", record.Name, err))
	}

	m.logger.Info("updated workload", "name", record.Name, "replicas", record.ReplicaCount, "image", m.image(record))
	return nil
}

// Delete removes the replica-set and service for name. NotFound on either
// is success (spec.md §4.5).
func (m *ClientGoManager) Delete(ctx context.Context, name string) error {
	if err := m.client.AppsV1().StatefulSets(m.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return apierr.New(apierr.KindUpstreamFailed, fmt.Errorf("delete statefulset %s: %w", name, err))
	}
	if err := m.client.CoreV1().Services(m.namespace).Delete(ctx, name+"-service", metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return apierr.New(apierr.KindUpstreamFailed, fmt.Errorf("delete service %s-service: %w", name, err))
	}
	m.logger.Info("deleted workload", "name", name)
	return nil
}

// Status derives the replica-health view from spec.md §4.5.
func (m *ClientGoManager) Status(ctx context.Context, name string) (*Status, error) {
	sts, err := m.client.AppsV1().StatefulSets(m.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, apierr.Newf(apierr.KindNotFound, "no workload named %q", name)
		}
		return nil, apierr.New(apierr.KindUpstreamFailed, fmt.Errorf("get statefulset %s: %w", name, err))
	}

	desired := int32(0)
	if sts.Spec.Replicas != nil {
		desired = *sts.Spec.Replicas
	}

	image := "Unknown"
	if len(sts.Spec.Template.Spec.Containers) > 0 && sts.Spec.Template.Spec.Containers[0].Image != "" {
		image = sts.Spec.Template.Spec.Containers[0].Image
	}

	status := &Status{
		ReadyReplicas:     sts.Status.ReadyReplicas,
		UpdatedReplicas:   sts.Status.UpdatedReplicas,
		AvailableReplicas: sts.Status.AvailableReplicas,
		Image:             image,
	}
	if desired > 0 && status.ReadyReplicas == desired {
		status.ReplicaStatus = "Healthy"
	} else {
		status.ReplicaStatus = fmt.Sprintf("Degraded: %d/%d ready", status.ReadyReplicas, desired)
	}
	return status, nil
}

// Logs returns the tail (capped at MaxLogLines) of pod "<name>-<ordinal>"'s
// logs.
func (m *ClientGoManager) Logs(ctx context.Context, name string, ordinal int) (string, error) {
	podName := fmt.Sprintf("%s-%d", name, ordinal)
	tail := int64(MaxLogLines)
	req := m.client.CoreV1().Pods(m.namespace).GetLogs(podName, &corev1.PodLogOptions{TailLines: &tail})

	stream, err := req.Stream(ctx)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return "", apierr.Newf(apierr.KindNotFound, "no pod named %q", podName)
		}
		return "", apierr.New(apierr.KindUpstreamFailed, fmt.Errorf("stream logs for %s: %w", podName, err))
	}
	defer stream.Close()

	return readCappedLines(stream, MaxLogLines)
}

func readCappedLines(r io.Reader, maxLines int) (string, error) {
	scanner := bufio.NewScanner(r)
	var lines []string
	for scanner.Scan() && len(lines) < maxLines {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", apierr.New(apierr.KindUpstreamFailed, err)
	}
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out, nil
}

func (m *ClientGoManager) image(record *models.AdapterRecord) string {
	return fmt.Sprintf("%s/%s:%s", m.registry, record.ImageName, record.ImageVersion)
}

func (m *ClientGoManager) buildStatefulSet(record *models.AdapterRecord, resourceType models.ResourceType) *appsv1.StatefulSet {
	labels := podLabels(record.Name, resourceType, record.UseWorkloadIdentity)

	return &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:      record.Name,
			Namespace: m.namespace,
			Labels:    labels,
		},
		Spec: appsv1.StatefulSetSpec{
			Replicas:    ptr.To(int32(record.ReplicaCount)),
			ServiceName: record.Name + "-service",
			Selector:    &metav1.LabelSelector{MatchLabels: map[string]string{"app": record.Name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:  record.Name,
							Image: m.image(record),
							Env:   envVars(record.EnvironmentVars),
						},
					},
				},
			},
		},
	}
}

func (m *ClientGoManager) buildService(record *models.AdapterRecord, resourceType models.ResourceType) *corev1.Service {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      record.Name + "-service",
			Namespace: m.namespace,
			Labels:    podLabels(record.Name, resourceType, record.UseWorkloadIdentity),
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"app": record.Name},
			Ports:    []corev1.ServicePort{{Port: 443, TargetPort: intstr.FromInt(8443)}},
		},
	}
	if resourceType == models.ResourceTypeMCP {
		// Headless so per-pod DNS ("<name>-<ordinal>.<name>-service...")
		// exists and session affinity can target a specific ordinal.
		svc.Spec.ClusterIP = corev1.ClusterIPNone
	}
	// Tool services stay clustered (virtual IP) since the tool-gateway
	// router dispatches by name, not by ordinal.
	return svc
}

func podLabels(name string, resourceType models.ResourceType, useWorkloadIdentity bool) map[string]string {
	return map[string]string{
		"app":                   name,
		"adapter/type":          string(resourceType),
		"workload-identity/use": strconv.FormatBool(useWorkloadIdentity),
	}
}

func envVars(env map[string]string) []corev1.EnvVar {
	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]corev1.EnvVar, 0, len(names))
	for _, k := range names {
		out = append(out, corev1.EnvVar{Name: k, Value: env[k]})
	}
	return out
}
