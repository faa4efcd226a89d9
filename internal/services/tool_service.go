package services

import (
	"context"
	"log/slog"

	"github.com/microsoft/mcp-gateway/internal/apierr"
	"github.com/microsoft/mcp-gateway/internal/authz"
	"github.com/microsoft/mcp-gateway/internal/deploy"
	"github.com/microsoft/mcp-gateway/internal/metrics"
	"github.com/microsoft/mcp-gateway/internal/models"
	"github.com/microsoft/mcp-gateway/internal/store"
)

// ToolRouter is the subset of toolgateway.Router a ToolService needs to keep
// the live tool set in sync with the resource store, without services
// depending on toolgateway's MCP wiring.
type ToolRouter interface {
	Sync(ctx context.Context, name string)
}

// ToolService implements the Resource Service (spec.md §4.6) over
// ToolRecord: the same shape as AdapterService, additionally threading the
// tool definition and deploying with ResourceType=Tool.
type ToolService struct {
	store  store.Store[models.ToolRecord]
	core   core
	router ToolRouter
}

// NewToolService wires a ToolService from its collaborators. router may be
// nil — notifyRouter becomes a no-op — when the caller's Tool-Gateway Router
// instance reconciles against the resource store on its own schedule
// instead (toolgateway.Router.Run), since only one process needs to own
// pushing Sync calls per create/update/delete.
func NewToolService(s store.Store[models.ToolRecord], eval *authz.Evaluator, deployMgr deploy.Manager, m *metrics.Resource, router ToolRouter, logger *slog.Logger) *ToolService {
	return &ToolService{
		store:  s,
		router: router,
		core: core{
			eval:         eval,
			deployMgr:    deployMgr,
			resourceType: models.ResourceTypeTool,
			logger:       logger,
			metrics:      m,
			kind:         "tool",
		},
	}
}

func (s *ToolService) notifyRouter(ctx context.Context, name string) {
	if s.router != nil {
		s.router.Sync(ctx, name)
	}
}

func validateToolDefinition(name string, def *models.ToolDefinition) error {
	def.Normalize()
	if def.Tool.Name == "" {
		def.Tool.Name = name
	}
	if def.Tool.Name != name {
		return apierr.Newf(apierr.KindValidation, "tool definition name %q must match record name %q", def.Tool.Name, name)
	}
	return nil
}

// Create validates the record and its tool definition, deploys, and
// persists.
func (s *ToolService) Create(ctx context.Context, principal models.Principal, rec *models.ToolRecord) (*models.ToolRecord, error) {
	if err := ValidateName(rec.Name); err != nil {
		s.core.metrics.ObserveOp(s.core.kind, "create", "invalid")
		return nil, err
	}
	if err := validateToolDefinition(rec.Name, &rec.ToolDefinition); err != nil {
		s.core.metrics.ObserveOp(s.core.kind, "create", "invalid")
		return nil, err
	}
	if _, exists, err := s.store.TryGet(ctx, rec.Name); err != nil {
		return nil, err
	} else if exists {
		s.core.metrics.ObserveOp(s.core.kind, "create", "conflict")
		return nil, conflictErr(rec.Name)
	}

	s.core.prepareCreate(principal, &rec.AdapterRecord)

	if err := s.core.deployCreate(ctx, rec.AsAdapter()); err != nil {
		return nil, err
	}
	if err := s.store.Upsert(ctx, rec.Name, rec); err != nil {
		s.core.metrics.ObserveOp(s.core.kind, "create", "store-failed")
		return nil, err
	}

	s.core.metrics.ObserveOp(s.core.kind, "create", "ok")
	s.notifyRouter(ctx, rec.Name)
	return rec, nil
}

// Get fetches a tool record, enforcing Read.
func (s *ToolService) Get(ctx context.Context, principal models.Principal, name string) (*models.ToolRecord, error) {
	rec, ok, err := s.store.TryGet(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFoundErr(name)
	}
	if err := s.core.checkRead(principal, &rec.AdapterRecord); err != nil {
		return nil, err
	}
	return rec, nil
}

// Update applies mutable-field and tool-definition changes, redeploys if the
// deployment-dirty predicate fires, and persists in either case.
func (s *ToolService) Update(ctx context.Context, principal models.Principal, name string, updated *models.ToolRecord) (*models.ToolRecord, error) {
	existing, ok, err := s.store.TryGet(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFoundErr(name)
	}
	if err := s.core.checkWrite(principal, &existing.AdapterRecord); err != nil {
		return nil, err
	}
	if updated.Name != "" && updated.Name != existing.Name {
		return nil, apierr.Newf(apierr.KindValidation, "name is immutable: got %q, want %q", updated.Name, existing.Name)
	}
	if err := validateToolDefinition(existing.Name, &updated.ToolDefinition); err != nil {
		return nil, err
	}

	dirty := isDeploymentDirty(&existing.AdapterRecord, &updated.AdapterRecord)
	applyMutableFields(&existing.AdapterRecord, &updated.AdapterRecord)
	existing.ToolDefinition = updated.ToolDefinition
	existing.LastUpdatedAt = nowUTC()

	if dirty {
		if err := s.core.deployUpdate(ctx, existing.AsAdapter()); err != nil {
			return nil, err
		}
	}
	if err := s.store.Upsert(ctx, existing.Name, existing); err != nil {
		s.core.metrics.ObserveOp(s.core.kind, "update", "store-failed")
		return nil, err
	}

	s.core.metrics.ObserveOp(s.core.kind, "update", "ok")
	s.notifyRouter(ctx, existing.Name)
	return existing, nil
}

// Delete removes the record from the store, then from the orchestrator.
func (s *ToolService) Delete(ctx context.Context, principal models.Principal, name string) error {
	existing, ok, err := s.store.TryGet(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return notFoundErr(name)
	}
	if err := s.core.checkWrite(principal, &existing.AdapterRecord); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, name); err != nil {
		s.core.metrics.ObserveOp(s.core.kind, "delete", "store-failed")
		return err
	}
	if err := s.core.deployDelete(ctx, name); err != nil {
		return err
	}
	s.core.metrics.ObserveOp(s.core.kind, "delete", "ok")
	s.notifyRouter(ctx, name)
	return nil
}

// List returns every tool record the principal may read.
func (s *ToolService) List(ctx context.Context, principal models.Principal) ([]*models.ToolRecord, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	visible := authz.Filter(s.core.eval, principal, all, authz.Read)
	filtered := len(all) - len(visible)
	if filtered > 0 {
		s.core.logger.Info("list filtered records by permission", "kind", s.core.kind, "filtered", filtered)
	}
	return visible, nil
}

// Status fetches runtime status for name, gated by the same Read check as
// Get.
func (s *ToolService) Status(ctx context.Context, principal models.Principal, name string) (*deploy.Status, error) {
	if _, err := s.Get(ctx, principal, name); err != nil {
		return nil, err
	}
	return s.core.deployMgr.Status(ctx, name)
}

// Logs fetches pod logs for name/ordinal, gated by the same Read check as
// Get.
func (s *ToolService) Logs(ctx context.Context, principal models.Principal, name string, ordinal int) (string, error) {
	if _, err := s.Get(ctx, principal, name); err != nil {
		return "", err
	}
	return s.core.deployMgr.Logs(ctx, name, ordinal)
}
