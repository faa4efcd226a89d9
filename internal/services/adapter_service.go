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

// AdapterService implements the Resource Service (spec.md §4.6) over
// AdapterRecord.
type AdapterService struct {
	store store.Store[models.AdapterRecord]
	core  core
}

// NewAdapterService wires an AdapterService from its collaborators.
func NewAdapterService(s store.Store[models.AdapterRecord], eval *authz.Evaluator, deployMgr deploy.Manager, m *metrics.Resource, logger *slog.Logger) *AdapterService {
	return &AdapterService{
		store: s,
		core: core{
			eval:         eval,
			deployMgr:    deployMgr,
			resourceType: models.ResourceTypeMCP,
			logger:       logger,
			metrics:      m,
			kind:         "adapter",
		},
	}
}

// Create validates, deploys, and persists a new adapter record.
func (s *AdapterService) Create(ctx context.Context, principal models.Principal, rec *models.AdapterRecord) (*models.AdapterRecord, error) {
	if err := ValidateName(rec.Name); err != nil {
		s.core.metrics.ObserveOp(s.core.kind, "create", "invalid")
		return nil, err
	}
	if _, exists, err := s.store.TryGet(ctx, rec.Name); err != nil {
		return nil, err
	} else if exists {
		s.core.metrics.ObserveOp(s.core.kind, "create", "conflict")
		return nil, conflictErr(rec.Name)
	}

	s.core.prepareCreate(principal, rec)

	if err := s.core.deployCreate(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.store.Upsert(ctx, rec.Name, rec); err != nil {
		s.core.metrics.ObserveOp(s.core.kind, "create", "store-failed")
		return nil, err
	}

	s.core.metrics.ObserveOp(s.core.kind, "create", "ok")
	return rec, nil
}

// Get fetches an adapter record, enforcing Read.
func (s *AdapterService) Get(ctx context.Context, principal models.Principal, name string) (*models.AdapterRecord, error) {
	rec, ok, err := s.store.TryGet(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFoundErr(name)
	}
	if err := s.core.checkRead(principal, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Update applies mutable-field changes, redeploys if the deployment-dirty
// predicate fires, and persists in either case.
func (s *AdapterService) Update(ctx context.Context, principal models.Principal, name string, updated *models.AdapterRecord) (*models.AdapterRecord, error) {
	existing, ok, err := s.store.TryGet(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFoundErr(name)
	}
	if err := s.core.checkWrite(principal, existing); err != nil {
		return nil, err
	}
	if updated.Name != "" && updated.Name != existing.Name {
		return nil, apierr.Newf(apierr.KindValidation, "name is immutable: got %q, want %q", updated.Name, existing.Name)
	}

	dirty := isDeploymentDirty(existing, updated)
	applyMutableFields(existing, updated)
	existing.LastUpdatedAt = nowUTC()

	if dirty {
		if err := s.core.deployUpdate(ctx, existing); err != nil {
			return nil, err
		}
	}
	if err := s.store.Upsert(ctx, existing.Name, existing); err != nil {
		s.core.metrics.ObserveOp(s.core.kind, "update", "store-failed")
		return nil, err
	}

	s.core.metrics.ObserveOp(s.core.kind, "update", "ok")
	return existing, nil
}

// Delete removes the record from the store, then from the orchestrator.
func (s *AdapterService) Delete(ctx context.Context, principal models.Principal, name string) error {
	existing, ok, err := s.store.TryGet(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return notFoundErr(name)
	}
	if err := s.core.checkWrite(principal, existing); err != nil {
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
	return nil
}

// List returns every adapter record the principal may read.
func (s *AdapterService) List(ctx context.Context, principal models.Principal) ([]*models.AdapterRecord, error) {
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
func (s *AdapterService) Status(ctx context.Context, principal models.Principal, name string) (*deploy.Status, error) {
	if _, err := s.Get(ctx, principal, name); err != nil {
		return nil, err
	}
	return s.core.deployMgr.Status(ctx, name)
}

// Logs fetches pod logs for name/ordinal, gated by the same Read check as
// Get.
func (s *AdapterService) Logs(ctx context.Context, principal models.Principal, name string, ordinal int) (string, error) {
	if _, err := s.Get(ctx, principal, name); err != nil {
		return "", err
	}
	return s.core.deployMgr.Logs(ctx, name, ordinal)
}
