// Package services implements the Resource Services (spec.md §4.6):
// CRUD over AdapterRecord/ToolRecord with validation, authorization, and
// deployment orchestration. AdapterService and ToolService share the
// validation/ordering/deployment logic in core, composed rather than
// inherited (spec.md §9) — core operates over the *models.AdapterRecord
// projection every record carries.
package services

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/microsoft/mcp-gateway/internal/apierr"
	"github.com/microsoft/mcp-gateway/internal/authz"
	"github.com/microsoft/mcp-gateway/internal/deploy"
	"github.com/microsoft/mcp-gateway/internal/metrics"
	"github.com/microsoft/mcp-gateway/internal/models"
)

// namePattern is the name validation rule from spec.md §4.6.
var namePattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// ValidateName enforces spec.md §4.6's name rule.
func ValidateName(name string) error {
	if name == "" || !namePattern.MatchString(name) {
		return apierr.Newf(apierr.KindValidation, "name %q must match ^[a-z0-9-]+$ and be non-empty", name)
	}
	return nil
}

// core holds the logic shared by AdapterService and ToolService: name
// validation, create/update ordering, the deployment-dirty predicate, and
// metrics/logging around the deployment manager.
type core struct {
	eval         *authz.Evaluator
	deployMgr    deploy.Manager
	resourceType models.ResourceType
	logger       *slog.Logger
	metrics      *metrics.Resource
	kind         string // metrics label: "adapter" or "tool"
}

func nowUTC() time.Time { return time.Now().UTC() }

func (c *core) prepareCreate(principal models.Principal, rec *models.AdapterRecord) {
	rec.ID = uuid.NewString()
	rec.CreatedBy = principal.UserID
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.LastUpdatedAt = now
	rec.RequiredRoles = models.NormalizeRoles(rec.RequiredRoles)
}

// isDeploymentDirty implements spec.md §4.6's deployment-dirty predicate:
// true iff one of {imageName, imageVersion, replicaCount,
// environmentVariables} differs, envs compared as sorted key=value pairs.
func isDeploymentDirty(existing, updated *models.AdapterRecord) bool {
	if existing.ImageName != updated.ImageName {
		return true
	}
	if existing.ImageVersion != updated.ImageVersion {
		return true
	}
	if existing.ReplicaCount != updated.ReplicaCount {
		return true
	}
	existingEnv := models.SortedEnv(existing.EnvironmentVars)
	updatedEnv := models.SortedEnv(updated.EnvironmentVars)
	if len(existingEnv) != len(updatedEnv) {
		return true
	}
	for i := range existingEnv {
		if existingEnv[i] != updatedEnv[i] {
			return true
		}
	}
	return false
}

// applyMutableFields copies the fields an update is allowed to change from
// updated onto existing, leaving immutable fields (name, createdBy,
// createdAt) untouched.
func applyMutableFields(existing, updated *models.AdapterRecord) {
	existing.ImageName = updated.ImageName
	existing.ImageVersion = updated.ImageVersion
	existing.EnvironmentVars = updated.EnvironmentVars
	existing.ReplicaCount = updated.ReplicaCount
	existing.Description = updated.Description
	existing.UseWorkloadIdentity = updated.UseWorkloadIdentity
	existing.RequiredRoles = models.NormalizeRoles(updated.RequiredRoles)
}

func (c *core) deployCreate(ctx context.Context, rec *models.AdapterRecord) error {
	defer c.metrics.TimeDeploy("create")()
	if err := c.deployMgr.Create(ctx, rec, c.resourceType); err != nil {
		c.logger.Error("deployment create failed", "name", rec.Name, "error", err)
		c.metrics.ObserveOp(c.kind, "create", "deploy-failed")
		return err
	}
	return nil
}

func (c *core) deployUpdate(ctx context.Context, rec *models.AdapterRecord) error {
	defer c.metrics.TimeDeploy("update")()
	if err := c.deployMgr.Update(ctx, rec, c.resourceType); err != nil {
		c.logger.Error("deployment update failed", "name", rec.Name, "error", err)
		c.metrics.ObserveOp(c.kind, "update", "deploy-failed")
		return err
	}
	return nil
}

func (c *core) deployDelete(ctx context.Context, name string) error {
	defer c.metrics.TimeDeploy("delete")()
	if err := c.deployMgr.Delete(ctx, name); err != nil {
		c.logger.Error("deployment delete failed", "name", name, "error", err)
		return err
	}
	return nil
}

func (c *core) checkRead(principal models.Principal, rec *models.AdapterRecord) error {
	if !c.eval.Allowed(principal, rec, authz.Read) {
		return apierr.Newf(apierr.KindForbidden, "principal %q may not read %q", principal.UserID, rec.Name)
	}
	return nil
}

func (c *core) checkWrite(principal models.Principal, rec *models.AdapterRecord) error {
	if !c.eval.Allowed(principal, rec, authz.Write) {
		return apierr.Newf(apierr.KindForbidden, "principal %q may not write %q", principal.UserID, rec.Name)
	}
	return nil
}

func conflictErr(name string) error {
	return apierr.Newf(apierr.KindConflict, "resource %q already exists", name)
}

func notFoundErr(name string) error {
	return apierr.Newf(apierr.KindNotFound, "resource %q not found", name)
}
