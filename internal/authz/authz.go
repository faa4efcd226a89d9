// Package authz implements the Permission Evaluator (spec.md §4.3): an
// ordered-rule decision over a principal, a resource, and an operation.
package authz

import (
	"github.com/microsoft/mcp-gateway/internal/models"
)

// Operation is the access mode being checked.
type Operation int

const (
	// Read is a read access check.
	Read Operation = iota
	// Write is a write access check.
	Write
)

// Resource is the narrow view of a record the evaluator needs: who owns it
// and which roles grant non-owner read access.
type Resource interface {
	Owner() string
	Roles() []string
}

// Evaluator decides {read, write} access for a principal over a resource.
type Evaluator struct{}

// New constructs an Evaluator. It carries no state: every rule is a pure
// function of its inputs (spec.md §4.3).
func New() *Evaluator {
	return &Evaluator{}
}

// Allowed applies the five ordered rules from spec.md §4.3, first match
// wins.
func (e *Evaluator) Allowed(principal models.Principal, resource Resource, op Operation) bool {
	// Rule 1: owner may always act.
	if principal.UserID != "" && principal.UserID == resource.Owner() {
		return true
	}
	// Rule 2: admin may always act.
	if principal.IsAdmin() {
		return true
	}
	// Rule 3: read with no required roles, or a held required role.
	if op == Read {
		roles := resource.Roles()
		if len(roles) == 0 {
			return true
		}
		return principal.IntersectsRoles(roles)
	}
	// Rule 4: write by a non-owner, non-admin is denied.
	// Rule 5: otherwise denied.
	return false
}

// Filter applies Allowed(op) to each element of resources, preserving input
// order and dropping denied elements — the collection form from spec.md
// §4.3.
func Filter[T Resource](e *Evaluator, principal models.Principal, resources []T, op Operation) []T {
	out := make([]T, 0, len(resources))
	for _, r := range resources {
		if e.Allowed(principal, r, op) {
			out = append(out, r)
		}
	}
	return out
}
