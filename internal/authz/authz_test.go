package authz_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/microsoft/mcp-gateway/internal/authz"
	"github.com/microsoft/mcp-gateway/internal/models"
)

func resource(owner string, roles ...string) *models.AdapterRecord {
	return &models.AdapterRecord{CreatedBy: owner, RequiredRoles: roles}
}

func TestAllowed_OwnerAlwaysAllowed(t *testing.T) {
	e := authz.New()
	r := resource("u1", "reader")
	p := models.Principal{UserID: "u1", Roles: []string{"guest"}}
	assert.True(t, e.Allowed(p, r, authz.Read))
	assert.True(t, e.Allowed(p, r, authz.Write))
}

func TestAllowed_AdminAlwaysAllowed(t *testing.T) {
	e := authz.New()
	r := resource("u1", "reader")
	p := models.Principal{UserID: "u2", Roles: []string{"MCP.Admin"}}
	assert.True(t, e.Allowed(p, r, authz.Read))
	assert.True(t, e.Allowed(p, r, authz.Write))
}

func TestAllowed_ReadOpenWhenNoRequiredRoles(t *testing.T) {
	e := authz.New()
	r := resource("u1")
	p := models.Principal{UserID: "u2"}
	assert.True(t, e.Allowed(p, r, authz.Read))
	assert.False(t, e.Allowed(p, r, authz.Write))
}

func TestAllowed_ReadRequiresRoleIntersection(t *testing.T) {
	e := authz.New()
	r := resource("u1", "reader")

	holder := models.Principal{UserID: "u2", Roles: []string{"reader"}}
	assert.True(t, e.Allowed(holder, r, authz.Read))

	nonHolder := models.Principal{UserID: "u3", Roles: []string{"guest"}}
	assert.False(t, e.Allowed(nonHolder, r, authz.Read))
}

func TestAllowed_NonOwnerNonAdminNeverWrites(t *testing.T) {
	e := authz.New()
	r := resource("u1")
	p := models.Principal{UserID: "u2", Roles: []string{"mcp.admin-not-quite"}}
	assert.False(t, e.Allowed(p, r, authz.Write))
}

func TestFilter_PreservesOrderAndDropsDenied(t *testing.T) {
	e := authz.New()
	p := models.Principal{UserID: "caller"}
	resources := []*models.AdapterRecord{
		resource("caller"),
		resource("someone-else", "reader"),
		resource("someone-else"),
	}
	got := authz.Filter(e, p, resources, authz.Read)
	assert.Len(t, got, 2)
	assert.Equal(t, "caller", got[0].Owner())
	assert.Equal(t, "someone-else", got[1].Owner())
}
