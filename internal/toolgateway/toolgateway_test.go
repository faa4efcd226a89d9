package toolgateway_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/mcp-gateway/internal/authz"
	"github.com/microsoft/mcp-gateway/internal/models"
	"github.com/microsoft/mcp-gateway/internal/store"
	"github.com/microsoft/mcp-gateway/internal/toolgateway"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_ReturnsNonNilMCPServer(t *testing.T) {
	tools := store.NewInMemory[models.ToolRecord]()
	r := toolgateway.New(tools, authz.New(), "adapter", testLogger())
	assert.NotNil(t, r.MCPServer())
}

func TestSync_RegisterThenRemoveDoesNotPanic(t *testing.T) {
	tools := store.NewInMemory[models.ToolRecord]()
	r := toolgateway.New(tools, authz.New(), "adapter", testLogger())

	rec := &models.ToolRecord{
		AdapterRecord:  models.AdapterRecord{Name: "weather"},
		ToolDefinition: models.ToolDefinition{Tool: models.ToolSpec{Name: "weather", Description: "gives weather"}, Port: 8000, Path: "/run"},
	}
	require.NoError(t, tools.Upsert(context.Background(), "weather", rec))

	r.Sync(context.Background(), "weather")

	require.NoError(t, tools.Delete(context.Background(), "weather"))
	r.Sync(context.Background(), "weather")
	// removing an already-removed tool is a no-op, not a panic
	r.Sync(context.Background(), "weather")
}
