package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/microsoft/mcp-gateway/internal/apierr"
	"github.com/microsoft/mcp-gateway/internal/identity"
	"github.com/microsoft/mcp-gateway/internal/models"
	"github.com/microsoft/mcp-gateway/internal/services"
)

// ToolHandlers serves the /tools routes, mirroring /adapters for
// ToolData/ToolResource (spec.md §6.1).
type ToolHandlers struct {
	svc    *services.ToolService
	logger *slog.Logger
}

// NewToolHandlers constructs ToolHandlers over svc.
func NewToolHandlers(svc *services.ToolService, logger *slog.Logger) *ToolHandlers {
	return &ToolHandlers{svc: svc, logger: logger}
}

// Register mounts the /tools routes on mux.
func (h *ToolHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /tools", h.create)
	mux.HandleFunc("GET /tools", h.list)
	mux.HandleFunc("GET /tools/{name}", h.get)
	mux.HandleFunc("GET /tools/{name}/status", h.status)
	mux.HandleFunc("GET /tools/{name}/logs", h.logs)
	mux.HandleFunc("PUT /tools/{name}", h.update)
	mux.HandleFunc("DELETE /tools/{name}", h.delete)
}

func (h *ToolHandlers) create(w http.ResponseWriter, r *http.Request) {
	principal, _ := identity.FromContext(r.Context())
	var rec models.ToolRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, apierr.New(apierr.KindValidation, err))
		return
	}

	created, err := h.svc.Create(r.Context(), principal, &rec)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/tools/"+created.Name)
	writeJSON(w, http.StatusCreated, created)
}

func (h *ToolHandlers) list(w http.ResponseWriter, r *http.Request) {
	principal, _ := identity.FromContext(r.Context())
	records, err := h.svc.List(r.Context(), principal)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *ToolHandlers) get(w http.ResponseWriter, r *http.Request) {
	principal, _ := identity.FromContext(r.Context())
	rec, err := h.svc.Get(r.Context(), principal, r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *ToolHandlers) status(w http.ResponseWriter, r *http.Request) {
	principal, _ := identity.FromContext(r.Context())
	status, err := h.svc.Status(r.Context(), principal, r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *ToolHandlers) logs(w http.ResponseWriter, r *http.Request) {
	principal, _ := identity.FromContext(r.Context())
	ordinal := 0
	if raw := r.URL.Query().Get("instance"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, apierr.Newf(apierr.KindValidation, "instance must be an integer, got %q", raw))
			return
		}
		ordinal = parsed
	}

	text, err := h.svc.Logs(r.Context(), principal, r.PathValue("name"), ordinal)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

func (h *ToolHandlers) update(w http.ResponseWriter, r *http.Request) {
	principal, _ := identity.FromContext(r.Context())
	name := r.PathValue("name")

	var rec models.ToolRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, apierr.New(apierr.KindValidation, err))
		return
	}
	if rec.Name != "" && rec.Name != name {
		writeError(w, apierr.Newf(apierr.KindValidation, "body name %q must equal URL name %q", rec.Name, name))
		return
	}

	updated, err := h.svc.Update(r.Context(), principal, name, &rec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *ToolHandlers) delete(w http.ResponseWriter, r *http.Request) {
	principal, _ := identity.FromContext(r.Context())
	if err := h.svc.Delete(r.Context(), principal, r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
