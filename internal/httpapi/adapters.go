// Package httpapi implements the control-plane HTTP surface (spec.md
// §6.1): the /adapters and /tools CRUD routes over the Resource Services.
// The data-plane routes are not registered here; cmd/gateway mounts them
// directly on the proxy handler. Grounded on internal/mcp-router's
// request_handlers.go/response_handlers.go split: handlers decode/validate,
// delegate to a service, and map errors to status codes in one place.
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

// AdapterHandlers serves the /adapters routes of spec.md §6.1.
type AdapterHandlers struct {
	svc    *services.AdapterService
	logger *slog.Logger
}

// NewAdapterHandlers constructs AdapterHandlers over svc.
func NewAdapterHandlers(svc *services.AdapterService, logger *slog.Logger) *AdapterHandlers {
	return &AdapterHandlers{svc: svc, logger: logger}
}

// Register mounts the /adapters routes on mux.
func (h *AdapterHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /adapters", h.create)
	mux.HandleFunc("GET /adapters", h.list)
	mux.HandleFunc("GET /adapters/{name}", h.get)
	mux.HandleFunc("GET /adapters/{name}/status", h.status)
	mux.HandleFunc("GET /adapters/{name}/logs", h.logs)
	mux.HandleFunc("PUT /adapters/{name}", h.update)
	mux.HandleFunc("DELETE /adapters/{name}", h.delete)
}

func (h *AdapterHandlers) create(w http.ResponseWriter, r *http.Request) {
	principal, _ := identity.FromContext(r.Context())
	var rec models.AdapterRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, apierr.New(apierr.KindValidation, err))
		return
	}

	created, err := h.svc.Create(r.Context(), principal, &rec)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/adapters/"+created.Name)
	writeJSON(w, http.StatusCreated, created)
}

func (h *AdapterHandlers) list(w http.ResponseWriter, r *http.Request) {
	principal, _ := identity.FromContext(r.Context())
	records, err := h.svc.List(r.Context(), principal)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *AdapterHandlers) get(w http.ResponseWriter, r *http.Request) {
	principal, _ := identity.FromContext(r.Context())
	rec, err := h.svc.Get(r.Context(), principal, r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *AdapterHandlers) status(w http.ResponseWriter, r *http.Request) {
	principal, _ := identity.FromContext(r.Context())
	status, err := h.svc.Status(r.Context(), principal, r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *AdapterHandlers) logs(w http.ResponseWriter, r *http.Request) {
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

func (h *AdapterHandlers) update(w http.ResponseWriter, r *http.Request) {
	principal, _ := identity.FromContext(r.Context())
	name := r.PathValue("name")

	var rec models.AdapterRecord
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

func (h *AdapterHandlers) delete(w http.ResponseWriter, r *http.Request) {
	principal, _ := identity.FromContext(r.Context())
	if err := h.svc.Delete(r.Context(), principal, r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), apierr.StatusCode(err))
}
