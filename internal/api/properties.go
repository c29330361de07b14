package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"estateops.com/assistant/internal/store"
)

// Properties is the property catalogue the archive_property tool acts on.
type Properties interface {
	CreateProperty(ctx context.Context, tenantID, title string) (*store.Property, error)
	GetProperty(ctx context.Context, tenantID, id string) (*store.Property, error)
}

type CreatePropertyRequest struct {
	Title string `json:"title"`
}

func (h *APIHandler) CreatePropertyHandler(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())

	var req CreatePropertyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		http.Error(w, "Title is required", http.StatusBadRequest)
		return
	}

	prop, err := h.properties.CreateProperty(r.Context(), caller.TenantID, req.Title)
	if err != nil {
		h.logger.Error("failed to create property", "tenant_id", caller.TenantID, "error", err)
		http.Error(w, "Failed to create property", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusCreated, prop)
}

func (h *APIHandler) GetPropertyHandler(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	id := chi.URLParam(r, "propertyID")

	prop, err := h.properties.GetProperty(r.Context(), caller.TenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Property not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to get property", "tenant_id", caller.TenantID, "property_id", id, "error", err)
		http.Error(w, "Failed to get property", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, prop)
}
