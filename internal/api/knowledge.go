package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/samber/mo"

	"estateops.com/assistant/internal/core"
)

// Knowledge is the part of the retrieval service exposed over HTTP.
type Knowledge interface {
	Ingest(ctx context.Context, tenantID string, req core.IngestRequest) core.IngestResult
	Reingest(ctx context.Context, tenantID string, req core.IngestRequest) core.IngestResult
	Retrieve(ctx context.Context, tenantID string, q core.RetrieveQuery) mo.Result[[]core.RetrievedChunk]
	DeleteSource(ctx context.Context, tenantID, source string) error
	ListSources(ctx context.Context, tenantID string) ([]core.SourceInfo, error)
}

type IngestSourceRequest struct {
	Source     string         `json:"source"`
	Content    string         `json:"content"`
	SourceType string         `json:"source_type"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Replace    bool           `json:"replace,omitempty"`
}

func (h *APIHandler) IngestSourceHandler(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())

	var req IngestSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		http.Error(w, "Source is required", http.StatusBadRequest)
		return
	}
	if req.SourceType == "" {
		req.SourceType = string(core.SourceDocs)
	}

	ingest := core.IngestRequest{
		Source:     req.Source,
		Content:    req.Content,
		SourceType: core.SourceType(req.SourceType),
		Metadata:   req.Metadata,
	}
	ctx := context.WithoutCancel(r.Context())
	var result core.IngestResult
	if req.Replace {
		result = h.knowledge.Reingest(ctx, caller.TenantID, ingest)
	} else {
		result = h.knowledge.Ingest(ctx, caller.TenantID, ingest)
	}

	status := http.StatusCreated
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	respondJSON(w, status, result)
}

func (h *APIHandler) ListSourcesHandler(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())

	sources, err := h.knowledge.ListSources(r.Context(), caller.TenantID)
	if err != nil {
		h.logger.Error("failed to list sources", "tenant_id", caller.TenantID, "error", err)
		http.Error(w, "Failed to list sources", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, sources)
}

func (h *APIHandler) DeleteSourceHandler(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	source := r.URL.Query().Get("source")
	if source == "" {
		http.Error(w, "Query parameter source is required", http.StatusBadRequest)
		return
	}

	if err := h.knowledge.DeleteSource(r.Context(), caller.TenantID, source); err != nil {
		h.logger.Error("failed to delete source", "tenant_id", caller.TenantID, "source", source, "error", err)
		http.Error(w, "Failed to delete source", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type SearchRequest struct {
	Query          string   `json:"query"`
	TopK           int      `json:"top_k,omitempty"`
	SourceType     string   `json:"source_type,omitempty"`
	ScoreThreshold *float64 `json:"score_threshold,omitempty"`
}

func (h *APIHandler) SearchHandler(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())

	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		http.Error(w, "Query is required", http.StatusBadRequest)
		return
	}

	q := core.RetrieveQuery{
		Query:          req.Query,
		TopK:           req.TopK,
		ScoreThreshold: mo.PointerToOption(req.ScoreThreshold),
	}
	if req.SourceType != "" {
		st := core.SourceType(req.SourceType)
		if !st.Valid() {
			http.Error(w, "Unknown source_type "+req.SourceType, http.StatusBadRequest)
			return
		}
		q.SourceType = mo.Some(st)
	}

	chunks, err := h.knowledge.Retrieve(r.Context(), caller.TenantID, q).Get()
	if err != nil {
		h.logger.Error("search failed", "tenant_id", caller.TenantID, "error", err)
		http.Error(w, "Search failed", http.StatusBadGateway)
		return
	}
	respondJSON(w, http.StatusOK, chunks)
}
