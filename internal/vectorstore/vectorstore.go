// Package vectorstore persists chunk vectors with their tenant-scoped payload and runs
// filtered nearest-neighbor search over them.
//
// Every read and write carries a Filter whose TenantID is mandatory; adapters reject a
// filter without one with ErrMissingTenant instead of searching across tenants.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrMissingTenant     = errors.New("vectorstore: tenant id is required")
	ErrDimensionMismatch = errors.New("vectorstore: vector dimension mismatch")
)

// Payload is the metadata stored next to every vector.
type Payload struct {
	Content    string         `json:"content"`
	Source     string         `json:"source"`
	SourceType string         `json:"source_type"`
	Section    string         `json:"section"`
	ChunkIndex int            `json:"chunk_index"`
	TenantID   string         `json:"tenant_id"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Point is one chunk vector keyed by chunk id.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Record is a stored point without its vector.
type Record struct {
	ID      string
	Payload Payload
}

// Hit is a search result. Score is cosine similarity clamped to [0, 1].
type Hit struct {
	Record
	Score float64
}

// Filter restricts an operation to one tenant and optionally one source type or source.
type Filter struct {
	TenantID   string
	SourceType string
	Source     string
}

func (f Filter) Validate() error {
	if f.TenantID == "" {
		return ErrMissingTenant
	}
	return nil
}

// Matches reports whether p satisfies every non-empty field of f.
func (f Filter) Matches(p Payload) bool {
	if p.TenantID != f.TenantID {
		return false
	}
	if f.SourceType != "" && p.SourceType != f.SourceType {
		return false
	}
	if f.Source != "" && p.Source != f.Source {
		return false
	}
	return true
}

type SearchRequest struct {
	Vector   []float32
	Filter   Filter
	Limit    int
	MinScore float64
}

// Store is the boundary every vector backend implements.
type Store interface {
	// EnsureCollection creates the collection and its tenant_id/source_type indexes if
	// they are absent. Calling it again, or from several processes, is safe.
	EnsureCollection(ctx context.Context, dimension int) error
	Upsert(ctx context.Context, points []Point) error
	Search(ctx context.Context, req SearchRequest) ([]Hit, error)
	Delete(ctx context.Context, filter Filter) error
	Scroll(ctx context.Context, filter Filter) ([]Record, error)
	Count(ctx context.Context, filter Filter) (int, error)
}

func validatePoints(points []Point, dimension int) error {
	for _, p := range points {
		if p.ID == "" {
			return errors.New("vectorstore: point id is required")
		}
		if p.Payload.TenantID == "" {
			return fmt.Errorf("point %s: %w", p.ID, ErrMissingTenant)
		}
		if dimension > 0 && len(p.Vector) != dimension {
			return fmt.Errorf("point %s has %d dimensions, want %d: %w", p.ID, len(p.Vector), dimension, ErrDimensionMismatch)
		}
	}
	return nil
}

func validateSearch(req SearchRequest, dimension int) error {
	if err := req.Filter.Validate(); err != nil {
		return err
	}
	if req.Limit <= 0 {
		return fmt.Errorf("vectorstore: search limit must be positive, got %d", req.Limit)
	}
	if dimension > 0 && len(req.Vector) != dimension {
		return fmt.Errorf("query has %d dimensions, want %d: %w", len(req.Vector), dimension, ErrDimensionMismatch)
	}
	return nil
}
