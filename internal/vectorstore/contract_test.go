package vectorstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDimension = 3

func testPoint(tenant, source, sourceType string, idx int, vec ...float32) Point {
	return Point{
		ID:     uuid.NewString(),
		Vector: vec,
		Payload: Payload{
			Content:    fmt.Sprintf("%s chunk %d", source, idx),
			Source:     source,
			SourceType: sourceType,
			Section:    "Introduction",
			ChunkIndex: idx,
			TenantID:   tenant,
			Metadata:   map[string]any{"lang": "en"},
			CreatedAt:  time.Date(2024, 5, 1, 12, 0, idx, 0, time.UTC),
		},
	}
}

// runStoreContract checks the behavior every Store implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("ensure collection is idempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.EnsureCollection(ctx, testDimension))
		require.NoError(t, s.EnsureCollection(ctx, testDimension))
	})

	t.Run("search ranks, thresholds and caps", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.EnsureCollection(ctx, testDimension))
		require.NoError(t, s.Upsert(ctx, []Point{
			testPoint("acme", "a.md", "docs", 0, 1, 0, 0),
			testPoint("acme", "a.md", "docs", 1, 0.9, 0.1, 0),
			testPoint("acme", "b.md", "docs", 0, 0.5, 0.5, 0),
			testPoint("acme", "c.json", "entity", 0, 0, 1, 0),
		}))

		hits, err := s.Search(ctx, SearchRequest{Vector: []float32{1, 0, 0}, Filter: Filter{TenantID: "acme"}, Limit: 2})
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
		assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
		assert.Equal(t, "a.md", hits[0].Payload.Source)
		assert.Equal(t, map[string]any{"lang": "en"}, hits[0].Payload.Metadata)

		hits, err = s.Search(ctx, SearchRequest{Vector: []float32{1, 0, 0}, Filter: Filter{TenantID: "acme"}, Limit: 10, MinScore: 0.8})
		require.NoError(t, err)
		require.Len(t, hits, 2)
		for _, h := range hits {
			assert.GreaterOrEqual(t, h.Score, 0.8)
		}

		hits, err = s.Search(ctx, SearchRequest{Vector: []float32{1, 0, 0}, Filter: Filter{TenantID: "acme", SourceType: "entity"}, Limit: 10})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "c.json", hits[0].Payload.Source)
		assert.Equal(t, 0.0, hits[0].Score)
	})

	t.Run("tenant filter is mandatory", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.EnsureCollection(ctx, testDimension))

		_, err := s.Search(ctx, SearchRequest{Vector: []float32{1, 0, 0}, Limit: 1})
		assert.ErrorIs(t, err, ErrMissingTenant)
		assert.ErrorIs(t, s.Delete(ctx, Filter{Source: "a.md"}), ErrMissingTenant)
		_, err = s.Scroll(ctx, Filter{})
		assert.ErrorIs(t, err, ErrMissingTenant)
		_, err = s.Count(ctx, Filter{})
		assert.ErrorIs(t, err, ErrMissingTenant)
		assert.ErrorIs(t, s.Upsert(ctx, []Point{testPoint("", "a.md", "docs", 0, 1, 0, 0)}), ErrMissingTenant)
	})

	t.Run("delete scroll and count stay inside the tenant", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.EnsureCollection(ctx, testDimension))
		require.NoError(t, s.Upsert(ctx, []Point{
			testPoint("acme", "shared.md", "docs", 0, 1, 0, 0),
			testPoint("acme", "shared.md", "docs", 1, 1, 1, 0),
			testPoint("acme", "other.md", "docs", 0, 0, 1, 0),
			testPoint("globex", "shared.md", "docs", 0, 1, 0, 0),
		}))

		n, err := s.Count(ctx, Filter{TenantID: "acme", Source: "shared.md"})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		require.NoError(t, s.Delete(ctx, Filter{TenantID: "acme", Source: "shared.md"}))

		records, err := s.Scroll(ctx, Filter{TenantID: "acme"})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "other.md", records[0].Payload.Source)

		n, err = s.Count(ctx, Filter{TenantID: "globex"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("upsert replaces by id", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.EnsureCollection(ctx, testDimension))
		p := testPoint("acme", "a.md", "docs", 0, 1, 0, 0)
		require.NoError(t, s.Upsert(ctx, []Point{p}))
		p.Payload.Content = "updated"
		require.NoError(t, s.Upsert(ctx, []Point{p}))

		records, err := s.Scroll(ctx, Filter{TenantID: "acme"})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "updated", records[0].Payload.Content)
	})

	t.Run("dimension mismatch is rejected", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.EnsureCollection(ctx, testDimension))
		err := s.Upsert(ctx, []Point{testPoint("acme", "a.md", "docs", 0, 1, 0)})
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})
}

func runIsolationProperty(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("search never returns another tenant's points", prop.ForAll(
		func(t1, t2 string, x, y, z float32) bool {
			if t1 == t2 {
				t2 = t1 + "-other"
			}
			s := newStore(t)
			if err := s.EnsureCollection(ctx, testDimension); err != nil {
				return false
			}
			if err := s.Upsert(ctx, []Point{testPoint(t1, "secret.md", "docs", 0, x, y, z+1)}); err != nil {
				return false
			}
			hits, err := s.Search(ctx, SearchRequest{Vector: []float32{x, y, z + 1}, Filter: Filter{TenantID: t2}, Limit: 10})
			return err == nil && len(hits) == 0
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Float32Range(-1, 1),
		gen.Float32Range(-1, 1),
		gen.Float32Range(0, 1),
	))

	properties.TestingRun(t)
}
