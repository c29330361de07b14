package vectorstore

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pgColumns = []string{"id", "tenant_id", "source", "source_type", "section", "chunk_index", "content", "metadata", "created_at", "score"}

func TestPgvectorStore_EnsureCollection(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPgvectorStore(db, "Knowledge-Base")

	mock.ExpectExec(regexp.QuoteMeta("CREATE EXTENSION IF NOT EXISTS vector")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS knowledge_base")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS knowledge_base_tenant_idx ON knowledge_base (tenant_id)")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS knowledge_base_source_type_idx")).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsureCollection(context.Background(), 768))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgvectorStore_Upsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPgvectorStore(db, "chunks")
	p := testPoint("acme", "a.md", "docs", 0, 1, 0, 0)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO chunks")).
		WithArgs(p.ID, "acme", "a.md", "docs", "Introduction", 0, p.Payload.Content, sqlmock.AnyArg(), p.Payload.CreatedAt, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Upsert(context.Background(), []Point{p}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgvectorStore_SearchFiltersByTenantAndThreshold(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPgvectorStore(db, "chunks")
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(pgColumns).
		AddRow("id-1", "acme", "site.md", "docs", "Contact", 1, "Contact us", []byte(`{"lang":"en"}`), created, 0.91).
		AddRow("id-2", "acme", "site.md", "docs", "Pricing", 0, "Plans", []byte(`null`), created, 0.12)

	mock.ExpectQuery(regexp.QuoteMeta("FROM chunks WHERE tenant_id = $2 AND source_type = $3 ORDER BY embedding <=> $1 LIMIT $4")).
		WithArgs(sqlmock.AnyArg(), "acme", "docs", 5).
		WillReturnRows(rows)

	hits, err := s.Search(context.Background(), SearchRequest{
		Vector:   []float32{1, 0, 0},
		Filter:   Filter{TenantID: "acme", SourceType: "docs"},
		Limit:    5,
		MinScore: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "id-1", hits[0].ID)
	assert.Equal(t, "Contact", hits[0].Payload.Section)
	assert.Equal(t, map[string]any{"lang": "en"}, hits[0].Payload.Metadata)
	assert.InDelta(t, 0.91, hits[0].Score, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgvectorStore_DeleteAndCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPgvectorStore(db, "chunks")
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM chunks WHERE tenant_id = $1 AND source = $2")).
		WithArgs("acme", "old.md").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM chunks WHERE tenant_id = $1")).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	require.NoError(t, s.Delete(ctx, Filter{TenantID: "acme", Source: "old.md"}))
	n, err := s.Count(ctx, Filter{TenantID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgvectorStore_RequiresTenant(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPgvectorStore(db, "chunks")
	_, err = s.Scroll(context.Background(), Filter{SourceType: "docs"})
	assert.ErrorIs(t, err, ErrMissingTenant)
	assert.NoError(t, mock.ExpectationsWereMet())
}
