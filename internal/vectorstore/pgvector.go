package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/pgvector/pgvector-go"

	"estateops.com/assistant/internal/utils"
)

var tableNameSanitizer = regexp.MustCompile(`[^a-z0-9_]+`)

// PgvectorStore stores points in a Postgres table with a pgvector column and lets the
// database rank them with the cosine distance operator.
type PgvectorStore struct {
	db    *sql.DB
	table string
}

func NewPgvectorStore(db *sql.DB, collection string) *PgvectorStore {
	table := tableNameSanitizer.ReplaceAllString(strings.ToLower(collection), "_")
	if table == "" {
		table = "chunks"
	}
	return &PgvectorStore{db: db, table: table}
}

func (s *PgvectorStore) EnsureCollection(ctx context.Context, dimension int) error {
	statements := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
            id UUID PRIMARY KEY,
            tenant_id TEXT NOT NULL,
            source TEXT NOT NULL,
            source_type TEXT NOT NULL,
            section TEXT,
            chunk_index INTEGER NOT NULL DEFAULT 0,
            content TEXT NOT NULL,
            metadata JSONB,
            created_at TIMESTAMPTZ NOT NULL,
            embedding vector(%d) NOT NULL
        )`, s.table, dimension),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_tenant_idx ON %s (tenant_id)", s.table, s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_source_type_idx ON %s (tenant_id, source_type)", s.table, s.table),
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure pgvector table %s: %w", s.table, err)
		}
	}
	return nil
}

func (s *PgvectorStore) Upsert(ctx context.Context, points []Point) error {
	if err := validatePoints(points, 0); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`INSERT INTO %s
        (id, tenant_id, source, source_type, section, chunk_index, content, metadata, created_at, embedding)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (id) DO UPDATE SET
            tenant_id = EXCLUDED.tenant_id, source = EXCLUDED.source, source_type = EXCLUDED.source_type,
            section = EXCLUDED.section, chunk_index = EXCLUDED.chunk_index, content = EXCLUDED.content,
            metadata = EXCLUDED.metadata, created_at = EXCLUDED.created_at, embedding = EXCLUDED.embedding`, s.table)

	for _, p := range points {
		meta, err := json.Marshal(p.Payload.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for point %s: %w", p.ID, err)
		}
		_, err = tx.ExecContext(ctx, query, p.ID, p.Payload.TenantID, p.Payload.Source, p.Payload.SourceType,
			p.Payload.Section, p.Payload.ChunkIndex, p.Payload.Content, meta, p.Payload.CreatedAt,
			pgvector.NewVector(p.Vector))
		if err != nil {
			return fmt.Errorf("failed to upsert point %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

func (s *PgvectorStore) Search(ctx context.Context, req SearchRequest) ([]Hit, error) {
	if err := validateSearch(req, 0); err != nil {
		return nil, err
	}
	args := []any{pgvector.NewVector(req.Vector)}
	where := s.where(req.Filter, &args)
	args = append(args, req.Limit)

	query := fmt.Sprintf(`SELECT id, tenant_id, source, source_type, section, chunk_index, content, metadata, created_at,
        1 - (embedding <=> $1) AS score
        FROM %s WHERE %s ORDER BY embedding <=> $1 LIMIT $%d`, s.table, where, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", s.table, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			h     Hit
			score float64
		)
		if err := scanPgRecord(rows, &h.Record, &score); err != nil {
			return nil, err
		}
		h.Score = utils.Score(score)
		if h.Score < req.MinScore {
			continue
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *PgvectorStore) Delete(ctx context.Context, filter Filter) error {
	if err := filter.Validate(); err != nil {
		return err
	}
	var args []any
	where := s.where(filter, &args)
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", s.table, where), args...); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", s.table, err)
	}
	return nil
}

func (s *PgvectorStore) Scroll(ctx context.Context, filter Filter) ([]Record, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	var args []any
	where := s.where(filter, &args)
	query := fmt.Sprintf(`SELECT id, tenant_id, source, source_type, section, chunk_index, content, metadata, created_at, 0
        FROM %s WHERE %s ORDER BY created_at, chunk_index`, s.table, where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scroll %s: %w", s.table, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec   Record
			score float64
		)
		if err := scanPgRecord(rows, &rec, &score); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PgvectorStore) Count(ctx context.Context, filter Filter) (int, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	var args []any
	where := s.where(filter, &args)
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", s.table, where), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", s.table, err)
	}
	return n, nil
}

// where appends the filter values to args and returns the matching predicate.
func (s *PgvectorStore) where(f Filter, args *[]any) string {
	add := func(column, value string) string {
		*args = append(*args, value)
		return fmt.Sprintf("%s = $%d", column, len(*args))
	}
	clauses := []string{add("tenant_id", f.TenantID)}
	if f.SourceType != "" {
		clauses = append(clauses, add("source_type", f.SourceType))
	}
	if f.Source != "" {
		clauses = append(clauses, add("source", f.Source))
	}
	return strings.Join(clauses, " AND ")
}

func scanPgRecord(rows *sql.Rows, rec *Record, score *float64) error {
	var (
		section sql.NullString
		meta    []byte
	)
	p := &rec.Payload
	if err := rows.Scan(&rec.ID, &p.TenantID, &p.Source, &p.SourceType, &section, &p.ChunkIndex, &p.Content, &meta, &p.CreatedAt, score); err != nil {
		return fmt.Errorf("failed to scan pgvector row: %w", err)
	}
	p.Section = section.String
	if len(meta) > 0 && string(meta) != "null" {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return fmt.Errorf("failed to decode metadata for point %s: %w", rec.ID, err)
		}
	}
	return nil
}
