package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"estateops.com/assistant/internal/utils"
)

// SQLiteStore keeps vectors as float32 blobs in SQLite and scores them in process.
// The tenant predicate is part of every query so a scan never leaves one tenant.
type SQLiteStore struct {
	db         *sql.DB
	collection string
	dimension  int
}

func NewSQLiteStore(db *sql.DB, collection string) *SQLiteStore {
	return &SQLiteStore{db: db, collection: collection}
}

func (s *SQLiteStore) EnsureCollection(ctx context.Context, dimension int) error {
	schema := `
    CREATE TABLE IF NOT EXISTS vector_collections (
        name TEXT PRIMARY KEY,
        dimension INTEGER NOT NULL,
        distance TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS vector_points (
        id TEXT PRIMARY KEY,
        collection TEXT NOT NULL,
        tenant_id TEXT NOT NULL,
        source TEXT NOT NULL,
        source_type TEXT NOT NULL,
        section TEXT,
        chunk_index INTEGER NOT NULL DEFAULT 0,
        content TEXT NOT NULL,
        metadata_json TEXT,
        created_at DATETIME NOT NULL,
        embedding BLOB NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_vector_points_tenant ON vector_points (collection, tenant_id);
    CREATE INDEX IF NOT EXISTS idx_vector_points_source_type ON vector_points (collection, tenant_id, source_type);
    `
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize vector schema: %w", err)
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO vector_collections (name, dimension, distance) VALUES (?, ?, 'cosine')",
		s.collection, dimension)
	if err != nil {
		return fmt.Errorf("failed to register collection %s: %w", s.collection, err)
	}

	var existing int
	err = s.db.QueryRowContext(ctx, "SELECT dimension FROM vector_collections WHERE name = ?", s.collection).Scan(&existing)
	if err != nil {
		return fmt.Errorf("failed to read collection %s: %w", s.collection, err)
	}
	if existing != dimension {
		return fmt.Errorf("collection %s has dimension %d, want %d: %w", s.collection, existing, dimension, ErrDimensionMismatch)
	}
	s.dimension = dimension
	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, points []Point) error {
	if err := validatePoints(points, s.dimension); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO vector_points
        (id, collection, tenant_id, source, source_type, section, chunk_index, content, metadata_json, created_at, embedding)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare point upsert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		meta, err := json.Marshal(p.Payload.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for point %s: %w", p.ID, err)
		}
		_, err = stmt.ExecContext(ctx, p.ID, s.collection, p.Payload.TenantID, p.Payload.Source, p.Payload.SourceType,
			p.Payload.Section, p.Payload.ChunkIndex, p.Payload.Content, string(meta), p.Payload.CreatedAt,
			utils.FloatsToBytes(p.Vector))
		if err != nil {
			return fmt.Errorf("failed to upsert point %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Search(ctx context.Context, req SearchRequest) ([]Hit, error) {
	if err := validateSearch(req, s.dimension); err != nil {
		return nil, err
	}

	where, args := s.where(req.Filter)
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, tenant_id, source, source_type, section, chunk_index, content, metadata_json, created_at, embedding FROM vector_points WHERE "+where,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query vector points: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			rec  Record
			blob []byte
		)
		if err := scanRecord(rows, &rec, &blob); err != nil {
			return nil, err
		}
		sim, err := utils.CosineSimilarity(req.Vector, utils.BytesToFloats(blob))
		if err != nil {
			continue
		}
		score := utils.Score(float64(sim))
		if score < req.MinScore {
			continue
		}
		hits = append(hits, Hit{Record: rec, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate vector points: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > req.Limit {
		hits = hits[:req.Limit]
	}
	return hits, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, filter Filter) error {
	if err := filter.Validate(); err != nil {
		return err
	}
	where, args := s.where(filter)
	if _, err := s.db.ExecContext(ctx, "DELETE FROM vector_points WHERE "+where, args...); err != nil {
		return fmt.Errorf("failed to delete vector points: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Scroll(ctx context.Context, filter Filter) ([]Record, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	where, args := s.where(filter)
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, tenant_id, source, source_type, section, chunk_index, content, metadata_json, created_at, embedding FROM vector_points WHERE "+where+" ORDER BY created_at, chunk_index",
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scroll vector points: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec  Record
			blob []byte
		)
		if err := scanRecord(rows, &rec, &blob); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Count(ctx context.Context, filter Filter) (int, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	where, args := s.where(filter)
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vector_points WHERE "+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count vector points: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) where(f Filter) (string, []any) {
	clauses := []string{"collection = ?", "tenant_id = ?"}
	args := []any{s.collection, f.TenantID}
	if f.SourceType != "" {
		clauses = append(clauses, "source_type = ?")
		args = append(args, f.SourceType)
	}
	if f.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, f.Source)
	}
	return strings.Join(clauses, " AND "), args
}

func scanRecord(rows *sql.Rows, rec *Record, blob *[]byte) error {
	var (
		section  sql.NullString
		metaJSON sql.NullString
	)
	p := &rec.Payload
	if err := rows.Scan(&rec.ID, &p.TenantID, &p.Source, &p.SourceType, &section, &p.ChunkIndex, &p.Content, &metaJSON, &p.CreatedAt, blob); err != nil {
		return fmt.Errorf("failed to scan vector point: %w", err)
	}
	p.Section = section.String
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		if err := json.Unmarshal([]byte(metaJSON.String), &p.Metadata); err != nil {
			return fmt.Errorf("failed to decode metadata for point %s: %w", rec.ID, err)
		}
	}
	return nil
}
