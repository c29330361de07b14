package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"estateops.com/assistant/internal/chunker"
	"estateops.com/assistant/internal/embedding"
	"estateops.com/assistant/internal/vectorstore"
)

var tracer = otel.Tracer("estateops.com/assistant/core")

const (
	DefaultChunkSize      = 1000
	DefaultChunkOverlap   = 200
	DefaultTopK           = 5
	DefaultScoreThreshold = 0.3
)

type RetrievalConfig struct {
	Dimension      int
	ChunkSize      int
	ChunkOverlap   int
	TopK           int
	ScoreThreshold float64
}

func (c RetrievalConfig) withDefaults() RetrievalConfig {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = min(DefaultChunkOverlap, c.ChunkSize/5)
	}
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	if c.ScoreThreshold < 0 {
		c.ScoreThreshold = 0
	}
	return c
}

type IngestRequest struct {
	Source     string
	Content    string
	SourceType SourceType
	Metadata   map[string]any
}

type IngestResult struct {
	Source     string        `json:"source"`
	ChunkCount int           `json:"chunk_count"`
	Elapsed    time.Duration `json:"elapsed"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
}

// RetrieveQuery asks for context. Unset options fall back to the service configuration.
type RetrieveQuery struct {
	Query          string
	TopK           int
	SourceType     mo.Option[SourceType]
	ScoreThreshold mo.Option[float64]
}

type SourceInfo struct {
	Source     string     `json:"source"`
	SourceType SourceType `json:"source_type"`
	ChunkCount int        `json:"chunk_count"`
	FirstSeen  time.Time  `json:"first_seen"`
}

// RetrievalService ingests tenant knowledge and finds context for queries. Every
// operation takes the tenant explicitly.
type RetrievalService struct {
	store    vectorstore.Store
	embedder embedding.Embedder
	cfg      RetrievalConfig
	logger   *slog.Logger
}

func NewRetrievalService(store vectorstore.Store, embedder embedding.Embedder, cfg RetrievalConfig, logger *slog.Logger) *RetrievalService {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if cfg.Dimension <= 0 {
		cfg.Dimension = embedder.Dimension()
	}
	return &RetrievalService{store: store, embedder: embedder, cfg: cfg, logger: logger}
}

// EnsureStore creates the backing collection if it does not exist yet.
func (s *RetrievalService) EnsureStore(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "retrieval.ensure_store")
	defer span.End()
	if err := s.store.EnsureCollection(ctx, s.cfg.Dimension); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to ensure vector collection: %w", err)
	}
	return nil
}

// Chunk is fixed-size chunking with the given window.
func (s *RetrievalService) Chunk(text string, size, overlap int) ([]string, error) {
	return chunker.FixedSlice(text, size, overlap)
}

func (s *RetrievalService) ChunkMarkdown(text string) []chunker.Section {
	return chunker.Markdown(text)
}

type pendingChunk struct {
	content string
	section string
}

func (s *RetrievalService) split(req IngestRequest) ([]pendingChunk, error) {
	var out []pendingChunk
	switch req.SourceType {
	case SourceDocs:
		for _, sec := range chunker.Markdown(req.Content) {
			if len([]rune(sec.Content)) <= s.cfg.ChunkSize {
				out = append(out, pendingChunk{content: sec.Content, section: sec.Heading})
				continue
			}
			parts, err := chunker.FixedSlice(sec.Content, s.cfg.ChunkSize, s.cfg.ChunkOverlap)
			if err != nil {
				return nil, err
			}
			for _, p := range parts {
				out = append(out, pendingChunk{content: p, section: sec.Heading})
			}
		}
	case SourceSchema, SourceEntity:
		parts, err := chunker.FixedSlice(req.Content, s.cfg.ChunkSize, s.cfg.ChunkOverlap)
		if err != nil {
			return nil, err
		}
		for _, p := range parts {
			out = append(out, pendingChunk{content: p})
		}
	default:
		return nil, fmt.Errorf("unknown source type %q", req.SourceType)
	}
	return out, nil
}

// Ingest chunks, embeds and stores one source. It never returns an error; failures are
// reported in the result so bulk callers can carry on.
func (s *RetrievalService) Ingest(ctx context.Context, tenantID string, req IngestRequest) IngestResult {
	return s.ingest(ctx, tenantID, req, false)
}

// ingest stores req's chunks. With replace set, the source's existing chunks are
// dropped only once the new ones are embedded, so a failed embed leaves them in place.
func (s *RetrievalService) ingest(ctx context.Context, tenantID string, req IngestRequest, replace bool) IngestResult {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "retrieval.ingest")
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("source", req.Source),
		attribute.String("source_type", string(req.SourceType)),
		attribute.Bool("replace", replace),
	)
	defer span.End()

	result := IngestResult{Source: req.Source}
	fail := func(err error) IngestResult {
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("ingestion failed", "tenant_id", tenantID, "source", req.Source, "error", err)
		result.Elapsed = time.Since(start)
		result.Error = err.Error()
		return result
	}

	if tenantID == "" {
		return fail(vectorstore.ErrMissingTenant)
	}
	if req.Source == "" {
		return fail(errors.New("source is required"))
	}

	chunks, err := s.split(req)
	if err != nil {
		return fail(err)
	}
	if len(chunks) == 0 {
		if replace {
			if err := s.DeleteSource(ctx, tenantID, req.Source); err != nil {
				return fail(err)
			}
		}
		result.Success = true
		result.Elapsed = time.Since(start)
		s.logger.Info("source produced no chunks", "tenant_id", tenantID, "source", req.Source)
		return result
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.content
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fail(fmt.Errorf("failed to embed chunks: %w", err))
	}
	if len(vectors) != len(chunks) {
		return fail(fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks)))
	}

	createdAt := time.Now().UTC()
	points := make([]vectorstore.Point, len(chunks))
	for i, c := range chunks {
		points[i] = vectorstore.Point{
			ID:     uuid.NewString(),
			Vector: vectors[i],
			Payload: vectorstore.Payload{
				Content:    c.content,
				Source:     req.Source,
				SourceType: string(req.SourceType),
				Section:    c.section,
				ChunkIndex: i,
				TenantID:   tenantID,
				Metadata:   req.Metadata,
				CreatedAt:  createdAt,
			},
		}
	}
	if replace {
		if err := s.DeleteSource(ctx, tenantID, req.Source); err != nil {
			return fail(err)
		}
	}
	if err := s.store.Upsert(ctx, points); err != nil {
		return fail(fmt.Errorf("failed to store chunks: %w", err))
	}

	result.Success = true
	result.ChunkCount = len(points)
	result.Elapsed = time.Since(start)
	s.logger.Info("source ingested", "tenant_id", tenantID, "source", req.Source, "chunks", result.ChunkCount, "elapsed", result.Elapsed)
	return result
}

// IngestMany ingests each source in turn and returns every result.
func (s *RetrievalService) IngestMany(ctx context.Context, tenantID string, reqs []IngestRequest) []IngestResult {
	results := make([]IngestResult, 0, len(reqs))
	for _, r := range reqs {
		results = append(results, s.Ingest(ctx, tenantID, r))
	}
	return results
}

// Reingest replaces every chunk of req.Source. When splitting or embedding fails the
// previous chunks are kept.
func (s *RetrievalService) Reingest(ctx context.Context, tenantID string, req IngestRequest) IngestResult {
	return s.ingest(ctx, tenantID, req, true)
}

// Retrieve finds up to TopK chunks of the tenant's knowledge scoring at least the
// threshold, best first.
func (s *RetrievalService) Retrieve(ctx context.Context, tenantID string, q RetrieveQuery) mo.Result[[]RetrievedChunk] {
	ctx, span := tracer.Start(ctx, "retrieval.retrieve")
	span.SetAttributes(attribute.String("tenant_id", tenantID))
	defer span.End()

	if tenantID == "" {
		return mo.Err[[]RetrievedChunk](vectorstore.ErrMissingTenant)
	}
	topK := q.TopK
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	threshold := q.ScoreThreshold.OrElse(s.cfg.ScoreThreshold)

	vectors, err := s.embedder.Embed(ctx, []string{q.Query})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return mo.Err[[]RetrievedChunk](fmt.Errorf("failed to embed query: %w", err))
	}
	if len(vectors) != 1 {
		return mo.Err[[]RetrievedChunk](embedding.ErrBatchMismatch)
	}

	filter := vectorstore.Filter{TenantID: tenantID}
	if st, ok := q.SourceType.Get(); ok {
		filter.SourceType = string(st)
	}
	hits, err := s.store.Search(ctx, vectorstore.SearchRequest{
		Vector:   vectors[0],
		Filter:   filter,
		Limit:    topK,
		MinScore: threshold,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return mo.Err[[]RetrievedChunk](fmt.Errorf("vector search failed: %w", err))
	}

	out := make([]RetrievedChunk, 0, len(hits))
	for _, h := range hits {
		if h.Score < threshold || h.Payload.TenantID != tenantID {
			continue
		}
		out = append(out, RetrievedChunk{DocumentChunk: chunkFromRecord(h.Record), Score: h.Score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	span.SetAttributes(attribute.Int("chunks", len(out)))
	return mo.Ok(out)
}

// DeleteSource removes every chunk of source for the tenant.
func (s *RetrievalService) DeleteSource(ctx context.Context, tenantID, source string) error {
	if source == "" {
		return errors.New("source is required")
	}
	if err := s.store.Delete(ctx, vectorstore.Filter{TenantID: tenantID, Source: source}); err != nil {
		return fmt.Errorf("failed to delete source %s: %w", source, err)
	}
	s.logger.Info("source deleted", "tenant_id", tenantID, "source", source)
	return nil
}

// ListSources groups the tenant's chunks by source, sorted by source.
func (s *RetrievalService) ListSources(ctx context.Context, tenantID string) ([]SourceInfo, error) {
	records, err := s.store.Scroll(ctx, vectorstore.Filter{TenantID: tenantID})
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	bySource := map[string]*SourceInfo{}
	for _, r := range records {
		info, ok := bySource[r.Payload.Source]
		if !ok {
			info = &SourceInfo{Source: r.Payload.Source, SourceType: SourceType(r.Payload.SourceType), FirstSeen: r.Payload.CreatedAt}
			bySource[r.Payload.Source] = info
		}
		info.ChunkCount++
		if r.Payload.CreatedAt.Before(info.FirstSeen) {
			info.FirstSeen = r.Payload.CreatedAt
		}
	}
	out := make([]SourceInfo, 0, len(bySource))
	for _, info := range bySource {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

func chunkFromRecord(r vectorstore.Record) DocumentChunk {
	return DocumentChunk{
		ID:         r.ID,
		Content:    r.Payload.Content,
		Source:     r.Payload.Source,
		SourceType: SourceType(r.Payload.SourceType),
		Section:    r.Payload.Section,
		ChunkIndex: r.Payload.ChunkIndex,
		TenantID:   r.Payload.TenantID,
		Metadata:   r.Payload.Metadata,
		CreatedAt:  r.Payload.CreatedAt,
	}
}
