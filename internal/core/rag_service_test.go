package core

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estateops.com/assistant/internal/vectorstore"
)

const handbook = `# Pricing
Monthly rent starts at twelve hundred euros for a studio.

# Contact
Contact the leasing office by email or phone during business hours.
`

func newTestRetrieval(t *testing.T, cfg RetrievalConfig) (*RetrievalService, *hashEmbedder) {
	t.Helper()
	emb := &hashEmbedder{}
	svc := NewRetrievalService(vectorstore.NewMemoryStore(), emb, cfg, nil)
	require.NoError(t, svc.EnsureStore(context.Background()))
	return svc, emb
}

func TestRetrieval_ScenarioTenantScopedSection(t *testing.T) {
	svc, _ := newTestRetrieval(t, RetrievalConfig{})
	ctx := context.Background()

	res := svc.Ingest(ctx, "acme", IngestRequest{Source: "handbook.md", Content: handbook, SourceType: SourceDocs})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.ChunkCount)

	chunks, err := svc.Retrieve(ctx, "acme", RetrieveQuery{Query: "contact", TopK: 1}).Get()
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Contact", chunks[0].Section)
	assert.Equal(t, "handbook.md", chunks[0].Source)
	assert.Equal(t, "acme", chunks[0].TenantID)
	assert.Equal(t, 1, chunks[0].ChunkIndex)

	other, err := svc.Retrieve(ctx, "other", RetrieveQuery{Query: "contact", TopK: 1}).Get()
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestIngest_ChunkingBySourceType(t *testing.T) {
	svc, _ := newTestRetrieval(t, RetrievalConfig{ChunkSize: 20, ChunkOverlap: 5})
	ctx := context.Background()

	schema := svc.Ingest(ctx, "acme", IngestRequest{Source: "units", Content: strings.Repeat("a", 50), SourceType: SourceSchema})
	require.True(t, schema.Success, schema.Error)
	assert.Equal(t, 3, schema.ChunkCount) // ceil((50-5)/15)

	// The second section is longer than a chunk and gets split further.
	docs := svc.Ingest(ctx, "acme", IngestRequest{Source: "faq.md", Content: "# A\nshort\n# B\n" + strings.Repeat("b", 40), SourceType: SourceDocs})
	require.True(t, docs.Success, docs.Error)
	assert.Greater(t, docs.ChunkCount, 2)

	sources, err := svc.ListSources(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "faq.md", sources[0].Source)
	assert.Equal(t, SourceDocs, sources[0].SourceType)
	assert.Equal(t, docs.ChunkCount, sources[0].ChunkCount)
	assert.Equal(t, "units", sources[1].Source)
	assert.False(t, sources[1].FirstSeen.IsZero())
}

func TestIngest_FailuresAreResults(t *testing.T) {
	ctx := context.Background()

	svc, emb := newTestRetrieval(t, RetrievalConfig{})
	assert.False(t, svc.Ingest(ctx, "", IngestRequest{Source: "x", Content: "x", SourceType: SourceDocs}).Success)
	assert.False(t, svc.Ingest(ctx, "acme", IngestRequest{Source: "x", Content: "x", SourceType: "spreadsheet"}).Success)

	emb.fail = true
	res := svc.Ingest(ctx, "acme", IngestRequest{Source: "x", Content: "some text", SourceType: SourceDocs})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "embed")
	assert.Zero(t, res.ChunkCount)

	empty := svc.Ingest(ctx, "acme", IngestRequest{Source: "blank", Content: "", SourceType: SourceSchema})
	assert.True(t, empty.Success)
}

func TestIngestMany_ContinuesPastFailures(t *testing.T) {
	svc, _ := newTestRetrieval(t, RetrievalConfig{})
	results := svc.IngestMany(context.Background(), "acme", []IngestRequest{
		{Source: "a.md", Content: "# A\nalpha", SourceType: SourceDocs},
		{Source: "b", Content: "beta", SourceType: "unknown"},
		{Source: "c.json", Content: `{"unit":"4B"}`, SourceType: SourceEntity},
	})
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.True(t, results[2].Success)
}

func TestReingestAndDeleteSource(t *testing.T) {
	svc, _ := newTestRetrieval(t, RetrievalConfig{})
	ctx := context.Background()

	require.True(t, svc.Ingest(ctx, "acme", IngestRequest{Source: "h.md", Content: handbook, SourceType: SourceDocs}).Success)
	require.True(t, svc.Reingest(ctx, "acme", IngestRequest{Source: "h.md", Content: "# Only\nsection", SourceType: SourceDocs}).Success)

	sources, err := svc.ListSources(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, 1, sources[0].ChunkCount)

	require.NoError(t, svc.DeleteSource(ctx, "acme", "h.md"))
	sources, err = svc.ListSources(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, sources)

	assert.ErrorIs(t, svc.DeleteSource(ctx, "", "h.md"), vectorstore.ErrMissingTenant)
}

func TestReingest_FailedEmbedKeepsPreviousChunks(t *testing.T) {
	svc, emb := newTestRetrieval(t, RetrievalConfig{})
	ctx := context.Background()

	require.True(t, svc.Ingest(ctx, "acme", IngestRequest{Source: "h.md", Content: handbook, SourceType: SourceDocs}).Success)

	emb.fail = true
	res := svc.Reingest(ctx, "acme", IngestRequest{Source: "h.md", Content: "# Only\nsection", SourceType: SourceDocs})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "embed")

	sources, err := svc.ListSources(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, 2, sources[0].ChunkCount)

	// Emptying a file still clears what it used to contribute.
	emb.fail = false
	require.True(t, svc.Reingest(ctx, "acme", IngestRequest{Source: "h.md", Content: "", SourceType: SourceDocs}).Success)
	sources, err = svc.ListSources(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func TestRetrieve_Failures(t *testing.T) {
	svc, emb := newTestRetrieval(t, RetrievalConfig{})
	ctx := context.Background()

	assert.True(t, svc.Retrieve(ctx, "", RetrieveQuery{Query: "x"}).IsError())

	emb.fail = true
	res := svc.Retrieve(ctx, "acme", RetrieveQuery{Query: "x"})
	assert.True(t, res.IsError())
	assert.Empty(t, res.OrElse(nil))
}

func TestRetrieve_SourceTypeFilter(t *testing.T) {
	svc, _ := newTestRetrieval(t, RetrievalConfig{})
	ctx := context.Background()
	svc.Ingest(ctx, "acme", IngestRequest{Source: "guide.md", Content: "# Keys\nkeys are at the front desk", SourceType: SourceDocs})
	svc.Ingest(ctx, "acme", IngestRequest{Source: "unit-4b", Content: "unit 4b keys missing", SourceType: SourceEntity})

	chunks, err := svc.Retrieve(ctx, "acme", RetrieveQuery{
		Query:          "keys",
		TopK:           5,
		SourceType:     mo.Some(SourceEntity),
		ScoreThreshold: mo.Some(0.0),
	}).Get()
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, SourceEntity, chunks[0].SourceType)
}

func TestRetrieve_Properties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 40
	properties := gopter.NewProperties(params)

	words := gen.OneConstOf("lease", "rent", "tenant", "roof", "boiler", "parking", "deposit", "keys")
	doc := gen.SliceOfN(6, words).Map(func(ws []string) string { return strings.Join(ws, " ") })

	properties.Property("results are bounded, sorted and above threshold", prop.ForAll(
		func(docs []string, query string, topK int, threshold float64) bool {
			svc := NewRetrievalService(vectorstore.NewMemoryStore(), &hashEmbedder{}, RetrievalConfig{}, nil)
			ctx := context.Background()
			for i, d := range docs {
				svc.Ingest(ctx, "acme", IngestRequest{Source: fmt.Sprintf("s%d", i), Content: d, SourceType: SourceEntity})
			}
			chunks, err := svc.Retrieve(ctx, "acme", RetrieveQuery{Query: query, TopK: topK, ScoreThreshold: mo.Some(threshold)}).Get()
			if err != nil || len(chunks) > topK {
				return false
			}
			for i, c := range chunks {
				if c.Score < threshold {
					return false
				}
				if i > 0 && chunks[i-1].Score < c.Score {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(8, doc),
		words,
		gen.IntRange(1, 5),
		gen.Float64Range(0, 1),
	))

	properties.Property("another tenant never sees ingested chunks", prop.ForAll(
		func(owner, reader, query string) bool {
			if owner == reader {
				return true
			}
			svc := NewRetrievalService(vectorstore.NewMemoryStore(), &hashEmbedder{}, RetrievalConfig{}, nil)
			ctx := context.Background()
			svc.Ingest(ctx, owner, IngestRequest{Source: "h.md", Content: handbook, SourceType: SourceDocs})
			chunks, err := svc.Retrieve(ctx, reader, RetrieveQuery{Query: query, ScoreThreshold: mo.Some(0.0)}).Get()
			return err == nil && len(chunks) == 0
		},
		gen.Identifier(),
		gen.Identifier(),
		words,
	))

	properties.TestingRun(t)
}
