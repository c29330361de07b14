package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"estateops.com/assistant/internal/config"
	"estateops.com/assistant/internal/embedding"
	"estateops.com/assistant/internal/llm"
	"estateops.com/assistant/internal/store"
	"estateops.com/assistant/internal/vectorstore"
)

// closers collects resources to release on shutdown, in reverse order.
type closers []io.Closer

func (c closers) Close() {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Close(); err != nil {
			slog.Warn("failed to release resource", "error", err)
		}
	}
}

// newGeminiClient returns nil when neither provider is gemini.
func newGeminiClient(ctx context.Context, cfg config.Config, res *closers) (*genai.Client, error) {
	if cfg.EmbeddingProvider != "gemini" && cfg.ChatProvider != "gemini" {
		return nil, nil
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	*res = append(*res, client)
	return client, nil
}

func buildEmbedder(ctx context.Context, cfg config.Config, gemini *genai.Client, res *closers, logger *slog.Logger) (embedding.Embedder, error) {
	var base embedding.Embedder
	switch cfg.EmbeddingProvider {
	case "openai":
		base = embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
			BaseURL:   cfg.OpenAIBaseURL,
			APIKey:    cfg.OpenAIAPIKey,
			Model:     cfg.EmbeddingModel,
			Dimension: cfg.EmbeddingDimension,
		})
	default:
		base = embedding.NewGeminiEmbedder(gemini, cfg.EmbeddingModel, cfg.EmbeddingDimension)
	}

	var embedder embedding.Embedder = embedding.NewLimited(base, cfg.EmbeddingRPS, max(1, int(cfg.EmbeddingRPS)))
	if cfg.RedisURL != "" {
		cache, err := embedding.NewRedisCacheFromURL(ctx, cfg.RedisURL, cfg.EmbeddingCacheTTL)
		if err != nil {
			return nil, err
		}
		*res = append(*res, cache)
		embedder = embedding.NewCached(embedder, cache, cfg.EmbeddingModel, logger)
	}
	return embedder, nil
}

func buildCompleter(cfg config.Config, gemini *genai.Client, logger *slog.Logger) llm.Completer {
	var base llm.Completer
	switch cfg.ChatProvider {
	case "openai":
		base = llm.NewOpenAICompleter(llm.OpenAIConfig{
			BaseURL: cfg.OpenAIBaseURL,
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.ChatModel,
		})
	default:
		base = llm.NewGeminiCompleter(gemini, cfg.ChatModel)
	}
	return llm.NewRetrying(base, llm.RetryPolicy{
		MaxAttempts: cfg.ChatMaxRetries,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}, logger)
}

func buildVectorStore(cfg config.Config, db *store.SQLiteStore, res *closers) (vectorstore.Store, error) {
	switch cfg.VectorBackend {
	case "memory":
		return vectorstore.NewMemoryStore(), nil
	case "qdrant":
		return vectorstore.NewQdrantStore(vectorstore.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.CollectionName,
		}), nil
	case "pgvector":
		pg, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		*res = append(*res, pg)
		return vectorstore.NewPgvectorStore(pg, cfg.CollectionName), nil
	default:
		return vectorstore.NewSQLiteStore(db.DB(), cfg.CollectionName), nil
	}
}
