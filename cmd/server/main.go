package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"estateops.com/assistant/internal/api"
	"estateops.com/assistant/internal/audit"
	"estateops.com/assistant/internal/config"
	"estateops.com/assistant/internal/core"
	"estateops.com/assistant/internal/store"
	"estateops.com/assistant/internal/tools"
	"estateops.com/assistant/internal/tools/builtin"
	"estateops.com/assistant/internal/watcher"
)

func main() {
	// Command line flags for one-off ingestion
	ingestPath := flag.String("ingest", "", "Ingest a file or directory for -tenant and exit")
	ingestTenant := flag.String("tenant", "", "Tenant that owns ingested knowledge")
	flag.Parse()

	// Load configuration
	config.LoadConfig()
	cfg := config.AppConfig

	// Setup logging
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	logger.Debug("Service starting in DEBUG mode")

	if err := run(cfg, *ingestPath, *ingestTenant, logger); err != nil {
		logger.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, ingestPath, ingestTenant string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var res closers
	defer func() { res.Close() }()

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	res = append(res, dbStore)

	gemini, err := newGeminiClient(ctx, cfg, &res)
	if err != nil {
		return err
	}
	embedder, err := buildEmbedder(ctx, cfg, gemini, &res, logger)
	if err != nil {
		return err
	}
	vectors, err := buildVectorStore(cfg, dbStore, &res)
	if err != nil {
		return err
	}

	retrieval := core.NewRetrievalService(vectors, embedder, core.RetrievalConfig{
		Dimension:      cfg.EmbeddingDimension,
		ChunkSize:      cfg.ChunkSize,
		ChunkOverlap:   cfg.ChunkOverlap,
		TopK:           cfg.RetrievalTopK,
		ScoreThreshold: cfg.RetrievalScoreThreshold,
	}, logger)
	if err := retrieval.EnsureStore(ctx); err != nil {
		return err
	}

	// Handle data ingestion if flag is set
	if ingestPath != "" {
		return ingest(ctx, retrieval, ingestPath, ingestTenant, logger)
	}

	registry, err := tools.NewRegistry(logger)
	if err != nil {
		return err
	}
	if err := builtin.Register(registry, retrieval, dbStore); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}
	registry.Seal()

	completer := buildCompleter(cfg, gemini, logger)
	sink := audit.Multi{audit.NewLogSink(logger), dbStore}
	orchestrator := core.NewOrchestrator(retrieval, completer, registry, sink, core.OrchestratorConfig{
		MaxHistory:  cfg.MaxHistoryMessages,
		TopK:        cfg.RetrievalTopK,
		Temperature: cfg.ChatTemperature,
		MaxTokens:   cfg.ChatMaxTokens,
	}, logger)

	// Initialize Chat service
	chatService := core.NewChatService(dbStore, orchestrator, completer, cfg.MaxHistoryMessages, logger)

	if cfg.WatchDir != "" {
		w, err := watcher.New(cfg.WatchDir, cfg.WatchTenant, retrieval, logger)
		if err != nil {
			return err
		}
		if n, err := w.Sync(ctx); err != nil {
			logger.Warn("initial knowledge sync failed", "error", err)
		} else {
			logger.Info("initial knowledge sync complete", "sources", n)
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Error("knowledge watcher stopped", "error", err)
			}
		}()
	}

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(chatService, retrieval, dbStore, registry, cfg.DefaultScopes, logger)
	router := api.NewRouter(apiHandler)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,  // Adjusted for potentially slower LLM handshakes
		WriteTimeout: 120 * time.Second, // Two model calls and a tool can run per message
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", serverAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("could not listen on %s: %w", serverAddr, err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	// This gives active connections time to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exiting gracefully")
	return nil
}

func ingest(ctx context.Context, retrieval *core.RetrievalService, path, tenantID string, logger *slog.Logger) error {
	if tenantID == "" {
		return errors.New("-tenant is required with -ingest")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if info.IsDir() {
		w, err := watcher.New(path, tenantID, retrieval, logger)
		if err != nil {
			return err
		}
		defer w.Close()
		n, err := w.Sync(ctx)
		if err != nil {
			return err
		}
		logger.Info("data ingestion complete", "path", path, "sources", n)
		return nil
	}

	st, ok := watcher.SourceTypeFor(path)
	if !ok {
		return fmt.Errorf("unsupported file type: %s", path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	result := retrieval.Reingest(ctx, tenantID, core.IngestRequest{
		Source:     info.Name(),
		Content:    string(content),
		SourceType: st,
	})
	if !result.Success {
		return fmt.Errorf("data ingestion failed: %s", result.Error)
	}
	logger.Info("data ingestion complete", "source", result.Source, "chunks", result.ChunkCount, "elapsed", result.Elapsed)
	return nil
}
