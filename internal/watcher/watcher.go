// Package watcher keeps a tenant's knowledge in sync with a directory of files.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"estateops.com/assistant/internal/core"
)

// Ingestor is the part of the retrieval service the watcher drives.
type Ingestor interface {
	Reingest(ctx context.Context, tenantID string, req core.IngestRequest) core.IngestResult
	DeleteSource(ctx context.Context, tenantID, source string) error
}

// SourceTypeFor maps a file extension onto the source type it is ingested as.
func SourceTypeFor(path string) (core.SourceType, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return core.SourceDocs, true
	case ".txt", ".sql":
		return core.SourceSchema, true
	case ".json":
		return core.SourceEntity, true
	}
	return "", false
}

type Watcher struct {
	dir      string
	tenantID string
	ingestor Ingestor
	fsw      *fsnotify.Watcher
	logger   *slog.Logger
}

func New(dir, tenantID string, ingestor Ingestor, logger *slog.Logger) (*Watcher, error) {
	if tenantID == "" {
		return nil, errors.New("watcher: tenant is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return &Watcher{dir: dir, tenantID: tenantID, ingestor: ingestor, fsw: fsw, logger: logger.With("watch_dir", dir, "tenant_id", tenantID)}, nil
}

// Sync ingests every supported file currently in the directory and returns how many
// succeeded.
func (w *Watcher) Sync(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", w.dir, err)
	}
	ok := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if w.ingest(ctx, filepath.Join(w.dir, e.Name())) {
			ok++
		}
	}
	return ok, nil
}

// Run applies file events until ctx is done, then closes the underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if _, ok := SourceTypeFor(event.Name); !ok {
		return
	}
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		w.ingest(ctx, event.Name)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		source := w.source(event.Name)
		if err := w.ingestor.DeleteSource(ctx, w.tenantID, source); err != nil {
			w.logger.Error("failed to drop removed source", "source", source, "error", err)
		}
	}
}

func (w *Watcher) ingest(ctx context.Context, path string) bool {
	st, ok := SourceTypeFor(path)
	if !ok {
		return false
	}
	content, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("failed to read watched file", "path", path, "error", err)
		return false
	}
	res := w.ingestor.Reingest(ctx, w.tenantID, core.IngestRequest{
		Source:     w.source(path),
		Content:    string(content),
		SourceType: st,
		Metadata:   map[string]any{"path": path},
	})
	if !res.Success {
		w.logger.Error("failed to ingest watched file", "source", res.Source, "error", res.Error)
		return false
	}
	w.logger.Info("ingested watched file", "source", res.Source, "chunks", res.ChunkCount)
	return true
}

func (w *Watcher) source(path string) string {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return filepath.Base(path)
	}
	return filepath.ToSlash(rel)
}
