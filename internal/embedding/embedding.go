// Package embedding turns text into fixed-dimension vectors through an external
// embedding service.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

var ErrBatchMismatch = errors.New("embedding: response does not match request")

// Embedder embeds an ordered batch of texts. The result has the same length and order as
// the input; a failure for any item fails the whole batch.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// checkBatch verifies that vectors line up with the request and share the dimension.
func checkBatch(texts []string, vectors [][]float32, dimension int) error {
	if len(vectors) != len(texts) {
		return fmt.Errorf("got %d vectors for %d texts: %w", len(vectors), len(texts), ErrBatchMismatch)
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return fmt.Errorf("empty vector at position %d: %w", i, ErrBatchMismatch)
		}
		if dimension > 0 && len(v) != dimension {
			return fmt.Errorf("vector %d has %d dimensions, want %d: %w", i, len(v), dimension, ErrBatchMismatch)
		}
	}
	return nil
}
