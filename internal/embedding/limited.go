package embedding

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limited paces calls to the wrapped Embedder so bulk ingestion stays under the
// provider's request quota.
type Limited struct {
	next    Embedder
	limiter *rate.Limiter
}

// NewLimited allows perSecond calls per second with the given burst. A non-positive rate
// disables limiting.
func NewLimited(next Embedder, perSecond float64, burst int) *Limited {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (l *Limited) Dimension() int { return l.next.Dimension() }

func (l *Limited) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for embedding quota: %w", err)
	}
	return l.next.Embed(ctx, texts)
}
