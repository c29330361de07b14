package vectorstore

import (
	"context"
	"sort"
	"sync"

	"estateops.com/assistant/internal/utils"
)

// MemoryStore keeps points in process memory. It backs tests and single-node dev runs.
type MemoryStore struct {
	mu        sync.RWMutex
	dimension int
	points    map[string]Point
	order     []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{points: make(map[string]Point)}
}

func (m *MemoryStore) EnsureCollection(_ context.Context, dimension int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dimension != 0 && m.dimension != dimension {
		return ErrDimensionMismatch
	}
	m.dimension = dimension
	return nil
}

func (m *MemoryStore) Upsert(_ context.Context, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := validatePoints(points, m.dimension); err != nil {
		return err
	}
	for _, p := range points {
		if _, exists := m.points[p.ID]; !exists {
			m.order = append(m.order, p.ID)
		}
		p.Vector = append([]float32(nil), p.Vector...)
		m.points[p.ID] = p
	}
	return nil
}

func (m *MemoryStore) Search(_ context.Context, req SearchRequest) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := validateSearch(req, m.dimension); err != nil {
		return nil, err
	}

	var hits []Hit
	for _, id := range m.order {
		p := m.points[id]
		if !req.Filter.Matches(p.Payload) {
			continue
		}
		sim, err := utils.CosineSimilarity(req.Vector, p.Vector)
		if err != nil {
			continue
		}
		score := utils.Score(float64(sim))
		if score < req.MinScore {
			continue
		}
		hits = append(hits, Hit{Record: Record{ID: p.ID, Payload: p.Payload}, Score: score})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > req.Limit {
		hits = hits[:req.Limit]
	}
	return hits, nil
}

func (m *MemoryStore) Delete(_ context.Context, filter Filter) error {
	if err := filter.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.order[:0]
	for _, id := range m.order {
		if filter.Matches(m.points[id].Payload) {
			delete(m.points, id)
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return nil
}

func (m *MemoryStore) Scroll(_ context.Context, filter Filter) ([]Record, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, id := range m.order {
		p := m.points[id]
		if filter.Matches(p.Payload) {
			out = append(out, Record{ID: p.ID, Payload: p.Payload})
		}
	}
	return out, nil
}

func (m *MemoryStore) Count(ctx context.Context, filter Filter) (int, error) {
	records, err := m.Scroll(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}
