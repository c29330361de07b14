package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"estateops.com/assistant/internal/utils"
)

const qdrantScrollPage = 256

// QdrantStore is a minimal REST client for one Qdrant collection using cosine distance.
type QdrantStore struct {
	url        string
	apiKey     string
	collection string
	client     *http.Client
}

type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

func NewQdrantStore(cfg QdrantConfig) *QdrantStore {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &QdrantStore{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		client:     &http.Client{Timeout: timeout},
	}
}

type qdrantError struct {
	method string
	path   string
	status int
	body   string
}

func (e *qdrantError) Error() string {
	return fmt.Sprintf("qdrant %s %s failed: %d %s", e.method, e.path, e.status, e.body)
}

func (s *QdrantStore) EnsureCollection(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return errors.New("qdrant: invalid dimension")
	}

	exists, err := s.checkCollection(ctx, dimension)
	if err != nil {
		return err
	}
	if !exists {
		body := map[string]any{
			"vectors": map[string]any{"size": dimension, "distance": "Cosine"},
		}
		if err := s.do(ctx, http.MethodPut, s.collectionPath(""), body, nil); err != nil {
			// Another process may have created it between the check and the PUT.
			if again, checkErr := s.checkCollection(ctx, dimension); checkErr != nil || !again {
				return fmt.Errorf("creating collection %s: %w", s.collection, err)
			}
		}
	}

	for _, field := range []string{"tenant_id", "source_type", "source"} {
		body := map[string]any{"field_name": field, "field_schema": "keyword"}
		if err := s.do(ctx, http.MethodPut, s.collectionPath("/index?wait=true"), body, nil); err != nil {
			return fmt.Errorf("creating payload index %s: %w", field, err)
		}
	}
	return nil
}

func (s *QdrantStore) checkCollection(ctx context.Context, dimension int) (bool, error) {
	var resp struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size     int    `json:"size"`
						Distance string `json:"distance"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	err := s.do(ctx, http.MethodGet, s.collectionPath(""), nil, &resp)
	var qe *qdrantError
	if errors.As(err, &qe) && qe.status == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	vectors := resp.Result.Config.Params.Vectors
	if vectors.Size != dimension {
		return false, fmt.Errorf("collection %s has size %d, want %d: %w", s.collection, vectors.Size, dimension, ErrDimensionMismatch)
	}
	if vectors.Distance != "Cosine" {
		return false, fmt.Errorf("collection %s uses %s distance, want Cosine", s.collection, vectors.Distance)
	}
	return true, nil
}

func (s *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	if err := validatePoints(points, 0); err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}
	body := make([]map[string]any, len(points))
	for i, p := range points {
		body[i] = map[string]any{
			"id":      p.ID,
			"vector":  p.Vector,
			"payload": p.Payload,
		}
	}
	return s.do(ctx, http.MethodPut, s.collectionPath("/points?wait=true"), map[string]any{"points": body}, nil)
}

type qdrantPoint struct {
	ID      any     `json:"id"`
	Score   float64 `json:"score"`
	Payload Payload `json:"payload"`
}

func (p qdrantPoint) record() Record {
	return Record{ID: fmt.Sprint(p.ID), Payload: p.Payload}
}

func (s *QdrantStore) Search(ctx context.Context, req SearchRequest) ([]Hit, error) {
	if err := validateSearch(req, 0); err != nil {
		return nil, err
	}
	body := map[string]any{
		"vector":          req.Vector,
		"filter":          qdrantFilter(req.Filter),
		"limit":           req.Limit,
		"with_payload":    true,
		"score_threshold": req.MinScore,
	}
	var resp struct {
		Result []qdrantPoint `json:"result"`
	}
	if err := s.do(ctx, http.MethodPost, s.collectionPath("/points/search"), body, &resp); err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		score := utils.Score(r.Score)
		if score < req.MinScore {
			continue
		}
		hits = append(hits, Hit{Record: r.record(), Score: score})
	}
	return hits, nil
}

func (s *QdrantStore) Delete(ctx context.Context, filter Filter) error {
	if err := filter.Validate(); err != nil {
		return err
	}
	body := map[string]any{"filter": qdrantFilter(filter)}
	return s.do(ctx, http.MethodPost, s.collectionPath("/points/delete?wait=true"), body, nil)
}

func (s *QdrantStore) Scroll(ctx context.Context, filter Filter) ([]Record, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	var (
		out    []Record
		offset any
	)
	for {
		body := map[string]any{
			"filter":       qdrantFilter(filter),
			"limit":        qdrantScrollPage,
			"with_payload": true,
			"with_vector":  false,
		}
		if offset != nil {
			body["offset"] = offset
		}
		var resp struct {
			Result struct {
				Points         []qdrantPoint `json:"points"`
				NextPageOffset any           `json:"next_page_offset"`
			} `json:"result"`
		}
		if err := s.do(ctx, http.MethodPost, s.collectionPath("/points/scroll"), body, &resp); err != nil {
			return nil, err
		}
		for _, p := range resp.Result.Points {
			out = append(out, p.record())
		}
		if resp.Result.NextPageOffset == nil {
			return out, nil
		}
		offset = resp.Result.NextPageOffset
	}
}

func (s *QdrantStore) Count(ctx context.Context, filter Filter) (int, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	body := map[string]any{"filter": qdrantFilter(filter), "exact": true}
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := s.do(ctx, http.MethodPost, s.collectionPath("/points/count"), body, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

func qdrantFilter(f Filter) map[string]any {
	must := []map[string]any{matchKeyword("tenant_id", f.TenantID)}
	if f.SourceType != "" {
		must = append(must, matchKeyword("source_type", f.SourceType))
	}
	if f.Source != "" {
		must = append(must, matchKeyword("source", f.Source))
	}
	return map[string]any{"must": must}
}

func matchKeyword(key, value string) map[string]any {
	return map[string]any{"key": key, "match": map[string]any{"value": value}}
}

func (s *QdrantStore) collectionPath(suffix string) string {
	return fmt.Sprintf("/collections/%s%s", s.collection, suffix)
}

func (s *QdrantStore) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding qdrant request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.url+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &qdrantError{method: method, path: path, status: resp.StatusCode, body: string(bytes.TrimSpace(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding qdrant response: %w", err)
	}
	return nil
}
