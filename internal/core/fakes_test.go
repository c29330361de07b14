package core

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"

	"estateops.com/assistant/internal/audit"
	"estateops.com/assistant/internal/llm"
)

const testDimension = 256

// hashEmbedder is a bag-of-words embedder: each lower-cased word adds one to a hashed
// bucket. Texts sharing words get a positive cosine similarity.
type hashEmbedder struct {
	fail  bool
	calls int
}

func (h *hashEmbedder) Dimension() int { return testDimension }

func (h *hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	h.calls++
	if h.fail {
		return nil, errors.New("embedding service unavailable")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, testDimension)
		words := strings.FieldsFunc(strings.ToLower(t), func(r rune) bool { return !unicode.IsLetter(r) })
		for _, w := range words {
			f := fnv.New32a()
			_, _ = f.Write([]byte(w))
			v[f.Sum32()%testDimension]++
		}
		if len(words) == 0 {
			v[0] = 1
		}
		out[i] = v
	}
	return out, nil
}

// scriptedLLM returns its replies in order and records every request.
type scriptedLLM struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	requests [][]llm.Message
}

func (s *scriptedLLM) Complete(_ context.Context, messages []llm.Message, _ llm.Options) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.requests)
	s.requests = append(s.requests, append([]llm.Message(nil), messages...))
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i < len(s.replies) {
		return s.replies[i], nil
	}
	return `{"type":"final","message":"done"}`, nil
}

func (s *scriptedLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingSink) Record(_ context.Context, e audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) all() []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Event(nil), r.events...)
}

type fixedLLM string

func (f fixedLLM) Complete(context.Context, []llm.Message, llm.Options) (string, error) {
	return string(f), nil
}
