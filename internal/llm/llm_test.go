package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/googleapis/gax-go/v2/apierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestOpenAICompleter_SendsMessagesAndOptions(t *testing.T) {
	var got openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": "hello"}}},
		})
	}))
	defer srv.Close()

	c := NewOpenAICompleter(OpenAIConfig{BaseURL: srv.URL + "/v1", APIKey: "key", Model: "small"})
	text, err := c.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
	}, Options{Temperature: 0.2, MaxTokens: 64})

	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, "small", got.Model)
	assert.Len(t, got.Messages, 2)
	assert.InDelta(t, 0.2, got.Temperature, 1e-9)
	assert.Equal(t, 64, got.MaxTokens)
}

func TestOpenAICompleter_ErrorsCarryStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewOpenAICompleter(OpenAIConfig{BaseURL: srv.URL}).Complete(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, Options{})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.Code)
}

func TestOpenAICompleter_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := NewOpenAICompleter(OpenAIConfig{BaseURL: srv.URL}).Complete(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, Options{})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

type scriptedCompleter struct {
	errs  []error
	calls int
}

func (s *scriptedCompleter) Complete(context.Context, []Message, Options) (string, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	return "ok", nil
}

func grpcAPIError(code codes.Code) error {
	ae, ok := apierror.FromError(status.Error(code, "gemini said no"))
	if !ok {
		panic("status error did not convert")
	}
	return ae
}

func TestRetrying(t *testing.T) {
	transient := &StatusError{Code: http.StatusBadGateway}
	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		{name: "first try", errs: nil, wantCalls: 1},
		{name: "recovers after transient failures", errs: []error{transient, errors.New("reset")}, wantCalls: 3},
		{name: "gives up after max attempts", errs: []error{transient, transient, transient, transient}, wantCalls: 3, wantErr: true},
		{name: "client error is not retried", errs: []error{&StatusError{Code: http.StatusBadRequest}}, wantCalls: 1, wantErr: true},
		{name: "google bad request is not retried", errs: []error{&googleapi.Error{Code: http.StatusBadRequest}}, wantCalls: 1, wantErr: true},
		{name: "wrapped google auth error is not retried", errs: []error{fmt.Errorf("generate: %w", &googleapi.Error{Code: http.StatusForbidden})}, wantCalls: 1, wantErr: true},
		{name: "google unavailable is retried", errs: []error{&googleapi.Error{Code: http.StatusServiceUnavailable}}, wantCalls: 2},
		{name: "google rate limit is retried", errs: []error{&googleapi.Error{Code: http.StatusTooManyRequests}}, wantCalls: 2},
		{name: "grpc invalid argument is not retried", errs: []error{grpcAPIError(codes.InvalidArgument)}, wantCalls: 1, wantErr: true},
		{name: "grpc permission denied is not retried", errs: []error{grpcAPIError(codes.PermissionDenied)}, wantCalls: 1, wantErr: true},
		{name: "grpc resource exhausted is retried", errs: []error{grpcAPIError(codes.ResourceExhausted)}, wantCalls: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := &scriptedCompleter{errs: tt.errs}
			r := NewRetrying(next, RetryPolicy{MaxAttempts: 3}, nil)
			text, err := r.Complete(context.Background(), nil, Options{})
			assert.Equal(t, tt.wantCalls, next.calls)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "ok", text)
		})
	}
}

func TestRetrying_StopsOnCancelledContext(t *testing.T) {
	next := &scriptedCompleter{errs: []error{errors.New("down"), errors.New("down")}}
	r := NewRetrying(next, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Complete(ctx, nil, Options{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, next.calls)
}

func TestRetryPolicy_DelayIsCapped(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.GreaterOrEqual(t, p.Delay(0), 100*time.Millisecond)
	assert.LessOrEqual(t, p.Delay(10), time.Second+time.Second/5)
	assert.Zero(t, RetryPolicy{}.Delay(3))
}
