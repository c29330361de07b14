package llm

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
)

// RetryPolicy bounds the retries of one Complete call. Every call starts from attempt
// zero; nothing is shared between calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	return p
}

// Delay is the exponential backoff for attempt n with up to 20% jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BaseDelay == 0 {
		return 0
	}
	d := p.BaseDelay << min(attempt, 16)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	jitter := time.Duration(rand.Int64N(int64(d)/5 + 1))
	return d + jitter
}

// Retrying retries a Completer on transient failures.
type Retrying struct {
	next   Completer
	policy RetryPolicy
	logger *slog.Logger
}

func NewRetrying(next Completer, policy RetryPolicy, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{next: next, policy: policy.withDefaults(), logger: logger}
}

func (r *Retrying) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		text, err := r.next.Complete(ctx, messages, opts)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable(err) || attempt == r.policy.MaxAttempts-1 {
			break
		}

		delay := r.policy.Delay(attempt)
		r.logger.Warn("chat completion failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return "", lastErr
}

// retryable reports whether err is worth another attempt. Provider errors that carry a
// status are retried only for throttling and server faults; errors without one, such
// as a dropped connection, are retried.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return retryableHTTP(se.Code)
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return retryableHTTP(ge.Code)
	}
	var ae *apierror.APIError
	if errors.As(err, &ae) {
		if code := ae.HTTPCode(); code > 0 {
			return retryableHTTP(code)
		}
		if st := ae.GRPCStatus(); st != nil {
			switch st.Code() {
			case codes.ResourceExhausted, codes.Unavailable, codes.Internal, codes.Aborted:
				return true
			}
			return false
		}
	}
	return true
}

func retryableHTTP(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
