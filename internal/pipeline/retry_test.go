package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}

	calls := 0
	err := Retry(context.Background(), policy, func() error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("transient"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_MaxRetriesExceeded(t *testing.T) {
	cause := errors.New("still down")

	calls := 0
	err := Retry(context.Background(), fastRetry(), func() error {
		calls++
		return Retryable(cause)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected wrapped cause, got %v", err)
	}
	if !strings.Contains(err.Error(), "max retries exceeded") {
		t.Errorf("unexpected error message: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected initial attempt plus 1 retry, got %d calls", calls)
	}
}

func TestRetry_NonRetryableAbortsImmediately(t *testing.T) {
	cause := errors.New("bad request")

	calls := 0
	err := Retry(context.Background(), fastRetry(), func() error {
		calls++
		return cause
	})
	if !errors.Is(err, cause) {
		t.Errorf("expected cause returned as-is, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_ContextCancellation(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:     5,
		InitialBackoff: time.Hour,
		MaxBackoff:     time.Hour,
		BackoffFactor:  2.0,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, policy, func() error {
		return Retryable(errors.New("transient"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(errors.New("plain")) {
		t.Error("plain error must not be retryable")
	}
	if !IsRetryable(Retryable(errors.New("transient"))) {
		t.Error("wrapped error must be retryable")
	}
	// Marker survives further wrapping.
	wrapped := errors.Join(errors.New("context"), Retryable(errors.New("transient")))
	if !IsRetryable(wrapped) {
		t.Error("retryable marker must survive wrapping")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:     10,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		BackoffFactor:  2.0,
	}

	first := backoffFor(policy, 0)
	if first < 80*time.Millisecond || first > 120*time.Millisecond {
		t.Errorf("attempt 0 backoff outside jitter bounds: %v", first)
	}

	late := backoffFor(policy, 8)
	if late > 1100*time.Millisecond {
		t.Errorf("backoff must cap at MaxBackoff plus jitter, got %v", late)
	}
}
