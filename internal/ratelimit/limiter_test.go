package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

// fakeCounterStore models Redis counters with TTL against a manual clock.
type fakeCounterStore struct {
	now         time.Time
	counts      map[string]int64
	expiresAt   map[string]time.Time
	expireCalls int
	err         error
}

func newFakeCounterStore() *fakeCounterStore {
	return &fakeCounterStore{
		now:       time.Unix(0, 0),
		counts:    make(map[string]int64),
		expiresAt: make(map[string]time.Time),
	}
}

func (s *fakeCounterStore) advance(d time.Duration) {
	s.now = s.now.Add(d)
}

func (s *fakeCounterStore) Incr(_ context.Context, key string) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	if deadline, ok := s.expiresAt[key]; ok && !s.now.Before(deadline) {
		delete(s.counts, key)
		delete(s.expiresAt, key)
	}
	s.counts[key]++
	return s.counts[key], nil
}

func (s *fakeCounterStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	if s.err != nil {
		return s.err
	}
	s.expireCalls++
	s.expiresAt[key] = s.now.Add(ttl)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRedisLimiter_SteadyCallerBelowBudgetNeverDenied(t *testing.T) {
	store := newFakeCounterStore()
	limiter := newRedisLimiter(store, Config{Requests: 2, Window: time.Minute}, testLogger())
	ctx := context.Background()

	// One request every 40s is well under 2/min; the counter must reset
	// when each window ends, no matter how long the stream runs.
	for i := 0; i < 50; i++ {
		if !limiter.Allow(ctx, "steady") {
			t.Fatalf("request %d denied despite staying under budget", i+1)
		}
		store.advance(40 * time.Second)
	}
}

func TestRedisLimiter_EnforcesBudgetWithinWindow(t *testing.T) {
	store := newFakeCounterStore()
	limiter := newRedisLimiter(store, Config{Requests: 3, Window: time.Minute}, testLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !limiter.Allow(ctx, "user-1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if limiter.Allow(ctx, "user-1") {
		t.Error("request over budget should be denied")
	}

	store.advance(2 * time.Minute)
	if !limiter.Allow(ctx, "user-1") {
		t.Error("budget should reset after the window expires")
	}
}

func TestRedisLimiter_ArmsExpiryOncePerWindow(t *testing.T) {
	store := newFakeCounterStore()
	limiter := newRedisLimiter(store, Config{Requests: 10, Window: time.Minute}, testLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		limiter.Allow(ctx, "user-1")
	}
	if store.expireCalls != 1 {
		t.Errorf("expiry armed %d times within one window, want 1", store.expireCalls)
	}

	store.advance(2 * time.Minute)
	limiter.Allow(ctx, "user-1")
	if store.expireCalls != 2 {
		t.Errorf("expiry armed %d times across two windows, want 2", store.expireCalls)
	}
}

func TestRedisLimiter_FallsBackWhenRedisDown(t *testing.T) {
	store := newFakeCounterStore()
	store.err = errors.New("connection refused")
	limiter := newRedisLimiter(store, Config{Requests: 1, Window: time.Minute}, testLogger())
	ctx := context.Background()

	if !limiter.Allow(ctx, "user-1") {
		t.Fatal("first request should be allowed by the local fallback")
	}
	if limiter.Allow(ctx, "user-1") {
		t.Error("fallback must still enforce the budget")
	}
}

func TestLocalLimiter_EnforcesBudget(t *testing.T) {
	limiter := NewLocalLimiter(Config{Requests: 3, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !limiter.Allow(ctx, "user-1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if limiter.Allow(ctx, "user-1") {
		t.Error("request over budget should be denied")
	}
}

func TestLocalLimiter_KeysAreIndependent(t *testing.T) {
	limiter := NewLocalLimiter(Config{Requests: 1, Window: time.Minute})
	ctx := context.Background()

	if !limiter.Allow(ctx, "user-1") {
		t.Fatal("first request for user-1 should be allowed")
	}
	if !limiter.Allow(ctx, "user-2") {
		t.Error("user-2 must not share user-1's bucket")
	}
	if limiter.Allow(ctx, "user-1") {
		t.Error("user-1 is over budget")
	}
}

func TestLocalLimiter_Refills(t *testing.T) {
	// 10 per 100ms refills one token every 10ms.
	limiter := NewLocalLimiter(Config{Requests: 10, Window: 100 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		limiter.Allow(ctx, "user-1")
	}
	if limiter.Allow(ctx, "user-1") {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(50 * time.Millisecond)
	if !limiter.Allow(ctx, "user-1") {
		t.Error("bucket should refill over time")
	}
}

func TestDefaultConfigAppliedToInvalidValues(t *testing.T) {
	limiter := NewLocalLimiter(Config{Requests: 0, Window: 0})
	if limiter.cfg.Requests != DefaultConfig().Requests {
		t.Errorf("expected default budget, got %d", limiter.cfg.Requests)
	}
}
