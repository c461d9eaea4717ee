package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hookwire/hookwire/internal/domain"
)

func TestTokenBucketLimiter_DisabledAlwaysAllows(t *testing.T) {
	l := NewTokenBucketLimiter(nil)
	cfg := domain.RateLimitConfig{Enabled: false, RequestsPerMinute: 1, BurstLimit: 1}

	for i := 0; i < 100; i++ {
		ok, err := l.TryAcquire(context.Background(), "wh_1", cfg)
		if err != nil {
			t.Fatalf("TryAcquire() error = %v", err)
		}
		if !ok {
			t.Fatalf("call %d: disabled rate limit should always allow", i)
		}
	}
}

func TestTokenBucketLimiter_BurstThenDeny(t *testing.T) {
	l := NewTokenBucketLimiter(nil)
	cfg := domain.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstLimit: 3}

	for i := 0; i < 3; i++ {
		ok, _ := l.TryAcquire(context.Background(), "wh_1", cfg)
		if !ok {
			t.Fatalf("call %d should be admitted within the burst", i+1)
		}
	}

	ok, _ := l.TryAcquire(context.Background(), "wh_1", cfg)
	if ok {
		t.Error("call past the burst limit should be denied")
	}
}

func TestTokenBucketLimiter_RefillsContinuously(t *testing.T) {
	l := NewTokenBucketLimiter(nil)
	// 600 rpm = one token every 100ms.
	cfg := domain.RateLimitConfig{Enabled: true, RequestsPerMinute: 600, BurstLimit: 1}

	ok, _ := l.TryAcquire(context.Background(), "wh_1", cfg)
	if !ok {
		t.Fatal("first call should be admitted")
	}
	ok, _ = l.TryAcquire(context.Background(), "wh_1", cfg)
	if ok {
		t.Fatal("second immediate call should be denied")
	}

	time.Sleep(150 * time.Millisecond)

	ok, _ = l.TryAcquire(context.Background(), "wh_1", cfg)
	if !ok {
		t.Error("one refill interval later a call should be admitted again")
	}
}

func TestTokenBucketLimiter_IndependentBuckets(t *testing.T) {
	l := NewTokenBucketLimiter(nil)
	cfg := domain.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstLimit: 1}

	ok, _ := l.TryAcquire(context.Background(), "wh_a", cfg)
	if !ok {
		t.Fatal("wh_a first call should be admitted")
	}
	ok, _ = l.TryAcquire(context.Background(), "wh_b", cfg)
	if !ok {
		t.Error("wh_b should have its own bucket")
	}
}

func TestTokenBucketLimiter_ConfigChangeResetsBucket(t *testing.T) {
	l := NewTokenBucketLimiter(nil)
	small := domain.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstLimit: 1}
	large := domain.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstLimit: 5}

	l.TryAcquire(context.Background(), "wh_1", small)
	if ok, _ := l.TryAcquire(context.Background(), "wh_1", small); ok {
		t.Fatal("small bucket should be exhausted")
	}

	// Raised burst limit takes effect on the next acquire.
	if ok, _ := l.TryAcquire(context.Background(), "wh_1", large); !ok {
		t.Error("updated config should start a fresh bucket")
	}
}

func TestTokenBucketLimiter_SweepEvictsIdle(t *testing.T) {
	l := NewTokenBucketLimiter(nil)
	cfg := domain.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstLimit: 1}

	l.TryAcquire(context.Background(), "wh_idle", cfg)

	if removed := l.Sweep(0); removed != 1 {
		t.Errorf("Sweep(0) = %d, want 1", removed)
	}

	// Evicted bucket comes back full.
	if ok, _ := l.TryAcquire(context.Background(), "wh_idle", cfg); !ok {
		t.Error("re-created bucket should start full")
	}
}

func TestTokenBucketLimiter_ConcurrentAccess(t *testing.T) {
	l := NewTokenBucketLimiter(nil)
	cfg := domain.RateLimitConfig{Enabled: true, RequestsPerMinute: 6000, BurstLimit: 50}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.TryAcquire(context.Background(), "wh_concurrent", cfg)
		}()
	}
	wg.Wait()
}
