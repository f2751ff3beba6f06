package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLimiterCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := New(client, 2, 1, time.Minute)

	allowed, _, err := limiter.Allow(ctx, "caller-a")
	if err != nil || !allowed {
		t.Fatalf("first token: allowed=%v err=%v", allowed, err)
	}
	allowed, remaining, _ := limiter.Allow(ctx, "caller-a")
	if !allowed {
		t.Fatal("second token should be allowed")
	}
	if remaining != 0 {
		t.Errorf("remaining = %v, want 0", remaining)
	}
	allowed, _, _ = limiter.Allow(ctx, "caller-a")
	if allowed {
		t.Fatal("third token should be rejected")
	}

	// Buckets are per caller: a different caller has its own budget.
	allowed, _, _ = limiter.Allow(ctx, "caller-b")
	if !allowed {
		t.Fatal("distinct caller should have a full bucket")
	}
}
