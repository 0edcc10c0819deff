package ratelimit

import (
	"context"
	"testing"
)

func TestLocalTokenBucketAllowsWithinBurstAndBlocksOverBurst(t *testing.T) {
	b := NewLocalTokenBucketBackend()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := b.CheckRateLimit(ctx, "conn:1", 3, 1, 1)
		if err != nil || !allowed {
			t.Fatalf("expected request %d within burst to be allowed, allowed=%v err=%v", i, allowed, err)
		}
	}
	allowed, remaining, err := b.CheckRateLimit(ctx, "conn:1", 3, 1, 1)
	if err != nil {
		t.Fatalf("CheckRateLimit: %v", err)
	}
	if allowed {
		t.Fatal("expected request beyond burst to be rejected")
	}
	if remaining < 0 {
		t.Fatalf("expected non-negative remaining, got %v", remaining)
	}
}

func TestLocalTokenBucketKeysAreIndependent(t *testing.T) {
	b := NewLocalTokenBucketBackend()
	ctx := context.Background()

	b.CheckRateLimit(ctx, "conn:1", 1, 1, 1)
	allowed, _, err := b.CheckRateLimit(ctx, "conn:2", 1, 1, 1)
	if err != nil || !allowed {
		t.Fatalf("expected independent bucket for conn:2 to allow, allowed=%v err=%v", allowed, err)
	}
}
