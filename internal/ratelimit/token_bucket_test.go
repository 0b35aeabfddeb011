package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, _, err := bucket.Allow(ctx, "device-1", 1)
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "device-1", 1)
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, wait, _ := bucket.Allow(ctx, "device-1", 1)
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if wait <= 0 {
		t.Fatalf("rejection must report a positive retry wait, got %s", wait)
	}

	// A different device has its own bucket.
	allowed, _, _ = bucket.Allow(ctx, "device-2", 1)
	if !allowed {
		t.Fatalf("expected independent bucket for second device")
	}
}

func TestTokenBucketBatchCost(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 5, 1, time.Minute)

	allowed, _, err := bucket.Allow(ctx, "device-1", 5)
	if err != nil || !allowed {
		t.Fatalf("batch within capacity rejected: allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "device-1", 1)
	if allowed {
		t.Fatalf("bucket should be empty after full-cost batch")
	}
}
