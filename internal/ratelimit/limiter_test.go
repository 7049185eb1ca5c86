package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewLimiter(client), client
}

func TestAllow(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 1; i <= 3; i++ {
		ok, err := l.Allow(ctx, "u1", rule)
		if err != nil || !ok {
			t.Fatalf("request %d: Allow = (%v, %v), want (true, nil)", i, ok, err)
		}
	}
	ok, err := l.Allow(ctx, "u1", rule)
	if err != nil || ok {
		t.Fatalf("request 4: Allow = (%v, %v), want (false, nil)", ok, err)
	}

	// Other identifiers have their own window.
	if ok, _ := l.Allow(ctx, "u2", rule); !ok {
		t.Error("u2 should not be limited by u1's traffic")
	}
}

func TestRetryAfter(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: 30 * time.Second}

	d, err := l.RetryAfter(ctx, "fresh", rule)
	if err != nil || d != 0 {
		t.Fatalf("RetryAfter without a window = (%v, %v)", d, err)
	}

	l.Allow(ctx, "busy", rule)
	d, err = l.RetryAfter(ctx, "busy", rule)
	if err != nil {
		t.Fatal(err)
	}
	if d <= 0 || d > rule.Window {
		t.Errorf("RetryAfter = %v, want within (0, %v]", d, rule.Window)
	}
}

func TestAllowFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer client.Close()
	l := NewLimiter(client)

	ok, err := l.Allow(context.Background(), "u1", RuleSend)
	if !ok {
		t.Error("expected fail-open when redis is unreachable")
	}
	if err == nil {
		t.Error("expected the redis error to be returned")
	}
}
