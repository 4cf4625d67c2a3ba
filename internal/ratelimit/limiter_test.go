package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter requires a running Redis on localhost:6379.
func newTestLimiter(t *testing.T) (*Limiter, Rule) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	rule := Rule{Name: "test", Prefix: fmt.Sprintf("rl:test:%d:", time.Now().UnixNano()), Limit: 3, Window: 5 * time.Second}
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, rule.Prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return NewLimiter(client), rule
}

func TestAllow_WithinAndOverLimit(t *testing.T) {
	l, rule := newTestLimiter(t)
	ctx := context.Background()

	for i := 1; i <= rule.Limit; i++ {
		ok, err := l.Allow(ctx, "conn1", rule)
		if err != nil || !ok {
			t.Fatalf("Allow #%d = %v, %v; want true, nil", i, ok, err)
		}
	}
	ok, err := l.Allow(ctx, "conn1", rule)
	if err != nil || ok {
		t.Fatalf("Allow over limit = %v, %v; want false, nil", ok, err)
	}

	// other identifiers are independent
	if ok, _ := l.Allow(ctx, "conn2", rule); !ok {
		t.Error("Allow(conn2) = false, want true")
	}

	if d := l.RetryAfter(ctx, "conn1", rule); d <= 0 || d > rule.Window {
		t.Errorf("RetryAfter = %v, want within (0, %v]", d, rule.Window)
	}
}

func TestAllow_SetsWindowExpiry(t *testing.T) {
	l, rule := newTestLimiter(t)
	ctx := context.Background()

	l.Allow(ctx, "ttl", rule)
	l.Allow(ctx, "ttl", rule)
	first := l.RetryAfter(ctx, "ttl", rule)
	if first <= 0 || first > rule.Window {
		t.Fatalf("RetryAfter = %v, want within (0, %v]", first, rule.Window)
	}

	// later hits must not push the window out
	time.Sleep(50 * time.Millisecond)
	l.Allow(ctx, "ttl", rule)
	if d := l.RetryAfter(ctx, "ttl", rule); d > first {
		t.Errorf("RetryAfter grew from %v to %v", first, d)
	}
}

func TestRuleKeys(t *testing.T) {
	seen := map[string]bool{}
	for _, r := range []Rule{RuleMessage, RuleReport, RuleConnect} {
		if r.Name == "" || r.Limit <= 0 || r.Window <= 0 {
			t.Errorf("rule %+v incomplete", r)
		}
		if seen[r.Prefix] {
			t.Errorf("prefix %q reused", r.Prefix)
		}
		seen[r.Prefix] = true
	}
	if got := RuleMessage.key("c1"); got != "rl:msg:c1" {
		t.Errorf("key = %q", got)
	}
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	l := NewLimiter(client)

	ok, err := l.Allow(context.Background(), "x", RuleMessage)
	if !ok {
		t.Error("Allow with Redis down = false, want true (fail open)")
	}
	if err == nil {
		t.Error("Allow with Redis down returned nil error")
	}
	if d := l.RetryAfter(context.Background(), "x", RuleMessage); d != RuleMessage.Window {
		t.Errorf("RetryAfter with Redis down = %v, want %v", d, RuleMessage.Window)
	}
}
