// Package ratelimit throttles chat sends per connection, report submissions
// per user and WebSocket handshakes per client IP. Counters are fixed
// windows kept in Redis so every gateway instance shares them.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/togedog/chat-app/internal/logging"
	"github.com/togedog/chat-app/internal/metrics"
)

// Rule is a limit of Limit hits per Window for keys under Prefix.
type Rule struct {
	Name   string // metrics label
	Prefix string
	Limit  int
	Window time.Duration
}

var (
	// RuleMessage allows 10 chat messages per 10 seconds per connection.
	RuleMessage = Rule{Name: "message", Prefix: "rl:msg:", Limit: 10, Window: 10 * time.Second}

	// RuleReport allows 5 report submissions per minute per user.
	RuleReport = Rule{Name: "report", Prefix: "rl:report:", Limit: 5, Window: time.Minute}

	// RuleConnect allows 20 WebSocket handshakes per minute per IP.
	RuleConnect = Rule{Name: "connect", Prefix: "rl:conn:", Limit: 20, Window: time.Minute}
)

func (r Rule) key(identifier string) string { return r.Prefix + identifier }

// Limiter checks rules against Redis. Redis failures fail open: the request
// is allowed and the error returned for logging.
type Limiter struct {
	client redis.Cmdable
}

// NewLimiter creates a Limiter on client.
func NewLimiter(client redis.Cmdable) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one hit for identifier and reports whether it is within the
// rule. The counter and its expiry are set in one MULTI so a crash between
// them cannot leave a key without a TTL.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.key(identifier)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, rule.Window)
		return nil
	})
	if err != nil {
		log := logging.Component("ratelimit")
		log.Warn().Err(err).Str("key", key).Msg("redis unavailable, failing open")
		return true, err
	}

	if incr.Val() > int64(rule.Limit) {
		metrics.RateLimitHits.WithLabelValues(rule.Name).Inc()
		return false, nil
	}
	return true, nil
}

// RetryAfter is the time left in identifier's current window, or the full
// window when unknown.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.PTTL(ctx, rule.key(identifier)).Result()
	if err != nil || ttl <= 0 {
		return rule.Window
	}
	return ttl
}
