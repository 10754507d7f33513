// Package ratelimit implements fixed-window rate limits on Redis. Counters
// live in Redis, so every matching instance enforces the same budget.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/peerprep/matching/internal/logger"
)

// Rule is a limit of Limit hits per Window for keys under the Key prefix.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleMatch bounds match requests per user.
	RuleMatch = Rule{Key: "rl:match:", Limit: 10, Window: time.Minute}

	// RuleConnect bounds WebSocket upgrades per client IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: time.Minute}
)

// MatchRule returns RuleMatch with the given limit and window. Non-positive
// values keep the defaults.
func MatchRule(limit int, window time.Duration) Rule {
	r := RuleMatch
	if limit > 0 {
		r.Limit = limit
	}
	if window > 0 {
		r.Window = window
	}
	return r
}

// hit increments the window counter and starts the window on the first hit
// in one round trip, so a counter can never be left without a TTL.
var hit = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

type Limiter struct {
	client *redis.Client
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow records one hit for identifier under rule and reports whether it is
// within the limit. Redis failures allow the hit and return the error.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	n, err := hit.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64()
	if err != nil {
		logger.Warn("rate limit check failed, allowing", "component", "ratelimit", "key", key, "error", err)
		return true, err
	}
	return n <= int64(rule.Limit), nil
}
