// Package ratelimit throttles client socket events with a Redis INCR+EXPIRE
// fixed window per user and event kind.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chat-realtime/internal/logger"
)

// Rule is one throttling policy.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

// TypingRule is generous: clients emit typing on keystroke bursts.
var TypingRule = Rule{Key: "rl:typing:", Limit: 30, Window: 10 * time.Second}

// SendRule builds the message-send policy from configuration.
func SendRule(limit int, window time.Duration) Rule {
	return Rule{Key: "rl:send:", Limit: limit, Window: window}
}

// Limiter checks rules against Redis. A nil *Limiter allows everything.
type Limiter struct {
	client *redis.Client
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one event for userID under rule. Redis failures fail open so
// an outage never blocks messaging.
func (l *Limiter) Allow(ctx context.Context, userID int64, rule Rule) bool {
	if l == nil || l.client == nil || rule.Limit <= 0 {
		return true
	}
	key := rule.Key + strconv.FormatInt(userID, 10)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		logger.Warn("ratelimit incr failed, allowing", zap.String("key", key), zap.Error(err))
		return true
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			logger.Warn("ratelimit expire failed, allowing", zap.String("key", key), zap.Error(err))
			l.client.Del(ctx, key)
			return true
		}
	}
	return int(count) <= rule.Limit
}

// Close releases the Redis client.
func (l *Limiter) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}
