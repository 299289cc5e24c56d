package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// TurnLimiter counts chat turns per user in fixed clock-hour windows.
type TurnLimiter struct {
	redis *redis.Client
	limit int64
}

func NewTurnLimiter(rdb *redis.Client, limit int64) *TurnLimiter {
	return &TurnLimiter{redis: rdb, limit: limit}
}

// Allow counts one turn for userID. A limit of zero or less disables limiting.
func (r *TurnLimiter) Allow(ctx context.Context, userID string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	if r.limit <= 0 {
		return true, 0, windowEnd, nil
	}
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("taskpilot:turns:%s:%s", userID, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}

var ErrLockHeld = errors.New("session lock is held")

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// SessionLock is an advisory per-chat lock held for the duration of a turn.
type SessionLock struct {
	redis *redis.Client
	ttl   time.Duration
	wait  time.Duration
	poll  time.Duration
}

func NewSessionLock(rdb *redis.Client, ttl, wait time.Duration) *SessionLock {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &SessionLock{redis: rdb, ttl: ttl, wait: wait, poll: 50 * time.Millisecond}
}

// Acquire takes the lock for chatID, polling for up to the configured wait.
// The returned func releases the lock only if it is still ours.
func (l *SessionLock) Acquire(ctx context.Context, chatID string) (release func(), err error) {
	key := "taskpilot:chatlock:" + chatID
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock setnx: %w", err)
		}
		if ok {
			return func() {
				// Release must run even when the turn's context is gone.
				_ = releaseLockScript.Run(context.Background(), l.redis, []string{key}, token).Err()
			}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrLockHeld
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}
