package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestTurnLimiterAllow(t *testing.T) {
	_, rdb := newTestRedis(t)

	rl := NewTurnLimiter(rdb, 2)
	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)

	allowed, used, _, err := rl.Allow(context.Background(), "u1", now)
	if err != nil {
		t.Fatalf("allow#1: %v", err)
	}
	if !allowed || used != 1 {
		t.Fatalf("expected first call allowed with used=1, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, _, err = rl.Allow(context.Background(), "u1", now)
	if err != nil {
		t.Fatalf("allow#2: %v", err)
	}
	if !allowed || used != 2 {
		t.Fatalf("expected second call allowed with used=2, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, resetAt, err := rl.Allow(context.Background(), "u1", now)
	if err != nil {
		t.Fatalf("allow#3: %v", err)
	}
	if allowed || used != 3 {
		t.Fatalf("expected third call denied with used=3, got allowed=%v used=%d", allowed, used)
	}
	if !resetAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected reset time %s", resetAt)
	}

	allowed, _, _, err = rl.Allow(context.Background(), "u2", now)
	if err != nil {
		t.Fatalf("allow other user: %v", err)
	}
	if !allowed {
		t.Fatalf("expected other user to have its own window")
	}

	allowed, _, _, err = rl.Allow(context.Background(), "u1", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("allow next window: %v", err)
	}
	if !allowed {
		t.Fatalf("expected a new window to reset the count")
	}
}

func TestTurnLimiterDisabled(t *testing.T) {
	_, rdb := newTestRedis(t)
	rl := NewTurnLimiter(rdb, 0)
	for i := 0; i < 5; i++ {
		allowed, _, _, err := rl.Allow(context.Background(), "u1", time.Now())
		if err != nil || !allowed {
			t.Fatalf("expected unlimited turns, got allowed=%v err=%v", allowed, err)
		}
	}
}

func TestSessionLock(t *testing.T) {
	mr, rdb := newTestRedis(t)
	lock := NewSessionLock(rdb, time.Minute, 0)

	release, err := lock.Acquire(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := lock.Acquire(context.Background(), "chat-1"); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}

	other, err := lock.Acquire(context.Background(), "chat-2")
	if err != nil {
		t.Fatalf("acquire other chat: %v", err)
	}
	other()

	release()
	if mr.Exists("taskpilot:chatlock:chat-1") {
		t.Fatalf("expected lock key to be deleted on release")
	}

	again, err := lock.Acquire(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	defer again()
}

func TestSessionLockReleaseKeepsForeignToken(t *testing.T) {
	mr, rdb := newTestRedis(t)
	lock := NewSessionLock(rdb, time.Minute, 0)

	release, err := lock.Acquire(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Simulate expiry and takeover by another holder.
	if err := mr.Set("taskpilot:chatlock:chat-1", "someone-else"); err != nil {
		t.Fatalf("overwrite lock: %v", err)
	}
	release()

	got, err := mr.Get("taskpilot:chatlock:chat-1")
	if err != nil || got != "someone-else" {
		t.Fatalf("expected foreign lock to survive release, got %q err=%v", got, err)
	}
}
