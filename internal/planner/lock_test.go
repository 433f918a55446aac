package planner_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/p-n-ai/pai-planner/internal/planner"
	"github.com/p-n-ai/pai-planner/internal/platform/cache"
)

func TestMemoryLocker_Exclusive(t *testing.T) {
	locker := planner.NewMemoryLocker()
	key := planner.TopicLockKey("u1", "t1")

	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(t.Context(), key)
			if err != nil {
				t.Errorf("Lock() error = %v", err)
				return
			}
			n := inside.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	if peak.Load() != 1 {
		t.Errorf("peak holders = %d, want 1", peak.Load())
	}
}

func TestMemoryLocker_DistinctKeysDoNotBlock(t *testing.T) {
	locker := planner.NewMemoryLocker()

	unlockA, err := locker.Lock(t.Context(), "a")
	if err != nil {
		t.Fatalf("Lock(a) error = %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	unlockB, err := locker.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("Lock(b) error = %v", err)
	}
	unlockB()
}

func TestMemoryLocker_ContextCancel(t *testing.T) {
	locker := planner.NewMemoryLocker()

	unlock, err := locker.Lock(t.Context(), "k")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Lock() while held error = %v, want DeadlineExceeded", err)
	}

	unlock()
	unlock() // second call is a no-op

	again, err := locker.Lock(t.Context(), "k")
	if err != nil {
		t.Fatalf("Lock() after release error = %v", err)
	}
	again()
}

func TestTopicLockKey(t *testing.T) {
	if got := planner.TopicLockKey("u1", "t1"); got != "topic:u1:t1" {
		t.Errorf("TopicLockKey() = %q", got)
	}
}

func TestRedisLocker_NilClient(t *testing.T) {
	var l *planner.RedisLocker
	if _, err := l.Lock(t.Context(), "k"); err == nil {
		t.Fatal("expected error for nil locker")
	}
}

// flakyRedis grants every SET NX and fails every other command, without
// dialing a server.
type flakyRedis struct {
	mu   sync.Mutex
	keys []string
}

func (h *flakyRedis) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *flakyRedis) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (h *flakyRedis) ProcessHook(redis.ProcessHook) redis.ProcessHook {
	return func(_ context.Context, cmd redis.Cmder) error {
		if c, ok := cmd.(*redis.BoolCmd); ok {
			h.mu.Lock()
			h.keys = append(h.keys, cmd.Args()[1].(string))
			h.mu.Unlock()
			c.SetVal(true)
			return nil
		}
		return errors.New("connection reset by peer")
	}
}

func TestRedisLocker_NamespacesKeysAndLogsFailedRelease(t *testing.T) {
	hook := &flakyRedis{}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	client.AddHook(hook)
	t.Cleanup(func() { _ = client.Close() })

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	keys := cache.Keys{Prefix: "study"}
	locker := planner.NewRedisLocker(client, keys, time.Second)
	unlock, err := locker.Lock(t.Context(), planner.TopicLockKey("u1", "t1"))
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	unlock()

	if len(hook.keys) != 1 || hook.keys[0] != "study:lock:topic:u1:t1" {
		t.Errorf("locked keys = %v, want [study:lock:topic:u1:t1]", hook.keys)
	}
	out := buf.String()
	if !strings.Contains(out, "lock release failed") || !strings.Contains(out, "study:lock:topic:u1:t1") {
		t.Errorf("log output = %q, want a release failure warning naming the key", out)
	}
}
