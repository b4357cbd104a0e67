package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newMiniRedisQueue(t *testing.T) (*miniredis.Miniredis, *RedisQueue) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	queue, err := NewRedisQueue(context.Background(), RedisQueueConfig{
		Address:   mr.Addr(),
		Queue:     "argos:test",
		BlockWait: time.Second,
	})
	if err != nil {
		t.Fatalf("new redis queue: %v", err)
	}
	t.Cleanup(func() { _ = queue.Close() })
	return mr, queue
}

func TestRedisQueuePublish(t *testing.T) {
	mr, queue := newMiniRedisQueue(t)
	ctx := context.Background()

	for _, id := range []string{"tic-1", "tic-2"} {
		if err := queue.Publish(ctx, id); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	n, err := queue.Len(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 queued tasks, got %d (%v)", n, err)
	}
	items, err := mr.List("argos:test")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if items[0] != "tic-2" || items[1] != "tic-1" {
		t.Fatalf("unexpected list layout: %v", items)
	}
}

func TestRedisQueueConsumeRequeuesFailures(t *testing.T) {
	_, queue := newMiniRedisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := queue.Publish(ctx, "tic-7"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var (
		mu    sync.Mutex
		calls int
	)
	done := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- queue.Consume(ctx, 2, func(_ context.Context, id string) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return errors.New("transient")
			}
			if id != "tic-7" {
				t.Errorf("unexpected task id %s", id)
			}
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("task was not redelivered")
	}
	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("consumer did not stop")
	}
	if calls != 2 {
		t.Fatalf("expected 2 deliveries, got %d", calls)
	}
}

func TestNewRedisQueueRequiresAddress(t *testing.T) {
	if _, err := NewRedisQueue(context.Background(), RedisQueueConfig{}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}
