package state

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueueRunsOneAtATime(t *testing.T) {
	queue := NewQueue(8)
	queue.Start()
	defer queue.Stop()

	var running, maxSeen int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			queue.Do(context.Background(), "op", func() error {
				current := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&maxSeen)
					if current <= old || atomic.CompareAndSwapInt32(&maxSeen, old, current) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if m := atomic.LoadInt32(&maxSeen); m != 1 {
		t.Errorf("expected a single writer, saw %d concurrent", m)
	}
}

func TestQueuePreservesOrder(t *testing.T) {
	queue := NewQueue(1)
	queue.Start()
	defer queue.Stop()

	var order []int
	for i := 0; i < 5; i++ {
		if err := queue.Do(context.Background(), "op", func() error {
			order = append(order, i)
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v", order)
		}
	}
}

func TestQueueErrorDoesNotPoison(t *testing.T) {
	queue := NewQueue(4)
	queue.Start()
	defer queue.Stop()
	ctx := context.Background()

	boom := errors.New("disk full")
	if err := queue.Do(ctx, "fail", func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected op error, got %v", err)
	}
	if err := queue.Do(ctx, "panic", func() error { panic("bad") }); err == nil {
		t.Fatal("expected panic to surface as error")
	}
	if err := queue.Do(ctx, "ok", func() error { return nil }); err != nil {
		t.Fatalf("later op should succeed, got %v", err)
	}
}

func TestQueueContextAndStop(t *testing.T) {
	queue := NewQueue(1)
	queue.Start()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	if err := queue.Do(ctx, "cancelled", func() error { ran = true; return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if ran {
		t.Error("cancelled op should not run")
	}

	queue.Stop()
	if err := queue.Do(context.Background(), "late", func() error { return nil }); !errors.Is(err, ErrQueueStopped) {
		t.Errorf("expected ErrQueueStopped, got %v", err)
	}
	if !queue.WaitIdle(time.Second) {
		t.Error("stopped queue should be idle")
	}
}
