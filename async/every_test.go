package async_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/questline/questline/async"
)

func TestEveryRunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	i := int32(0)
	done := async.RunEvery(ctx, 20*time.Millisecond, func() {
		atomic.AddInt32(&i, 1)
	})

	// Let a few ticks land.
	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&i) == 0 {
		t.Error("Counter failed to increment with ticker")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Runner did not exit after cancellation")
	}

	last := atomic.LoadInt32(&i)
	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&i) != last {
		t.Error("Counter incremented after stop")
	}
}

func TestEveryPanicDoesNotStopTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	i := int32(0)
	async.RunEvery(ctx, 10*time.Millisecond, func() {
		if atomic.AddInt32(&i, 1) == 1 {
			panic("first tick blows up")
		}
	})

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&i) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("Runner stopped ticking after a panic")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
