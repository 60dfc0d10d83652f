package chain

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTokenBucketBurstThenThrottle(t *testing.T) {
	t.Parallel()
	// Capacity 4 at 20 tokens/sec: a fresh bucket absorbs a burst of chunk
	// fetches immediately, then the next request waits ~50ms for a refill.
	tb := NewTokenBucket(4, 20)

	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := tb.Wait(context.Background()); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("burst of 4 took %v, want immediate", elapsed)
	}

	start = time.Now()
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)
	if elapsed < 25*time.Millisecond {
		t.Errorf("throttled request returned after %v, want ~50ms", elapsed)
	}
	if elapsed > 250*time.Millisecond {
		t.Errorf("throttled request blocked %v", elapsed)
	}
}

func TestTokenBucketRefillsWhileIdle(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(2, 50) // 20ms per token

	// Drain, then idle the way the loop does between head polls.
	for i := 0; i < 2; i++ {
		if err := tb.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(80 * time.Millisecond)

	start := time.Now()
	for i := 0; i < 2; i++ {
		if err := tb.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("post-idle requests took %v, want immediate after refill", elapsed)
	}
}

func TestTokenBucketCapsBankedTokens(t *testing.T) {
	t.Parallel()
	// The bucket starts full; a long idle must not bank tokens past
	// capacity, or the first ticks after an idle stretch would burst far
	// beyond what the endpoint tolerates.
	tb := NewTokenBucket(2, 40)

	time.Sleep(100 * time.Millisecond) // would bank 4 extra tokens uncapped

	for i := 0; i < 2; i++ {
		start := time.Now()
		if err := tb.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("request %d took %v, want immediate from capacity", i, elapsed)
		}
	}

	start := time.Now()
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("third request returned after %v, idle time banked past capacity", elapsed)
	}
}

func TestTokenBucketWaitHonorsCancellation(t *testing.T) {
	t.Parallel()
	// A drained bucket refilling at one token per minute stands in for a
	// stalled catch-up scan; cancelling must release the waiter promptly.
	tb := NewTokenBucket(1, 1.0/60)
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tb.Wait(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Wait returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after cancellation")
	}
}
