package exchange

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketAllowsBurst(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(5, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("burst of 5 took %v, expected near-instant", elapsed)
	}
}

func TestTokenBucketBlocksWhenEmpty(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 10) // refill 10/sec → ~100ms per token
	ctx := context.Background()

	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	start := time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("second token arrived in %v, expected ~100ms", elapsed)
	}
}

func TestTokenBucketRespectsContext(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.001)
	ctx := context.Background()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	cancelled, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := tb.Wait(cancelled); err == nil {
		t.Fatal("expected context error for exhausted bucket")
	}
}

func TestSimAdapterOrderFillsAtLastPrice(t *testing.T) {
	t.Parallel()
	sim := NewSimAdapter("sim")
	sim.SetTicker(tickerFor("BTC/USDT", 100))

	res, err := sim.CreateOrder(context.Background(), venueOrder("BTC/USDT", 2))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if res.FilledQty != 2 || res.AvgExecPrice != 100 || res.Status != "FILLED" {
		t.Fatalf("unexpected result: %+v", res)
	}

	if _, err := sim.CreateOrder(context.Background(), venueOrder("ETH/USDT", 1)); err == nil {
		t.Fatal("expected error for unknown symbol")
	}
}
