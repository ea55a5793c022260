package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetCachesValue(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()

	var loads int32
	load := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&loads, 1)
		return 42.0, nil
	}

	for i := 0; i < 5; i++ {
		v, err := c.Get(ctx, "price:BTCUSDT", time.Minute, load)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if v.(float64) != 42.0 {
			t.Errorf("expected 42.0, got %v", v)
		}
	}

	if n := atomic.LoadInt32(&loads); n != 1 {
		t.Errorf("expected 1 load, got %d", n)
	}

	stats := c.Stats()
	if stats.Hits != 4 || stats.Misses != 1 {
		t.Errorf("expected 4 hits 1 miss, got %d hits %d misses", stats.Hits, stats.Misses)
	}
}

func TestGetCoalescesConcurrentLoads(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()

	var loads int32
	release := make(chan struct{})
	load := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&loads, 1)
		<-release
		return "depth", nil
	}

	const callers = 10
	var wg sync.WaitGroup
	results := make([]interface{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get(ctx, "depth:BTCUSDT", time.Minute, load)
			if err != nil {
				t.Errorf("Get failed: %v", err)
			}
			results[i] = v
		}(i)
	}

	// Give every goroutine a chance to reach the inflight check.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&loads); n != 1 {
		t.Errorf("expected exactly 1 load, got %d", n)
	}
	for i, v := range results {
		if v != "depth" {
			t.Errorf("caller %d got %v", i, v)
		}
	}
}

func TestLoadErrorNotCached(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()

	boom := errors.New("connection refused")
	calls := 0
	load := func(ctx context.Context) (interface{}, error) {
		calls++
		if calls == 1 {
			return nil, boom
		}
		return 1.0, nil
	}

	if _, err := c.Get(ctx, "k", time.Minute, load); !errors.Is(err, boom) {
		t.Fatalf("expected load error, got %v", err)
	}
	v, err := c.Get(ctx, "k", time.Minute, load)
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if v.(float64) != 1.0 {
		t.Errorf("expected 1.0, got %v", v)
	}
}

func TestEvictionPrefersColdEntries(t *testing.T) {
	c := New(Options{MaxEntries: 3})
	ctx := context.Background()

	loadVal := func(v interface{}) Loader {
		return func(ctx context.Context) (interface{}, error) { return v, nil }
	}

	c.Get(ctx, "a", time.Minute, loadVal(1))
	c.Get(ctx, "b", time.Minute, loadVal(2))
	c.Get(ctx, "c", time.Minute, loadVal(3))

	// Heat up a and c so b is the eviction candidate.
	for i := 0; i < 3; i++ {
		c.Get(ctx, "a", time.Minute, loadVal(1))
		c.Get(ctx, "c", time.Minute, loadVal(3))
	}

	c.Get(ctx, "d", time.Minute, loadVal(4))

	var loadedB int32
	c.Get(ctx, "b", time.Minute, func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&loadedB, 1)
		return 2, nil
	})
	if atomic.LoadInt32(&loadedB) != 1 {
		t.Error("expected b to have been evicted and reloaded")
	}

	stats := c.Stats()
	if stats.Evictions == 0 {
		t.Error("expected at least one eviction")
	}
}

func TestExpiredEntryReloads(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()

	calls := 0
	load := func(ctx context.Context) (interface{}, error) {
		calls++
		return fmt.Sprintf("v%d", calls), nil
	}

	v, _ := c.Get(ctx, "k", 10*time.Millisecond, load)
	if v != "v1" {
		t.Fatalf("expected v1, got %v", v)
	}

	time.Sleep(20 * time.Millisecond)

	v, _ = c.Get(ctx, "k", 10*time.Millisecond, load)
	if v != "v2" {
		t.Errorf("expected reload after expiry, got %v", v)
	}
}

func TestPutPriceServesPriceLookup(t *testing.T) {
	c := New(Options{})

	c.PutPrice("ETHUSDT", 2500.5)

	p, ok := c.Price("ETHUSDT")
	if !ok {
		t.Fatal("expected cached price")
	}
	if p != 2500.5 {
		t.Errorf("expected 2500.5, got %v", p)
	}

	if _, ok := c.Price("BTCUSDT"); ok {
		t.Error("expected miss for unknown symbol")
	}
}

func TestBackgroundPrefetchRefreshesHotKeys(t *testing.T) {
	c := New(Options{
		RefreshFraction: 0.5,
		MinPrefetchHits: 2,
		SweepInterval:   10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	var loads int32
	load := func(ctx context.Context) (interface{}, error) {
		return atomic.AddInt32(&loads, 1), nil
	}

	// Make the key hot.
	for i := 0; i < 5; i++ {
		c.Get(ctx, "hot", 100*time.Millisecond, load)
	}

	// Wait past the refresh threshold so the sweeper prefetches.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Stats().Prefetches > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expected background prefetch of hot key")
}
