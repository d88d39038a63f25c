package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

func TestMapRunsEveryTask(t *testing.T) {
	p := New(3)
	n := 100
	var mu sync.Mutex
	seen := make(map[int]int)

	err := p.Map(context.Background(), n, func(i int) {
		mu.Lock()
		seen[i]++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(seen) != n {
		t.Fatalf("ran %d distinct tasks, want %d", len(seen), n)
	}
	for i, count := range seen {
		if count != 1 {
			t.Errorf("task %d ran %d times, want once", i, count)
		}
	}
}

func TestMapZeroTasks(t *testing.T) {
	if err := New(4).Map(context.Background(), 0, func(int) { t.Error("task ran") }); err != nil {
		t.Fatalf("Map: %v", err)
	}
}

func TestMapBoundsConcurrency(t *testing.T) {
	p := New(2)
	var current, peak atomic.Int64

	err := p.Map(context.Background(), 50, func(int) {
		c := current.Add(1)
		for {
			old := peak.Load()
			if c <= old || peak.CompareAndSwap(old, c) {
				break
			}
		}
		current.Add(-1)
	})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestMapCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(1)

	var ran atomic.Int64
	err := p.Map(ctx, 1000, func(i int) {
		if ran.Add(1) == 5 {
			cancel()
		}
	})
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := ran.Load(); got >= 1000 {
		t.Errorf("ran %d tasks, want early stop", got)
	}
}

func TestSizeClamped(t *testing.T) {
	if got := New(0).Size(); got != 1 {
		t.Errorf("Size() = %d, want 1", got)
	}
	if got := New(7).Size(); got != 7 {
		t.Errorf("Size() = %d, want 7", got)
	}
}
