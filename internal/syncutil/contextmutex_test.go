package syncutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockContextMutualExclusion(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, "record")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&counter); got != n {
		t.Fatalf("expected %d, got %d", n, got)
	}
}

func TestLockContextDeadline(t *testing.T) {
	m := NewContextShardedMutex()

	unlock, err := m.LockContext(context.Background(), "busy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := m.LockContext(ctx, "busy"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestLockManyDuplicateKeys(t *testing.T) {
	m := NewContextShardedMutex()

	unlock, err := m.LockMany(context.Background(), "a", "a", "b", "a")
	if err != nil {
		t.Fatalf("LockMany with duplicates: %v", err)
	}
	unlock()
	// Calling twice must not double-release a shard.
	unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	again, err := m.LockMany(ctx, "a", "b")
	if err != nil {
		t.Fatalf("shards not released: %v", err)
	}
	again()
}

func TestLockManyReleasesOnCancel(t *testing.T) {
	m := NewContextShardedMutex()

	hold, err := m.LockContext(context.Background(), "held")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := m.LockMany(ctx, "free-1", "held", "free-2"); err == nil {
		t.Fatal("expected LockMany to time out")
	}
	hold()

	// Every shard touched by the failed attempt must be free again.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel2()
	unlock, err := m.LockMany(ctx2, "free-1", "held", "free-2")
	if err != nil {
		t.Fatalf("shards leaked by cancelled LockMany: %v", err)
	}
	unlock()
}

func TestLockManyOpposingOrderNoDeadlock(t *testing.T) {
	m := NewContextShardedMutex()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	const rounds = 200
	wg.Add(2)
	worker := func(keys ...string) {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			unlock, err := m.LockMany(ctx, keys...)
			if err != nil {
				t.Errorf("LockMany(%v): %v", keys, err)
				return
			}
			unlock()
		}
	}
	go worker("record", "custody", "party")
	go worker("party", "custody", "record")
	wg.Wait()
}

func TestLockManyBlocksOverlap(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	unlock, err := m.LockMany(ctx, "x", "y")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockMany(ctx, "y", "z")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("overlapping LockMany acquired before release")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("overlapping LockMany did not acquire after release")
	}
}

func BenchmarkLockMany(b *testing.B) {
	m := NewContextShardedMutex()
	ctx := context.Background()
	keys := make([]string, 5)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		unlock, _ := m.LockMany(ctx, keys...)
		unlock()
	}
}
