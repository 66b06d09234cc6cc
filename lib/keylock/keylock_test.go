// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package keylock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DollhouseMCP/mcp-server-sub018/lib/keylock"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/testutil"
)

func waitForWaiters(t *testing.T, m *keylock.Manager, key string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.Waiters(key) != n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d waiters on %q", n, key)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAcquireUncontended(t *testing.T) {
	t.Parallel()
	m := keylock.NewManager(nil)

	lease, err := m.Acquire(context.Background(), "persona/writer")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.Key() != "persona/writer" {
		t.Errorf("Key = %q", lease.Key())
	}
	lease.Release()

	again, err := m.Acquire(context.Background(), "persona/writer")
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	again.Release()
}

func TestIndependentKeys(t *testing.T) {
	t.Parallel()
	m := keylock.NewManager(nil)

	a, err := m.Acquire(context.Background(), "persona/writer")
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	defer a.Release()

	// A held key must not block an unrelated one.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, err := m.Acquire(ctx, "skill/review")
	if err != nil {
		t.Fatalf("Acquire b blocked on unrelated key: %v", err)
	}
	b.Release()
}

func TestAcquireTimeout(t *testing.T) {
	t.Parallel()
	m := keylock.NewManager(nil)

	held, err := m.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "k")

	var timeoutErr *keylock.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("error = %v, want *TimeoutError", err)
	}
	if timeoutErr.Key != "k" {
		t.Errorf("Key = %q, want k", timeoutErr.Key)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error does not unwrap to DeadlineExceeded: %v", err)
	}
	if n := m.Waiters("k"); n != 0 {
		t.Errorf("Waiters = %d after timeout, want 0", n)
	}

	held.Release()
	again, err := m.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("reacquire after timeout: %v", err)
	}
	again.Release()
}

func TestAcquireContextAlreadyDone(t *testing.T) {
	t.Parallel()
	m := keylock.NewManager(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Acquire(ctx, "free-key")

	var timeoutErr *keylock.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("error = %v, want *TimeoutError", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error does not unwrap to Canceled: %v", err)
	}
}

func TestFIFOOrder(t *testing.T) {
	t.Parallel()
	m := keylock.NewManager(nil)

	holder, err := m.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	const n = 5
	order := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			lease, err := m.Acquire(context.Background(), "k")
			if err != nil {
				t.Errorf("waiter %d: %v", id, err)
				return
			}
			order <- id
			lease.Release()
		}(i)
		// Confirm this waiter is queued before starting the next so
		// arrival order is fixed.
		waitForWaiters(t, m, "k", i+1)
	}

	holder.Release()
	wg.Wait()
	close(order)

	want := 0
	for got := range order {
		if got != want {
			t.Fatalf("grant order: got waiter %d, want %d", got, want)
		}
		want++
	}
}

func TestTimedOutWaiterLeavesQueueIntact(t *testing.T) {
	t.Parallel()
	m := keylock.NewManager(nil)

	holder, err := m.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	got := make(chan struct{})
	go func() {
		lease, err := m.Acquire(context.Background(), "k")
		if err != nil {
			t.Errorf("patient waiter: %v", err)
			return
		}
		close(got)
		lease.Release()
	}()
	waitForWaiters(t, m, "k", 1)

	// A second waiter behind the patient one gives up.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(ctx, "k"); err == nil {
		t.Fatal("impatient waiter acquired a held lock")
	}
	waitForWaiters(t, m, "k", 1)

	holder.Release()
	testutil.RequireClosed(t, got, 2*time.Second,
		"patient waiter granted after a timeout ahead of it")
}

func TestReleaseIdempotent(t *testing.T) {
	t.Parallel()
	m := keylock.NewManager(nil)

	first, err := m.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	first.Release()
	first.Release()

	second, err := m.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer second.Release()

	// The duplicate release must not have freed the key out from
	// under the second holder.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(ctx, "k"); err == nil {
		t.Fatal("key free while a lease is outstanding")
	}
}

func TestMutualExclusion(t *testing.T) {
	t.Parallel()
	m := keylock.NewManager(nil)

	const workers = 8
	const rounds = 50
	var counter int

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				lease, err := m.Acquire(context.Background(), "counter")
				if err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				counter++
				lease.Release()
			}
		}()
	}
	wg.Wait()

	if counter != workers*rounds {
		t.Errorf("counter = %d, want %d", counter, workers*rounds)
	}
}

func TestWithLockReleasesOnError(t *testing.T) {
	t.Parallel()
	m := keylock.NewManager(nil)

	boom := errors.New("boom")
	if err := m.WithLock(context.Background(), "k", func() error {
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("WithLock error = %v, want %v", err, boom)
	}

	// The failed body must not leave the key held.
	if err := m.WithLock(context.Background(), "k", func() error {
		return nil
	}); err != nil {
		t.Fatalf("WithLock after error: %v", err)
	}
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	t.Parallel()
	m := keylock.NewManager(nil)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic did not propagate out of WithLock")
			}
		}()
		m.WithLock(context.Background(), "k", func() error {
			panic("body failure")
		})
	}()

	if err := m.WithLock(context.Background(), "k", func() error {
		return nil
	}); err != nil {
		t.Fatalf("WithLock after panic: %v", err)
	}
}

func TestWithLockTimeout(t *testing.T) {
	t.Parallel()
	m := keylock.NewManager(nil)

	lease, err := m.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ran := false
	err = m.WithLock(ctx, "k", func() error {
		ran = true
		return nil
	})

	var timeout *keylock.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("WithLock error = %v, want *TimeoutError", err)
	}
	if ran {
		t.Error("body ran despite the lock never being granted")
	}
}
