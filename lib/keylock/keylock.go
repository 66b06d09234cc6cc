// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package keylock

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// TimeoutError reports that an acquisition gave up before the key
// became free. It unwraps to the context error, so
// errors.Is(err, context.DeadlineExceeded) works.
type TimeoutError struct {
	// Key is the contended key.
	Key string

	// Wait is how long the caller waited before giving up.
	Wait time.Duration

	// Cause is the context error that ended the wait.
	Cause error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock %q: gave up after %s: %v", e.Key, e.Wait.Round(time.Millisecond), e.Cause)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

type waiter struct {
	ready chan struct{}
}

type entry struct {
	held    bool
	waiters []*waiter
}

// Manager hands out per-key leases. The zero value is not usable;
// construct with NewManager. Safe for concurrent use.
type Manager struct {
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*entry
}

// NewManager returns an empty Manager. A nil logger disables
// contention logging.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		logger: logger,
		locks:  make(map[string]*entry),
	}
}

// Acquire obtains the lease for key, waiting behind earlier
// acquirers. It returns *TimeoutError when ctx ends first, including
// when ctx is already done on entry.
func (m *Manager) Acquire(ctx context.Context, key string) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TimeoutError{Key: key, Cause: err}
	}

	m.mu.Lock()
	e := m.locks[key]
	if e == nil {
		e = &entry{}
		m.locks[key] = e
	}
	if !e.held {
		e.held = true
		m.mu.Unlock()
		return &Lease{manager: m, key: key}, nil
	}
	w := &waiter{ready: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	m.mu.Unlock()

	start := time.Now()
	select {
	case <-w.ready:
		m.logger.Debug("lock acquired after contention",
			"key", key,
			"waited", time.Since(start),
		)
		return &Lease{manager: m, key: key}, nil

	case <-ctx.Done():
		granted := m.abandon(key, w)
		if granted {
			// The grant raced the cancellation. Pass the lease on so
			// the queue keeps moving, then report the timeout.
			m.release(key)
		}
		waited := time.Since(start)
		m.logger.Debug("lock acquisition gave up",
			"key", key,
			"waited", waited,
		)
		return nil, &TimeoutError{Key: key, Wait: waited, Cause: ctx.Err()}
	}
}

// WithLock runs fn while holding the lease for key. The lease is
// released on every exit path, including a panic inside fn (the
// panic propagates after release). ctx bounds only the wait for the
// lease: once granted, fn runs to completion.
func (m *Manager) WithLock(ctx context.Context, key string, fn func() error) error {
	lease, err := m.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn()
}

// abandon removes w from the key's queue. It reports true when w was
// already granted the lease and therefore cannot be removed.
func (m *Manager) abandon(key string, w *waiter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-w.ready:
		return true
	default:
	}
	e := m.locks[key]
	if e == nil {
		return false
	}
	for i, candidate := range e.waiters {
		if candidate == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
	return false
}

// release hands the lease to the head of the queue, or frees the key
// when nobody is waiting. Ownership transfers directly, so the key
// stays held across the handoff and late arrivals queue behind the
// beneficiary.
func (m *Manager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.locks[key]
	if e == nil || !e.held {
		return
	}
	if len(e.waiters) > 0 {
		next := e.waiters[0]
		e.waiters = e.waiters[1:]
		close(next.ready)
		return
	}
	// Dropping idle entries keeps the map proportional to held keys,
	// not to every key ever locked.
	delete(m.locks, key)
}

// Waiters reports how many acquirers are queued behind the current
// holder of key.
func (m *Manager) Waiters(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.locks[key]
	if e == nil {
		return 0
	}
	return len(e.waiters)
}

// Lease is exclusive ownership of a key until released.
type Lease struct {
	manager *Manager
	key     string
	once    sync.Once
}

// Key returns the key this lease holds.
func (l *Lease) Key() string { return l.key }

// Release returns the lease. Safe to call more than once; only the
// first call hands the key on.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.manager.release(l.key)
	})
}
