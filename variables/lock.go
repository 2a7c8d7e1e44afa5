package variables

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockAcquire is returned when a participant lock cannot be taken
var ErrLockAcquire = errors.New("failed to acquire participant lock")

// UnlockFunc releases a lock taken by Locker.Lock
type UnlockFunc func(ctx context.Context) error

// Locker serialises resolver runs of one participant:
// snapshot, walk and writes happen under a single lock.
type Locker interface {
	// Lock blocks until key is held, ctx is done or the locker fails.
	// ttl bounds how long a crashed holder can keep the key.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

// MemoryLocker is a process-local Locker, ttl is ignored
type MemoryLocker struct {
	entries map[string]*lockEntry
	mu      sync.Mutex
}

// NewMemoryLocker creates a process-local locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]*lockEntry)}
}

// Lock waits for key, honouring ctx cancellation
func (l *MemoryLocker) Lock(ctx context.Context, key string, _ time.Duration) (UnlockFunc, error) {
	entry := l.acquire(key)

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-entry.ch
			l.release(key)
		})
		return nil
	}, nil
}

func (l *MemoryLocker) acquire(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok {
		entry = &lockEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	return entry
}

func (l *MemoryLocker) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(l.entries, key)
	}
}
