package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLocker provides process-local mutual exclusion with the same
// bounded-retry contract as RedisLocker. Suitable for single-node
// deployments and tests; TTL expiry is not enforced because a crashed
// process takes its locks with it.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[Key]bool
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[Key]bool)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key Key, p Policy) (Release, error) {
	attempts := p.Retries + 1
	for i := 0; i < attempts; i++ {
		l.mu.Lock()
		if !l.held[key] {
			l.held[key] = true
			l.mu.Unlock()
			return func(context.Context) error {
				l.mu.Lock()
				delete(l.held, key)
				l.mu.Unlock()
				return nil
			}, nil
		}
		l.mu.Unlock()
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.RetryDelay):
		}
	}
	return nil, fmt.Errorf("lock %s after %d attempts: %w", key, attempts, ErrNotAcquired)
}
