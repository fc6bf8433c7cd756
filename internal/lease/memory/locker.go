// Package memory implements an in-process snapshot.Locker for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
)

type lease struct {
	id        uint64
	expiresAt time.Time
}

// Locker grants leases held in a map.
type Locker struct {
	clock snapshot.Clock

	mu     sync.Mutex
	nextID uint64
	leases map[string]lease
}

// New creates a Locker using clock for expiry.
func New(clock snapshot.Clock) *Locker {
	return &Locker{clock: clock, leases: make(map[string]lease)}
}

// Acquire takes key for ttl unless an unexpired lease holds it.
func (l *Locker) Acquire(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if held, ok := l.leases[key]; ok && now.Before(held.expiresAt) {
		return nil, snapshot.ErrLeaseHeld
	}
	l.nextID++
	id := l.nextID
	l.leases[key] = lease{id: id, expiresAt: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if held, ok := l.leases[key]; ok && held.id == id {
			delete(l.leases, key)
		}
		return nil
	}, nil
}
