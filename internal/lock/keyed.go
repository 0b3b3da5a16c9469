// Package lock provides a lease-based mutual-exclusion lock scoped to a
// string key. The submission path uses it to serialize the decide-to-enqueue
// step per ingredient fingerprint. Leases expire on their own, so a crashed
// holder cannot wedge a key; an expired lease is simply taken over by the
// next acquirer.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome reports how an Acquire attempt ended. A timed-out acquire is an
// ordinary result, not an error: callers branch into a degraded path.
type Outcome int

const (
	// Locked means the lease was acquired and must be released.
	Locked Outcome = iota
	// TimedOut means the wait bound expired while another holder kept the key.
	TimedOut
)

// Lease is a held lock. Release is idempotent and ignores leases that have
// already expired and been taken over by someone else.
type Lease interface {
	Release()
}

// Provider hands out short-lived keyed leases.
type Provider interface {
	// Acquire blocks up to wait for the lease on key. On success the lease
	// is held for at most the given duration and the outcome is Locked.
	Acquire(ctx context.Context, key string, lease, wait time.Duration) (Lease, Outcome)
}

// retryInterval is how often a blocked acquirer re-checks the key.
const retryInterval = 25 * time.Millisecond

type entry struct {
	token   string
	expires time.Time
}

// Keyed is an in-process Provider. All methods are safe for concurrent use.
type Keyed struct {
	mu   sync.Mutex
	held map[string]entry
}

// NewKeyed creates an empty in-process lock provider.
func NewKeyed() *Keyed {
	return &Keyed{held: make(map[string]entry)}
}

func (k *Keyed) Acquire(ctx context.Context, key string, lease, wait time.Duration) (Lease, Outcome) {
	deadline := time.Now().Add(wait)
	for {
		if l, ok := k.tryAcquire(key, lease); ok {
			return l, Locked
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, TimedOut
		}
		pause := retryInterval
		if remaining < pause {
			pause = remaining
		}
		select {
		case <-ctx.Done():
			return nil, TimedOut
		case <-time.After(pause):
		}
	}
}

func (k *Keyed) tryAcquire(key string, lease time.Duration) (Lease, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	if e, ok := k.held[key]; ok && now.Before(e.expires) {
		return nil, false
	}

	token := uuid.New().String()
	k.held[key] = entry{token: token, expires: now.Add(lease)}
	return &keyedLease{owner: k, key: key, token: token}, true
}

type keyedLease struct {
	owner *Keyed
	key   string
	token string
}

// Release drops the lease. If the lease expired and the key was taken over,
// the release is a no-op so the new holder is not disturbed.
func (l *keyedLease) Release() {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if e, ok := l.owner.held[l.key]; ok && e.token == l.token {
		delete(l.owner.held, l.key)
	}
}
