// Package locks serializes operations per account. Two events for the same
// account never interleave; events for different accounts proceed
// concurrently, bounded only by the shared broker connection underneath.
package locks

import (
	"sync"

	"github.com/rs/zerolog"
)

// Registry hands out one mutex per account id. Locks are created lazily on
// first use and live for the process lifetime; the registry is constructed
// once and injected, never reached through global state.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	log   zerolog.Logger
}

// NewRegistry creates an empty lock registry
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		locks: make(map[string]*sync.Mutex),
		log:   log.With().Str("component", "account_locks").Logger(),
	}
}

// lockFor returns the mutex for an account, creating it on first use
func (r *Registry) lockFor(accountID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[accountID] = l
		r.log.Debug().Str("account_id", accountID).Msg("Created account lock")
	}
	return l
}

// WithLock runs fn while holding the account's lock. The lock is released on
// every exit path, including a panic inside fn.
func (r *Registry) WithLock(accountID string, fn func() error) error {
	l := r.lockFor(accountID)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// Size returns the number of distinct accounts that have taken a lock
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
