// Package lane serializes work per key. Matching uses one lane per
// (poll, option) so all book mutations for an option form a single linear
// history; the ledger uses one lane per user for check-then-mutate balance
// sequences. There is no cross-key locking.
package lane

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// PollOptionKey names the lane serializing all book mutations for one
// option of a poll. Matching and resolution both lock through this key.
func PollOptionKey(pollID uuid.UUID, option int) string {
	return fmt.Sprintf("%s:%d", pollID, option)
}

// Registry hands out one mutex per key. Mutexes are never reclaimed — the
// key space here (polls x options, users) is small relative to memory.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the lane for key and returns its unlock function.
func (r *Registry) Lock(key string) func() {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}
