// Package optimistic provides a small transaction type for local-first
// updates: capture a snapshot, apply the change, then either commit or
// restore the snapshot once the remote side settles.
package optimistic

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type State int

const (
	Pending State = iota
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Tx is one optimistic change. The first call to Commit or Rollback settles
// it; later calls are no-ops.
type Tx[T any] struct {
	ID        string
	StartedAt time.Time

	mu       sync.Mutex
	snapshot T
	restore  func(T)
	state    State
}

// Begin records snapshot as the value to restore if the change is rolled
// back. restore is called at most once, from Rollback.
func Begin[T any](snapshot T, restore func(T)) *Tx[T] {
	return &Tx[T]{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		snapshot:  snapshot,
		restore:   restore,
	}
}

func (tx *Tx[T]) Snapshot() T {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.snapshot
}

func (tx *Tx[T]) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Commit keeps the optimistic change. Reports whether this call settled tx.
func (tx *Tx[T]) Commit() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != Pending {
		return false
	}
	tx.state = Committed
	var zero T
	tx.snapshot = zero
	return true
}

// Rollback restores the snapshot. Reports whether this call settled tx.
func (tx *Tx[T]) Rollback() bool {
	tx.mu.Lock()
	if tx.state != Pending {
		tx.mu.Unlock()
		return false
	}
	tx.state = RolledBack
	snap, restore := tx.snapshot, tx.restore
	tx.mu.Unlock()

	if restore != nil {
		restore(snap)
	}
	return true
}
