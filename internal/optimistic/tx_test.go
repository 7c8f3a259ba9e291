package optimistic

import (
	"slices"
	"sync"
	"testing"
)

func TestRollbackRestoresSnapshot(t *testing.T) {
	state := []string{"AAPL"}
	tx := Begin(slices.Clone(state), func(s []string) { state = s })

	state = append(state, "GOOG")
	if !tx.Rollback() {
		t.Fatal("first Rollback should settle the transaction")
	}
	if !slices.Equal(state, []string{"AAPL"}) {
		t.Fatalf("expected exact rollback, got %v", state)
	}
	if tx.State() != RolledBack {
		t.Fatalf("expected rolled_back, got %s", tx.State())
	}
}

func TestCommitDiscardsSnapshot(t *testing.T) {
	restored := false
	tx := Begin([]string{"AAPL"}, func([]string) { restored = true })

	if !tx.Commit() {
		t.Fatal("Commit should settle")
	}
	if tx.Rollback() {
		t.Fatal("Rollback after Commit must be a no-op")
	}
	if restored {
		t.Fatal("restore must not run after commit")
	}
	if tx.Snapshot() != nil {
		t.Fatal("snapshot should be released on commit")
	}
}

func TestSettlesOnlyOnce(t *testing.T) {
	var calls int
	var mu sync.Mutex
	tx := Begin(1, func(int) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx.Rollback()
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Fatalf("restore should run exactly once, ran %d times", calls)
	}
}

func TestBeginAssignsID(t *testing.T) {
	a := Begin(0, nil)
	b := Begin(0, nil)
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("expected distinct ids, got %q and %q", a.ID, b.ID)
	}
	if a.State() != Pending {
		t.Fatalf("new tx should be pending, got %s", a.State())
	}
	if !a.Rollback() {
		t.Fatal("rollback with nil restore should still settle")
	}
}
