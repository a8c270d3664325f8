// Package storetest holds behavioral checks shared by every
// accumulator.Store implementation.
package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/tbourn/intake-guard/internal/accumulator"
)

// Run exercises a fresh Store from newStore against the counter contract.
func Run(t *testing.T, newStore func(t *testing.T) accumulator.Store) {
	t.Helper()

	t.Run("TriggersOnceAtThreshold", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 1; i <= 12; i++ {
			res, err := s.Increment(ctx, "north", 10)
			if err != nil {
				t.Fatalf("increment %d: %v", i, err)
			}
			if res.Count != i {
				t.Fatalf("increment %d: count=%d", i, res.Count)
			}
			if want := i == 10; res.Triggered != want {
				t.Fatalf("increment %d: triggered=%v want %v", i, res.Triggered, want)
			}
		}
	})

	t.Run("ResetOpensEpoch", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 0; i < 10; i++ {
			if _, err := s.Increment(ctx, "south", 10); err != nil {
				t.Fatal(err)
			}
		}
		epoch, err := s.Reset(ctx, "south", 0)
		if err != nil {
			t.Fatal(err)
		}
		if epoch != 1 {
			t.Fatalf("epoch=%d want 1", epoch)
		}
		res, err := s.Increment(ctx, "south", 10)
		if err != nil {
			t.Fatal(err)
		}
		if res.Count != 1 || res.Triggered || res.Epoch != 1 {
			t.Fatalf("after reset: %+v", res)
		}
	})

	t.Run("ResetCarry", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.Reset(ctx, "east", 9); err != nil {
			t.Fatal(err)
		}
		res, err := s.Increment(ctx, "east", 10)
		if err != nil {
			t.Fatal(err)
		}
		if res.Count != 10 || !res.Triggered {
			t.Fatalf("carry not honored: %+v", res)
		}
	})

	t.Run("SnapshotUnknownIsZero", func(t *testing.T) {
		s := newStore(t)
		snap, err := s.Snapshot(context.Background(), "nowhere")
		if err != nil {
			t.Fatal(err)
		}
		if snap.Count != 0 || snap.Triggered || snap.Epoch != 0 {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
	})

	t.Run("ConcurrentExactlyOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const callers = 10
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			triggered int
			errs      []error
		)
		wg.Add(callers)
		for i := 0; i < callers; i++ {
			go func() {
				defer wg.Done()
				res, err := s.Increment(ctx, "west", callers)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				if res.Triggered {
					triggered++
				}
			}()
		}
		wg.Wait()
		if len(errs) > 0 {
			t.Fatalf("increment errors: %v", errs)
		}
		if triggered != 1 {
			t.Fatalf("triggered %d times, want 1", triggered)
		}
		snap, err := s.Snapshot(ctx, "west")
		if err != nil {
			t.Fatal(err)
		}
		if snap.Count != callers || !snap.Triggered {
			t.Fatalf("snapshot %+v", snap)
		}
	})
}
