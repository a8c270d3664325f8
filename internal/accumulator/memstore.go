package accumulator

import (
	"context"
	"sync"
	"sync/atomic"
)

type groupState struct {
	count     int
	triggered bool
	epoch     int64
}

// MemoryStore keeps one immutable state per group behind an atomic pointer
// and updates it with compare-and-swap.
type MemoryStore struct {
	groups sync.Map // string -> *atomic.Pointer[groupState]
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) slot(group string) *atomic.Pointer[groupState] {
	if v, ok := s.groups.Load(group); ok {
		return v.(*atomic.Pointer[groupState])
	}
	p := new(atomic.Pointer[groupState])
	p.Store(&groupState{})
	v, _ := s.groups.LoadOrStore(group, p)
	return v.(*atomic.Pointer[groupState])
}

// Seed sets the starting epoch and count of group, replacing any state it
// has. Call it before the store serves traffic, typically with state
// recovered from durable storage.
func (s *MemoryStore) Seed(group string, epoch int64, count int) {
	p := new(atomic.Pointer[groupState])
	p.Store(&groupState{count: count, epoch: epoch})
	s.groups.Store(group, p)
}

// Increment implements Store.
func (s *MemoryStore) Increment(ctx context.Context, group string, threshold int) (Result, error) {
	p := s.slot(group)
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		cur := p.Load()
		next := &groupState{count: cur.count + 1, triggered: cur.triggered, epoch: cur.epoch}
		fired := !cur.triggered && next.count >= threshold
		if fired {
			next.triggered = true
		}
		if p.CompareAndSwap(cur, next) {
			return Result{Group: group, Count: next.count, Triggered: fired, Epoch: next.epoch}, nil
		}
	}
}

// Reset implements Store.
func (s *MemoryStore) Reset(ctx context.Context, group string, carry int) (int64, error) {
	p := s.slot(group)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		cur := p.Load()
		next := &groupState{count: carry, epoch: cur.epoch + 1}
		if p.CompareAndSwap(cur, next) {
			return next.epoch, nil
		}
	}
}

// Snapshot implements Store.
func (s *MemoryStore) Snapshot(ctx context.Context, group string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	v, ok := s.groups.Load(group)
	if !ok {
		return Snapshot{Group: group}, nil
	}
	st := v.(*atomic.Pointer[groupState]).Load()
	return Snapshot{Group: group, Count: st.count, Triggered: st.triggered, Epoch: st.epoch}, nil
}
