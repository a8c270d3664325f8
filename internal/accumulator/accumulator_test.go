package accumulator_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tbourn/intake-guard/internal/accumulator"
	"github.com/tbourn/intake-guard/internal/accumulator/storetest"
	"github.com/tbourn/intake-guard/internal/observability"
)

func newAcc(t *testing.T, s accumulator.Store) *accumulator.Accumulator {
	t.Helper()
	a, err := accumulator.New(s, accumulator.WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestMemoryStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) accumulator.Store { return accumulator.NewMemoryStore() })
}

func TestRedisStore_Contract(t *testing.T) {
	addr := os.Getenv("INTAKE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("INTAKE_TEST_REDIS_ADDR not set")
	}
	storetest.Run(t, func(t *testing.T) accumulator.Store {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		t.Cleanup(func() { _ = rdb.Close() })
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			t.Skipf("redis unavailable: %v", err)
		}
		prefix := "test:" + t.Name() + ":"
		t.Cleanup(func() {
			ctx := context.Background()
			keys, _ := rdb.Keys(ctx, prefix+"*").Result()
			if len(keys) > 0 {
				rdb.Del(ctx, keys...)
			}
		})
		return accumulator.NewRedisStore(rdb, accumulator.WithKeyPrefix(prefix))
	})
}

// Nine submissions stay pending, the tenth triggers, and after a reset
// the next one starts a fresh count.
func TestAccumulator_NorthGroup(t *testing.T) {
	a := newAcc(t, accumulator.NewMemoryStore())
	ctx := context.Background()

	for i := 1; i <= 9; i++ {
		res, err := a.Increment(ctx, "north")
		if err != nil {
			t.Fatal(err)
		}
		if res.Triggered {
			t.Fatalf("triggered early at %d", i)
		}
	}
	res, err := a.Increment(ctx, " North ")
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 10 || !res.Triggered || res.Group != "north" {
		t.Fatalf("10th: %+v", res)
	}
	if err := a.Reset(ctx, "north"); err != nil {
		t.Fatal(err)
	}
	res, err = a.Increment(ctx, "north")
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 1 || res.Triggered || res.Epoch != 1 {
		t.Fatalf("11th: %+v", res)
	}
	n, err := a.Pending(ctx, "north")
	if err != nil || n != 1 {
		t.Fatalf("Pending=%d err=%v", n, err)
	}
}

func TestAccumulator_NoDoubleTriggerWithoutReset(t *testing.T) {
	a := newAcc(t, accumulator.NewMemoryStore())
	ctx := context.Background()
	var fired int
	for i := 0; i < 35; i++ {
		res, err := a.Increment(ctx, "g")
		if err != nil {
			t.Fatal(err)
		}
		if res.Triggered {
			fired++
		}
	}
	if fired != 1 {
		t.Fatalf("fired %d times", fired)
	}
}

func TestAccumulator_ManyCallersManyEpochs(t *testing.T) {
	a := newAcc(t, accumulator.NewMemoryStore())
	ctx := context.Background()

	for epoch := 0; epoch < 5; epoch++ {
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			fired int
		)
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := a.Increment(ctx, "busy")
				if err != nil {
					t.Error(err)
					return
				}
				if res.Triggered {
					mu.Lock()
					fired++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if fired != 1 {
			t.Fatalf("epoch %d fired %d times", epoch, fired)
		}
		if _, err := a.ResetWithCarry(ctx, "busy", 0); err != nil {
			t.Fatal(err)
		}
	}
	snap, err := a.Snapshot(ctx, "busy")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Epoch != 5 || snap.Count != 0 {
		t.Fatalf("snapshot %+v", snap)
	}
}

type brokenStore struct{}

var errBroken = errors.New("store down")

func (brokenStore) Increment(context.Context, string, int) (accumulator.Result, error) {
	return accumulator.Result{}, errBroken
}
func (brokenStore) Reset(context.Context, string, int) (int64, error) { return 0, errBroken }
func (brokenStore) Snapshot(context.Context, string) (accumulator.Snapshot, error) {
	return accumulator.Snapshot{}, errBroken
}

func TestAccumulator_StorageFailure(t *testing.T) {
	a := newAcc(t, brokenStore{})
	before := testutil.ToFloat64(observability.GroupIncrements.WithLabelValues("error"))

	_, err := a.Increment(context.Background(), "north")
	var se *accumulator.StorageError
	if !errors.As(err, &se) || !errors.Is(err, errBroken) {
		t.Fatalf("want StorageError wrapping errBroken, got %v", err)
	}
	if se.Op != "increment" || se.Group != "north" {
		t.Fatalf("unexpected error fields %+v", se)
	}
	if got := testutil.ToFloat64(observability.GroupIncrements.WithLabelValues("error")); got != before+1 {
		t.Fatalf("error metric %v -> %v", before, got)
	}
	if err := a.Reset(context.Background(), "north"); !errors.As(err, &se) {
		t.Fatalf("reset: %v", err)
	}
	if _, err := a.Pending(context.Background(), "north"); !errors.As(err, &se) {
		t.Fatalf("pending: %v", err)
	}
}

func TestAccumulator_Validation(t *testing.T) {
	if _, err := accumulator.New(nil); err == nil {
		t.Fatal("nil store accepted")
	}
	if _, err := accumulator.New(accumulator.NewMemoryStore(), accumulator.WithThreshold(0)); err == nil {
		t.Fatal("zero threshold accepted")
	}
	a := newAcc(t, accumulator.NewMemoryStore())
	if _, err := a.Increment(context.Background(), "   "); !errors.Is(err, accumulator.ErrEmptyGroup) {
		t.Fatalf("blank group: %v", err)
	}
	if a.Threshold() != accumulator.DefaultThreshold {
		t.Fatalf("threshold %d", a.Threshold())
	}
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := newAcc(t, accumulator.NewMemoryStore())
	if _, err := a.Increment(ctx, "north"); !errors.Is(err, context.Canceled) {
		t.Fatalf("want canceled, got %v", err)
	}
}

func TestMemoryStore_Seed(t *testing.T) {
	ctx := context.Background()
	s := accumulator.NewMemoryStore()
	s.Seed("north", 7, 2)

	snap, err := s.Snapshot(ctx, "north")
	if err != nil || snap.Epoch != 7 || snap.Count != 2 || snap.Triggered {
		t.Fatalf("snapshot %+v err=%v", snap, err)
	}
	res, err := s.Increment(ctx, "north", 3)
	if err != nil || !res.Triggered || res.Epoch != 7 || res.Count != 3 {
		t.Fatalf("increment %+v err=%v", res, err)
	}
	epoch, err := s.Reset(ctx, "north", 0)
	if err != nil || epoch != 8 {
		t.Fatalf("reset epoch=%d err=%v", epoch, err)
	}
}
