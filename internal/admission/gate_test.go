package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/intake-guard/internal/domain"
	"github.com/tbourn/intake-guard/internal/identity"
)

// ---------- helpers ----------

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestGate(t *testing.T, store Store, clk *testClock, p Policy) *Gate {
	t.Helper()
	g, err := NewGate(store, WithPolicy(p), WithClock(clk.Now))
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return g
}

var alice = identity.ClientData{Email: "a@x.com", Name: "Alice", Phone: "555-0100"}

// payloadN returns a payload with a unique address so the duplicate check
// stays out of the way.
func payloadN(i int) RequestPayload {
	return RequestPayload{GroupKey: "north", Category: "roof", Address: fmt.Sprintf("%d Main St", i)}
}

func mustEval(t *testing.T, g *Gate, c identity.ClientData, p RequestPayload, typ string) Decision {
	t.Helper()
	d, err := g.Evaluate(context.Background(), c, p, typ)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	return d
}

// ---------- tests ----------

func TestEvaluate_HourlyWindow_E2E(t *testing.T) {
	clk := newClock()
	g := newTestGate(t, NewMemoryStore(), clk, DefaultPolicy())

	t0 := clk.Now()
	for i := 0; i < 3; i++ {
		if d := mustEval(t, g, alice, payloadN(i), "assessment"); !d.Allowed {
			t.Fatalf("request %d should be admitted, got %s", i+1, d.Reason)
		}
		clk.Advance(10 * time.Second)
	}

	clk.t = t0.Add(2 * time.Minute)
	d := mustEval(t, g, alice, payloadN(3), "assessment")
	if d.Allowed || d.Reason != ReasonHourlyRateLimit {
		t.Fatalf("expected HOURLY_RATE_LIMIT, got %+v", d)
	}
	if d.RetryAfter == nil {
		t.Fatalf("expected retryAfter")
	}
	if got := d.RetryIn(clk.Now()); got != 58*time.Minute {
		t.Fatalf("expected retry in 58m, got %s", got)
	}
}

func TestEvaluate_HourlyWindowSlides(t *testing.T) {
	clk := newClock()
	g := newTestGate(t, NewMemoryStore(), clk, DefaultPolicy())

	for i := 0; i < 3; i++ {
		if d := mustEval(t, g, alice, payloadN(i), "assessment"); !d.Allowed {
			t.Fatalf("request %d denied: %s", i+1, d.Reason)
		}
		clk.Advance(10 * time.Minute)
	}
	// t0+30m: three in the trailing hour.
	if d := mustEval(t, g, alice, payloadN(3), "assessment"); d.Reason != ReasonHourlyRateLimit {
		t.Fatalf("expected HOURLY_RATE_LIMIT, got %+v", d)
	}
	// t0+61m: the first admission left the window.
	clk.Advance(31 * time.Minute)
	if d := mustEval(t, g, alice, payloadN(4), "assessment"); !d.Allowed {
		t.Fatalf("expected admission once the window slid, got %s", d.Reason)
	}
	// Other request types have their own hourly bucket.
	clk.Advance(6 * time.Minute)
	if d := mustEval(t, g, alice, payloadN(5), "callback"); !d.Allowed {
		t.Fatalf("other type should be admitted, got %s", d.Reason)
	}
}

func TestEvaluate_DailyEscalatesToBlock(t *testing.T) {
	clk := newClock()
	store := NewMemoryStore()
	g := newTestGate(t, store, clk, DefaultPolicy())

	// 3 per hour keeps the hourly and burst checks quiet.
	for i := 0; i < 15; i++ {
		if d := mustEval(t, g, alice, payloadN(i), "assessment"); !d.Allowed {
			t.Fatalf("request %d should be admitted, got %s", i+1, d.Reason)
		}
		clk.Advance(21 * time.Minute)
	}

	at := clk.Now()
	d := mustEval(t, g, alice, payloadN(15), "assessment")
	if d.Reason != ReasonDailyRateLimit {
		t.Fatalf("16th request: expected DAILY_RATE_LIMIT, got %+v", d)
	}

	id := identity.Derive(alice)
	rec, ok := store.RecordOf(id, "assessment")
	if !ok || !rec.Blocked || rec.BlockedUntil == nil {
		t.Fatalf("expected blocked record, got %+v", rec)
	}
	if !rec.BlockedUntil.Equal(at.Add(time.Hour)) {
		t.Fatalf("blockedUntil = %s, want %s", rec.BlockedUntil, at.Add(time.Hour))
	}
	if rec.RequestCount != 15 {
		t.Fatalf("denied request must not be counted, count=%d", rec.RequestCount)
	}

	// While blocked: CLIENT_BLOCKED with retryAfter = blockedUntil.
	clk.Advance(30 * time.Minute)
	d = mustEval(t, g, alice, payloadN(16), "assessment")
	if d.Reason != ReasonClientBlocked || d.RetryAfter == nil || !d.RetryAfter.Equal(*rec.BlockedUntil) {
		t.Fatalf("expected CLIENT_BLOCKED until %s, got %+v", rec.BlockedUntil, d)
	}

	// After expiry the daily window is still full: the block re-arms.
	clk.Advance(31 * time.Minute)
	d = mustEval(t, g, alice, payloadN(17), "assessment")
	if d.Reason != ReasonDailyRateLimit {
		t.Fatalf("expected DAILY_RATE_LIMIT after block expiry, got %+v", d)
	}
}

func TestEvaluate_ExpiredBlockIsClearedLazily(t *testing.T) {
	clk := newClock()
	store := NewMemoryStore()
	g := newTestGate(t, store, clk, DefaultPolicy())
	id := identity.Derive(alice)

	past := clk.Now().Add(-time.Minute)
	err := store.WithinClient(context.Background(), id, func(tx Tx) error {
		return tx.SaveRecord(&domain.RateLimitRecord{RequestType: "assessment", Blocked: true, BlockedUntil: &past})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if d := mustEval(t, g, alice, payloadN(0), "assessment"); !d.Allowed {
		t.Fatalf("expired block must not deny, got %s", d.Reason)
	}
	rec, _ := store.RecordOf(id, "assessment")
	if rec.Blocked || rec.BlockedUntil != nil {
		t.Fatalf("expected block to be cleared, got %+v", rec)
	}
}

func TestEvaluate_DuplicatePayload(t *testing.T) {
	clk := newClock()
	store := NewMemoryStore()
	p := DefaultPolicy()
	p.HourlyLimit, p.BurstLimit, p.DailyLimit = 100, 100, 100
	g := newTestGate(t, store, clk, p)

	same := RequestPayload{GroupKey: "north", Category: "Roof", Address: "12 Main St."}
	for i := 0; i < 3; i++ {
		if d := mustEval(t, g, alice, same, "assessment"); !d.Allowed {
			t.Fatalf("attempt %d should be admitted, got %s", i+1, d.Reason)
		}
		clk.Advance(time.Minute)
	}

	// Same request after normalization.
	variant := RequestPayload{GroupKey: "NORTH", Category: "roof", Address: "12  main st"}
	d := mustEval(t, g, alice, variant, "assessment")
	if d.Reason != ReasonDuplicateRequest {
		t.Fatalf("attempt 4: expected DUPLICATE_REQUEST, got %+v", d)
	}
	if got := d.RetryIn(clk.Now()); got != 30*time.Minute {
		t.Fatalf("expected retry in 30m, got %s", got)
	}

	vs := store.Violations(identity.Derive(alice))
	if len(vs) != 1 || vs[0].Kind != domain.ViolationDuplicate || vs[0].Severity != domain.SeverityHigh {
		t.Fatalf("expected one HIGH duplicate violation, got %+v", vs)
	}

	// A different address is a different request.
	if d := mustEval(t, g, alice, payloadN(99), "assessment"); !d.Allowed {
		t.Fatalf("distinct payload should be admitted, got %s", d.Reason)
	}

	// Outside the dedup window the count restarts.
	clk.Advance(31 * time.Minute)
	if d := mustEval(t, g, alice, same, "assessment"); !d.Allowed {
		t.Fatalf("expected admission after dedup window, got %s", d.Reason)
	}
}

func TestEvaluate_FingerprintFieldsPerType(t *testing.T) {
	clk := newClock()
	p := DefaultPolicy()
	p.HourlyLimit, p.BurstLimit, p.DuplicateLimit = 100, 100, 1
	p.FingerprintFields = map[string][]string{"callback": {"slot"}}
	g := newTestGate(t, NewMemoryStore(), clk, p)

	first := RequestPayload{GroupKey: "north", Fields: map[string]string{"slot": "mon-am"}}
	second := RequestPayload{GroupKey: "south", Fields: map[string]string{"slot": "Mon AM"}}
	if d := mustEval(t, g, alice, first, "callback"); !d.Allowed {
		t.Fatalf("first callback denied: %s", d.Reason)
	}
	// Group key is not part of the callback fingerprint.
	if d := mustEval(t, g, alice, second, "callback"); d.Reason != ReasonDuplicateRequest {
		t.Fatalf("expected duplicate on slot, got %+v", d)
	}
	// No fingerprint fields present: dedup is skipped.
	empty := RequestPayload{GroupKey: "north"}
	for i := 0; i < 3; i++ {
		if d := mustEval(t, g, alice, empty, "callback"); !d.Allowed {
			t.Fatalf("empty fingerprint should not dedup, got %s", d.Reason)
		}
	}
}

func TestEvaluate_BurstAcrossTypes(t *testing.T) {
	clk := newClock()
	store := NewMemoryStore()
	g := newTestGate(t, store, clk, DefaultPolicy())

	for i, typ := range []string{"assessment", "callback", "quote"} {
		if d := mustEval(t, g, alice, payloadN(i), typ); !d.Allowed {
			t.Fatalf("%s should be admitted, got %s", typ, d.Reason)
		}
		clk.Advance(time.Minute)
	}
	d := mustEval(t, g, alice, payloadN(3), "survey")
	if d.Reason != ReasonSuspiciousActivity {
		t.Fatalf("expected SUSPICIOUS_ACTIVITY, got %+v", d)
	}
	if got := d.RetryIn(clk.Now()); got != 5*time.Minute {
		t.Fatalf("expected retry in 5m, got %s", got)
	}
	vs := store.Violations(identity.Derive(alice))
	if len(vs) != 1 || vs[0].Kind != domain.ViolationSuspicious || vs[0].Severity != domain.SeverityMedium {
		t.Fatalf("expected one MEDIUM suspicious violation, got %+v", vs)
	}
}

func TestEvaluate_ViolationSeverities(t *testing.T) {
	clk := newClock()
	store := NewMemoryStore()
	g := newTestGate(t, store, clk, DefaultPolicy())
	id := identity.Derive(alice)

	for i := 0; i < 3; i++ {
		mustEval(t, g, alice, payloadN(i), "assessment")
		clk.Advance(2 * time.Minute)
	}
	mustEval(t, g, alice, payloadN(3), "assessment") // hourly

	until := clk.Now().Add(time.Hour)
	_ = store.WithinClient(context.Background(), id, func(tx Tx) error {
		return tx.SaveRecord(&domain.RateLimitRecord{RequestType: "quote", Blocked: true, BlockedUntil: &until})
	})
	mustEval(t, g, alice, payloadN(4), "quote") // blocked

	vs := store.Violations(id)
	if len(vs) != 2 {
		t.Fatalf("expected 2 violations, got %d", len(vs))
	}
	if vs[0].Kind != domain.ViolationRateLimit || vs[0].Severity != domain.SeverityMedium {
		t.Fatalf("unexpected hourly violation %+v", vs[0])
	}
	if vs[1].Kind != domain.ViolationBlockedRequest || vs[1].Severity != domain.SeverityHigh {
		t.Fatalf("unexpected blocked violation %+v", vs[1])
	}
	for _, v := range vs {
		if v.ClientID != string(id) || v.ID == "" || v.Detail == "" {
			t.Fatalf("violation missing fields: %+v", v)
		}
	}
}

func TestEvaluate_ConcurrentSameClient(t *testing.T) {
	clk := newClock()
	store := NewMemoryStore()
	g := newTestGate(t, store, clk, DefaultPolicy())

	const n = 25
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := g.Evaluate(context.Background(), alice, payloadN(i), "assessment")
			if err != nil {
				t.Errorf("Evaluate: %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if allowed != 3 {
		t.Fatalf("expected exactly 3 admissions under contention, got %d", allowed)
	}
	rec, _ := store.RecordOf(identity.Derive(alice), "assessment")
	if rec.RequestCount != 3 {
		t.Fatalf("expected request count 3, got %d", rec.RequestCount)
	}
}

// failingStore fails every scope with err.
type failingStore struct{ err error }

func (f failingStore) WithinClient(context.Context, identity.ID, func(Tx) error) error { return f.err }

// flakyTx wraps a real Tx and fails CountAdmissions.
type flakyStore struct{ inner *MemoryStore }

type flakyTx struct{ Tx }

func (flakyTx) CountAdmissions(string, time.Time) (int, time.Time, error) {
	return 0, time.Time{}, errors.New("disk I/O error")
}

func (f flakyStore) WithinClient(ctx context.Context, id identity.ID, fn func(Tx) error) error {
	return f.inner.WithinClient(ctx, id, func(tx Tx) error { return fn(flakyTx{tx}) })
}

func TestEvaluate_FailClosed(t *testing.T) {
	clk := newClock()
	for name, store := range map[string]Store{
		"scope":  failingStore{err: errors.New("database is locked")},
		"window": flakyStore{inner: NewMemoryStore()},
	} {
		t.Run(name, func(t *testing.T) {
			g := newTestGate(t, store, clk, DefaultPolicy())
			d, err := g.Evaluate(context.Background(), alice, payloadN(0), "assessment")
			if d.Allowed || d.Reason != ReasonInternalError {
				t.Fatalf("expected INTERNAL_ERROR denial, got %+v", d)
			}
			var se *StorageError
			if !errors.As(err, &se) {
				t.Fatalf("expected *StorageError, got %T %v", err, err)
			}
			if se.ClientID != identity.Derive(alice) || se.Op != "evaluate" {
				t.Fatalf("unexpected storage error context: %+v", se)
			}
		})
	}
}

func TestEvaluate_CanceledContext(t *testing.T) {
	g := newTestGate(t, NewMemoryStore(), newClock(), DefaultPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d, err := g.Evaluate(ctx, alice, payloadN(0), "assessment")
	if err == nil || d.Allowed {
		t.Fatalf("canceled evaluation must fail closed, got %+v, %v", d, err)
	}
}

func TestUnblock(t *testing.T) {
	clk := newClock()
	store := NewMemoryStore()
	g := newTestGate(t, store, clk, DefaultPolicy())
	id := identity.Derive(alice)

	until := clk.Now().Add(time.Hour)
	_ = store.WithinClient(context.Background(), id, func(tx Tx) error {
		return tx.SaveRecord(&domain.RateLimitRecord{RequestType: "assessment", Blocked: true, BlockedUntil: &until})
	})

	cleared, err := g.Unblock(context.Background(), id, "Assessment")
	if err != nil || !cleared {
		t.Fatalf("expected block cleared, got %v, %v", cleared, err)
	}
	if d := mustEval(t, g, alice, payloadN(0), "assessment"); !d.Allowed {
		t.Fatalf("expected admission after unblock, got %s", d.Reason)
	}
	cleared, err = g.Unblock(context.Background(), id, "assessment")
	if err != nil || cleared {
		t.Fatalf("second unblock must be a no-op, got %v, %v", cleared, err)
	}
}

func TestSweep(t *testing.T) {
	clk := newClock()
	store := NewMemoryStore()
	g := newTestGate(t, store, clk, DefaultPolicy())

	mustEval(t, g, alice, payloadN(0), "assessment")
	clk.Advance(25 * time.Hour)
	st, err := g.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if st.Admissions != 1 || st.Fingerprints != 1 || st.Clients != 1 {
		t.Fatalf("unexpected sweep stats %+v", st)
	}
	if n := store.Clients(); n != 0 {
		t.Fatalf("idle client kept, %d clients held", n)
	}

	g2 := newTestGate(t, failingStore{}, clk, DefaultPolicy())
	if _, err := g2.Sweep(context.Background()); !errors.Is(err, ErrNoSweeper) {
		t.Fatalf("expected ErrNoSweeper, got %v", err)
	}
}

func TestSweep_EvictsOnlyIdleClients(t *testing.T) {
	clk := newClock()
	store := NewMemoryStore()
	p := DefaultPolicy()
	p.DailyBlock = 48 * time.Hour
	g := newTestGate(t, store, clk, p)
	bob := identity.ClientData{Email: "b@x.com", Name: "Bob", Phone: "555-0101"}
	carol := identity.ClientData{Email: "c@x.com", Name: "Carol", Phone: "555-0102"}

	for i := 0; i < 15; i++ {
		mustEval(t, g, alice, payloadN(i), "assessment")
		clk.Advance(21 * time.Minute)
	}
	if d := mustEval(t, g, alice, payloadN(15), "assessment"); d.Reason != ReasonDailyRateLimit {
		t.Fatalf("expected alice blocked, got %+v", d)
	}
	mustEval(t, g, bob, payloadN(100), "assessment")

	// Every admission above ages out; only alice's block remains live.
	clk.Advance(p.Retention() + time.Minute)
	mustEval(t, g, carol, payloadN(200), "assessment")

	st, err := g.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if st.Clients != 1 || store.Clients() != 2 {
		t.Fatalf("stats %+v, %d clients held", st, store.Clients())
	}
	rec, ok := store.RecordOf(identity.Derive(alice), "assessment")
	if !ok || !rec.BlockActive(clk.Now()) {
		t.Fatalf("blocked client lost its record: %+v", rec)
	}

	// An evicted client starts over cleanly.
	if d := mustEval(t, g, bob, payloadN(100), "assessment"); !d.Allowed {
		t.Fatalf("evicted client denied: %+v", d)
	}
	if store.Clients() != 3 {
		t.Fatalf("expected bob to be recreated, %d clients held", store.Clients())
	}
}

func TestNewGate_Validation(t *testing.T) {
	if _, err := NewGate(nil); err == nil {
		t.Fatalf("expected error for nil store")
	}
	p := DefaultPolicy()
	p.HourlyLimit = 0
	if _, err := NewGate(NewMemoryStore(), WithPolicy(p)); err == nil {
		t.Fatalf("expected error for zero hourly limit")
	}
}

func TestFingerprint(t *testing.T) {
	fields := DefaultPolicy().DefaultFingerprint
	a := Fingerprint("assessment", RequestPayload{GroupKey: "North", Category: "roof", Address: "1 Main St"}, fields)
	b := Fingerprint("assessment", RequestPayload{GroupKey: "north", Category: "ROOF", Address: "1, main st."}, fields)
	if a == "" || a != b {
		t.Fatalf("expected equal non-empty fingerprints, got %q %q", a, b)
	}
	c := Fingerprint("callback", RequestPayload{GroupKey: "north", Category: "roof", Address: "1 Main St"}, fields)
	if c == a {
		t.Fatalf("request type must be part of the fingerprint")
	}
	if Fingerprint("assessment", RequestPayload{}, fields) != "" {
		t.Fatalf("empty payload must yield empty fingerprint")
	}
}
