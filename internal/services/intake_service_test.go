package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/intake-guard/internal/accumulator"
	"github.com/tbourn/intake-guard/internal/admission"
	"github.com/tbourn/intake-guard/internal/dispatch"
	"github.com/tbourn/intake-guard/internal/domain"
	"github.com/tbourn/intake-guard/internal/identity"
	"github.com/tbourn/intake-guard/internal/repo"
)

// ---------- test helpers ----------

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// fakeTransport records deliveries. onSend, when set, runs before each
// delivery is recorded.
type fakeTransport struct {
	mu      sync.Mutex
	openErr error
	sent    []dispatch.Message
	onSend  func(dispatch.Message)
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Open(context.Context) (dispatch.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	return fakeSession{f}, nil
}

func (f *fakeTransport) sends() []dispatch.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatch.Message(nil), f.sent...)
}

type fakeSession struct{ f *fakeTransport }

func (s fakeSession) Send(_ context.Context, m dispatch.Message) error {
	s.f.mu.Lock()
	hook := s.f.onSend
	s.f.mu.Unlock()
	if hook != nil {
		hook(m)
	}
	s.f.mu.Lock()
	s.f.sent = append(s.f.sent, m)
	s.f.mu.Unlock()
	return nil
}

func (fakeSession) Close() error { return nil }

// brokenCounter fails every accumulator call.
type brokenCounter struct{}

func (brokenCounter) Increment(context.Context, string, int) (accumulator.Result, error) {
	return accumulator.Result{}, errors.New("counter offline")
}
func (brokenCounter) Reset(context.Context, string, int) (int64, error) {
	return 0, errors.New("counter offline")
}
func (brokenCounter) Snapshot(context.Context, string) (accumulator.Snapshot, error) {
	return accumulator.Snapshot{}, errors.New("counter offline")
}

type fixture struct {
	db  *gorm.DB
	svc *IntakeService
	tr  *fakeTransport
}

func newFixture(t *testing.T, threshold int, counter accumulator.Store) fixture {
	t.Helper()
	db := newTestDB(t)
	if counter == nil {
		counter = repo.NewGroupCounterStore(db)
	}
	gate, err := admission.NewGate(repo.NewAdmissionStore(db), admission.WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	acc, err := accumulator.New(counter, accumulator.WithThreshold(threshold), accumulator.WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("accumulator.New: %v", err)
	}
	tr := &fakeTransport{}
	d, err := dispatch.New(tr,
		dispatch.WithConfig(dispatch.Config{MaxAttempts: 1, AttemptTimeout: time.Second, BatchTimeout: 5 * time.Second}),
		dispatch.WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	svc := NewIntakeService(db, SQLRepo{}, gate, acc, d)
	svc.Logger = zerolog.Nop()
	svc.Body = "scheduled"
	return fixture{db: db, svc: svc, tr: tr}
}

func member(i int, group string) SubmitInput {
	return SubmitInput{
		Client:      identity.ClientData{Email: fmt.Sprintf("user%d@example.com", i), Name: fmt.Sprintf("User %d", i)},
		RequestType: "pickup",
		GroupKey:    group,
		Category:    "furniture",
		Address:     fmt.Sprintf("%d North Street", i),
	}
}

func pendingCount(t *testing.T, db *gorm.DB, group string) int64 {
	t.Helper()
	n, err := repo.CountPending(context.Background(), db, group)
	if err != nil {
		t.Fatalf("CountPending: %v", err)
	}
	return n
}

// ---------- Submit ----------

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t, 10, accumulator.NewMemoryStore())
	ctx := context.Background()

	in := member(1, "  ")
	if _, err := f.svc.Submit(ctx, in); !errors.Is(err, ErrMissingGroup) {
		t.Fatalf("expected ErrMissingGroup, got %v", err)
	}
	in = member(1, "north")
	in.Client.Email = " "
	if _, err := f.svc.Submit(ctx, in); !errors.Is(err, ErrMissingContact) {
		t.Fatalf("expected ErrMissingContact, got %v", err)
	}
}

func TestSubmit_NorthGroupTriggersOnceAndResets(t *testing.T) {
	f := newFixture(t, 10, nil)
	ctx := context.Background()

	for i := 1; i <= 9; i++ {
		res, err := f.svc.Submit(ctx, member(i, "North"))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if !res.Decision.Allowed || res.Group.Triggered || res.Group.Count != i || res.RequestID == "" {
			t.Fatalf("submit %d: unexpected result %+v", i, res)
		}
	}
	if len(f.tr.sends()) != 0 {
		t.Fatal("no notification expected before the threshold")
	}

	res, err := f.svc.Submit(ctx, member(10, "north"))
	if err != nil {
		t.Fatalf("submit 10: %v", err)
	}
	if !res.Group.Triggered || res.Group.Count != 10 || res.Batch == nil {
		t.Fatalf("10th submission should trigger a synchronous batch: %+v", res)
	}
	if res.Batch.Sent != 10 || res.Batch.AccuracyPct != 100 || len(res.Batch.Failed) != 0 {
		t.Fatalf("unexpected batch result: %+v", res.Batch)
	}
	if got := len(f.tr.sends()); got != 10 {
		t.Fatalf("expected 10 notifications, got %d", got)
	}

	if n := pendingCount(t, f.db, "north"); n != 0 {
		t.Fatalf("expected no pending members after the batch, got %d", n)
	}
	snap, err := f.svc.Groups.Snapshot(ctx, "north")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Count != 0 || snap.Triggered || snap.Epoch != 1 {
		t.Fatalf("group not re-armed: %+v", snap)
	}

	run, err := repo.GetBatchRun(ctx, f.db, "north", 0)
	if err != nil {
		t.Fatalf("GetBatchRun: %v", err)
	}
	if run.Status != domain.BatchStatusCompleted || run.Sent != 10 || run.Recipients != 10 || run.FinishedAt == nil {
		t.Fatalf("unexpected batch run: %+v", run)
	}

	var scheduled []domain.PendingRequest
	if err := f.db.Where("group_key = ?", "north").Find(&scheduled).Error; err != nil {
		t.Fatalf("load members: %v", err)
	}
	for _, m := range scheduled {
		if m.Status != domain.PendingStatusScheduled || m.NotifyStatus != domain.NotifyStatusSent || m.Epoch == nil || *m.Epoch != 0 {
			t.Fatalf("member not scheduled: %+v", m)
		}
	}

	// The next epoch counts from one again.
	res, err = f.svc.Submit(ctx, member(11, "north"))
	if err != nil || res.Group.Count != 1 || res.Group.Triggered || res.Group.Epoch != 1 {
		t.Fatalf("next epoch: res=%+v err=%v", res, err)
	}
}

func TestSubmit_DeniedIsNotPersisted(t *testing.T) {
	f := newFixture(t, 10, accumulator.NewMemoryStore())
	ctx := context.Background()
	in := member(1, "north")

	for i := 1; i <= 3; i++ {
		in.Address = fmt.Sprintf("%d Lane", i)
		if res, err := f.svc.Submit(ctx, in); err != nil || !res.Decision.Allowed {
			t.Fatalf("submit %d: res=%+v err=%v", i, res, err)
		}
	}
	in.Address = "4 Lane"
	res, err := f.svc.Submit(ctx, in)
	if err != nil {
		t.Fatalf("denial must not be an error: %v", err)
	}
	if res.Decision.Allowed || res.Decision.Reason != admission.ReasonHourlyRateLimit || res.RequestID != "" {
		t.Fatalf("expected hourly denial, got %+v", res)
	}
	if n := pendingCount(t, f.db, "north"); n != 3 {
		t.Fatalf("expected 3 pending members, got %d", n)
	}
	if p, _ := f.svc.Groups.Pending(ctx, "north"); p != 3 {
		t.Fatalf("expected group count 3, got %d", p)
	}
}

func TestSubmit_IncrementFailureRemovesPending(t *testing.T) {
	f := newFixture(t, 10, brokenCounter{})

	res, err := f.svc.Submit(context.Background(), member(1, "north"))
	var se *accumulator.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected *accumulator.StorageError, got %v", err)
	}
	if res.RequestID != "" {
		t.Fatalf("failed submission must not report a request id: %+v", res)
	}
	if n := pendingCount(t, f.db, "north"); n != 0 {
		t.Fatalf("uncounted member left pending: %d", n)
	}
}

func TestSubmit_AsyncBatch(t *testing.T) {
	f := newFixture(t, 3, accumulator.NewMemoryStore())
	f.svc.Async = true
	ctx, cancel := context.WithCancel(context.Background())

	var last SubmitResult
	for i := 1; i <= 3; i++ {
		res, err := f.svc.Submit(ctx, member(i, "east"))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		last = res
	}
	// The request context ending must not cancel the background batch.
	cancel()
	f.svc.Wait()

	if !last.Group.Triggered || last.Batch != nil {
		t.Fatalf("async trigger should not return a batch: %+v", last)
	}
	if got := len(f.tr.sends()); got != 3 {
		t.Fatalf("expected 3 background notifications, got %d", got)
	}
}

// ---------- RunBatch / Rerun ----------

func TestRunBatch_SameEpochNotifiesOnce(t *testing.T) {
	f := newFixture(t, 2, accumulator.NewMemoryStore())
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		if _, err := f.svc.Submit(ctx, member(i, "west")); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if got := len(f.tr.sends()); got != 2 {
		t.Fatalf("expected 2 notifications, got %d", got)
	}

	_, err := f.svc.RunBatch(ctx, "west", 0)
	if !errors.Is(err, ErrBatchClaimed) {
		t.Fatalf("expected ErrBatchClaimed, got %v", err)
	}
	if got := len(f.tr.sends()); got != 2 {
		t.Fatalf("epoch notified twice: %d sends", got)
	}
}

func TestRunBatch_CarryOverArrivalsDuringBatch(t *testing.T) {
	f := newFixture(t, 3, accumulator.NewMemoryStore())
	ctx := context.Background()

	var once sync.Once
	f.tr.onSend = func(dispatch.Message) {
		once.Do(func() {
			if _, err := f.svc.Submit(ctx, member(99, "south")); err != nil {
				t.Errorf("late submit: %v", err)
			}
		})
	}
	for i := 1; i <= 3; i++ {
		if _, err := f.svc.Submit(ctx, member(i, "south")); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	if got := len(f.tr.sends()); got != 3 {
		t.Fatalf("late member must wait for the next batch, got %d sends", got)
	}
	if n := pendingCount(t, f.db, "south"); n != 1 {
		t.Fatalf("expected the late member to stay pending, got %d", n)
	}
	snap, _ := f.svc.Groups.Snapshot(ctx, "south")
	if snap.Count != 1 || snap.Epoch != 1 || snap.Triggered {
		t.Fatalf("expected carry of 1 into epoch 1, got %+v", snap)
	}
}

func TestRunBatch_TransportDownKeepsMembersAndRerunRecovers(t *testing.T) {
	f := newFixture(t, 2, accumulator.NewMemoryStore())
	ctx := context.Background()
	f.tr.openErr = errors.New("dial tcp: connection refused")

	for i := 1; i <= 2; i++ {
		if _, err := f.svc.Submit(ctx, member(i, "harbor")); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	run, err := repo.GetBatchRun(ctx, f.db, "harbor", 0)
	if err != nil || run.Status != domain.BatchStatusFailed || run.Error == "" {
		t.Fatalf("expected failed run, got %+v err=%v", run, err)
	}
	if n := pendingCount(t, f.db, "harbor"); n != 2 {
		t.Fatalf("members must stay pending, got %d", n)
	}
	snap, _ := f.svc.Groups.Snapshot(ctx, "harbor")
	if !snap.Triggered || snap.Epoch != 0 {
		t.Fatalf("group must stay triggered in epoch 0: %+v", snap)
	}

	f.tr.mu.Lock()
	f.tr.openErr = nil
	f.tr.mu.Unlock()

	res, err := f.svc.Rerun(ctx, "harbor")
	if err != nil {
		t.Fatalf("Rerun: %v", err)
	}
	if res.Sent != 2 || res.Epoch != 0 {
		t.Fatalf("unexpected rerun result: %+v", res)
	}
	run, _ = repo.GetBatchRun(ctx, f.db, "harbor", 0)
	if run.Status != domain.BatchStatusCompleted || run.Error != "" {
		t.Fatalf("run not completed: %+v", run)
	}
	snap, _ = f.svc.Groups.Snapshot(ctx, "harbor")
	if snap.Triggered || snap.Epoch != 1 || snap.Count != 0 {
		t.Fatalf("group not re-armed after rerun: %+v", snap)
	}
}

func TestRunBatch_TransportDownReturnsError(t *testing.T) {
	f := newFixture(t, 10, accumulator.NewMemoryStore())
	ctx := context.Background()
	f.tr.openErr = errors.New("no route to host")
	if _, err := f.svc.Submit(ctx, member(1, "hill")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	res, err := f.svc.RunBatch(ctx, "hill", 0)
	if !errors.Is(err, ErrBatchFailed) || !errors.Is(err, dispatch.ErrTransportUnavailable) {
		t.Fatalf("expected ErrBatchFailed wrapping ErrTransportUnavailable, got %v", err)
	}
	if res.Sent != 0 || len(res.Failed) != 1 || res.Failed[0].Reason != dispatch.ReasonTransportUnavailable {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRerun_ForcedFlushAndNothingPending(t *testing.T) {
	f := newFixture(t, 10, accumulator.NewMemoryStore())
	ctx := context.Background()

	if _, err := f.svc.Rerun(ctx, "valley"); !errors.Is(err, ErrNothingPending) {
		t.Fatalf("expected ErrNothingPending, got %v", err)
	}
	for i := 1; i <= 2; i++ {
		if _, err := f.svc.Submit(ctx, member(i, "valley")); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	res, err := f.svc.Rerun(ctx, "Valley")
	if err != nil {
		t.Fatalf("forced flush: %v", err)
	}
	if res.Sent != 2 || res.GroupKey != "valley" {
		t.Fatalf("unexpected flush result: %+v", res)
	}
	if _, err := f.svc.Rerun(ctx, "valley"); !errors.Is(err, ErrNothingPending) {
		t.Fatalf("second flush: expected ErrNothingPending, got %v", err)
	}
	if _, err := f.svc.Rerun(ctx, ""); !errors.Is(err, ErrMissingGroup) {
		t.Fatalf("expected ErrMissingGroup, got %v", err)
	}
}

func TestRerun_TakesOverStaleRunningClaim(t *testing.T) {
	f := newFixture(t, 3, accumulator.NewMemoryStore())
	ctx := context.Background()

	// A claim whose process died before finishing it.
	stuck, err := repo.ClaimBatchRun(ctx, f.db, "north", 0)
	if err != nil {
		t.Fatalf("ClaimBatchRun: %v", err)
	}
	for i := 1; i <= 5; i++ {
		if _, err := f.svc.Submit(ctx, member(i, "north")); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if n := len(f.tr.sends()); n != 0 {
		t.Fatalf("claimed epoch must not be sent by the trigger, got %d sends", n)
	}

	if _, err := f.svc.Rerun(ctx, "north"); !errors.Is(err, ErrBatchClaimed) {
		t.Fatalf("a fresh running claim must be left alone, got %v", err)
	}

	if err := f.db.Model(&domain.BatchRun{}).Where("id = ?", stuck.ID).
		Update("started_at", time.Now().UTC().Add(-time.Hour)).Error; err != nil {
		t.Fatalf("age claim: %v", err)
	}
	res, err := f.svc.Rerun(ctx, "north")
	if err != nil {
		t.Fatalf("Rerun: %v", err)
	}
	if res.Sent != 5 || len(f.tr.sends()) != 5 {
		t.Fatalf("expected all 5 members notified, got %+v sends=%d", res, len(f.tr.sends()))
	}
	if n := pendingCount(t, f.db, "north"); n != 0 {
		t.Fatalf("members still pending: %d", n)
	}
	run, _ := repo.GetBatchRun(ctx, f.db, "north", 0)
	if run.ID != stuck.ID || run.Status != domain.BatchStatusCompleted {
		t.Fatalf("stale run not completed in place: %+v", run)
	}
	snap, _ := f.svc.Groups.Snapshot(ctx, "north")
	if snap.Triggered || snap.Epoch != 1 || snap.Count != 0 {
		t.Fatalf("group not re-armed: %+v", snap)
	}
}
