package admission

import (
	"context"
	"sync"
	"time"

	"github.com/tbourn/intake-guard/internal/domain"
	"github.com/tbourn/intake-guard/internal/identity"
)

// MemoryStore is a process-local Store. Each client has its own mutex, so
// evaluations for different clients never contend.
//
// It is suitable for tests and single-instance deployments; use the SQL store
// when several processes share the intake surface.
//
// Sweep evicts a client once it has no admissions inside the retention
// window, no live fingerprints and no active block. Its violation trail and
// lifetime request counters go with it.
type MemoryStore struct {
	mu      sync.Mutex
	clients map[identity.ID]*memClient
}

type memClient struct {
	mu           sync.Mutex
	records      map[string]domain.RateLimitRecord
	admissions   []domain.AdmissionLog
	fingerprints map[string]domain.DuplicateFingerprint
	violations   []domain.ViolationEvent
	// dead is set, under mu, when Sweep has removed the client from the map.
	dead bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{clients: make(map[identity.ID]*memClient)}
}

func (s *MemoryStore) client(id identity.ID) *memClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		c = &memClient{
			records:      make(map[string]domain.RateLimitRecord),
			fingerprints: make(map[string]domain.DuplicateFingerprint),
		}
		s.clients[id] = c
	}
	return c
}

// WithinClient implements Store. Writes are staged on a copy and published
// only when fn succeeds.
func (s *MemoryStore) WithinClient(ctx context.Context, id identity.ID, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := s.client(id)
	c.mu.Lock()
	for c.dead {
		c.mu.Unlock()
		c = s.client(id)
		c.mu.Lock()
	}
	defer c.mu.Unlock()

	staged := c.clone()
	if err := fn(&memTx{c: staged, id: id}); err != nil {
		return err
	}
	c.records = staged.records
	c.admissions = staged.admissions
	c.fingerprints = staged.fingerprints
	c.violations = staged.violations
	return nil
}

func (c *memClient) clone() *memClient {
	out := &memClient{
		records:      make(map[string]domain.RateLimitRecord, len(c.records)),
		admissions:   append([]domain.AdmissionLog(nil), c.admissions...),
		fingerprints: make(map[string]domain.DuplicateFingerprint, len(c.fingerprints)),
		violations:   append([]domain.ViolationEvent(nil), c.violations...),
	}
	for k, v := range c.records {
		out.records[k] = v
	}
	for k, v := range c.fingerprints {
		out.fingerprints[k] = v
	}
	return out
}

// Violations returns a copy of the audit trail for id, oldest first.
func (s *MemoryStore) Violations(id identity.ID) []domain.ViolationEvent {
	c := s.client(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ViolationEvent(nil), c.violations...)
}

// RecordOf returns a copy of the rate-limit record, if any.
func (s *MemoryStore) RecordOf(id identity.ID, requestType string) (domain.RateLimitRecord, bool) {
	c := s.client(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[requestType]
	return r, ok
}

// Sweep implements Sweeper.
func (s *MemoryStore) Sweep(ctx context.Context, now time.Time, p Policy) (SweepStats, error) {
	var st SweepStats
	s.mu.Lock()
	clients := make([]*memClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	cutoff := now.Add(-p.Retention())
	for _, c := range clients {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		c.mu.Lock()
		kept := c.admissions[:0]
		for _, a := range c.admissions {
			if a.CreatedAt.Before(cutoff) {
				st.Admissions++
				continue
			}
			kept = append(kept, a)
		}
		c.admissions = kept
		for k, fp := range c.fingerprints {
			if !fp.InWindow(now, p.DuplicateWindow) {
				delete(c.fingerprints, k)
				st.Fingerprints++
			}
		}
		for k, r := range c.records {
			if r.Blocked && !r.BlockActive(now) {
				r.Blocked = false
				r.BlockedUntil = nil
				c.records[k] = r
				st.BlocksCleared++
			}
		}
		c.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.clients {
		c.mu.Lock()
		if c.idle() {
			c.dead = true
			delete(s.clients, id)
			st.Clients++
		}
		c.mu.Unlock()
	}
	return st, nil
}

// idle reports whether nothing in c can influence a future decision. Callers
// hold c.mu; blocks have already been cleared when expired.
func (c *memClient) idle() bool {
	if len(c.admissions) > 0 || len(c.fingerprints) > 0 {
		return false
	}
	for _, r := range c.records {
		if r.Blocked {
			return false
		}
	}
	return true
}

// Clients returns the number of clients currently held.
func (s *MemoryStore) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

type memTx struct {
	c  *memClient
	id identity.ID
}

func (t *memTx) Record(requestType string) (*domain.RateLimitRecord, error) {
	r, ok := t.c.records[requestType]
	if !ok {
		return nil, nil
	}
	if r.BlockedUntil != nil {
		until := *r.BlockedUntil
		r.BlockedUntil = &until
	}
	return &r, nil
}

func (t *memTx) SaveRecord(rec *domain.RateLimitRecord) error {
	r := *rec
	r.ClientID = string(t.id)
	t.c.records[r.RequestType] = r
	return nil
}

func (t *memTx) CountAdmissions(requestType string, since time.Time) (int, time.Time, error) {
	var (
		n      int
		oldest time.Time
	)
	for _, a := range t.c.admissions {
		if a.CreatedAt.Before(since) || (requestType != "" && a.RequestType != requestType) {
			continue
		}
		if n == 0 || a.CreatedAt.Before(oldest) {
			oldest = a.CreatedAt
		}
		n++
	}
	return n, oldest, nil
}

func (t *memTx) LogAdmission(requestType string, at time.Time) error {
	t.c.admissions = append(t.c.admissions, domain.AdmissionLog{
		ID:          uint64(len(t.c.admissions) + 1),
		ClientID:    string(t.id),
		RequestType: requestType,
		CreatedAt:   at,
	})
	return nil
}

func (t *memTx) Fingerprint(hash string) (*domain.DuplicateFingerprint, error) {
	fp, ok := t.c.fingerprints[hash]
	if !ok {
		return nil, nil
	}
	return &fp, nil
}

func (t *memTx) SaveFingerprint(fp *domain.DuplicateFingerprint) error {
	f := *fp
	f.ClientID = string(t.id)
	t.c.fingerprints[f.RequestHash] = f
	return nil
}

func (t *memTx) AppendViolation(ev *domain.ViolationEvent) error {
	t.c.violations = append(t.c.violations, *ev)
	return nil
}
