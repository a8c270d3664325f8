// Package repo implements the persistence layer backed by GORM. This file
// provides AdmissionStore, the SQL implementation of admission.Store.
//
// Each WithinClient call is one database transaction whose first statement
// upserts the client's client_activity row. On SQLite that write takes the
// database write lock; on row-locking engines it locks the client's row.
// Either way two evaluations for the same client cannot interleave, even
// across processes sharing the database.
package repo

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/intake-guard/internal/admission"
	"github.com/tbourn/intake-guard/internal/domain"
	"github.com/tbourn/intake-guard/internal/identity"
)

// AdmissionStore persists per-client protective state.
type AdmissionStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewAdmissionStore returns a store over db. Tables must already be migrated.
func NewAdmissionStore(db *gorm.DB) *AdmissionStore {
	return &AdmissionStore{db: db, now: time.Now}
}

// WithinClient implements admission.Store.
func (s *AdmissionStore) WithinClient(ctx context.Context, id identity.ID, fn func(tx admission.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "client_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"evaluations":       gorm.Expr("evaluations + 1"),
				"last_evaluated_at": now,
			}),
		}).Create(&domain.ClientActivity{ClientID: string(id), Evaluations: 1, LastEvaluatedAt: now}).Error
		if err != nil {
			return fmt.Errorf("lock client: %w", err)
		}
		return fn(&sqlTx{db: tx, id: string(id)})
	})
}

// Sweep implements admission.Sweeper.
func (s *AdmissionStore) Sweep(ctx context.Context, now time.Time, p admission.Policy) (admission.SweepStats, error) {
	var st admission.SweepStats
	db := s.db.WithContext(ctx)

	res := db.Where("created_at < ?", now.Add(-p.Retention())).Delete(&domain.AdmissionLog{})
	if res.Error != nil {
		return st, fmt.Errorf("sweep admissions: %w", res.Error)
	}
	st.Admissions = res.RowsAffected

	res = db.Where("last_attempt <= ?", now.Add(-p.DuplicateWindow)).Delete(&domain.DuplicateFingerprint{})
	if res.Error != nil {
		return st, fmt.Errorf("sweep fingerprints: %w", res.Error)
	}
	st.Fingerprints = res.RowsAffected

	res = db.Model(&domain.RateLimitRecord{}).
		Where("blocked = ? AND (blocked_until IS NULL OR blocked_until <= ?)", true, now).
		Updates(map[string]any{"blocked": false, "blocked_until": nil})
	if res.Error != nil {
		return st, fmt.Errorf("sweep blocks: %w", res.Error)
	}
	st.BlocksCleared = res.RowsAffected
	return st, nil
}

type sqlTx struct {
	db *gorm.DB
	id string
}

func (t *sqlTx) Record(requestType string) (*domain.RateLimitRecord, error) {
	var rec domain.RateLimitRecord
	res := t.db.Where("client_id = ? AND request_type = ?", t.id, requestType).Limit(1).Find(&rec)
	if res.Error != nil || res.RowsAffected == 0 {
		return nil, res.Error
	}
	return &rec, nil
}

func (t *sqlTx) SaveRecord(rec *domain.RateLimitRecord) error {
	rec.ClientID = t.id
	return t.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error
}

func (t *sqlTx) CountAdmissions(requestType string, since time.Time) (int, time.Time, error) {
	window := func() *gorm.DB {
		q := t.db.Model(&domain.AdmissionLog{}).Where("client_id = ? AND created_at >= ?", t.id, since)
		if requestType != "" {
			q = q.Where("request_type = ?", requestType)
		}
		return q
	}

	var n int64
	if err := window().Count(&n).Error; err != nil {
		return 0, time.Time{}, err
	}
	if n == 0 {
		return 0, time.Time{}, nil
	}
	// Earliest created_at (avoid MIN() -> TEXT in SQLite)
	var row struct {
		CreatedAt time.Time
	}
	if err := window().Select("created_at").Order("created_at ASC").Limit(1).Scan(&row).Error; err != nil {
		return 0, time.Time{}, err
	}
	return int(n), row.CreatedAt.UTC(), nil
}

func (t *sqlTx) LogAdmission(requestType string, at time.Time) error {
	return t.db.Create(&domain.AdmissionLog{ClientID: t.id, RequestType: requestType, CreatedAt: at}).Error
}

func (t *sqlTx) Fingerprint(hash string) (*domain.DuplicateFingerprint, error) {
	var fp domain.DuplicateFingerprint
	res := t.db.Where("client_id = ? AND request_hash = ?", t.id, hash).Limit(1).Find(&fp)
	if res.Error != nil || res.RowsAffected == 0 {
		return nil, res.Error
	}
	return &fp, nil
}

func (t *sqlTx) SaveFingerprint(fp *domain.DuplicateFingerprint) error {
	fp.ClientID = t.id
	return t.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(fp).Error
}

func (t *sqlTx) AppendViolation(ev *domain.ViolationEvent) error {
	return t.db.Create(ev).Error
}

var (
	_ admission.Store   = (*AdmissionStore)(nil)
	_ admission.Sweeper = (*AdmissionStore)(nil)
)
