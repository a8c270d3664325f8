// Package repo implements the persistence layer backed by GORM. This file
// provides GroupCounterStore, the SQL implementation of accumulator.Store.
//
// Every mutation is an optimistic compare-and-swap on the row's version:
//
//	UPDATE group_counters SET ..., version = v+1 WHERE group_key = ? AND version = v
//
// A zero RowsAffected means another writer got there first; the row is
// re-read and the step retried. The triggered flag is decided from the row
// that was actually swapped, so exactly one writer per epoch observes the
// threshold crossing.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/intake-guard/internal/accumulator"
	"github.com/tbourn/intake-guard/internal/domain"
	"github.com/tbourn/intake-guard/internal/observability"
)

// ErrContention is returned when a counter update lost the race too many
// times in a row.
var ErrContention = errors.New("group counter: too much contention")

// GroupCounterStore keeps group counters in the group_counters table.
type GroupCounterStore struct {
	db         *gorm.DB
	maxRetries int
}

// NewGroupCounterStore returns a store over db with a retry bound of 64.
func NewGroupCounterStore(db *gorm.DB) *GroupCounterStore {
	return &GroupCounterStore{db: db, maxRetries: 64}
}

func (s *GroupCounterStore) load(ctx context.Context, group string) (domain.GroupCounter, error) {
	db := s.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.GroupCounter{GroupKey: group, UpdatedAt: time.Now().UTC()}).Error
	if err != nil {
		return domain.GroupCounter{}, fmt.Errorf("ensure counter: %w", err)
	}
	var gc domain.GroupCounter
	if err := db.Where("group_key = ?", group).First(&gc).Error; err != nil {
		return domain.GroupCounter{}, err
	}
	return gc, nil
}

// swap applies next if the stored version still equals prev.Version.
func (s *GroupCounterStore) swap(ctx context.Context, prev, next domain.GroupCounter) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&domain.GroupCounter{}).
		Where("group_key = ? AND version = ?", prev.GroupKey, prev.Version).
		Updates(map[string]any{
			"count":      next.Count,
			"triggered":  next.Triggered,
			"epoch":      next.Epoch,
			"version":    prev.Version + 1,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		observability.GroupConflicts.Inc()
		return false, nil
	}
	return true, nil
}

// Increment implements accumulator.Store.
func (s *GroupCounterStore) Increment(ctx context.Context, group string, threshold int) (accumulator.Result, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		cur, err := s.load(ctx, group)
		if err != nil {
			return accumulator.Result{}, err
		}
		next := cur
		next.Count++
		fired := !cur.Triggered && next.Count >= threshold
		if fired {
			next.Triggered = true
		}
		ok, err := s.swap(ctx, cur, next)
		if err != nil {
			return accumulator.Result{}, err
		}
		if ok {
			return accumulator.Result{Group: group, Count: next.Count, Triggered: fired, Epoch: next.Epoch}, nil
		}
	}
	return accumulator.Result{}, ErrContention
}

// Reset implements accumulator.Store.
func (s *GroupCounterStore) Reset(ctx context.Context, group string, carry int) (int64, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		cur, err := s.load(ctx, group)
		if err != nil {
			return 0, err
		}
		next := cur
		next.Count = carry
		next.Triggered = false
		next.Epoch = cur.Epoch + 1
		ok, err := s.swap(ctx, cur, next)
		if err != nil {
			return 0, err
		}
		if ok {
			return next.Epoch, nil
		}
	}
	return 0, ErrContention
}

// Snapshot implements accumulator.Store.
func (s *GroupCounterStore) Snapshot(ctx context.Context, group string) (accumulator.Snapshot, error) {
	var gc domain.GroupCounter
	res := s.db.WithContext(ctx).Where("group_key = ?", group).Limit(1).Find(&gc)
	if res.Error != nil {
		return accumulator.Snapshot{}, res.Error
	}
	if res.RowsAffected == 0 {
		return accumulator.Snapshot{Group: group}, nil
	}
	return accumulator.Snapshot{Group: group, Count: gc.Count, Triggered: gc.Triggered, Epoch: gc.Epoch}, nil
}

// ListGroupCounters returns every counter, most recently updated first.
func ListGroupCounters(ctx context.Context, db *gorm.DB) ([]domain.GroupCounter, error) {
	var out []domain.GroupCounter
	err := db.WithContext(ctx).Order("updated_at desc").Find(&out).Error
	return out, err
}

var _ accumulator.Store = (*GroupCounterStore)(nil)
