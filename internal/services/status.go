package services

import (
	"context"
	"fmt"
	"time"

	"github.com/tbourn/intake-guard/internal/accumulator"
	"github.com/tbourn/intake-guard/internal/domain"
)

// recentRuns caps how many batch runs Status returns.
const recentRuns = 5

// GroupStatus is the operator view of one group.
type GroupStatus struct {
	GroupKey  string `json:"group_key" example:"north"`
	Epoch     int64  `json:"epoch" example:"3"`
	Count     int    `json:"count" example:"7"`
	Triggered bool   `json:"triggered"`
	Threshold int    `json:"threshold" example:"10"`
	// Pending is the number of stored members still waiting for a batch.
	// It can exceed Count while a run is in flight.
	Pending       int64             `json:"pending" example:"7"`
	OldestPending *time.Time        `json:"oldest_pending_at,omitempty"`
	RecentRuns    []domain.BatchRun `json:"recent_runs,omitempty"`
}

// Status reports the accumulator state and pending members of group. Recent
// batch runs are included when withRuns is set.
func (s *IntakeService) Status(ctx context.Context, group string, withRuns bool) (GroupStatus, error) {
	group = accumulator.NormalizeGroup(group)
	if group == "" {
		return GroupStatus{}, ErrMissingGroup
	}
	snap, err := s.Groups.Snapshot(ctx, group)
	if err != nil {
		return GroupStatus{}, err
	}
	st := GroupStatus{
		GroupKey:  group,
		Epoch:     snap.Epoch,
		Count:     snap.Count,
		Triggered: snap.Triggered,
		Threshold: s.Groups.Threshold(),
	}
	if st.Pending, st.OldestPending, err = s.Repo.PendingStats(ctx, s.DB, group); err != nil {
		return GroupStatus{}, fmt.Errorf("pending stats: %w", err)
	}
	if withRuns {
		if st.RecentRuns, err = s.Repo.ListBatchRuns(ctx, s.DB, group, recentRuns); err != nil {
			return GroupStatus{}, fmt.Errorf("list batch runs: %w", err)
		}
	}
	return st, nil
}
