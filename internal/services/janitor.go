package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/intake-guard/internal/admission"
	"github.com/tbourn/intake-guard/internal/observability"
)

// Sweeper is the maintenance side of the admission gate.
type Sweeper interface {
	Sweep(ctx context.Context) (admission.SweepStats, error)
}

// Janitor periodically removes admission state that no check reads anymore.
type Janitor struct {
	Sweeper  Sweeper
	Interval time.Duration
	Logger   zerolog.Logger
}

// RunOnce performs a single sweep and records what it removed.
func (j *Janitor) RunOnce(ctx context.Context) (admission.SweepStats, error) {
	st, err := j.Sweeper.Sweep(ctx)
	if err != nil {
		j.Logger.Warn().Err(err).Msg("admission sweep failed")
		return st, err
	}
	observability.SweptRows.WithLabelValues("admissions").Add(float64(st.Admissions))
	observability.SweptRows.WithLabelValues("fingerprints").Add(float64(st.Fingerprints))
	observability.SweptRows.WithLabelValues("blocks").Add(float64(st.BlocksCleared))
	observability.SweptRows.WithLabelValues("clients").Add(float64(st.Clients))
	if st.Admissions+st.Fingerprints+st.BlocksCleared+st.Clients > 0 {
		j.Logger.Debug().
			Int64("admissions", st.Admissions).
			Int64("fingerprints", st.Fingerprints).
			Int64("blocks_cleared", st.BlocksCleared).
			Int64("clients", st.Clients).
			Msg("admission sweep")
	}
	return st, nil
}

// Start runs RunOnce every Interval in a background goroutine until ctx is
// canceled. A non-positive Interval disables the janitor. The returned
// channel is closed when the goroutine exits.
func (j *Janitor) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if j.Interval <= 0 {
		close(done)
		return done
	}

	t := time.NewTicker(j.Interval)
	go func() {
		defer close(done)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = j.RunOnce(ctx)
			}
		}
	}()
	return done
}
