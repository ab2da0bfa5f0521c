package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/time/rate"

	"github.com/dshills/sfxflow/internal/logging"
	"github.com/dshills/sfxflow/pkg/types"
)

// WaitOptions controls WaitAll
type WaitOptions struct {
	Interval time.Duration // Delay between poll rounds
	Timeout  time.Duration // Zero waits without bound
	// QueryRate caps state queries per second across a round. Zero is unlimited.
	QueryRate float64
	// OnState is called once per job when it reaches a terminal state
	OnState func(id types.JobID, state types.JobState)
	// OnRound is called after every poll round with the number of jobs still active
	OnRound func(active int)
	Logger  *slog.Logger
}

// WaitAll polls until every job is terminal. Completion order is arbitrary.
// When the timeout expires the remaining jobs are marked ABANDONED and the
// returned error wraps types.ErrJobsAbandoned. Query errors are logged and the
// job is polled again next round.
func WaitAll(ctx context.Context, s Scheduler, ids []types.JobID, opts WaitOptions) (map[types.JobID]types.JobState, error) {
	logger := logging.Module(opts.Logger, "scheduler")
	states := make(map[types.JobID]types.JobState, len(ids))
	pending := slices.Clone(ids)

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.QueryRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.QueryRate), 1)
	}

	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}

	for round := 1; ; round++ {
		still := pending[:0]
		for _, id := range pending {
			if err := limiter.Wait(ctx); err != nil {
				return states, err
			}
			state, err := s.State(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return states, ctx.Err()
				}
				logger.Warn("job state query failed", "job_id", id, "error", err)
				still = append(still, id)
				continue
			}
			if !state.Terminal() {
				still = append(still, id)
				continue
			}
			if state == types.JobGone {
				logger.Debug("job left the queue, outcome unknown", "job_id", id)
			}
			states[id] = state
			if opts.OnState != nil {
				opts.OnState(id, state)
			}
		}
		pending = still

		logger.Info("poll round", "round", round, "finished", len(states), "active", len(pending))
		if opts.OnRound != nil {
			opts.OnRound(len(pending))
		}
		if len(pending) == 0 {
			return states, nil
		}

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			for _, id := range pending {
				states[id] = types.JobAbandoned
				if opts.OnState != nil {
					opts.OnState(id, types.JobAbandoned)
				}
			}
			return states, fmt.Errorf("%w: %d still active: %v", types.ErrJobsAbandoned, len(pending), pending)
		}

		wait := opts.Interval
		if !deadline.IsZero() {
			wait = min(wait, time.Until(deadline))
		}
		timer := time.NewTimer(max(wait, 0))
		select {
		case <-ctx.Done():
			timer.Stop()
			return states, ctx.Err()
		case <-timer.C:
		}
	}
}
