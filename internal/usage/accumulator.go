package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/voicetime/internal/metrics"
	"github.com/goodtune/voicetime/internal/storage"
	"github.com/rs/zerolog"
)

// ErrRollupAborted means the maintenance pass failed and was rolled back. The
// accumulation that triggered it was already stored.
var ErrRollupAborted = errors.New("rollup aborted")

// Checker runs a maintenance check.
type Checker interface {
	Check(ctx context.Context) (*storage.RollupResult, error)
}

// Accumulator adds closed session time to the weekly tier
type Accumulator struct {
	times     storage.TimeStore
	scheduler Checker
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewAccumulator creates an accumulator. A zero timeout leaves ctx as is.
func NewAccumulator(times storage.TimeStore, scheduler Checker, timeout time.Duration, logger zerolog.Logger) *Accumulator {
	return &Accumulator{
		times:     times,
		scheduler: scheduler,
		timeout:   timeout,
		logger:    logger.With().Str("component", "accumulator").Logger(),
	}
}

// Accumulate adds seconds to the member's weekly row for channelID, then
// runs the maintenance check. Upsert failures wrap storage.ErrPersistence;
// check failures wrap ErrRollupAborted.
func (a *Accumulator) Accumulate(ctx context.Context, userID, channelID string, seconds float64) error {
	return a.accumulate(ctx, "", userID, channelID, seconds)
}

// AccumulateSession is Accumulate for a closed session, applied at most once
// per session ID so it is safe to retry after a failed upsert.
func (a *Accumulator) AccumulateSession(ctx context.Context, cs ClosedSession) error {
	return a.accumulate(ctx, cs.ID(), cs.UserID, cs.ChannelID, cs.Seconds)
}

func (a *Accumulator) accumulate(ctx context.Context, opID, userID, channelID string, seconds float64) error {
	key := storage.Key{UserID: userID, ChannelID: channelID}

	opCtx, cancel := a.withTimeout(ctx)
	start := time.Now()
	applied := true
	var err error
	if opID == "" {
		err = a.times.UpsertAdd(opCtx, storage.TierWeekly, key, seconds)
	} else {
		applied, err = a.times.UpsertAddOnce(opCtx, storage.TierWeekly, opID, key, seconds)
	}
	cancel()
	metrics.StoreOperationDuration.WithLabelValues("upsert").Observe(time.Since(start).Seconds())

	if err != nil {
		return fmt.Errorf("failed to accumulate %s in %s: %w", userID, channelID, err)
	}

	if applied {
		metrics.SecondsAccumulated.Add(seconds)
		a.logger.Debug().
			Str("user_id", userID).
			Str("channel_id", channelID).
			Float64("seconds", seconds).
			Msg("Accumulated session time")
	} else {
		a.logger.Debug().
			Str("user_id", userID).
			Str("session_id", opID).
			Msg("Session already accumulated")
	}

	if _, err := a.scheduler.Check(ctx); err != nil {
		if errors.Is(err, ErrRollupAborted) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrRollupAborted, err)
	}
	return nil
}

func (a *Accumulator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.timeout)
}
