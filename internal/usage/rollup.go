package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/voicetime/internal/metrics"
	"github.com/goodtune/voicetime/internal/storage"
	"github.com/rs/zerolog"
)

// RetainedMonthCount is how many calendar months the monthly tier keeps,
// counting the current one.
const RetainedMonthCount = 3

// RollupScheduler runs the weekly and monthly maintenance passes
type RollupScheduler struct {
	times    storage.TimeStore
	clock    quartz.Clock
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex // one pass in flight per process
	cancel context.CancelFunc
	waiter quartz.Waiter
}

// NewRollupScheduler creates a new rollup scheduler
func NewRollupScheduler(times storage.TimeStore, clock quartz.Clock, interval, timeout time.Duration, logger zerolog.Logger) *RollupScheduler {
	return &RollupScheduler{
		times:    times,
		clock:    clock,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With().Str("component", "rollup-scheduler").Logger(),
	}
}

// Plan returns the pass due at now given the last recorded pass, and whether
// any pass is due at all.
func Plan(now time.Time, last *storage.LastUpdated) (storage.RollupPlan, bool) {
	now = now.UTC()
	day, month, year := now.Day(), int(now.Month()), now.Year()

	if last.Is(day, month, year) {
		return storage.RollupPlan{}, false
	}

	plan := storage.RollupPlan{
		Day:     day,
		Month:   month,
		Year:    year,
		Weekly:  now.Weekday() == time.Monday,
		Monthly: day == 1,
	}
	if !plan.Weekly && !plan.Monthly {
		return storage.RollupPlan{}, false
	}
	if plan.Monthly {
		plan.RetainMonths = storage.RecentMonths(month, RetainedMonthCount)
	}
	return plan, true
}

// Check runs any pending pass. The result is Skipped when nothing was due or
// another caller already ran it. Failures wrap ErrRollupAborted.
func (rs *RollupScheduler) Check(ctx context.Context) (*storage.RollupResult, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()

	last, err := rs.times.LastUpdated(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		metrics.RollupsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: %w", ErrRollupAborted, err)
	}

	plan, due := Plan(rs.clock.Now(), last)
	if !due {
		return &storage.RollupResult{Skipped: true}, nil
	}

	start := time.Now()
	result, err := rs.times.Rollup(ctx, plan)
	metrics.StoreOperationDuration.WithLabelValues("rollup").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RollupsTotal.WithLabelValues("failed").Inc()
		rs.logger.Error().Err(err).
			Int("day", plan.Day).
			Int("month", plan.Month).
			Int("year", plan.Year).
			Bool("weekly", plan.Weekly).
			Bool("monthly", plan.Monthly).
			Msg("Rollup failed, will retry on next check")
		return nil, fmt.Errorf("%w: %w", ErrRollupAborted, err)
	}

	if result.Skipped {
		metrics.RollupsTotal.WithLabelValues("skipped").Inc()
		return result, nil
	}

	metrics.RollupsTotal.WithLabelValues("applied").Inc()
	metrics.RollupRowsMerged.WithLabelValues(string(storage.TierMonthly)).Add(float64(result.WeeklyMerged))
	metrics.RollupRowsMerged.WithLabelValues(string(storage.TierAllTime)).Add(float64(result.AllTimeMerged))

	rs.logger.Info().
		Int("day", plan.Day).
		Int("month", plan.Month).
		Int("year", plan.Year).
		Bool("weekly", plan.Weekly).
		Bool("monthly", plan.Monthly).
		Int("weekly_merged", result.WeeklyMerged).
		Int("alltime_merged", result.AllTimeMerged).
		Int("monthly_deleted", result.MonthlyDeleted).
		Msg("Rollup complete")

	return result, nil
}

// Start runs a check now and then every interval until Stop or ctx ends
func (rs *RollupScheduler) Start(ctx context.Context) {
	ctx, rs.cancel = context.WithCancel(ctx)

	if _, err := rs.Check(ctx); err != nil {
		rs.logger.Error().Err(err).Msg("Initial rollup check failed")
	}

	rs.waiter = rs.clock.TickerFunc(ctx, rs.interval, func() error {
		if _, err := rs.Check(ctx); err != nil {
			rs.logger.Error().Err(err).Msg("Scheduled rollup check failed")
		}
		return nil
	}, "rollup")

	rs.logger.Info().
		Dur("interval", rs.interval).
		Msg("Rollup scheduler started")
}

// Stop stops the rollup scheduler
func (rs *RollupScheduler) Stop() {
	if rs.cancel == nil {
		return
	}
	rs.cancel()
	_ = rs.waiter.Wait()
	rs.logger.Info().Msg("Rollup scheduler stopped")
}

func (rs *RollupScheduler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if rs.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, rs.timeout)
}
