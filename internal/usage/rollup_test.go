package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/voicetime/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestPlan(t *testing.T) {
	tests := []struct {
		name    string
		now     time.Time
		last    *storage.LastUpdated
		wantDue bool
		want    storage.RollupPlan
	}{
		{
			name:    "midweek is never due",
			now:     time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC),
			wantDue: false,
		},
		{
			name:    "monday runs weekly merge",
			now:     time.Date(2026, 6, 8, 0, 5, 0, 0, time.UTC),
			last:    &storage.LastUpdated{Day: 1, Month: 6, Year: 2026},
			wantDue: true,
			want:    storage.RollupPlan{Day: 8, Month: 6, Year: 2026, Weekly: true},
		},
		{
			name:    "monday already handled",
			now:     time.Date(2026, 6, 8, 23, 0, 0, 0, time.UTC),
			last:    &storage.LastUpdated{Day: 8, Month: 6, Year: 2026},
			wantDue: false,
		},
		{
			name:    "first of month runs monthly merge",
			now:     time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
			wantDue: true,
			want:    storage.RollupPlan{Day: 1, Month: 7, Year: 2026, Monthly: true, RetainMonths: []int{7, 6, 5}},
		},
		{
			name:    "january retention wraps to previous year",
			now:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			last:    &storage.LastUpdated{Day: 29, Month: 12, Year: 2025},
			wantDue: true,
			want:    storage.RollupPlan{Day: 1, Month: 1, Year: 2026, Monthly: true, RetainMonths: []int{1, 12, 11}},
		},
		{
			name:    "monday the first runs both",
			now:     time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
			last:    &storage.LastUpdated{Day: 25, Month: 5, Year: 2026},
			wantDue: true,
			want:    storage.RollupPlan{Day: 1, Month: 6, Year: 2026, Weekly: true, Monthly: true, RetainMonths: []int{6, 5, 4}},
		},
		{
			name:    "same date a year later runs again",
			now:     time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC),
			last:    &storage.LastUpdated{Day: 1, Month: 6, Year: 2026},
			wantDue: true,
			want:    storage.RollupPlan{Day: 1, Month: 6, Year: 2027, Monthly: true, RetainMonths: []int{6, 5, 4}},
		},
		{
			name:    "day is evaluated in UTC",
			now:     time.Date(2026, 6, 7, 22, 0, 0, 0, time.FixedZone("UTC-3", -3*3600)),
			wantDue: true,
			want:    storage.RollupPlan{Day: 8, Month: 6, Year: 2026, Weekly: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, due := Plan(tt.now, tt.last)
			require.Equal(t, tt.wantDue, due)
			if tt.wantDue {
				require.Equal(t, tt.want, plan)
				require.NoError(t, plan.Validate())
			}
		})
	}
}

func newTestScheduler(t *testing.T, times storage.TimeStore, now time.Time) (*RollupScheduler, *quartz.Mock) {
	t.Helper()

	mClock := quartz.NewMock(t)
	mClock.Set(now)
	return NewRollupScheduler(times, mClock, 15*time.Minute, time.Second, zerolog.Nop()), mClock
}

func TestRollupScheduler_Check(t *testing.T) {
	times := openTimes(t)
	ctx := context.Background()
	rs, mClock := newTestScheduler(t, times, time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC))

	require.NoError(t, times.UpsertAdd(ctx, storage.TierWeekly, storage.Key{UserID: "a", ChannelID: "10"}, 3700))

	result, err := rs.Check(ctx)
	require.NoError(t, err)
	require.True(t, result.Skipped)

	mClock.Set(time.Date(2026, 6, 15, 0, 1, 0, 0, time.UTC))
	result, err = rs.Check(ctx)
	require.NoError(t, err)
	require.False(t, result.Skipped)
	require.Equal(t, 1, result.WeeklyMerged)

	require.Empty(t, readTier(t, times, storage.TierWeekly))
	require.Equal(t, map[storage.Key]float64{
		{UserID: "a", ChannelID: "10", Month: 6}: 3700,
	}, readTier(t, times, storage.TierMonthly))

	// A second check the same day changes nothing.
	result, err = rs.Check(ctx)
	require.NoError(t, err)
	require.True(t, result.Skipped)
	require.Equal(t, map[storage.Key]float64{
		{UserID: "a", ChannelID: "10", Month: 6}: 3700,
	}, readTier(t, times, storage.TierMonthly))

	// Monthly boundary with an empty weekly tier adds nothing to all time
	// and keeps June inside the window.
	mClock.Set(time.Date(2026, 7, 1, 0, 1, 0, 0, time.UTC))
	result, err = rs.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, result.AllTimeMerged)
	require.Empty(t, readTier(t, times, storage.TierAllTime))
	require.Equal(t, map[storage.Key]float64{
		{UserID: "a", ChannelID: "10", Month: 6}: 3700,
	}, readTier(t, times, storage.TierMonthly))
}

func TestRollupScheduler_RetentionAcrossYear(t *testing.T) {
	times := openTimes(t)
	ctx := context.Background()
	rs, mClock := newTestScheduler(t, times, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	// Feed one row per month, then cross a year of monthly boundaries.
	var allTime []float64
	for i := 0; i < 14; i++ {
		now := time.Date(2026, time.Month(1+i), 1, 6, 0, 0, 0, time.UTC)
		mClock.Set(now)

		require.NoError(t, times.UpsertAdd(ctx, storage.TierMonthly,
			storage.Key{UserID: "a", ChannelID: "10", Month: int(now.Month())}, 60))
		require.NoError(t, times.UpsertAdd(ctx, storage.TierWeekly,
			storage.Key{UserID: "a", ChannelID: "10"}, 30))

		_, err := rs.Check(ctx)
		require.NoError(t, err)

		retained := storage.RecentMonths(int(now.Month()), RetainedMonthCount)
		for k := range readTier(t, times, storage.TierMonthly) {
			require.Contains(t, retained, k.Month, "month %d kept at %s", k.Month, now.Format("2006-01"))
		}

		total := readTier(t, times, storage.TierAllTime)[storage.Key{UserID: "a", ChannelID: "10"}]
		if n := len(allTime); n > 0 {
			require.GreaterOrEqual(t, total, allTime[n-1])
		}
		allTime = append(allTime, total)
	}
}

func TestRollupScheduler_FailureAbortsAndStaysPending(t *testing.T) {
	faulty := &faultyStore{TimeStore: openTimes(t), rollupErr: storage.Persistence("rollup", errors.New("disk I/O error"))}
	ctx := context.Background()
	rs, _ := newTestScheduler(t, faulty, time.Date(2026, 6, 8, 3, 0, 0, 0, time.UTC))

	require.NoError(t, faulty.UpsertAdd(ctx, storage.TierWeekly, storage.Key{UserID: "a", ChannelID: "10"}, 100))

	_, err := rs.Check(ctx)
	require.ErrorIs(t, err, ErrRollupAborted)
	require.ErrorIs(t, err, storage.ErrPersistence)

	_, err = faulty.LastUpdated(ctx)
	require.ErrorIs(t, err, storage.ErrNotFound)

	faulty.mu.Lock()
	faulty.rollupErr = nil
	faulty.mu.Unlock()

	result, err := rs.Check(ctx)
	require.NoError(t, err)
	require.False(t, result.Skipped)
	require.Equal(t, map[storage.Key]float64{
		{UserID: "a", ChannelID: "10", Month: 6}: 100,
	}, readTier(t, faulty, storage.TierMonthly))
}

func TestRollupScheduler_StartRunsCatchUpCheck(t *testing.T) {
	times := openTimes(t)
	ctx := context.Background()
	rs, _ := newTestScheduler(t, times, time.Date(2026, 6, 8, 8, 0, 0, 0, time.UTC))

	require.NoError(t, times.UpsertAdd(ctx, storage.TierWeekly, storage.Key{UserID: "a", ChannelID: "10"}, 42))

	rs.Start(ctx)
	rs.Stop()

	last, err := times.LastUpdated(ctx)
	require.NoError(t, err)
	require.Equal(t, storage.LastUpdated{Day: 8, Month: 6, Year: 2026}, *last)
	require.Empty(t, readTier(t, times, storage.TierWeekly))
}

func TestRollupScheduler_TickRunsCheck(t *testing.T) {
	times := openTimes(t)
	ctx := context.Background()
	rs, mClock := newTestScheduler(t, times, time.Date(2026, 6, 7, 23, 50, 0, 0, time.UTC))

	rs.Start(ctx)
	defer rs.Stop()

	require.NoError(t, times.UpsertAdd(ctx, storage.TierWeekly, storage.Key{UserID: "a", ChannelID: "10"}, 42))

	// Sunday 23:50 + 15m lands on Monday.
	mClock.Advance(15 * time.Minute).MustWait(ctx)

	require.Empty(t, readTier(t, times, storage.TierWeekly))
	require.Equal(t, map[storage.Key]float64{
		{UserID: "a", ChannelID: "10", Month: 6}: 42,
	}, readTier(t, times, storage.TierMonthly))
}
