package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/goodtune/voicetime/internal/storage"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "voicetime.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func key(user, channel string) storage.Key {
	return storage.Key{UserID: user, ChannelID: channel}
}

func seconds(t *testing.T, times storage.TimeStore, tier storage.Tier, filter storage.Filter) map[string]float64 {
	t.Helper()

	records, err := times.Read(context.Background(), tier, filter)
	require.NoError(t, err)
	out := make(map[string]float64, len(records))
	for _, r := range records {
		k := r.UserID + "/" + r.ChannelID
		if tier == storage.TierMonthly {
			k = fmt.Sprintf("%s/%02d", k, r.Month)
		}
		out[k] = r.Seconds
	}
	return out
}

func TestUpsertAdd_CreatesThenAdds(t *testing.T) {
	times := openTestStore(t).Times()
	ctx := context.Background()

	require.NoError(t, times.UpsertAdd(ctx, storage.TierWeekly, key("a", "10"), 100))
	require.NoError(t, times.UpsertAdd(ctx, storage.TierWeekly, key("a", "10"), 50.5))
	require.NoError(t, times.UpsertAdd(ctx, storage.TierWeekly, key("b", "10"), 0))

	got := seconds(t, times, storage.TierWeekly, storage.Filter{})
	require.Equal(t, map[string]float64{"a/10": 150.5, "b/10": 0}, got)
}

func TestUpsertAdd_RejectsNegativeDelta(t *testing.T) {
	times := openTestStore(t).Times()

	err := times.UpsertAdd(context.Background(), storage.TierAllTime, key("a", "10"), -1)
	require.ErrorIs(t, err, storage.ErrInvalidDelta)

	got := seconds(t, times, storage.TierAllTime, storage.Filter{})
	require.Empty(t, got)
}

func TestUpsertAdd_MonthlyRequiresCalendarMonth(t *testing.T) {
	times := openTestStore(t).Times()
	ctx := context.Background()

	err := times.UpsertAdd(ctx, storage.TierMonthly, storage.Key{UserID: "a", ChannelID: "10", Month: 0}, 5)
	require.Error(t, err)

	require.NoError(t, times.UpsertAdd(ctx, storage.TierMonthly, storage.Key{UserID: "a", ChannelID: "10", Month: 3}, 5))
	require.NoError(t, times.UpsertAdd(ctx, storage.TierMonthly, storage.Key{UserID: "a", ChannelID: "10", Month: 4}, 7))

	got := seconds(t, times, storage.TierMonthly, storage.Filter{Months: []int{4}})
	require.Equal(t, map[string]float64{"a/10/04": 7}, got)
}

func TestRead_FiltersByUser(t *testing.T) {
	times := openTestStore(t).Times()
	ctx := context.Background()

	require.NoError(t, times.UpsertAdd(ctx, storage.TierAllTime, key("a", "10"), 1))
	require.NoError(t, times.UpsertAdd(ctx, storage.TierAllTime, key("a", "11"), 2))
	require.NoError(t, times.UpsertAdd(ctx, storage.TierAllTime, key("b", "10"), 3))

	records, err := times.Read(ctx, storage.TierAllTime, storage.Filter{UserID: "a"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		require.Equal(t, "a", r.UserID)
		require.Equal(t, storage.TierAllTime, r.Tier)
	}
}

func TestLastUpdated_AbsentUntilWritten(t *testing.T) {
	times := openTestStore(t).Times()
	ctx := context.Background()

	_, err := times.LastUpdated(ctx)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, times.SetLastUpdated(ctx, storage.LastUpdated{Day: 14, Month: 9, Year: 2026}))
	require.NoError(t, times.SetLastUpdated(ctx, storage.LastUpdated{Day: 15, Month: 9, Year: 2026}))

	last, err := times.LastUpdated(ctx)
	require.NoError(t, err)
	require.Equal(t, storage.LastUpdated{Day: 15, Month: 9, Year: 2026}, *last)
}

func TestRollup_WeeklyMergeIsIdempotent(t *testing.T) {
	times := openTestStore(t).Times()
	ctx := context.Background()

	require.NoError(t, times.UpsertAdd(ctx, storage.TierWeekly, key("a", "10"), 3700))
	require.NoError(t, times.UpsertAdd(ctx, storage.TierMonthly, storage.Key{UserID: "a", ChannelID: "10", Month: 6}, 100))

	plan := storage.RollupPlan{Day: 8, Month: 6, Year: 2026, Weekly: true}
	result, err := times.Rollup(ctx, plan)
	require.NoError(t, err)
	require.False(t, result.Skipped)
	require.Equal(t, 1, result.WeeklyMerged)
	require.True(t, result.WeeklyWiped)

	require.Empty(t, seconds(t, times, storage.TierWeekly, storage.Filter{}))
	require.Equal(t, map[string]float64{"a/10/06": 3800}, seconds(t, times, storage.TierMonthly, storage.Filter{}))

	again, err := times.Rollup(ctx, plan)
	require.NoError(t, err)
	require.True(t, again.Skipped)
	require.Equal(t, map[string]float64{"a/10/06": 3800}, seconds(t, times, storage.TierMonthly, storage.Filter{}))

	last, err := times.LastUpdated(ctx)
	require.NoError(t, err)
	require.Equal(t, storage.LastUpdated{Day: 8, Month: 6, Year: 2026}, *last)
}

func TestRollup_SameDateNextYearRuns(t *testing.T) {
	times := openTestStore(t).Times()
	ctx := context.Background()

	require.NoError(t, times.SetLastUpdated(ctx, storage.LastUpdated{Day: 1, Month: 6, Year: 2025}))
	require.NoError(t, times.UpsertAdd(ctx, storage.TierWeekly, key("a", "10"), 90))

	result, err := times.Rollup(ctx, storage.RollupPlan{
		Day: 1, Month: 6, Year: 2026, Monthly: true, RetainMonths: []int{6, 5, 4},
	})
	require.NoError(t, err)
	require.False(t, result.Skipped)
	require.Equal(t, map[string]float64{"a/10": 90}, seconds(t, times, storage.TierAllTime, storage.Filter{}))
}

func TestRollup_LegacyMarkerWithoutYearStillSkips(t *testing.T) {
	store := openTestStore(t)
	times := store.Times()
	ctx := context.Background()

	_, err := store.db.Exec("INSERT INTO last_updated (id, day, month) VALUES (1, 8, 6)")
	require.NoError(t, err)

	result, err := times.Rollup(ctx, storage.RollupPlan{Day: 8, Month: 6, Year: 2026, Weekly: true})
	require.NoError(t, err)
	require.True(t, result.Skipped)
}

func TestRollup_MonthlyMergesIntoAllTimeAndExpires(t *testing.T) {
	times := openTestStore(t).Times()
	ctx := context.Background()

	require.NoError(t, times.UpsertAdd(ctx, storage.TierWeekly, key("a", "10"), 60))
	require.NoError(t, times.UpsertAdd(ctx, storage.TierWeekly, key("b", "11"), 90))
	require.NoError(t, times.UpsertAdd(ctx, storage.TierAllTime, key("a", "10"), 1000))
	for _, m := range []int{12, 1, 2, 3} {
		require.NoError(t, times.UpsertAdd(ctx, storage.TierMonthly, storage.Key{UserID: "a", ChannelID: "10", Month: m}, 10))
	}

	result, err := times.Rollup(ctx, storage.RollupPlan{
		Day: 1, Month: 3, Year: 2026, Monthly: true, RetainMonths: []int{3, 2, 1},
	})
	require.NoError(t, err)
	require.Equal(t, 2, result.AllTimeMerged)
	require.Equal(t, 1, result.MonthlyDeleted)

	require.Empty(t, seconds(t, times, storage.TierWeekly, storage.Filter{}))
	require.Equal(t, map[string]float64{"a/10": 1060, "b/11": 90}, seconds(t, times, storage.TierAllTime, storage.Filter{}))
	require.Equal(t, map[string]float64{
		"a/10/01": 10, "a/10/02": 10, "a/10/03": 10,
	}, seconds(t, times, storage.TierMonthly, storage.Filter{}))
}

func TestRollup_MondayFirstMergesWeeklyIntoMonthlyFirst(t *testing.T) {
	times := openTestStore(t).Times()
	ctx := context.Background()

	require.NoError(t, times.UpsertAdd(ctx, storage.TierWeekly, key("a", "10"), 500))

	result, err := times.Rollup(ctx, storage.RollupPlan{
		Day: 1, Month: 6, Year: 2026, Weekly: true, Monthly: true, RetainMonths: []int{6, 5, 4},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.WeeklyMerged)
	require.Equal(t, 0, result.AllTimeMerged)

	require.Equal(t, map[string]float64{"a/10/06": 500}, seconds(t, times, storage.TierMonthly, storage.Filter{}))
	require.Empty(t, seconds(t, times, storage.TierAllTime, storage.Filter{}))
}

func TestRollup_FailureLeavesTiersUntouched(t *testing.T) {
	store := openTestStore(t)
	times := store.Times()
	ctx := context.Background()

	require.NoError(t, times.UpsertAdd(ctx, storage.TierWeekly, key("a", "10"), 300))
	require.NoError(t, times.UpsertAdd(ctx, storage.TierMonthly, storage.Key{UserID: "a", ChannelID: "10", Month: 2}, 40))
	require.NoError(t, times.SetLastUpdated(ctx, storage.LastUpdated{Day: 25, Month: 5, Year: 2026}))

	// Fail the retention step, which runs after both merges.
	_, err := store.db.Exec(`CREATE TRIGGER fail_expiry BEFORE DELETE ON monthly_stats
		BEGIN SELECT RAISE(ABORT, 'expiry failed'); END`)
	require.NoError(t, err)

	_, err = times.Rollup(ctx, storage.RollupPlan{
		Day: 1, Month: 6, Year: 2026, Weekly: true, Monthly: true, RetainMonths: []int{6, 5, 4},
	})
	require.ErrorIs(t, err, storage.ErrPersistence)

	require.Equal(t, map[string]float64{"a/10": 300}, seconds(t, times, storage.TierWeekly, storage.Filter{}))
	require.Equal(t, map[string]float64{"a/10/02": 40}, seconds(t, times, storage.TierMonthly, storage.Filter{}))
	require.Empty(t, seconds(t, times, storage.TierAllTime, storage.Filter{}))

	last, err := times.LastUpdated(ctx)
	require.NoError(t, err)
	require.Equal(t, storage.LastUpdated{Day: 25, Month: 5, Year: 2026}, *last)
}

func TestRollup_RejectsInvalidPlan(t *testing.T) {
	times := openTestStore(t).Times()

	_, err := times.Rollup(context.Background(), storage.RollupPlan{Day: 1, Month: 13, Year: 2026})
	require.Error(t, err)

	_, err = times.Rollup(context.Background(), storage.RollupPlan{Day: 1, Month: 1, Year: 2026, Monthly: true})
	require.Error(t, err)

	_, err = times.Rollup(context.Background(), storage.RollupPlan{Day: 1, Month: 1, Weekly: true})
	require.Error(t, err)
}

func TestOpen_MigrationsAreReentrant(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voicetime.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Times().UpsertAdd(context.Background(), storage.TierAllTime, key("a", "10"), 42))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	got := seconds(t, store.Times(), storage.TierAllTime, storage.Filter{})
	require.Equal(t, map[string]float64{"a/10": 42}, got)
}

func TestUpsertAddOnce_AppliesEachOperationOnce(t *testing.T) {
	times := openTestStore(t).Times()
	ctx := context.Background()

	applied, err := times.UpsertAddOnce(ctx, storage.TierWeekly, "a:10:1:2", key("a", "10"), 3600)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = times.UpsertAddOnce(ctx, storage.TierWeekly, "a:10:1:2", key("a", "10"), 3600)
	require.NoError(t, err)
	require.False(t, applied)

	applied, err = times.UpsertAddOnce(ctx, storage.TierWeekly, "a:10:3:4", key("a", "10"), 60)
	require.NoError(t, err)
	require.True(t, applied)

	require.Equal(t, map[string]float64{"a/10": 3660}, seconds(t, times, storage.TierWeekly, storage.Filter{}))
}

func TestUpsertAddOnce_FailedWriteLeavesNoMarker(t *testing.T) {
	store := openTestStore(t)
	times := store.Times()
	ctx := context.Background()

	_, err := store.db.Exec(`CREATE TRIGGER fail_weekly BEFORE INSERT ON weekly_stats
		BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	require.NoError(t, err)

	_, err = times.UpsertAddOnce(ctx, storage.TierWeekly, "a:10:1:2", key("a", "10"), 30)
	require.ErrorIs(t, err, storage.ErrPersistence)

	_, err = store.db.Exec("DROP TRIGGER fail_weekly")
	require.NoError(t, err)

	applied, err := times.UpsertAddOnce(ctx, storage.TierWeekly, "a:10:1:2", key("a", "10"), 30)
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, map[string]float64{"a/10": 30}, seconds(t, times, storage.TierWeekly, storage.Filter{}))
}

func TestUpsertAddOnce_RejectsBadInput(t *testing.T) {
	times := openTestStore(t).Times()
	ctx := context.Background()

	_, err := times.UpsertAddOnce(ctx, storage.TierWeekly, "", key("a", "10"), 1)
	require.Error(t, err)

	_, err = times.UpsertAddOnce(ctx, storage.TierWeekly, "op", key("a", "10"), -1)
	require.ErrorIs(t, err, storage.ErrInvalidDelta)
}

func TestReadTiers_ReturnsEveryRequestedTier(t *testing.T) {
	times := openTestStore(t).Times()
	ctx := context.Background()

	require.NoError(t, times.UpsertAdd(ctx, storage.TierWeekly, key("a", "10"), 10))
	require.NoError(t, times.UpsertAdd(ctx, storage.TierAllTime, key("a", "10"), 20))
	require.NoError(t, times.UpsertAdd(ctx, storage.TierMonthly, storage.Key{UserID: "a", ChannelID: "10", Month: 2}, 30))
	require.NoError(t, times.UpsertAdd(ctx, storage.TierMonthly, storage.Key{UserID: "a", ChannelID: "10", Month: 5}, 40))

	got, err := times.ReadTiers(ctx,
		[]storage.Tier{storage.TierAllTime, storage.TierWeekly, storage.TierMonthly},
		storage.Filter{Months: []int{2}})
	require.NoError(t, err)

	require.Equal(t, []storage.TimeRecord{
		{Tier: storage.TierWeekly, UserID: "a", ChannelID: "10", Seconds: 10},
	}, got[storage.TierWeekly])
	require.Equal(t, []storage.TimeRecord{
		{Tier: storage.TierAllTime, UserID: "a", ChannelID: "10", Seconds: 20},
	}, got[storage.TierAllTime])
	require.Equal(t, []storage.TimeRecord{
		{Tier: storage.TierMonthly, UserID: "a", ChannelID: "10", Month: 2, Seconds: 30},
	}, got[storage.TierMonthly])

	_, err = times.ReadTiers(ctx, []storage.Tier{"daily"}, storage.Filter{})
	require.Error(t, err)
}
