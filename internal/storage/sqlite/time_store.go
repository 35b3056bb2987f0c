package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/goodtune/voicetime/internal/storage"
)

type timeStore struct {
	db *sql.DB
}

var tierTables = map[storage.Tier]string{
	storage.TierWeekly:  "weekly_stats",
	storage.TierMonthly: "monthly_stats",
	storage.TierAllTime: "all_time_stats",
}

// UpsertAdd adds deltaSeconds to a row, creating it when absent
func (s *timeStore) UpsertAdd(ctx context.Context, tier storage.Tier, key storage.Key, deltaSeconds float64) error {
	if err := storage.ValidDelta(deltaSeconds); err != nil {
		return err
	}
	if err := key.Validate(tier); err != nil {
		return err
	}

	return storage.Persistence("upsert "+string(tier), upsert(ctx, s.db, tier, key, deltaSeconds))
}

// UpsertAddOnce records opID and applies the delta in one transaction
func (s *timeStore) UpsertAddOnce(ctx context.Context, tier storage.Tier, opID string, key storage.Key, deltaSeconds float64) (bool, error) {
	if opID == "" {
		return false, fmt.Errorf("operation id is required")
	}
	if err := storage.ValidDelta(deltaSeconds); err != nil {
		return false, err
	}
	if err := key.Validate(tier); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storage.Persistence("begin upsert", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO applied_ops (op_id) VALUES (?)
		ON CONFLICT(op_id) DO NOTHING
	`, opID)
	if err != nil {
		_ = tx.Rollback()
		return false, storage.Persistence("record op", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return false, storage.Persistence("record op", err)
	}
	if n == 0 {
		// Already applied by an earlier attempt.
		_ = tx.Rollback()
		return false, nil
	}

	if err := upsert(ctx, tx, tier, key, deltaSeconds); err != nil {
		_ = tx.Rollback()
		return false, storage.Persistence("upsert "+string(tier), err)
	}

	if err := tx.Commit(); err != nil {
		return false, storage.Persistence("commit upsert", err)
	}
	return true, nil
}

func upsert(ctx context.Context, q execQuerier, tier storage.Tier, key storage.Key, deltaSeconds float64) error {
	if tier == storage.TierMonthly {
		_, err := q.ExecContext(ctx, `
			INSERT INTO monthly_stats (user_id, channel_id, month, time_spent)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id, channel_id, month)
			DO UPDATE SET time_spent = monthly_stats.time_spent + excluded.time_spent
		`, key.UserID, key.ChannelID, key.Month, deltaSeconds)
		return err
	}

	_, err := q.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (user_id, channel_id, time_spent)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, channel_id)
		DO UPDATE SET time_spent = %[1]s.time_spent + excluded.time_spent
	`, tierTables[tier]), key.UserID, key.ChannelID, deltaSeconds)
	return err
}

// Read returns all rows of a tier matching filter
func (s *timeStore) Read(ctx context.Context, tier storage.Tier, filter storage.Filter) ([]storage.TimeRecord, error) {
	return readTier(ctx, s.db, tier, filter)
}

// ReadTiers reads every tier inside one read transaction
func (s *timeStore) ReadTiers(ctx context.Context, tiers []storage.Tier, filter storage.Filter) (map[storage.Tier][]storage.TimeRecord, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, storage.Persistence("begin read", err)
	}
	defer func() { _ = tx.Rollback() }()

	out := make(map[storage.Tier][]storage.TimeRecord, len(tiers))
	for _, tier := range tiers {
		records, err := readTier(ctx, tx, tier, filter)
		if err != nil {
			return nil, err
		}
		out[tier] = records
	}
	return out, nil
}

func readTier(ctx context.Context, q execQuerier, tier storage.Tier, filter storage.Filter) ([]storage.TimeRecord, error) {
	table, ok := tierTables[tier]
	if !ok {
		return nil, fmt.Errorf("unknown tier %q", tier)
	}

	columns := "user_id, channel_id, 0, time_spent"
	order := "user_id, channel_id"
	if tier == storage.TierMonthly {
		columns = "user_id, channel_id, month, time_spent"
		order = "user_id, channel_id, month"
	}

	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if tier == storage.TierMonthly && len(filter.Months) > 0 {
		where = append(where, "month IN ("+placeholders(len(filter.Months))+")")
		for _, m := range filter.Months {
			args = append(args, m)
		}
	}

	query := fmt.Sprintf("SELECT %s FROM %s", columns, table)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY " + order

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Persistence("read "+string(tier), err)
	}
	defer rows.Close()

	records := make([]storage.TimeRecord, 0)
	for rows.Next() {
		r := storage.TimeRecord{Tier: tier}
		if err := rows.Scan(&r.UserID, &r.ChannelID, &r.Month, &r.Seconds); err != nil {
			return nil, storage.Persistence("scan "+string(tier), err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Persistence("read "+string(tier), err)
	}

	return records, nil
}

// LastUpdated returns the maintenance marker
func (s *timeStore) LastUpdated(ctx context.Context) (*storage.LastUpdated, error) {
	return lastUpdated(ctx, s.db)
}

// SetLastUpdated writes the maintenance marker
func (s *timeStore) SetLastUpdated(ctx context.Context, last storage.LastUpdated) error {
	return setLastUpdated(ctx, s.db, last)
}

// Rollup applies plan inside one transaction
func (s *timeStore) Rollup(ctx context.Context, plan storage.RollupPlan) (*storage.RollupResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage.Persistence("begin rollup", err)
	}

	result, err := applyRollup(ctx, tx, plan)
	if err != nil {
		_ = tx.Rollback()
		return nil, storage.Persistence("rollup", err)
	}

	if result.Skipped {
		_ = tx.Rollback()
		return result, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, storage.Persistence("commit rollup", err)
	}

	return result, nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func applyRollup(ctx context.Context, tx *sql.Tx, plan storage.RollupPlan) (*storage.RollupResult, error) {
	result := &storage.RollupResult{}

	last, err := lastUpdated(ctx, tx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if last.Is(plan.Day, plan.Month, plan.Year) {
		result.Skipped = true
		result.LastUpdatedDay, result.LastUpdatedMonth, result.LastUpdatedYear = last.Day, last.Month, last.Year
		return result, nil
	}

	if plan.Weekly {
		n, err := countRows(ctx, tx, "weekly_stats")
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO monthly_stats (user_id, channel_id, month, time_spent)
			SELECT user_id, channel_id, ?, time_spent FROM weekly_stats WHERE true
			ON CONFLICT(user_id, channel_id, month)
			DO UPDATE SET time_spent = monthly_stats.time_spent + excluded.time_spent
		`, plan.Month); err != nil {
			return nil, fmt.Errorf("merge weekly into monthly: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM weekly_stats"); err != nil {
			return nil, fmt.Errorf("wipe weekly: %w", err)
		}
		result.WeeklyMerged = n
		result.WeeklyWiped = true
	}

	if plan.Monthly {
		n, err := countRows(ctx, tx, "weekly_stats")
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO all_time_stats (user_id, channel_id, time_spent)
			SELECT user_id, channel_id, time_spent FROM weekly_stats WHERE true
			ON CONFLICT(user_id, channel_id)
			DO UPDATE SET time_spent = all_time_stats.time_spent + excluded.time_spent
		`); err != nil {
			return nil, fmt.Errorf("merge weekly into all time: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM weekly_stats"); err != nil {
			return nil, fmt.Errorf("wipe weekly: %w", err)
		}
		result.AllTimeMerged = n
		result.WeeklyWiped = true

		args := make([]any, len(plan.RetainMonths))
		for i, m := range plan.RetainMonths {
			args[i] = m
		}
		res, err := tx.ExecContext(ctx,
			"DELETE FROM monthly_stats WHERE month NOT IN ("+placeholders(len(args))+")", args...)
		if err != nil {
			return nil, fmt.Errorf("expire monthly: %w", err)
		}
		deleted, _ := res.RowsAffected()
		result.MonthlyDeleted = int(deleted)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM applied_ops WHERE applied_at < datetime('now', ?)",
		fmt.Sprintf("-%d seconds", int(storage.AppliedOpRetention.Seconds()))); err != nil {
		return nil, fmt.Errorf("expire applied ops: %w", err)
	}

	if err := setLastUpdated(ctx, tx, plan.Marker()); err != nil {
		return nil, err
	}
	result.LastUpdatedDay, result.LastUpdatedMonth, result.LastUpdatedYear = plan.Day, plan.Month, plan.Year

	return result, nil
}

func lastUpdated(ctx context.Context, q execQuerier) (*storage.LastUpdated, error) {
	var l storage.LastUpdated
	err := q.QueryRowContext(ctx, "SELECT day, month, year FROM last_updated WHERE id = 1").Scan(&l.Day, &l.Month, &l.Year)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.Persistence("read last updated", err)
	}
	return &l, nil
}

func setLastUpdated(ctx context.Context, q execQuerier, last storage.LastUpdated) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO last_updated (id, day, month, year) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET day = excluded.day, month = excluded.month, year = excluded.year
	`, last.Day, last.Month, last.Year)
	return storage.Persistence("write last updated", err)
}

func countRows(ctx context.Context, q execQuerier, table string) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
