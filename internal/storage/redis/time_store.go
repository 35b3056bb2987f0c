package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/goodtune/voicetime/internal/storage"
	"github.com/redis/go-redis/v9"
)

type timeStore struct {
	client     *redis.Client
	rollup     *redis.Script
	upsertOnce *redis.Script
}

func newTimeStore(client *redis.Client) *timeStore {
	return &timeStore{
		client:     client,
		rollup:     redis.NewScript(rollupScript),
		upsertOnce: redis.NewScript(upsertOnceScript),
	}
}

// UpsertAdd atomically increments (or creates) a tier row
func (s *timeStore) UpsertAdd(ctx context.Context, tier storage.Tier, key storage.Key, deltaSeconds float64) error {
	if err := storage.ValidDelta(deltaSeconds); err != nil {
		return err
	}
	if err := key.Validate(tier); err != nil {
		return err
	}

	hashKey, err := tierKey(tier, key.Month)
	if err != nil {
		return err
	}
	f, err := field(key)
	if err != nil {
		return err
	}

	err = s.client.HIncrByFloat(ctx, hashKey, f, deltaSeconds).Err()
	return storage.Persistence("upsert "+string(tier), err)
}

// UpsertAddOnce applies the delta unless opID was already seen
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

	hashKey, err := tierKey(tier, key.Month)
	if err != nil {
		return false, err
	}
	f, err := field(key)
	if err != nil {
		return false, err
	}

	applied, err := s.upsertOnce.Run(ctx, s.client,
		[]string{hashKey, opKey(opID)},
		f,
		strconv.FormatFloat(deltaSeconds, 'f', -1, 64),
		int(storage.AppliedOpRetention.Seconds()),
	).Int()
	if err != nil {
		return false, storage.Persistence("upsert "+string(tier), err)
	}
	return applied == 1, nil
}

// ReadTiers reads every requested hash inside one MULTI/EXEC block
func (s *timeStore) ReadTiers(ctx context.Context, tiers []storage.Tier, filter storage.Filter) (map[storage.Tier][]storage.TimeRecord, error) {
	type read struct {
		tier  storage.Tier
		month int
		cmd   *redis.MapStringStringCmd
	}

	for _, tier := range tiers {
		if _, err := tierKey(tier, 1); err != nil {
			return nil, err
		}
	}

	var reads []read
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, tier := range tiers {
			if tier != storage.TierMonthly {
				hashKey, _ := tierKey(tier, 0)
				reads = append(reads, read{tier: tier, cmd: pipe.HGetAll(ctx, hashKey)})
				continue
			}
			for _, m := range monthsFor(filter) {
				reads = append(reads, read{tier: tier, month: m, cmd: pipe.HGetAll(ctx, monthlyKey(m))})
			}
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, storage.Persistence("read tiers", err)
	}

	out := make(map[storage.Tier][]storage.TimeRecord, len(tiers))
	for _, tier := range tiers {
		out[tier] = make([]storage.TimeRecord, 0)
	}
	for _, r := range reads {
		data, err := r.cmd.Result()
		if err != nil {
			return nil, storage.Persistence("read "+string(r.tier), err)
		}
		records, err := parseHash(r.tier, r.month, data, filter)
		if err != nil {
			return nil, err
		}
		out[r.tier] = append(out[r.tier], records...)
	}
	return out, nil
}

// Read returns all rows of a tier matching filter
func (s *timeStore) Read(ctx context.Context, tier storage.Tier, filter storage.Filter) ([]storage.TimeRecord, error) {
	if tier != storage.TierMonthly {
		hashKey, err := tierKey(tier, 0)
		if err != nil {
			return nil, err
		}
		data, err := s.client.HGetAll(ctx, hashKey).Result()
		if err != nil {
			return nil, storage.Persistence("read "+string(tier), err)
		}
		return parseHash(tier, 0, data, filter)
	}

	months := monthsFor(filter)

	// Use pipeline for batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(months))
	for i, m := range months {
		cmds[i] = pipe.HGetAll(ctx, monthlyKey(m))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, storage.Persistence("read monthly", err)
	}

	records := make([]storage.TimeRecord, 0)
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			return nil, storage.Persistence("read monthly", err)
		}
		monthRecords, err := parseHash(storage.TierMonthly, months[i], data, filter)
		if err != nil {
			return nil, err
		}
		records = append(records, monthRecords...)
	}

	return records, nil
}

// LastUpdated returns the maintenance marker
func (s *timeStore) LastUpdated(ctx context.Context) (*storage.LastUpdated, error) {
	values, err := s.client.HMGet(ctx, lastUpdatedKey, "day", "month", "year").Result()
	if err != nil {
		return nil, storage.Persistence("read last updated", err)
	}
	return parseLastUpdated(values)
}

// SetLastUpdated writes the maintenance marker
func (s *timeStore) SetLastUpdated(ctx context.Context, last storage.LastUpdated) error {
	err := s.client.HSet(ctx, lastUpdatedKey, "day", last.Day, "month", last.Month, "year", last.Year).Err()
	return storage.Persistence("write last updated", err)
}

// Rollup runs the maintenance pass as a single Lua script
func (s *timeStore) Rollup(ctx context.Context, plan storage.RollupPlan) (*storage.RollupResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	keys := append([]string{weeklyKey, monthlyKey(plan.Month), allTimeKey, lastUpdatedKey}, monthlyKeys()...)
	args := []interface{}{
		strconv.Itoa(plan.Day),
		strconv.Itoa(plan.Month),
		strconv.Itoa(plan.Year),
		flag(plan.Weekly),
		flag(plan.Monthly),
	}
	for _, m := range plan.RetainMonths {
		args = append(args, strconv.Itoa(m))
	}

	reply, err := s.rollup.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, storage.Persistence("rollup", err)
	}
	if len(reply) != 5 {
		return nil, fmt.Errorf("%w: unexpected rollup reply %v", storage.ErrPersistence, reply)
	}

	result := &storage.RollupResult{
		Skipped:        reply[0] == 1,
		WeeklyMerged:   int(reply[1]),
		AllTimeMerged:  int(reply[2]),
		MonthlyDeleted: int(reply[3]),
		WeeklyWiped:    reply[4] == 1,
	}
	if result.Skipped {
		last, err := s.LastUpdated(ctx)
		if err == nil {
			result.LastUpdatedDay, result.LastUpdatedMonth, result.LastUpdatedYear = last.Day, last.Month, last.Year
		}
		return result, nil
	}
	result.LastUpdatedDay, result.LastUpdatedMonth, result.LastUpdatedYear = plan.Day, plan.Month, plan.Year

	return result, nil
}

func monthsFor(filter storage.Filter) []int {
	if len(filter.Months) > 0 {
		return filter.Months
	}
	return []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
