package usage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/goodtune/voicetime/internal/storage"
	"github.com/goodtune/voicetime/internal/storage/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

func openTimes(t *testing.T) storage.TimeStore {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "voicetime.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store.Times()
}

// faultyStore injects failures in front of a real TimeStore.
type faultyStore struct {
	storage.TimeStore

	mu             sync.Mutex
	upsertFailures int // fail before writing
	lostReplies    int // write, then fail as if the reply timed out
	upserts        int
	rollupErr      error
}

// nextUpsert counts an upsert and reports which fault, if any, it gets.
func (f *faultyStore) nextUpsert() (failBefore, failAfter bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.upserts++
	switch {
	case f.upsertFailures > 0:
		f.upsertFailures--
		return true, false
	case f.lostReplies > 0:
		f.lostReplies--
		return false, true
	}
	return false, false
}

func (f *faultyStore) UpsertAdd(ctx context.Context, tier storage.Tier, key storage.Key, deltaSeconds float64) error {
	failBefore, failAfter := f.nextUpsert()
	if failBefore {
		return storage.Persistence("upsert", errors.New("connection reset by peer"))
	}
	if err := f.TimeStore.UpsertAdd(ctx, tier, key, deltaSeconds); err != nil {
		return err
	}
	if failAfter {
		return storage.Persistence("upsert", context.DeadlineExceeded)
	}
	return nil
}

func (f *faultyStore) UpsertAddOnce(ctx context.Context, tier storage.Tier, opID string, key storage.Key, deltaSeconds float64) (bool, error) {
	failBefore, failAfter := f.nextUpsert()
	if failBefore {
		return false, storage.Persistence("upsert", errors.New("connection reset by peer"))
	}
	applied, err := f.TimeStore.UpsertAddOnce(ctx, tier, opID, key, deltaSeconds)
	if err != nil {
		return false, err
	}
	if failAfter {
		return false, storage.Persistence("upsert", context.DeadlineExceeded)
	}
	return applied, nil
}

func (f *faultyStore) Rollup(ctx context.Context, plan storage.RollupPlan) (*storage.RollupResult, error) {
	f.mu.Lock()
	err := f.rollupErr
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return f.TimeStore.Rollup(ctx, plan)
}

func (f *faultyStore) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts
}

func readTier(t *testing.T, times storage.TimeStore, tier storage.Tier) map[storage.Key]float64 {
	t.Helper()

	records, err := times.Read(context.Background(), tier, storage.Filter{})
	require.NoError(t, err)
	out := make(map[storage.Key]float64, len(records))
	for _, r := range records {
		out[storage.Key{UserID: r.UserID, ChannelID: r.ChannelID, Month: r.Month}] = r.Seconds
	}
	return out
}
