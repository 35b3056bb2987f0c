package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AppliedOpRetention is how long backends remember an UpsertAddOnce ID.
// Retries of the same write must happen within this window.
const AppliedOpRetention = 24 * time.Hour

var (
	// ErrNotFound is returned when a record is missing from storage.
	ErrNotFound = errors.New("storage: record not found")

	// ErrInvalidDelta is returned when a negative duration is added to a tier.
	ErrInvalidDelta = errors.New("storage: invalid delta")

	// ErrPersistence wraps datastore failures (unreachable backend, transaction
	// conflict, timeout). Callers may retry operations that fail with it.
	ErrPersistence = errors.New("storage: persistence failure")
)

// Store represents the root storage interface.
type Store interface {
	Close() error
	Times() TimeStore
}

// TimeStore manages the Weekly, Monthly and AllTime tiers and the LastUpdated
// singleton.
type TimeStore interface {
	// UpsertAdd adds deltaSeconds to the row identified by key, creating it
	// with that value when absent.
	UpsertAdd(ctx context.Context, tier Tier, key Key, deltaSeconds float64) error

	// UpsertAddOnce is UpsertAdd guarded by opID: the delta is applied at
	// most once per opID, so a write whose outcome was lost can be retried.
	// It reports whether this call applied the delta.
	UpsertAddOnce(ctx context.Context, tier Tier, opID string, key Key, deltaSeconds float64) (bool, error)

	// Read returns all rows of a tier matching filter.
	Read(ctx context.Context, tier Tier, filter Filter) ([]TimeRecord, error)

	// ReadTiers reads several tiers from one consistent snapshot, so no
	// rollup can land between them.
	ReadTiers(ctx context.Context, tiers []Tier, filter Filter) (map[Tier][]TimeRecord, error)

	// LastUpdated returns ErrNotFound when no maintenance pass has ever run.
	LastUpdated(ctx context.Context) (*LastUpdated, error)
	SetLastUpdated(ctx context.Context, last LastUpdated) error

	// Rollup applies plan atomically. Either every merge, wipe and the
	// LastUpdated write are committed, or nothing is.
	Rollup(ctx context.Context, plan RollupPlan) (*RollupResult, error)
}

// Persistence wraps err as an ErrPersistence failure. Nil stays nil and errors
// that already carry a storage sentinel are returned unchanged.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistence) || errors.Is(err, ErrInvalidDelta) || errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// IsRetryable reports whether err is a persistence failure worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence)
}
