package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/goodtune/voicetime/internal/storage"
	_ "modernc.org/sqlite"
)

// Store implements the storage.Store interface using SQLite.
type Store struct {
	db    *sql.DB
	times *timeStore
}

// Open opens (creating if needed) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := storage.EnsureDir(dir); err != nil {
				return nil, err
			}
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection serializes every write, including rollups, without
	// relying on SQLITE_BUSY handling.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db, times: &timeStore{db: db}}, nil
}

func dsn(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Times returns the TimeStore implementation.
func (s *Store) Times() storage.TimeStore {
	return s.times
}

// runMigrations applies all database migrations in order
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	for i, migration := range migrations {
		version := i + 1
		if version <= currentVersion {
			continue
		}

		tx, err := db.BeginTx(context.Background(), nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(migration); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}

	return nil
}

var migrations = []string{
	migration001Weekly,
	migration002Monthly,
	migration003AllTime,
	migration004LastUpdated,
	migration005LastUpdatedYear,
	migration006AppliedOps,
}

const migration001Weekly = `
CREATE TABLE IF NOT EXISTS weekly_stats (
	user_id TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	time_spent REAL NOT NULL DEFAULT 0 CHECK (time_spent >= 0),
	PRIMARY KEY (user_id, channel_id)
);
`

const migration002Monthly = `
CREATE TABLE IF NOT EXISTS monthly_stats (
	user_id TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	month INTEGER NOT NULL CHECK (month BETWEEN 1 AND 12),
	time_spent REAL NOT NULL DEFAULT 0 CHECK (time_spent >= 0),
	PRIMARY KEY (user_id, channel_id, month)
);

CREATE INDEX idx_monthly_stats_month ON monthly_stats(month);
`

const migration003AllTime = `
CREATE TABLE IF NOT EXISTS all_time_stats (
	user_id TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	time_spent REAL NOT NULL DEFAULT 0 CHECK (time_spent >= 0),
	PRIMARY KEY (user_id, channel_id)
);
`

const migration004LastUpdated = `
CREATE TABLE IF NOT EXISTS last_updated (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	day INTEGER NOT NULL CHECK (day BETWEEN 1 AND 31),
	month INTEGER NOT NULL CHECK (month BETWEEN 1 AND 12)
);
`

const migration005LastUpdatedYear = `
ALTER TABLE last_updated ADD COLUMN year INTEGER NOT NULL DEFAULT 0;
`

const migration006AppliedOps = `
CREATE TABLE IF NOT EXISTS applied_ops (
	op_id TEXT PRIMARY KEY,
	applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX idx_applied_ops_applied_at ON applied_ops(applied_at);
`
