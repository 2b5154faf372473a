package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
)

// Migration is one versioned schema change
type Migration struct {
	SQL         string
	Description string
	Version     int
}

// migrations are applied in ascending version order, each in its own
// transaction. Never edit a released migration; append a new one.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial query log schema",
		SQL: `
			CREATE TABLE IF NOT EXISTS schema_version (
				version INTEGER PRIMARY KEY,
				applied_at DATETIME NOT NULL
			);

			CREATE TABLE IF NOT EXISTS queries (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp DATETIME NOT NULL,
				client_ip TEXT NOT NULL,
				domain TEXT NOT NULL,
				query_type TEXT NOT NULL,
				outcome TEXT NOT NULL,
				response_code INTEGER NOT NULL,
				blocked BOOLEAN NOT NULL,
				cached BOOLEAN NOT NULL,
				response_time_ms REAL NOT NULL,
				upstream TEXT,
				upstream_time_ms REAL NOT NULL DEFAULT 0
			);

			CREATE INDEX IF NOT EXISTS idx_queries_timestamp ON queries(timestamp);
			CREATE INDEX IF NOT EXISTS idx_queries_domain ON queries(domain);
			CREATE INDEX IF NOT EXISTS idx_queries_blocked ON queries(blocked);
		`,
	},
	{
		Version:     2,
		Description: "Record the blocklist rule that refused a query",
		SQL: `
			ALTER TABLE queries ADD COLUMN rule TEXT;
		`,
	},
	{
		Version:     3,
		Description: "Composite indexes for the statistics queries",
		SQL: `
			CREATE INDEX IF NOT EXISTS idx_queries_domain_timestamp ON queries(domain, timestamp);
			CREATE INDEX IF NOT EXISTS idx_queries_outcome_timestamp ON queries(outcome, timestamp);
		`,
	},
}

// getMigrations returns a sorted copy of the registry
func getMigrations() []Migration {
	result := make([]Migration, len(migrations))
	copy(result, migrations)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Version < result[j].Version
	})
	return result
}

// getCurrentVersion returns 0 for a fresh database
func getCurrentVersion(db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRow(`
		SELECT 1 FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}
	return version, nil
}

func applyMigration(db *sql.DB, migration Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO schema_version (version, applied_at)
		VALUES (?, CURRENT_TIMESTAMP)
	`, migration.Version); err != nil {
		return fmt.Errorf("failed to record migration version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// runMigrations brings the schema up to the latest version. A failure leaves
// the database at the last migration that committed.
func runMigrations(db *sql.DB) error {
	current, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, migration := range getMigrations() {
		if migration.Version <= current {
			continue
		}
		if err := applyMigration(db, migration); err != nil {
			return fmt.Errorf("failed to apply migration v%d (%s): %w",
				migration.Version, migration.Description, err)
		}
	}
	return nil
}
