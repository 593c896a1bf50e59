package sqlite

import (
	"database/sql"
	"fmt"
)

// migrations is an ordered list of forward-only schema changes,
// tracked in a schema_migrations table — the teacher's
// config/sqlite migration discipline, kept as literal inline SQL
// here rather than go:embed since there is a single, small table.
// Contrast with the hoard index, which tracks schema version via
// PRAGMA user_version per spec §4.H's explicit requirement.
var migrations = []string{
	`CREATE TABLE device_config (
		id                    INTEGER PRIMARY KEY CHECK (id = 1),
		chunk_size            INTEGER NOT NULL,
		cache_entries         INTEGER NOT NULL,
		max_in_flight         INTEGER NOT NULL,
		suite                 TEXT NOT NULL,
		allowed_compression   TEXT NOT NULL,
		preferred_compression TEXT NOT NULL,
		parcel_uuid           TEXT NOT NULL,
		parcel_server         TEXT NOT NULL,
		parcel_user           TEXT NOT NULL,
		parcel_name           TEXT NOT NULL,
		index_path            TEXT NOT NULL,
		data_path             TEXT NOT NULL,
		keyring_path          TEXT NOT NULL
	) STRICT`,
	`ALTER TABLE device_config ADD COLUMN chunk_count INTEGER NOT NULL DEFAULT 0`,
}

func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY) STRICT`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var applied int
	if err := db.QueryRow(`SELECT count(*) FROM schema_migrations`).Scan(&applied); err != nil {
		return fmt.Errorf("count applied migrations: %w", err)
	}

	for version := applied; version < len(migrations); version++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version+1, err)
		}
		if _, err := tx.Exec(migrations[version]); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", version+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, version+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version+1, err)
		}
	}

	return nil
}
