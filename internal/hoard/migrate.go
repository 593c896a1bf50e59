package hoard

import (
	"database/sql"
	"fmt"
)

// schemaVersion is the hoard index's current user_version. Versions
// below minSupportedVersion are rejected as unreadable; versions above
// schemaVersion are rejected as written by a newer keeper (spec §4.H:
// "a version above is rejected as too new").
const (
	schemaVersion      = 1
	minSupportedVersion = 1
)

var migrations = []string{
	1: `
CREATE TABLE parcels (
	parcel INTEGER PRIMARY KEY,
	uuid   TEXT NOT NULL UNIQUE,
	server TEXT NOT NULL,
	user   TEXT NOT NULL,
	name   TEXT NOT NULL
) STRICT;

CREATE TABLE chunks (
	id          INTEGER PRIMARY KEY,
	tag         BLOB UNIQUE,
	offset      INTEGER NOT NULL UNIQUE,
	length      INTEGER NOT NULL,
	crypto      INTEGER NOT NULL,
	last_access INTEGER NOT NULL,
	referenced  INTEGER NOT NULL DEFAULT 0
) STRICT;
CREATE INDEX chunks_referenced_last_access ON chunks (referenced, last_access);

CREATE TABLE refs (
	parcel INTEGER NOT NULL REFERENCES parcels(parcel),
	tag    BLOB NOT NULL,
	UNIQUE (parcel, tag)
) STRICT;
CREATE INDEX refs_tag_parcel ON refs (tag, parcel);
`,
}

// runMigrations brings db's schema up to schemaVersion using
// PRAGMA user_version rather than a tracking table, per spec §4.H's
// explicit schema-versioning requirement for the hoard index (unlike
// the keyring store, which tracks applied migrations in a table since
// §4.H names user_version specifically for this schema).
func runMigrations(db *sql.DB) error {
	var current int
	if err := db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	if current > schemaVersion {
		return fmt.Errorf("hoard index schema version %d is newer than this keeper supports (%d)", current, schemaVersion)
	}
	if current > 0 && current < minSupportedVersion {
		return fmt.Errorf("hoard index schema version %d predates the minimum supported version %d", current, minSupportedVersion)
	}

	for v := current + 1; v <= schemaVersion; v++ {
		stmt := migrations[v]
		if stmt == "" {
			return fmt.Errorf("missing migration for version %d", v)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", v, err)
		}
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", v, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
			tx.Rollback()
			return fmt.Errorf("set user_version to %d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v, err)
		}
	}

	return nil
}
