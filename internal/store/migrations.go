package store

import (
	"database/sql"
	"fmt"
	"time"
)

// migration is a single schema version upgrade.
type migration struct {
	version     int
	description string
	up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations. New migrations
// are appended; existing entries are never modified.
var migrations = []migration{
	{
		version:     1,
		description: "initial schema: routes ledger",
		up:          applyInitialSchema,
	},
}

// Migrate applies all pending migrations in order within transactions.
func (s *Store) Migrate() error {
	if _, err := s.writer.Exec(schemaMigrations); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := s.currentVersion()
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.description, err)
		}
	}

	return nil
}

// currentVersion returns the highest applied migration version, or 0 if no
// migrations have been applied.
func (s *Store) currentVersion() (int, error) {
	var version sql.NullInt64
	err := s.writer.QueryRow("SELECT MAX(version) FROM migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

// applyMigration runs a single migration inside a transaction and records it
// in the migrations table.
func (s *Store) applyMigration(m migration) error {
	tx, err := s.writer.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := m.up(tx); err != nil {
		return err
	}

	_, err = tx.Exec("INSERT INTO migrations (version, applied_at) VALUES (?, ?)",
		m.version, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return tx.Commit()
}

// applyInitialSchema creates all tables for a fresh database.
func applyInitialSchema(tx *sql.Tx) error {
	for _, schema := range allSchemas {
		if _, err := tx.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}
