package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed migrations/001_initial_schema.sql
var initialSchema string

// migration is one versioned schema change. Versions apply in ascending
// order, each inside its own transaction.
type migration struct {
	version int
	name    string
	script  string
}

var allMigrations = []migration{
	{version: 1, name: "initial_schema", script: initialSchema},
}

// runMigrations brings the database up to the latest schema version.
func runMigrations(ctx context.Context, db *sql.DB) error {
	current, err := appliedVersion(ctx, db)
	if err != nil {
		return err
	}
	for _, m := range allMigrations {
		if m.version > current {
			if err := m.apply(ctx, db); err != nil {
				return err
			}
		}
	}
	return nil
}

// appliedVersion returns the highest applied migration version, creating the
// tracking table on first use. The eventlog's append path piggybacks on this
// table as a write-intent lock, so its shape stays stable across versions.
func appliedVersion(ctx context.Context, db *sql.DB) (int, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return 0, fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return current, nil
}

// apply runs the migration's statements and records the version, atomically.
func (m migration) apply(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	defer tx.Rollback()

	for _, stmt := range m.statements() {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}

// statements splits the migration script into executable statements. Line
// comments are dropped first so a fragment that is nothing but commentary
// never reaches the driver.
func (m migration) statements() []string {
	var sql strings.Builder
	for _, line := range strings.Split(m.script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		sql.WriteString(line)
		sql.WriteByte('\n')
	}

	var stmts []string
	for _, frag := range strings.Split(sql.String(), ";") {
		if s := strings.TrimSpace(frag); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
