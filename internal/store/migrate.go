package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// suggestionSchemaTable records which migration files have been applied.
// The version key is the file name, so renaming an applied migration
// makes it run again.
const suggestionSchemaTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

type migrationFile struct {
	version string
	path    string
}

// ApplyMigrations brings the suggestion schema up to date from the
// *.up.sql files in dir. Each pending file runs in its own transaction
// and is recorded in schema_migrations, so reruns are no-ops and a
// failing file leaves earlier versions applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, dir string, logger zerolog.Logger) error {
	if _, err := db.ExecContext(ctx, suggestionSchemaTable); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	pending, err := pendingMigrations(ctx, db, dir)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		logger.Debug().Msg("suggestion schema up to date")
		return nil
	}

	for _, m := range pending {
		if err := runMigration(ctx, db, m); err != nil {
			return err
		}
		logger.Info().Str("version", m.version).Msg("applied migration")
	}
	logger.Info().Int("count", len(pending)).Msg("suggestion schema migrated")
	return nil
}

func pendingMigrations(ctx context.Context, db *sql.DB, dir string) ([]migrationFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, err
	}

	var pending []migrationFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		if applied[name] {
			continue
		}
		pending = append(pending, migrationFile{version: name, path: filepath.Join(dir, name)})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].version < pending[j].version })
	return pending, nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read applied versions: %w", err)
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read applied versions: %w", err)
	}
	return applied, nil
}

func runMigration(ctx context.Context, db *sql.DB, m migrationFile) error {
	contents, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", m.version, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", m.version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
		return fmt.Errorf("execute migration %s: %w", m.version, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, m.version); err != nil {
		return fmt.Errorf("record migration %s: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.version, err)
	}
	return nil
}
