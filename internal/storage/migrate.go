package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
)

const (
	createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version TEXT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`
	listMigrationsSQL  = `SELECT version FROM schema_migrations;`
	recordMigrationSQL = `INSERT INTO schema_migrations (version) VALUES ($1);`
)

// Migration is one SQL file under the migrations directory.
type Migration struct {
	Version string
	Path    string
}

// PendingMigrations lists *.sql files in dir, in lexical order, whose
// version is not in applied.
func PendingMigrations(dir string, applied map[string]bool) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var pending []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version := strings.TrimSuffix(name, ".sql")
		if applied[version] {
			continue
		}
		pending = append(pending, Migration{Version: version, Path: filepath.Join(dir, name)})
	}
	slices.SortFunc(pending, func(a, b Migration) int { return strings.Compare(a.Version, b.Version) })
	return pending, nil
}

// Migrate applies pending migrations from dir, each in its own transaction,
// and returns the versions it applied.
func (s *PostgresStore) Migrate(ctx context.Context, dir string) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	if _, err := pool.Exec(ctx, createMigrationsTableSQL); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	rows, err := pool.Query(ctx, listMigrationsSQL)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan applied migrations: %w", err)
	}
	applied := make(map[string]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}

	pending, err := PendingMigrations(dir, applied)
	if err != nil {
		return nil, err
	}

	done := make([]string, 0, len(pending))
	for _, m := range pending {
		body, err := os.ReadFile(m.Path)
		if err != nil {
			return done, fmt.Errorf("read migration %s: %w", m.Version, err)
		}
		err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(body)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, recordMigrationSQL, m.Version)
			return err
		})
		if err != nil {
			return done, fmt.Errorf("apply migration %s: %w", m.Version, err)
		}
		done = append(done, m.Version)
	}
	return done, nil
}
