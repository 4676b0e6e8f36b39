// Package migrate applies embedded SQL migrations for both supported
// dialects, tracking applied files in a schema_migrations table.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// Migrator handles database migrations for PostgreSQL and SQLite
type Migrator struct {
	db      *sql.DB
	dialect string // "postgres" or "sqlite"
	fs      embed.FS
	dir     string
	ctx     context.Context
}

// New creates a new Migrator. dir is the directory inside fs holding the
// numbered .sql files (e.g. "sqlite").
func New(db *sql.DB, dialect string, fs embed.FS, dir string) *Migrator {
	return &Migrator{
		db:      db,
		dialect: dialect,
		fs:      fs,
		dir:     dir,
		ctx:     context.Background(),
	}
}

// WithContext returns a new Migrator with the given context
func (m *Migrator) WithContext(ctx context.Context) *Migrator {
	return &Migrator{
		db:      m.db,
		dialect: m.dialect,
		fs:      m.fs,
		dir:     m.dir,
		ctx:     ctx,
	}
}

// AutoMigrate runs all pending migrations
func (m *Migrator) AutoMigrate() error {
	if err := m.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	migrations, err := m.loadMigrations()
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	if len(migrations) == 0 {
		return nil
	}

	applied, err := m.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, migration := range migrations {
		if applied[migration.name] {
			continue
		}
		if err := m.applyMigration(migration); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.name, err)
		}
	}

	return nil
}

// migration represents a single migration file
type migration struct {
	name    string
	content string
}

func (m *Migrator) ensureMigrationsTable() error {
	var createSQL string
	if m.dialect == "postgres" {
		createSQL = `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version TEXT PRIMARY KEY,
				applied_at BIGINT NOT NULL
			);
		`
	} else {
		createSQL = `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version TEXT PRIMARY KEY,
				applied_at INTEGER NOT NULL
			);
		`
	}

	_, err := m.db.ExecContext(m.ctx, createSQL)
	return err
}

func (m *Migrator) loadMigrations() ([]migration, error) {
	entries, err := m.fs.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}

	var migrations []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := m.fs.ReadFile(path.Join(m.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, migration{
			name:    entry.Name(),
			content: string(content),
		})
	}

	// Sort by name (assumes naming like 001_xxx.sql, 002_xxx.sql)
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].name < migrations[j].name
	})

	return migrations, nil
}

func (m *Migrator) getAppliedMigrations() (map[string]bool, error) {
	rows, err := m.db.QueryContext(m.ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

func (m *Migrator) applyMigration(mig migration) error {
	tx, err := m.db.BeginTx(m.ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(m.ctx, mig.content); err != nil {
		return err
	}

	// Record migration - use correct placeholder for dialect
	timestamp := time.Now().Unix()
	var insertSQL string
	if m.dialect == "sqlite" {
		insertSQL = "INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)"
	} else {
		insertSQL = "INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)"
	}

	if _, err := tx.ExecContext(m.ctx, insertSQL, mig.name, timestamp); err != nil {
		return err
	}

	return tx.Commit()
}
