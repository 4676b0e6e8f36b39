// Package sqlite implements the experiment store on an embedded SQLite
// database via modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/exprec-hq/exprec/internal/migrate"
	"github.com/exprec-hq/exprec/internal/store"
	"github.com/exprec-hq/exprec/migrations"

	_ "modernc.org/sqlite"
)

// Store implements store.Store for SQLite.
type Store struct {
	db *sql.DB

	// Serializes all writes; SQLite allows one writer at a time.
	writeMu sync.Mutex
}

// Open opens (or creates) the database file at path with WAL mode, a busy
// timeout and foreign keys enforced, and runs migrations.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

// New wraps an existing connection and runs migrations. The caller keeps
// ownership of db only until New returns; Close closes it.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection cannot be nil")
	}

	migrator := migrate.New(db, "sqlite", migrations.SQLiteFS, "sqlite")
	if err := migrator.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateExperiment(ctx context.Context) (uuid.UUID, error) {
	id := uuid.New()
	start := time.Now().UTC()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experiment_instances (id, start_time, end_time) VALUES (?, ?, NULL)`,
		id.String(), start.UnixNano())
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create experiment: %w", err)
	}
	return id, nil
}

func (s *Store) FinishExperiment(ctx context.Context, id uuid.UUID, end time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE experiment_instances SET end_time = ? WHERE id = ?`,
		end.UTC().UnixNano(), id.String())
	if err != nil {
		return fmt.Errorf("failed to finish experiment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpsertMetadata(ctx context.Context, id uuid.UUID, label, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experiment_metadata (instance_id, label, value) VALUES (?, ?, ?)
		 ON CONFLICT (instance_id, label) DO UPDATE SET value = excluded.value`,
		id.String(), label, value)
	if err != nil {
		return fmt.Errorf("failed to upsert metadata: %w", err)
	}
	return nil
}

func (s *Store) EnsureVariable(ctx context.Context, instanceID uuid.UUID, name string) (uuid.UUID, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	candidate := uuid.New()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instance_variables (id, instance_id, name) VALUES (?, ?, ?)
		 ON CONFLICT (instance_id, name) DO NOTHING`,
		candidate.String(), instanceID.String(), name)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to ensure variable: %w", err)
	}

	var idStr string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM instance_variables WHERE instance_id = ? AND name = ?`,
		instanceID.String(), name).Scan(&idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to look up variable: %w", err)
	}
	return uuid.Parse(idStr)
}

func (s *Store) InsertRecords(ctx context.Context, records []store.Record) error {
	if len(records) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO variable_records (variable_id, timestamp, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx,
			rec.VariableID.String(), rec.Timestamp.UTC().UnixNano(), rec.Value); err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) ExportRecords(ctx context.Context, ids []uuid.UUID) ([]store.RecordRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT e.id, r.timestamp, v.name, r.value
		FROM experiment_instances e
		JOIN instance_variables v ON v.instance_id = e.id
		JOIN variable_records r ON r.variable_id = v.id
		WHERE e.id IN (` + placeholders(len(ids)) + `)
		ORDER BY e.id, r.timestamp, v.name`

	rows, err := s.db.QueryContext(ctx, query, idArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to export records: %w", err)
	}
	defer rows.Close()

	var out []store.RecordRow
	for rows.Next() {
		var (
			expStr string
			tsNano int64
			row    store.RecordRow
		)
		if err := rows.Scan(&expStr, &tsNano, &row.Variable, &row.Value); err != nil {
			return nil, err
		}
		if row.Experiment, err = uuid.Parse(expStr); err != nil {
			return nil, err
		}
		row.Timestamp = time.Unix(0, tsNano).UTC()
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) ExportMetadata(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]map[string]string, error) {
	out := make(map[uuid.UUID]map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := `
		SELECT instance_id, label, value
		FROM experiment_metadata
		WHERE instance_id IN (` + placeholders(len(ids)) + `)`

	rows, err := s.db.QueryContext(ctx, query, idArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to export metadata: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var instStr, label string
		var value sql.NullString
		if err := rows.Scan(&instStr, &label, &value); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(instStr)
		if err != nil {
			return nil, err
		}
		if out[id] == nil {
			out[id] = make(map[string]string)
		}
		out[id][label] = value.String
	}
	return out, rows.Err()
}

func (s *Store) ExportTimes(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]store.TimeSpan, error) {
	out := make(map[uuid.UUID]store.TimeSpan, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := `
		SELECT id, start_time, end_time
		FROM experiment_instances
		WHERE id IN (` + placeholders(len(ids)) + `)`

	rows, err := s.db.QueryContext(ctx, query, idArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to export times: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			idStr     string
			startNano int64
			endNano   sql.NullInt64
		)
		if err := rows.Scan(&idStr, &startNano, &endNano); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, err
		}
		span := store.TimeSpan{Start: time.Unix(0, startNano).UTC()}
		if endNano.Valid {
			end := time.Unix(0, endNano.Int64).UTC()
			span.End = &end
		}
		out[id] = span
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}

func idArgs(ids []uuid.UUID) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	return args
}
