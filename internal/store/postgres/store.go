// Package postgres implements the experiment store on PostgreSQL through
// the pgx stdlib adapter.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/exprec-hq/exprec/internal/migrate"
	"github.com/exprec-hq/exprec/internal/store"
	"github.com/exprec-hq/exprec/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store implements store.Store for PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to the database described by dsn, verifies the connection
// and runs migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	st, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

// New wraps an existing connection and runs migrations.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection cannot be nil")
	}

	migrator := migrate.New(db, "postgres", migrations.PostgresFS, "postgres")
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experiment_instances (id, start_time, end_time) VALUES ($1, $2, NULL)`,
		id, start.UnixNano())
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create experiment: %w", err)
	}
	return id, nil
}

func (s *Store) FinishExperiment(ctx context.Context, id uuid.UUID, end time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE experiment_instances SET end_time = $1 WHERE id = $2`,
		end.UTC().UnixNano(), id)
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experiment_metadata (instance_id, label, value) VALUES ($1, $2, $3)
		 ON CONFLICT (instance_id, label) DO UPDATE SET value = EXCLUDED.value`,
		id, label, value)
	if err != nil {
		return fmt.Errorf("failed to upsert metadata: %w", err)
	}
	return nil
}

func (s *Store) EnsureVariable(ctx context.Context, instanceID uuid.UUID, name string) (uuid.UUID, error) {
	candidate := uuid.New()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instance_variables (id, instance_id, name) VALUES ($1, $2, $3)
		 ON CONFLICT (instance_id, name) DO NOTHING`,
		candidate, instanceID, name)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to ensure variable: %w", err)
	}

	var id uuid.UUID
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM instance_variables WHERE instance_id = $1 AND name = $2`,
		instanceID, name).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to look up variable: %w", err)
	}
	return id, nil
}

func (s *Store) InsertRecords(ctx context.Context, records []store.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO variable_records (variable_id, timestamp, value) VALUES ($1, $2, $3)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx,
			rec.VariableID, rec.Timestamp.UTC().UnixNano(), rec.Value); err != nil {
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
		WHERE e.id = ANY($1)
		ORDER BY e.id, r.timestamp, v.name`

	rows, err := s.db.QueryContext(ctx, query, idList(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to export records: %w", err)
	}
	defer rows.Close()

	var out []store.RecordRow
	for rows.Next() {
		var (
			tsNano int64
			row    store.RecordRow
		)
		if err := rows.Scan(&row.Experiment, &tsNano, &row.Variable, &row.Value); err != nil {
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

	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, label, value FROM experiment_metadata WHERE instance_id = ANY($1)`,
		idList(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to export metadata: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id    uuid.UUID
			label string
			value sql.NullString
		)
		if err := rows.Scan(&id, &label, &value); err != nil {
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

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, start_time, end_time FROM experiment_instances WHERE id = ANY($1)`,
		idList(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to export times: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id        uuid.UUID
			startNano int64
			endNano   sql.NullInt64
		)
		if err := rows.Scan(&id, &startNano, &endNano); err != nil {
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

// idList renders ids as a Postgres uuid array literal, usable with = ANY($1).
func idList(ids []uuid.UUID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return "{" + strings.Join(parts, ",") + "}"
}
