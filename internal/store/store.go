// Package store defines the relational data model for experiment telemetry:
// experiment instances, their metadata annotations, variables, and the
// timestamped records that make up each variable's timeseries.
//
// Two engines implement the contract:
//   - sqlite.Store: embedded modernc.org/sqlite database (the default)
//   - postgres.Store: pgx-backed Postgres database
//
// Foreign-key enforcement and numeric/text type fidelity are part of the
// contract, not implementation choices.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence contract the buffered writer and experiment
// interface program against.
type Store interface {
	// CreateExperiment inserts a fresh experiment instance with a
	// server-assigned id and start = now. The end time stays null until
	// FinishExperiment.
	CreateExperiment(ctx context.Context) (uuid.UUID, error)

	// FinishExperiment sets the end timestamp of an instance.
	// Returns ErrNotFound for an unknown id.
	FinishExperiment(ctx context.Context, id uuid.UUID, end time.Time) error

	// UpsertMetadata inserts or overwrites the (instance, label) annotation.
	UpsertMetadata(ctx context.Context, id uuid.UUID, label, value string) error

	// EnsureVariable returns the id of the (instance, name) variable,
	// creating the row on first sight. Idempotent.
	EnsureVariable(ctx context.Context, instanceID uuid.UUID, name string) (uuid.UUID, error)

	// InsertRecords commits a batch of records in one transaction.
	InsertRecords(ctx context.Context, records []Record) error

	// ExportRecords returns every record of the given experiments joined
	// with its variable name, ordered by experiment, timestamp, variable.
	ExportRecords(ctx context.Context, ids []uuid.UUID) ([]RecordRow, error)

	// ExportMetadata returns the label/value annotations per experiment.
	ExportMetadata(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]map[string]string, error)

	// ExportTimes returns the start/end timestamps per experiment; End is
	// nil for experiments that never finished cleanly.
	ExportTimes(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]TimeSpan, error)

	// Close releases the underlying database.
	Close() error
}

// Record is one (variable, timestamp, value) sample ready for insertion.
// Value is numeric text; see wire.Scalar.Text.
type Record struct {
	VariableID uuid.UUID
	Timestamp  time.Time
	Value      string
}

// RecordRow is one exported sample joined with its experiment and
// variable name.
type RecordRow struct {
	Experiment uuid.UUID
	Timestamp  time.Time
	Variable   string
	Value      string
}

// TimeSpan is the recorded lifetime of one experiment instance.
type TimeSpan struct {
	Start time.Time
	End   *time.Time
}
