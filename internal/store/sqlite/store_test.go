package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exprec-hq/exprec/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	st, err := Open(filepath.Join(t.TempDir(), "exprec.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestExperimentLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.CreateExperiment(ctx)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	times, err := st.ExportTimes(ctx, []uuid.UUID{id})
	require.NoError(t, err)
	span, ok := times[id]
	require.True(t, ok)
	assert.False(t, span.Start.IsZero())
	assert.Nil(t, span.End, "end stays unset until the experiment finishes")

	end := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, st.FinishExperiment(ctx, id, end))

	times, err = st.ExportTimes(ctx, []uuid.UUID{id})
	require.NoError(t, err)
	require.NotNil(t, times[id].End)
	assert.True(t, times[id].End.Equal(end))
}

func TestFinishUnknownExperiment(t *testing.T) {
	st := newTestStore(t)

	err := st.FinishExperiment(context.Background(), uuid.New(), time.Now().UTC())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMetadataUpsert(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.CreateExperiment(ctx)
	require.NoError(t, err)

	require.NoError(t, st.UpsertMetadata(ctx, id, "operator", "jdoe"))
	require.NoError(t, st.UpsertMetadata(ctx, id, "rig", "bench-3"))
	// Same label again replaces the value.
	require.NoError(t, st.UpsertMetadata(ctx, id, "operator", "asmith"))

	meta, err := st.ExportMetadata(ctx, []uuid.UUID{id})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"operator": "asmith", "rig": "bench-3"}, meta[id])
}

func TestEnsureVariableIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	exp, err := st.CreateExperiment(ctx)
	require.NoError(t, err)

	first, err := st.EnsureVariable(ctx, exp, "temperature")
	require.NoError(t, err)
	again, err := st.EnsureVariable(ctx, exp, "temperature")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	other, err := st.EnsureVariable(ctx, exp, "voltage")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	// The same name on another experiment is a distinct variable.
	exp2, err := st.CreateExperiment(ctx)
	require.NoError(t, err)
	elsewhere, err := st.EnsureVariable(ctx, exp2, "temperature")
	require.NoError(t, err)
	assert.NotEqual(t, first, elsewhere)
}

func TestInsertAndExportRecords(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	exp, err := st.CreateExperiment(ctx)
	require.NoError(t, err)
	temp, err := st.EnsureVariable(ctx, exp, "temperature")
	require.NoError(t, err)
	iter, err := st.EnsureVariable(ctx, exp, "iteration")
	require.NoError(t, err)

	ts1 := time.Date(2023, 4, 12, 9, 0, 0, 0, time.UTC)
	ts2 := ts1.Add(time.Second)

	// Inserted out of timestamp order on purpose.
	err = st.InsertRecords(ctx, []store.Record{
		{VariableID: temp, Timestamp: ts2, Value: "21"},
		{VariableID: temp, Timestamp: ts1, Value: "20.5"},
		{VariableID: iter, Timestamp: ts1, Value: "1"},
	})
	require.NoError(t, err)

	rows, err := st.ExportRecords(ctx, []uuid.UUID{exp})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	// Ordered by timestamp, then variable name.
	assert.Equal(t, store.RecordRow{Experiment: exp, Timestamp: ts1, Variable: "iteration", Value: "1"}, rows[0])
	assert.Equal(t, store.RecordRow{Experiment: exp, Timestamp: ts1, Variable: "temperature", Value: "20.5"}, rows[1])
	assert.Equal(t, store.RecordRow{Experiment: exp, Timestamp: ts2, Variable: "temperature", Value: "21"}, rows[2])
}

func TestExportScopedToRequestedIDs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	wanted, err := st.CreateExperiment(ctx)
	require.NoError(t, err)
	other, err := st.CreateExperiment(ctx)
	require.NoError(t, err)

	v1, err := st.EnsureVariable(ctx, wanted, "x")
	require.NoError(t, err)
	v2, err := st.EnsureVariable(ctx, other, "x")
	require.NoError(t, err)

	ts := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, st.InsertRecords(ctx, []store.Record{
		{VariableID: v1, Timestamp: ts, Value: "1"},
		{VariableID: v2, Timestamp: ts, Value: "2"},
	}))
	require.NoError(t, st.UpsertMetadata(ctx, other, "label", "ignored"))

	rows, err := st.ExportRecords(ctx, []uuid.UUID{wanted})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "1", rows[0].Value)

	meta, err := st.ExportMetadata(ctx, []uuid.UUID{wanted})
	require.NoError(t, err)
	assert.Empty(t, meta[wanted])
	assert.NotContains(t, meta, other)

	times, err := st.ExportTimes(ctx, []uuid.UUID{wanted})
	require.NoError(t, err)
	assert.Len(t, times, 1)
}

func TestExportWithNoIDs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rows, err := st.ExportRecords(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, rows)

	meta, err := st.ExportMetadata(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, meta)

	times, err := st.ExportTimes(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, times)
}
