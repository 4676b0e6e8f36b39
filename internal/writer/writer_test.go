package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exprec-hq/exprec/internal/store"
	"github.com/exprec-hq/exprec/internal/wire"
)

// fakeStore records the calls the writer makes. Only the variable and
// record paths matter here; the rest of store.Store is inert.
type fakeStore struct {
	mu          sync.Mutex
	vars        map[string]uuid.UUID
	ensureCalls int
	records     []store.Record
	insertCalls int

	insertErr   error
	insertBlock chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{vars: make(map[string]uuid.UUID)}
}

func (f *fakeStore) CreateExperiment(context.Context) (uuid.UUID, error) { return uuid.New(), nil }
func (f *fakeStore) FinishExperiment(context.Context, uuid.UUID, time.Time) error {
	return nil
}
func (f *fakeStore) UpsertMetadata(context.Context, uuid.UUID, string, string) error { return nil }
func (f *fakeStore) Close() error                                                    { return nil }

func (f *fakeStore) EnsureVariable(_ context.Context, instanceID uuid.UUID, name string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ensureCalls++
	key := instanceID.String() + "/" + name
	id, ok := f.vars[key]
	if !ok {
		id = uuid.New()
		f.vars[key] = id
	}
	return id, nil
}

func (f *fakeStore) InsertRecords(_ context.Context, records []store.Record) error {
	if f.insertBlock != nil {
		<-f.insertBlock
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.insertCalls++
	if f.insertErr != nil {
		return f.insertErr
	}
	f.records = append(f.records, records...)
	return nil
}

func (f *fakeStore) ExportRecords(context.Context, []uuid.UUID) ([]store.RecordRow, error) {
	return nil, nil
}
func (f *fakeStore) ExportMetadata(context.Context, []uuid.UUID) (map[uuid.UUID]map[string]string, error) {
	return nil, nil
}
func (f *fakeStore) ExportTimes(context.Context, []uuid.UUID) (map[uuid.UUID]store.TimeSpan, error) {
	return nil, nil
}

func sample(exp uuid.UUID, name string, v int64) Sample {
	return Sample{
		ExperimentID: exp,
		Name:         name,
		Timestamp:    time.Now().UTC(),
		Value:        wire.IntScalar(v),
	}
}

func TestCommitsFullChunks(t *testing.T) {
	st := newFakeStore()
	w := New(st, 2)
	exp := uuid.New()

	for i := int64(0); i < 4; i++ {
		require.NoError(t, w.Record(sample(exp, "x", i)))
	}
	require.NoError(t, w.Close())

	assert.Len(t, st.records, 4)
	assert.Equal(t, 2, st.insertCalls, "two chunks of two samples each")
	assert.Equal(t, "0", st.records[0].Value)
	assert.Equal(t, "3", st.records[3].Value)
}

func TestCloseDrainsPartialChunk(t *testing.T) {
	st := newFakeStore()
	w := New(st, 100)
	exp := uuid.New()

	require.NoError(t, w.Record(sample(exp, "x", 1)))
	require.NoError(t, w.Record(sample(exp, "y", 2)))
	require.NoError(t, w.Close())

	assert.Len(t, st.records, 2)
	assert.Equal(t, 1, st.insertCalls)
}

func TestFlushHandsOffPartialChunk(t *testing.T) {
	st := newFakeStore()
	w := New(st, 100)

	require.NoError(t, w.Record(sample(uuid.New(), "x", 1)))
	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())

	assert.Len(t, st.records, 1)
	assert.Equal(t, 1, st.insertCalls, "close must not re-commit the flushed chunk")
}

func TestVariableIDMemoized(t *testing.T) {
	st := newFakeStore()
	w := New(st, 2)
	exp := uuid.New()

	for i := int64(0); i < 6; i++ {
		require.NoError(t, w.Record(sample(exp, "x", i)))
	}
	require.NoError(t, w.Record(sample(exp, "y", 0)))
	require.NoError(t, w.Close())

	// One lookup per distinct (experiment, name), not per sample.
	assert.Equal(t, 2, st.ensureCalls)
}

func TestRecordAfterClose(t *testing.T) {
	st := newFakeStore()
	w := New(st, 10)

	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Record(sample(uuid.New(), "x", 1)), ErrShutDown)
	assert.ErrorIs(t, w.Flush(), ErrShutDown)
	assert.ErrorIs(t, w.Close(), ErrShutDown)
}

func TestCommitFailureSurfacesOnClose(t *testing.T) {
	st := newFakeStore()
	st.insertErr = errors.New("disk full")
	w := New(st, 1)

	require.NoError(t, w.Record(sample(uuid.New(), "x", 1)))

	err := w.Close()
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk full")
}

func TestBacklogCountsQueuedChunks(t *testing.T) {
	st := newFakeStore()
	st.insertBlock = make(chan struct{})
	w := New(st, 1)
	exp := uuid.New()

	chunks, records := w.Backlog()
	assert.Zero(t, chunks)
	assert.Zero(t, records)

	require.NoError(t, w.Record(sample(exp, "x", 1)))
	require.NoError(t, w.Record(sample(exp, "x", 2)))

	// The worker is stuck inside the first commit, so both chunks still
	// count toward the backlog.
	chunks, records = w.Backlog()
	assert.Equal(t, 2, chunks)
	assert.Equal(t, 2, records)

	close(st.insertBlock)
	require.NoError(t, w.Close())

	chunks, _ = w.Backlog()
	assert.Zero(t, chunks)
}
