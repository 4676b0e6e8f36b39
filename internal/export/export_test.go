package export

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exprec-hq/exprec/internal/store"
)

// fakeStore serves canned export data; the exporter never writes.
type fakeStore struct {
	rows     []store.RecordRow
	metadata map[uuid.UUID]map[string]string
	times    map[uuid.UUID]store.TimeSpan
}

func (f *fakeStore) CreateExperiment(context.Context) (uuid.UUID, error) { return uuid.Nil, nil }
func (f *fakeStore) FinishExperiment(context.Context, uuid.UUID, time.Time) error {
	return nil
}
func (f *fakeStore) UpsertMetadata(context.Context, uuid.UUID, string, string) error { return nil }
func (f *fakeStore) EnsureVariable(context.Context, uuid.UUID, string) (uuid.UUID, error) {
	return uuid.Nil, nil
}
func (f *fakeStore) InsertRecords(context.Context, []store.Record) error { return nil }
func (f *fakeStore) Close() error                                        { return nil }

func (f *fakeStore) ExportRecords(context.Context, []uuid.UUID) ([]store.RecordRow, error) {
	return f.rows, nil
}
func (f *fakeStore) ExportMetadata(context.Context, []uuid.UUID) (map[uuid.UUID]map[string]string, error) {
	return f.metadata, nil
}
func (f *fakeStore) ExportTimes(context.Context, []uuid.UUID) (map[uuid.UUID]store.TimeSpan, error) {
	return f.times, nil
}

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		RecordPath:   filepath.Join(dir, "records.csv"),
		MetadataPath: filepath.Join(dir, "metadata.json"),
		TimesPath:    filepath.Join(dir, "times.json"),
	}
}

func TestRunWritesPivotedRecords(t *testing.T) {
	expA := uuid.New()
	expB := uuid.New()
	ts1 := time.Date(2023, 4, 12, 9, 0, 0, 0, time.UTC)
	ts2 := ts1.Add(time.Second)

	st := &fakeStore{
		rows: []store.RecordRow{
			{Experiment: expA, Timestamp: ts1, Variable: "iteration", Value: "1"},
			{Experiment: expA, Timestamp: ts1, Variable: "temperature", Value: "20.5"},
			{Experiment: expA, Timestamp: ts2, Variable: "temperature", Value: "21"},
			{Experiment: expB, Timestamp: ts1, Variable: "voltage", Value: "3.3"},
		},
		metadata: map[uuid.UUID]map[string]string{
			expA: {"operator": "jdoe"},
		},
		times: map[uuid.UUID]store.TimeSpan{
			expA: {Start: ts1, End: &ts2},
			expB: {Start: ts1},
		},
	}

	cfg := testConfig(t)
	ids := []uuid.UUID{expA, expB}
	require.NoError(t, New(cfg).Run(context.Background(), st, ids))

	f, err := os.Open(cfg.RecordPath)
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)

	assert.Equal(t, []string{"experiment", "timestamp", "iteration", "temperature", "voltage"}, records[0])
	assert.Equal(t, []string{expA.String(), ts1.Format(time.RFC3339Nano), "1", "20.5", ""}, records[1])
	assert.Equal(t, []string{expA.String(), ts2.Format(time.RFC3339Nano), "", "21", ""}, records[2])
	assert.Equal(t, []string{expB.String(), ts1.Format(time.RFC3339Nano), "", "", "3.3"}, records[3])

	metaData, err := os.ReadFile(cfg.MetadataPath)
	require.NoError(t, err)
	var meta map[string]map[string]string
	require.NoError(t, json.Unmarshal(metaData, &meta))
	assert.Equal(t, map[string]string{"operator": "jdoe"}, meta[expA.String()])
	// Experiments without metadata still get an entry.
	assert.Equal(t, map[string]string{}, meta[expB.String()])

	timesData, err := os.ReadFile(cfg.TimesPath)
	require.NoError(t, err)
	var times map[string]timeSpanJSON
	require.NoError(t, json.Unmarshal(timesData, &times))
	assert.Equal(t, ts1.Format(time.RFC3339Nano), times[expA.String()].Start)
	require.NotNil(t, times[expA.String()].End)
	assert.Equal(t, ts2.Format(time.RFC3339Nano), *times[expA.String()].End)
	assert.Nil(t, times[expB.String()].End, "unfinished experiment keeps a null end")
}

func TestRunEmpty(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, New(cfg).Run(context.Background(), &fakeStore{}, nil))

	f, err := os.Open(cfg.RecordPath)
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1, "header only")
	assert.Equal(t, []string{"experiment", "timestamp"}, records[0])

	metaData, err := os.ReadFile(cfg.MetadataPath)
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(metaData))
}

func TestRunCompressedRecords(t *testing.T) {
	exp := uuid.New()
	ts := time.Date(2023, 4, 12, 9, 0, 0, 0, time.UTC)
	st := &fakeStore{
		rows: []store.RecordRow{
			{Experiment: exp, Timestamp: ts, Variable: "x", Value: "7"},
		},
		times: map[uuid.UUID]store.TimeSpan{exp: {Start: ts}},
	}

	cfg := testConfig(t)
	cfg.RecordPath += ".gz"
	cfg.Compress = true
	require.NoError(t, New(cfg).Run(context.Background(), st, []uuid.UUID{exp}))

	f, err := os.Open(cfg.RecordPath)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	records, err := csv.NewReader(gz).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{exp.String(), ts.Format(time.RFC3339Nano), "7"}, records[1])
}

func TestRunOverwritesExistingArtifacts(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.RecordPath, []byte("stale"), 0o644))

	require.NoError(t, New(cfg).Run(context.Background(), &fakeStore{}, nil))

	data, err := os.ReadFile(cfg.RecordPath)
	require.NoError(t, err)
	assert.Equal(t, "experiment,timestamp\n", string(data))
}
