// Package experiment provides the façade connection handlers talk to. It
// centralizes experiment lifecycle mutations behind one mutex and defers
// the sample path to the buffered writer, so concurrent connections cannot
// interleave row-level changes against a single instance.
package experiment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/exprec-hq/exprec/internal/store"
	"github.com/exprec-hq/exprec/internal/wire"
	"github.com/exprec-hq/exprec/internal/writer"
)

// ExportFunc consumes the recorded run on shutdown; see the export package.
type ExportFunc func(ctx context.Context, st store.Store, ids []uuid.UUID) error

// Interface is the single mutation point for experiment rows. Lifecycle
// calls return quickly; RecordVariables is the only deferred path.
type Interface struct {
	st store.Store
	w  *writer.Writer

	mu       sync.Mutex
	ids      []uuid.UUID
	defaults map[string]string

	export ExportFunc
}

// New builds the façade. defaultMetadata is upserted onto every new
// instance; export runs during Close, after the writer drains.
func New(st store.Store, chunkSize int, defaultMetadata map[string]string, export ExportFunc) *Interface {
	return &Interface{
		st:       st,
		w:        writer.New(st, chunkSize),
		defaults: defaultMetadata,
		export:   export,
	}
}

// NewInstance creates a fresh experiment instance and applies the default
// metadata to it.
func (i *Interface) NewInstance(ctx context.Context) (uuid.UUID, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	id, err := i.st.CreateExperiment(ctx)
	if err != nil {
		return uuid.Nil, err
	}

	for _, label := range sortedKeys(i.defaults) {
		if err := i.st.UpsertMetadata(ctx, id, label, i.defaults[label]); err != nil {
			return uuid.Nil, err
		}
	}

	i.ids = append(i.ids, id)
	return id, nil
}

// AddMetadata upserts the given pairs onto an instance.
func (i *Interface) AddMetadata(ctx context.Context, id uuid.UUID, pairs map[string]string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, label := range sortedKeys(pairs) {
		if err := i.st.UpsertMetadata(ctx, id, label, pairs[label]); err != nil {
			return err
		}
	}
	return nil
}

// FinishInstance stamps the end time of an instance.
func (i *Interface) FinishInstance(ctx context.Context, id uuid.UUID) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.st.FinishExperiment(ctx, id, time.Now().UTC())
}

// RecordVariables appends one sample per (name, value) pair to the buffered
// writer and returns immediately.
func (i *Interface) RecordVariables(id uuid.UUID, timestamp time.Time, vars map[string]wire.Scalar) error {
	for _, name := range sortedScalarKeys(vars) {
		err := i.w.Record(writer.Sample{
			ExperimentID: id,
			Name:         name,
			Timestamp:    timestamp,
			Value:        vars[name],
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Backlog reports the writer's queued chunks and approximate record count.
func (i *Interface) Backlog() (chunks int, recordEstimate int) {
	return i.w.Backlog()
}

// ChunkSize returns the writer's samples-per-transaction count.
func (i *Interface) ChunkSize() int {
	return i.w.ChunkSize()
}

// Instances returns the ids of every experiment created on this run, in
// creation order.
func (i *Interface) Instances() []uuid.UUID {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make([]uuid.UUID, len(i.ids))
	copy(out, i.ids)
	return out
}

// Close drains the writer, runs the exporter over every recorded instance,
// and closes the store. A writer failure aborts the export: the partial
// data stays in the store file and the failure propagates to the caller.
func (i *Interface) Close(ctx context.Context) error {
	if err := i.w.Close(); err != nil {
		i.st.Close()
		return err
	}

	if i.export != nil {
		if err := i.export(ctx, i.st, i.Instances()); err != nil {
			i.st.Close()
			return fmt.Errorf("export failed: %w", err)
		}
	}

	return i.st.Close()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedScalarKeys(m map[string]wire.Scalar) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
