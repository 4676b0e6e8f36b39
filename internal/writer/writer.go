// Package writer decouples connection handlers from the store: producers
// stage variable samples under a mutex, full chunks are handed to a single
// worker goroutine that owns the store handle, and Close drains everything
// before returning.
package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/exprec-hq/exprec/internal/logger"
	"github.com/exprec-hq/exprec/internal/store"
	"github.com/exprec-hq/exprec/internal/wire"
)

// ErrShutDown occurs when Record is called after Close.
var ErrShutDown = errors.New("writer shut down")

const (
	// DefaultChunkSize is the number of samples committed per transaction
	// when the configuration does not say otherwise.
	DefaultChunkSize = 1000

	// queueDepth bounds the chunk handoff queue. A producer that finds it
	// full blocks until the worker catches up; telemetry samples are
	// throttled rather than accumulated without bound.
	queueDepth = 256
)

// Sample is one variable observation submitted by a connection handler.
type Sample struct {
	ExperimentID uuid.UUID
	Name         string
	Timestamp    time.Time
	Value        wire.Scalar
}

type memoKey struct {
	experiment uuid.UUID
	name       string
}

// Writer batches samples into chunks and commits them from a dedicated
// worker goroutine. Producers may call Record concurrently.
type Writer struct {
	st        store.Store
	chunkSize int

	mu      sync.Mutex
	staging []Sample
	closed  bool

	queue  chan []Sample
	done   chan struct{}
	queued atomic.Int64 // chunks handed off, not yet committed

	failMu  sync.Mutex
	failure error
}

// New starts the worker goroutine. The store handle is owned by the worker
// from here on; only Close touches it again (indirectly, by draining).
func New(st store.Store, chunkSize int) *Writer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	w := &Writer{
		st:        st,
		chunkSize: chunkSize,
		queue:     make(chan []Sample, queueDepth),
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

// ChunkSize returns the configured samples-per-transaction count.
func (w *Writer) ChunkSize() int {
	return w.chunkSize
}

// Record stages one sample, handing off a full chunk to the worker when the
// staging buffer reaches the chunk size. It fails with ErrShutDown after
// Close, and with the stored worker failure after a commit error.
func (w *Writer) Record(s Sample) error {
	if err := w.checkFailure(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrShutDown
	}

	w.staging = append(w.staging, s)
	if len(w.staging) >= w.chunkSize {
		w.handOffLocked()
	}
	return nil
}

// Flush hands any partial chunk in staging to the worker.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrShutDown
	}
	w.handOffLocked()
	return nil
}

// Backlog returns the number of queued chunks plus the approximate record
// count they represent.
func (w *Writer) Backlog() (chunks int, recordEstimate int) {
	n := int(w.queued.Load())
	return n, n * w.chunkSize
}

// Close flushes staging, signals the worker that no more work will arrive,
// waits for the drain, and propagates any stored worker failure. It must be
// called once, from the shutdown path.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrShutDown
	}
	w.closed = true
	w.handOffLocked()
	w.mu.Unlock()

	close(w.queue)
	<-w.done

	return w.checkFailure()
}

// handOffLocked moves the staging buffer onto the worker queue. The send
// happens under w.mu so that chunks enter the queue in staging order; the
// worker never takes w.mu, so a blocked send cannot deadlock.
func (w *Writer) handOffLocked() {
	if len(w.staging) == 0 {
		return
	}
	chunk := w.staging
	w.staging = nil
	w.queued.Add(1)
	w.queue <- chunk
}

func (w *Writer) checkFailure() error {
	w.failMu.Lock()
	defer w.failMu.Unlock()
	if w.failure != nil {
		return fmt.Errorf("writer worker failed: %w", w.failure)
	}
	return nil
}

func (w *Writer) setFailure(err error) {
	w.failMu.Lock()
	defer w.failMu.Unlock()
	if w.failure == nil {
		w.failure = err
	}
}

func (w *Writer) run() {
	defer close(w.done)

	// Variable-id memo keyed by (experiment, name); owned exclusively by
	// the worker.
	memo := make(map[memoKey]uuid.UUID)

	for chunk := range w.queue {
		if w.checkFailure() != nil {
			// A previous commit failed; drop the remaining chunks so Close
			// can return instead of retrying into the same error.
			w.queued.Add(-1)
			continue
		}
		if err := w.commit(chunk, memo); err != nil {
			logger.Get().Error().Err(err).Int("samples", len(chunk)).
				Msg("chunk commit failed")
			w.setFailure(err)
		}
		w.queued.Add(-1)
	}
}

func (w *Writer) commit(chunk []Sample, memo map[memoKey]uuid.UUID) error {
	ctx := context.Background()

	records := make([]store.Record, 0, len(chunk))
	for _, s := range chunk {
		key := memoKey{experiment: s.ExperimentID, name: s.Name}
		varID, ok := memo[key]
		if !ok {
			id, err := w.st.EnsureVariable(ctx, s.ExperimentID, s.Name)
			if err != nil {
				return err
			}
			memo[key] = id
			varID = id
		}
		records = append(records, store.Record{
			VariableID: varID,
			Timestamp:  s.Timestamp,
			Value:      s.Value.Text(),
		})
	}

	return w.st.InsertRecords(ctx, records)
}
