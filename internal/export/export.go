// Package export writes the consolidated shutdown artifacts: a wide CSV
// table of records (one column per variable), plus metadata and times JSON
// files.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	jsoniter "github.com/json-iterator/go"

	"github.com/exprec-hq/exprec/internal/logger"
	"github.com/exprec-hq/exprec/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config locates the three artifact files.
type Config struct {
	RecordPath   string
	MetadataPath string
	TimesPath    string
	// Compress gzips the records file. The path should already carry the
	// .gz suffix.
	Compress bool
}

// Exporter materializes a run into files.
type Exporter struct {
	cfg Config
}

// New returns an Exporter for the given targets.
func New(cfg Config) *Exporter {
	return &Exporter{cfg: cfg}
}

// timeSpanJSON is the times.json row: ISO-8601 strings, end null when the
// experiment never finished cleanly.
type timeSpanJSON struct {
	Start string  `json:"start"`
	End   *string `json:"end"`
}

// Run reads everything recorded for ids and writes the three artifacts.
// Its signature matches experiment.ExportFunc.
func (e *Exporter) Run(ctx context.Context, st store.Store, ids []uuid.UUID) error {
	rows, err := st.ExportRecords(ctx, ids)
	if err != nil {
		return err
	}
	if err := e.writeRecords(rows); err != nil {
		return fmt.Errorf("failed to write records file: %w", err)
	}

	metadata, err := st.ExportMetadata(ctx, ids)
	if err != nil {
		return err
	}
	metaOut := make(map[string]map[string]string, len(ids))
	for _, id := range ids {
		m := metadata[id]
		if m == nil {
			m = map[string]string{}
		}
		metaOut[id.String()] = m
	}
	if err := e.writeJSON(e.cfg.MetadataPath, metaOut); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}

	times, err := st.ExportTimes(ctx, ids)
	if err != nil {
		return err
	}
	timesOut := make(map[string]timeSpanJSON, len(ids))
	for _, id := range ids {
		span, ok := times[id]
		if !ok {
			continue
		}
		row := timeSpanJSON{Start: span.Start.Format(time.RFC3339Nano)}
		if span.End != nil {
			end := span.End.Format(time.RFC3339Nano)
			row.End = &end
		}
		timesOut[id.String()] = row
	}
	if err := e.writeJSON(e.cfg.TimesPath, timesOut); err != nil {
		return fmt.Errorf("failed to write times file: %w", err)
	}

	logger.Get().Info().
		Int("records", len(rows)).
		Int("experiments", len(ids)).
		Str("records_file", e.cfg.RecordPath).
		Msg("export complete")
	return nil
}

// writeRecords pivots the row-oriented records into a wide table keyed on
// (experiment, timestamp) with one column per variable. Missing samples
// leave the cell empty.
func (e *Exporter) writeRecords(rows []store.RecordRow) error {
	f, err := e.createTarget(e.cfg.RecordPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var out io.Writer = f
	var gz *gzip.Writer
	if e.cfg.Compress {
		gz = gzip.NewWriter(f)
		out = gz
	}

	variables := variableColumns(rows)
	w := csv.NewWriter(out)

	header := append([]string{"experiment", "timestamp"}, variables...)
	if err := w.Write(header); err != nil {
		return err
	}

	// Rows arrive ordered by experiment, timestamp, variable; emit one CSV
	// row per (experiment, timestamp) group.
	colIndex := make(map[string]int, len(variables))
	for idx, name := range variables {
		colIndex[name] = idx + 2
	}

	var (
		current   []string
		curExp    uuid.UUID
		curTS     time.Time
		havePivot bool
	)
	flush := func() error {
		if !havePivot {
			return nil
		}
		return w.Write(current)
	}
	for _, row := range rows {
		if !havePivot || row.Experiment != curExp || !row.Timestamp.Equal(curTS) {
			if err := flush(); err != nil {
				return err
			}
			current = make([]string, len(header))
			current[0] = row.Experiment.String()
			current[1] = row.Timestamp.Format(time.RFC3339Nano)
			curExp, curTS = row.Experiment, row.Timestamp
			havePivot = true
		}
		current[colIndex[row.Variable]] = row.Value
	}
	if err := flush(); err != nil {
		return err
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) writeJSON(path string, v any) error {
	f, err := e.createTarget(path)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

// createTarget opens path for writing, warning when it overwrites a
// previous run's artifact.
func (e *Exporter) createTarget(path string) (*os.File, error) {
	if _, err := os.Stat(path); err == nil {
		logger.Get().Warn().Str("path", path).Msg("overwriting existing output file")
	}
	return os.Create(path)
}

func variableColumns(rows []store.RecordRow) []string {
	seen := make(map[string]bool)
	var names []string
	for _, row := range rows {
		if !seen[row.Variable] {
			seen[row.Variable] = true
			names = append(names, row.Variable)
		}
	}
	sort.Strings(names)
	return names
}
