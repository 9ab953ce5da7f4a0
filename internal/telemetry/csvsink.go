package telemetry

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"
)

// csvFlushEvery is the number of frames between forced flushes to
// disk.
const csvFlushEvery = 10

// CSVLogSink appends one wide-format row per frame. The header starts
// as "timestamp,vin" and grows as novel fields appear; growing the
// header rewrites the file in place, preserving all existing rows.
type CSVLogSink struct {
	path      string
	vinFilter string

	mu         sync.Mutex
	file       *os.File
	columns    []string       // field columns after timestamp,vin
	colIndex   map[string]int // field name -> index into columns
	sinceFlush int
	log        *slog.Logger
}

// NewCSVLogSink opens (or creates) the log file at path. vinFilter,
// when non-empty, restricts logging to one vehicle.
func NewCSVLogSink(path, vinFilter string) (*CSVLogSink, error) {
	s := &CSVLogSink{
		path:      path,
		vinFilter: vinFilter,
		colIndex:  make(map[string]int),
		log:       slog.Default().With("component", "csv-sink"),
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements Sink.
func (s *CSVLogSink) Name() string { return "csv-log" }

// HandleFrame appends one row for the frame, extending the header
// first when the frame carries fields not seen before.
func (s *CSVLogSink) HandleFrame(_ context.Context, frame *Frame) error {
	if s.vinFilter != "" && frame.VIN != s.vinFilter {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var novel []string
	for _, d := range frame.Data {
		if _, ok := s.colIndex[d.FieldName]; !ok {
			novel = append(novel, d.FieldName)
		}
	}
	if len(novel) > 0 {
		if err := s.extendHeader(novel); err != nil {
			return err
		}
	}

	row := make([]string, 2+len(s.columns))
	row[0] = frame.CreatedAt.UTC().Format(time.RFC3339)
	row[1] = frame.VIN
	for _, d := range frame.Data {
		row[2+s.colIndex[d.FieldName]] = formatCSVValue(d.Value)
	}

	w := csv.NewWriter(s.file)
	if err := w.Write(row); err != nil {
		return fmt.Errorf("csv write: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("csv flush: %w", err)
	}

	s.sinceFlush++
	if s.sinceFlush >= csvFlushEvery {
		s.sinceFlush = 0
		if err := s.file.Sync(); err != nil {
			s.log.Warn("csv sync failed", "error", err)
		}
	}
	return nil
}

// Close flushes and closes the underlying file.
func (s *CSVLogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	_ = s.file.Sync()
	err := s.file.Close()
	s.file = nil
	return err
}

// open loads an existing file's header (so restarts keep the column
// set) or writes a fresh fixed header.
func (s *CSVLogSink) open() error {
	existing, err := os.ReadFile(s.path)
	if err == nil && len(existing) > 0 {
		r := csv.NewReader(bytes.NewReader(existing))
		r.FieldsPerRecord = -1
		header, err := r.Read()
		if err == nil && len(header) >= 2 {
			for _, name := range header[2:] {
				s.colIndex[name] = len(s.columns)
				s.columns = append(s.columns, name)
			}
		}
		f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open csv log: %w", err)
		}
		s.file = f
		return nil
	}

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create csv log: %w", err)
	}
	s.file = f
	return s.writeHeader()
}

func (s *CSVLogSink) writeHeader() error {
	w := csv.NewWriter(s.file)
	if err := w.Write(append([]string{"timestamp", "vin"}, s.columns...)); err != nil {
		return fmt.Errorf("csv header: %w", err)
	}
	w.Flush()
	return w.Error()
}

// extendHeader adds columns and rewrites the whole file: read every
// row, truncate, write the wider header, pad and rewrite the rows.
func (s *CSVLogSink) extendHeader(novel []string) error {
	if err := s.file.Sync(); err != nil {
		s.log.Debug("csv sync before rewrite failed", "error", err)
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reread csv log: %w", err)
	}
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("parse csv log: %w", err)
	}

	for _, name := range novel {
		s.colIndex[name] = len(s.columns)
		s.columns = append(s.columns, name)
	}
	width := 2 + len(s.columns)

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close csv log: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("rewrite csv log: %w", err)
	}
	s.file = f

	w := csv.NewWriter(s.file)
	if err := w.Write(append([]string{"timestamp", "vin"}, s.columns...)); err != nil {
		return fmt.Errorf("csv header: %w", err)
	}
	for i, row := range rows {
		if i == 0 {
			continue // old header
		}
		for len(row) < width {
			row = append(row, "")
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("csv rewrite row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

// formatCSVValue renders a datum value for the wide format. Locations
// flatten to key pairs rather than nested structures.
func formatCSVValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case Location:
		return fmt.Sprintf("latitude=%v;longitude=%v", x.Latitude, x.Longitude)
	default:
		return fmt.Sprintf("%v", x)
	}
}
