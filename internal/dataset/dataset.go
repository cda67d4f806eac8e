// Package dataset provides lazily-read record streams over pipeline
// artifacts. Readers hold one record at a time so callers control memory.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// Record is one heterogeneous row keyed by column name. A key that is
// absent means the field is missing; a nil value means it is null.
type Record map[string]any

// Reader streams records. Next returns io.EOF after the last record.
type Reader interface {
	Columns() []string
	Next() (Record, error)
	Close() error
}

// Artifact is a re-readable dataset location, such as a validated file.
type Artifact interface {
	Location() string
	Open() (Reader, error)
}

// FileArtifact is a local artifact opened by file extension.
type FileArtifact string

// Location returns the path.
func (a FileArtifact) Location() string { return string(a) }

// Open opens the file with the reader matching its extension.
func (a FileArtifact) Open() (Reader, error) { return Open(string(a)) }

// ErrUnsupportedFormat is returned by Open for unknown file extensions.
var ErrUnsupportedFormat = errors.New("unsupported dataset format")

// Open opens path as CSV, JSON lines or Parquet based on its extension.
func Open(path string) (Reader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return OpenCSV(path)
	case ".jsonl", ".ndjson", ".json":
		return OpenJSONL(path)
	case ".parquet":
		return OpenParquet(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// sliceReader serves records from memory.
type sliceReader struct {
	cols    []string
	records []Record
	pos     int
}

// FromRecords wraps in-memory records as a Reader.
func FromRecords(columns []string, records []Record) Reader {
	return &sliceReader{cols: columns, records: records}
}

func (r *sliceReader) Columns() []string { return r.cols }

func (r *sliceReader) Next() (Record, error) {
	if r.pos >= len(r.records) {
		return nil, io.EOF
	}
	rec := r.records[r.pos]
	r.pos++
	return rec, nil
}

func (r *sliceReader) Close() error { return nil }

// ReadAll drains r. Intended for tests and small lookups only.
func ReadAll(r Reader) ([]Record, error) {
	var out []Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// normalizeNumber turns a json.Number into int64 when integral, else float64.
func normalizeNumber(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// normalizeValue applies normalizeNumber through nested objects and arrays.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		return normalizeNumber(x)
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeValue(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalizeValue(e)
		}
		return x
	default:
		return v
	}
}
