package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
)

type jsonlReader struct {
	f    *os.File
	dec  *json.Decoder
	cols []string
	n    int
}

// OpenJSONL opens a file of newline-delimited JSON objects.
func OpenJSONL(path string) (Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening jsonl: %w", err)
	}
	r := NewJSONLReader(f).(*jsonlReader)
	r.f = f
	return r, nil
}

// NewJSONLReader streams JSON objects from in. Numbers decode to int64 when
// integral and float64 otherwise.
func NewJSONLReader(in io.Reader) Reader {
	dec := json.NewDecoder(bufio.NewReaderSize(in, 64*1024))
	dec.UseNumber()
	return &jsonlReader{dec: dec}
}

// Columns returns the sorted keys of the first record, once read.
func (j *jsonlReader) Columns() []string { return j.cols }

func (j *jsonlReader) Next() (Record, error) {
	var raw map[string]any
	if err := j.dec.Decode(&raw); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("decoding jsonl record %d: %w", j.n+1, err)
	}
	j.n++

	rec := make(Record, len(raw))
	for k, v := range raw {
		rec[k] = normalizeValue(v)
	}
	if j.cols == nil {
		j.cols = make([]string, 0, len(rec))
		for k := range rec {
			j.cols = append(j.cols, k)
		}
		sort.Strings(j.cols)
	}
	return rec, nil
}

func (j *jsonlReader) Close() error {
	if j.f != nil {
		return j.f.Close()
	}
	return nil
}

// JSONLWriter writes records to a temp file that replaces the destination
// only on Commit, so readers never observe a partial artifact.
type JSONLWriter struct {
	f    *atomicFile
	enc  *json.Encoder
	rows int64
}

// CreateJSONL starts an atomic JSON lines artifact at path.
func CreateJSONL(path string) (*JSONLWriter, error) {
	f, err := createAtomic(path)
	if err != nil {
		return nil, err
	}
	return &JSONLWriter{f: f, enc: json.NewEncoder(f.bw)}, nil
}

// Write appends one record.
func (w *JSONLWriter) Write(rec Record) error {
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	w.rows++
	return nil
}

// Rows returns the number of records written.
func (w *JSONLWriter) Rows() int64 { return w.rows }

// Path returns the final artifact location.
func (w *JSONLWriter) Path() string { return w.f.path }

// Commit flushes, syncs and renames the temp file into place.
func (w *JSONLWriter) Commit() error { return w.f.commit() }

// Abort discards the temp file. It is safe to call after Commit.
func (w *JSONLWriter) Abort() error { return w.f.abort() }
