package dataset

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"
)

type csvReader struct {
	f    *os.File
	r    *csv.Reader
	cols []string
	line int
}

// OpenCSV opens a headered CSV file. Empty cells read as null and short rows
// leave their trailing fields missing.
func OpenCSV(path string) (Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening csv: %w", err)
	}
	r, err := NewCSVReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.(*csvReader).f = f
	return r, nil
}

// NewCSVReader reads a headered CSV stream.
func NewCSVReader(in io.Reader) (Reader, error) {
	cr := csv.NewReader(bufio.NewReaderSize(in, 64*1024))
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return &csvReader{r: cr}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	cols := make([]string, len(header))
	copy(cols, header)
	return &csvReader{r: cr, cols: cols, line: 1}, nil
}

func (c *csvReader) Columns() []string { return c.cols }

func (c *csvReader) Next() (Record, error) {
	if c.cols == nil {
		return nil, io.EOF
	}
	fields, err := c.r.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	c.line++
	if err != nil {
		return nil, fmt.Errorf("reading csv line %d: %w", c.line, err)
	}

	rec := make(Record, len(c.cols))
	for i, col := range c.cols {
		if i >= len(fields) {
			break
		}
		if fields[i] == "" {
			rec[col] = nil
		} else {
			rec[col] = fields[i]
		}
	}
	return rec, nil
}

func (c *csvReader) Close() error {
	if c.f != nil {
		return c.f.Close()
	}
	return nil
}

// CSVWriter writes records as a headered CSV artifact that OpenCSV reads
// back. Null and missing values become empty cells; keys outside the header
// are dropped.
type CSVWriter struct {
	f    *atomicFile
	w    *csv.Writer
	cols []string
	row  []string
	rows int64
}

// CreateCSV starts an atomic CSV artifact at path. With no columns the
// header is taken from the sorted keys of the first record.
func CreateCSV(path string, columns []string) (*CSVWriter, error) {
	f, err := createAtomic(path)
	if err != nil {
		return nil, err
	}
	w := &CSVWriter{f: f, w: csv.NewWriter(f.bw)}
	if len(columns) > 0 {
		if err := w.writeHeader(columns); err != nil {
			f.abort()
			return nil, err
		}
	}
	return w, nil
}

func (w *CSVWriter) writeHeader(cols []string) error {
	w.cols = append([]string(nil), cols...)
	w.row = make([]string, len(cols))
	if err := w.w.Write(w.cols); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	return nil
}

// Write appends one record.
func (w *CSVWriter) Write(rec Record) error {
	if w.cols == nil {
		keys := make([]string, 0, len(rec))
		for k := range rec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if err := w.writeHeader(keys); err != nil {
			return err
		}
	}
	for i, col := range w.cols {
		w.row[i] = csvCell(rec[col])
	}
	if err := w.w.Write(w.row); err != nil {
		return fmt.Errorf("writing csv row %d: %w", w.rows+1, err)
	}
	w.rows++
	return nil
}

// Rows returns the number of records written.
func (w *CSVWriter) Rows() int64 { return w.rows }

// Path returns the final artifact location.
func (w *CSVWriter) Path() string { return w.f.path }

// Commit flushes and renames the temp file into place.
func (w *CSVWriter) Commit() error {
	w.w.Flush()
	if err := w.w.Error(); err != nil {
		w.f.abort()
		return fmt.Errorf("flushing csv: %w", err)
	}
	return w.f.commit()
}

// Abort discards the temp file.
func (w *CSVWriter) Abort() error { return w.f.abort() }

func csvCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case json.Number:
		return x.String()
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}
