package dataset

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Writer appends records to an artifact that becomes visible at Path only
// on Commit. Abort discards it and is safe to call after Commit.
type Writer interface {
	Write(rec Record) error
	Rows() int64
	Path() string
	Commit() error
	Abort() error
}

// Create starts an artifact at path in the format its extension names, so
// that Open reads back what was written. columns fixes the CSV header; when
// empty the sorted keys of the first record are used.
func Create(path string, columns []string) (Writer, error) {
	if err := CheckWritable(path); err != nil {
		return nil, err
	}
	if strings.ToLower(filepath.Ext(path)) == ".csv" {
		return CreateCSV(path, columns)
	}
	return CreateJSONL(path)
}

// CheckWritable reports whether Create supports the format of path.
// Parquet is read-only.
func CheckWritable(path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".jsonl", ".ndjson", ".json":
		return nil
	default:
		return fmt.Errorf("%w for writing: %s (use .csv, .jsonl or .ndjson)", ErrUnsupportedFormat, path)
	}
}

// atomicFile buffers writes into a temp file beside path and renames it
// into place on commit.
type atomicFile struct {
	path string
	tmp  *os.File
	bw   *bufio.Writer
}

func createAtomic(path string) (*atomicFile, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".artifact-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("creating temp artifact: %w", err)
	}
	return &atomicFile{path: path, tmp: tmp, bw: bufio.NewWriterSize(tmp, 64*1024)}, nil
}

func (a *atomicFile) commit() error {
	if err := a.bw.Flush(); err != nil {
		a.abort()
		return fmt.Errorf("flushing artifact: %w", err)
	}
	if err := a.tmp.Sync(); err != nil {
		a.abort()
		return fmt.Errorf("syncing artifact: %w", err)
	}
	if err := a.tmp.Close(); err != nil {
		os.Remove(a.tmp.Name())
		return fmt.Errorf("closing artifact: %w", err)
	}
	if err := os.Rename(a.tmp.Name(), a.path); err != nil {
		os.Remove(a.tmp.Name())
		return fmt.Errorf("renaming artifact: %w", err)
	}
	return nil
}

func (a *atomicFile) abort() error {
	a.tmp.Close()
	err := os.Remove(a.tmp.Name())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
