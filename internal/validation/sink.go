package validation

import (
	"github.com/johndauphine/mdcore/internal/dataset"
)

// QuarantineWriter writes rejected rows as JSON lines of
// {row_index, reason_codes, errors, record}. Accepted rows are ignored.
type QuarantineWriter struct {
	w *dataset.JSONLWriter
}

// NewQuarantineWriter starts a quarantine file at path. Nothing is visible
// at path until Commit.
func NewQuarantineWriter(path string) (*QuarantineWriter, error) {
	w, err := dataset.CreateJSONL(path)
	if err != nil {
		return nil, err
	}
	return &QuarantineWriter{w: w}, nil
}

func (q *QuarantineWriter) Accept(dataset.Record) error { return nil }

func (q *QuarantineWriter) Reject(index int64, rec dataset.Record, issues []Issue) error {
	codes := make([]string, 0, len(issues))
	msgs := make([]string, 0, len(issues))
	seen := make(map[string]bool, len(issues))
	for _, is := range issues {
		if !seen[is.Code] {
			seen[is.Code] = true
			codes = append(codes, is.Code)
		}
		msgs = append(msgs, is.Field+": "+is.Message)
	}
	return q.w.Write(dataset.Record{
		"row_index":    index,
		"reason_codes": codes,
		"errors":       msgs,
		"record":       rec,
	})
}

// Rows returns the number of quarantined rows.
func (q *QuarantineWriter) Rows() int64 { return q.w.Rows() }

// Path returns the quarantine file location.
func (q *QuarantineWriter) Path() string { return q.w.Path() }

func (q *QuarantineWriter) Commit() error { return q.w.Commit() }

func (q *QuarantineWriter) Abort() error { return q.w.Abort() }

// ArtifactSink streams accepted rows into a clean artifact.
type ArtifactSink struct {
	w dataset.Writer
}

// NewArtifactSink starts a clean artifact at path, written in the format
// its extension names. columns orders a CSV header and may be nil.
func NewArtifactSink(path string, columns []string) (*ArtifactSink, error) {
	w, err := dataset.Create(path, columns)
	if err != nil {
		return nil, err
	}
	return &ArtifactSink{w: w}, nil
}

func (a *ArtifactSink) Accept(rec dataset.Record) error { return a.w.Write(rec) }

func (a *ArtifactSink) Reject(int64, dataset.Record, []Issue) error { return nil }

func (a *ArtifactSink) Rows() int64 { return a.w.Rows() }

func (a *ArtifactSink) Path() string { return a.w.Path() }

func (a *ArtifactSink) Commit() error { return a.w.Commit() }

func (a *ArtifactSink) Abort() error { return a.w.Abort() }

// MultiSink fans every row out to each sink in order.
type MultiSink []Sink

func (m MultiSink) Accept(rec dataset.Record) error {
	for _, s := range m {
		if err := s.Accept(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) Reject(index int64, rec dataset.Record, issues []Issue) error {
	for _, s := range m {
		if err := s.Reject(index, rec, issues); err != nil {
			return err
		}
	}
	return nil
}
