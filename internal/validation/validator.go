// Package validation checks record streams against named schemas in bounded
// memory and routes rows to a Sink.
package validation

import (
	"fmt"
	"io"
	"time"

	"github.com/johndauphine/mdcore/internal/dataset"
	"github.com/johndauphine/mdcore/internal/logging"
)

const (
	DefaultBatchSize       = 10000
	DefaultMaxErrorDetails = 1000
)

// Issue codes for field-level checks.
const (
	CodeMissing = "missing_field"
	CodeNull    = "null_value"
	CodeType    = "type_mismatch"
)

// Issue is one problem found on one row.
type Issue struct {
	Field    string   `json:"field"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// ErrorDetail is an Issue located in the dataset.
type ErrorDetail struct {
	RowIndex int64    `json:"row_index"`
	Field    string   `json:"field"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result summarizes one validation run. Counts are exact even when
// ErrorDetails was truncated.
type Result struct {
	Schema           string        `json:"schema"`
	TotalRows        int64         `json:"total_rows"`
	ValidRows        int64         `json:"valid_rows"`
	CriticalFailures int64         `json:"critical_failures"`
	Warnings         int64         `json:"warnings"`
	ErrorDetails     []ErrorDetail `json:"error_details"`
	Truncated        bool          `json:"truncated"`
	Duration         time.Duration `json:"duration"`
}

// FailureRate is the share of rows with a critical issue.
func (r *Result) FailureRate() float64 {
	if r.TotalRows == 0 {
		return 0
	}
	return float64(r.CriticalFailures) / float64(r.TotalRows)
}

// Sink receives every row once validated, in dataset order. Rows with a
// critical issue are rejected; the rest are accepted.
type Sink interface {
	Accept(rec dataset.Record) error
	Reject(index int64, rec dataset.Record, issues []Issue) error
}

// Options configures a Validator.
type Options struct {
	MaxErrorDetails int
	Sink            Sink
	Progress        func(rowsDone int64)
}

// Validator runs schemas from a Registry over record streams. It holds no
// per-run state and may be shared.
type Validator struct {
	registry *Registry
	opts     Options
}

// New creates a Validator.
func New(registry *Registry, opts Options) *Validator {
	if opts.MaxErrorDetails <= 0 {
		opts.MaxErrorDetails = DefaultMaxErrorDetails
	}
	return &Validator{registry: registry, opts: opts}
}

// Validate streams ds through schemaName using the configured Sink.
func (v *Validator) Validate(ds dataset.Reader, schemaName string, batchSize int) (*Result, error) {
	return v.ValidateTo(ds, schemaName, batchSize, v.opts.Sink)
}

// ValidateTo is Validate with a per-call sink. A nil sink discards rows.
func (v *Validator) ValidateTo(ds dataset.Reader, schemaName string, batchSize int, sink Sink) (*Result, error) {
	schema, ok := v.registry.Schema(schemaName)
	if !ok {
		return nil, &SchemaConfigError{Schema: schemaName, Reason: "unknown schema"}
	}
	if batchSize < 1 {
		return nil, &SchemaConfigError{Schema: schemaName, Reason: fmt.Sprintf("batch size must be at least 1, got %d", batchSize)}
	}

	start := time.Now()
	run := newBatchRun(schema, batchSize, v.opts.MaxErrorDetails, sink)
	res := run.res

	var base int64
	for {
		eof := false
		run.batch = run.batch[:0]
		for len(run.batch) < batchSize {
			rec, err := ds.Next()
			if err == io.EOF {
				eof = true
				break
			}
			if err != nil {
				return nil, fmt.Errorf("reading row %d: %w", base+int64(len(run.batch)), err)
			}
			run.batch = append(run.batch, rec)
		}
		if len(run.batch) > 0 {
			if err := run.process(base); err != nil {
				return nil, err
			}
			base += int64(len(run.batch))
			if v.opts.Progress != nil {
				v.opts.Progress(base)
			}
		}
		if eof {
			break
		}
	}

	res.Duration = time.Since(start)
	logging.Debug("Validated %s: %d rows, %d valid, %d critical, %d warnings",
		schemaName, res.TotalRows, res.ValidRows, res.CriticalFailures, res.Warnings)
	return res, nil
}

// batchRun owns the buffers reused across batches.
type batchRun struct {
	schema     *Schema
	sink       Sink
	maxDetails int
	res        *Result

	batch  []dataset.Record
	cols   [][]any
	issues [][]Issue
	msgs   []string
}

func newBatchRun(s *Schema, batchSize, maxDetails int, sink Sink) *batchRun {
	// the batch buffer grows to batchSize on demand
	capHint := batchSize
	if capHint > DefaultBatchSize {
		capHint = DefaultBatchSize
	}
	run := &batchRun{
		schema:     s,
		sink:       sink,
		maxDetails: maxDetails,
		res:        &Result{Schema: s.Name, ErrorDetails: []ErrorDetail{}},
		batch:      make([]dataset.Record, 0, capHint),
		cols:       make([][]any, len(s.Fields)),
	}
	return run
}

func (b *batchRun) grow(n int) {
	if cap(b.issues) < n {
		b.issues = make([][]Issue, n)
		b.msgs = make([]string, n)
		for i := range b.cols {
			b.cols[i] = make([]any, n)
		}
	}
	b.issues = b.issues[:n]
	b.msgs = b.msgs[:n]
	for i := range b.issues {
		b.issues[i] = b.issues[i][:0]
	}
}

// fieldRejected reports whether row i already failed the field check of field.
func (b *batchRun) fieldRejected(i int, field string) bool {
	for _, is := range b.issues[i] {
		if is.Field != field {
			continue
		}
		switch is.Code {
		case CodeMissing, CodeNull, CodeType:
			return true
		}
	}
	return false
}

func (b *batchRun) process(base int64) error {
	n := len(b.batch)
	b.grow(n)

	// field checks, extracting one coerced column vector per field
	for fi, f := range b.schema.Fields {
		col := b.cols[fi][:n]
		for i, rec := range b.batch {
			raw, present := rec[f.Name]
			col[i] = nil
			switch {
			case !present:
				if f.Required {
					b.add(i, Issue{Field: f.Name, Code: CodeMissing, Message: "required field is missing", Severity: Critical})
				}
			case raw == nil:
				if !f.Nullable {
					b.add(i, Issue{Field: f.Name, Code: CodeNull, Message: "null value in non-nullable field", Severity: Critical})
				}
			default:
				val, ok := coerce(raw, f.Type)
				if !ok {
					b.add(i, Issue{Field: f.Name, Code: CodeType, Message: fmt.Sprintf("cannot read %v as %s", raw, f.Type), Severity: Critical})
					continue
				}
				col[i] = val
			}
		}
	}

	for _, r := range b.schema.rules {
		r.eval(b.cols, n, b.msgs)
		for i, msg := range b.msgs[:n] {
			// a value rejected by its field check is reported once
			if msg != "" && !b.fieldRejected(i, r.field) {
				b.add(i, Issue{Field: r.field, Code: r.name, Message: msg, Severity: r.severity})
			}
		}
	}

	res := b.res
	for i, rec := range b.batch {
		idx := base + int64(i)
		critical, warning := false, false
		for _, is := range b.issues[i] {
			if is.Severity == Critical {
				critical = true
			} else {
				warning = true
			}
			if len(res.ErrorDetails) < b.maxDetails {
				res.ErrorDetails = append(res.ErrorDetails, ErrorDetail{
					RowIndex: idx,
					Field:    is.Field,
					Code:     is.Code,
					Message:  is.Message,
					Severity: is.Severity,
				})
			} else {
				res.Truncated = true
			}
		}

		res.TotalRows++
		if critical {
			res.CriticalFailures++
			if b.sink != nil {
				// issues[i] is reused next batch
				issues := append([]Issue(nil), b.issues[i]...)
				if err := b.sink.Reject(idx, rec, issues); err != nil {
					return fmt.Errorf("rejecting row %d: %w", idx, err)
				}
			}
			continue
		}
		res.ValidRows++
		if warning {
			res.Warnings++
		}
		if b.sink != nil {
			if err := b.sink.Accept(rec); err != nil {
				return fmt.Errorf("accepting row %d: %w", idx, err)
			}
		}
	}

	for i := range b.batch {
		b.batch[i] = nil
	}
	return nil
}

func (b *batchRun) add(i int, is Issue) {
	b.issues[i] = append(b.issues[i], is)
}
