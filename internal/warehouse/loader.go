package warehouse

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/johndauphine/mdcore/internal/dataset"
	"github.com/johndauphine/mdcore/internal/idempotency"
	"github.com/johndauphine/mdcore/internal/logging"
)

const DefaultInsertBatchSize = 5000

// Status is the outcome of one Load.
type Status string

const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Manifest describes what a Load did.
type Manifest struct {
	RunID                 string        `json:"run_id"`
	Table                 string        `json:"table"`
	PartitionColumn       string        `json:"partition_column"`
	Artifact              string        `json:"artifact"`
	PartitionKeysAffected []string      `json:"partition_keys_affected"`
	RowsDeleted           int64         `json:"rows_deleted"`
	RowsInserted          int64         `json:"rows_inserted"`
	Status                Status        `json:"status"`
	StartedAt             time.Time     `json:"started_at"`
	Duration              time.Duration `json:"duration"`
}

// LoadError wraps a warehouse failure. Loads are idempotent, so a LoadError
// is safe to retry.
type LoadError struct {
	Table string
	Key   string
	Op    string // read, extract, begin, delete, insert, commit
	Err   error
}

func (e *LoadError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("load %s: %s: %v", e.Table, e.Op, e.Err)
	}
	return fmt.Sprintf("load %s key %s: %s: %v", e.Table, e.Key, e.Op, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// LoadObserver is told about every finished Load, including skipped and
// failed ones.
type LoadObserver interface {
	LoadFinished(m *Manifest, err error)
}

// LoadObservers fans a finished load out to each observer in order.
type LoadObservers []LoadObserver

func (o LoadObservers) LoadFinished(m *Manifest, err error) {
	for _, obs := range o {
		obs.LoadFinished(m, err)
	}
}

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	InsertBatchSize int

	// Transactional runs each key's delete and insert in one transaction.
	// Without it a reader may briefly observe a key with no rows.
	Transactional bool

	Markers  *idempotency.Store
	Observer LoadObserver
	Clock    func() time.Time
}

// Loader replaces warehouse partitions with the contents of artifacts.
type Loader struct {
	writer Writer
	allow  *AllowList
	opts   LoaderOptions
}

// NewLoader creates a Loader writing through w. Only tables, columns and
// keys accepted by allow are ever sent to the warehouse.
func NewLoader(w Writer, allow *AllowList, opts LoaderOptions) *Loader {
	if opts.InsertBatchSize <= 0 {
		opts.InsertBatchSize = DefaultInsertBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Loader{writer: w, allow: allow, opts: opts}
}

// TaskKey is the completion marker key of loads into table.
func TaskKey(table string) string {
	return "load." + table
}

type partitionKey struct {
	str   string
	value any
}

// Load replaces every partition present in artifact. The artifact is read
// once to collect and validate keys, then once per key to insert its rows,
// so memory stays bounded by InsertBatchSize.
func (l *Loader) Load(ctx context.Context, artifact dataset.Artifact, table, partitionColumn string) (m *Manifest, err error) {
	start := l.opts.Clock()
	m = &Manifest{
		RunID:                 uuid.NewString(),
		Table:                 table,
		PartitionColumn:       partitionColumn,
		Artifact:              artifact.Location(),
		PartitionKeysAffected: []string{},
		Status:                StatusFailed,
		StartedAt:             start,
	}
	defer func() {
		m.Duration = l.opts.Clock().Sub(start)
		if err != nil {
			logging.Error("Load %s from %s failed: %v", table, artifact.Location(), err)
		}
		if l.opts.Observer != nil {
			l.opts.Observer.LoadFinished(m, err)
		}
	}()

	if err := l.allow.CheckTarget(table, partitionColumn); err != nil {
		return m, err
	}

	taskKey := TaskKey(table)
	if l.opts.Markers != nil && l.opts.Markers.IsCompleted(ctx, artifact.Location(), taskKey) {
		m.Status = StatusSkipped
		logging.Info("Skipping load of %s into %s: already completed", artifact.Location(), table)
		return m, nil
	}

	keys, columns, err := l.scan(ctx, artifact, table, partitionColumn)
	if err != nil {
		return m, err
	}

	for _, k := range keys {
		deleted, inserted, err := l.replace(ctx, artifact, table, partitionColumn, columns, k)
		m.RowsDeleted += deleted
		m.RowsInserted += inserted
		if err != nil {
			return m, err
		}
		m.PartitionKeysAffected = append(m.PartitionKeysAffected, k.str)
		logging.Debug("Replaced %s %s=%s: -%d +%d", table, partitionColumn, k.str, deleted, inserted)
	}
	m.Status = StatusSuccess

	if l.opts.Markers != nil {
		meta := map[string]string{
			"table":            table,
			"partition_column": partitionColumn,
			"partition_keys":   strings.Join(m.PartitionKeysAffected, ","),
			"run_id":           m.RunID,
		}
		// the load already happened; a missing marker only costs a rerun
		if _, err := l.opts.Markers.MarkCompleted(ctx, artifact.Location(), taskKey, m.RowsInserted, meta); err != nil {
			logging.Warn("Could not record load marker for %s: %v", artifact.Location(), err)
		}
	}

	logging.Info("Loaded %s into %s: %d keys, %d rows deleted, %d rows inserted",
		artifact.Location(), table, len(m.PartitionKeysAffected), m.RowsDeleted, m.RowsInserted)
	return m, nil
}

// scan collects the distinct partition keys and the union of columns, and
// validates all of them before any statement runs.
func (l *Loader) scan(ctx context.Context, artifact dataset.Artifact, table, partitionColumn string) ([]partitionKey, []string, error) {
	r, err := artifact.Open()
	if err != nil {
		return nil, nil, &LoadError{Table: table, Op: "read", Err: err}
	}
	defer r.Close()

	seen := make(map[string]any)
	colSet := make(map[string]bool)
	for row := int64(0); ; row++ {
		if row%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
		}
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, &LoadError{Table: table, Op: "read", Err: err}
		}

		v, ok := rec[partitionColumn]
		if !ok || v == nil {
			return nil, nil, &LoadError{Table: table, Op: "extract",
				Err: fmt.Errorf("row %d has no value for partition column %s", row, partitionColumn)}
		}
		str, bind, err := l.allow.CheckKey(table, v)
		if err != nil {
			return nil, nil, err
		}
		if _, dup := seen[str]; !dup {
			seen[str] = bind
		}
		for c := range rec {
			colSet[c] = true
		}
	}

	columns := orderColumns(r.Columns(), colSet)
	if err := l.allow.CheckColumns(table, columns); err != nil {
		return nil, nil, err
	}

	keys := make([]partitionKey, 0, len(seen))
	for s, v := range seen {
		keys = append(keys, partitionKey{str: s, value: v})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].str < keys[j].str })
	return keys, columns, nil
}

// orderColumns keeps the reader's column order and appends any other
// columns seen, sorted.
func orderColumns(declared []string, seen map[string]bool) []string {
	cols := make([]string, 0, len(seen))
	used := make(map[string]bool, len(seen))
	for _, c := range declared {
		if seen[c] && !used[c] {
			cols = append(cols, c)
			used[c] = true
		}
	}
	var extra []string
	for c := range seen {
		if !used[c] {
			extra = append(extra, c)
		}
	}
	sort.Strings(extra)
	return append(cols, extra...)
}

func (l *Loader) replace(ctx context.Context, artifact dataset.Artifact, table, column string, columns []string, key partitionKey) (deleted, inserted int64, err error) {
	var ops partitionOps = l.writer
	if l.opts.Transactional {
		tx, berr := l.writer.Begin(ctx)
		if berr != nil {
			return 0, 0, &LoadError{Table: table, Key: key.str, Op: "begin", Err: berr}
		}
		defer func() {
			if err != nil {
				tx.Rollback(context.WithoutCancel(ctx))
			}
		}()
		ops = tx
		defer func() {
			if err == nil {
				if cerr := tx.Commit(ctx); cerr != nil {
					deleted, inserted = 0, 0
					err = &LoadError{Table: table, Key: key.str, Op: "commit", Err: cerr}
				}
			}
		}()
	}

	deleted, err = ops.DeletePartition(ctx, table, column, key.value)
	if err != nil {
		return 0, 0, &LoadError{Table: table, Key: key.str, Op: "delete", Err: err}
	}

	inserted, err = l.insertKey(ctx, ops, artifact, table, column, columns, key)
	if err != nil {
		return deleted, inserted, err
	}
	return deleted, inserted, nil
}

func (l *Loader) insertKey(ctx context.Context, ops partitionOps, artifact dataset.Artifact, table, column string, columns []string, key partitionKey) (int64, error) {
	r, err := artifact.Open()
	if err != nil {
		return 0, &LoadError{Table: table, Key: key.str, Op: "read", Err: err}
	}
	defer r.Close()

	keyIdx := indexOf(columns, column)
	var inserted int64
	chunk := make([][]any, 0, l.opts.InsertBatchSize)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := ops.InsertRows(ctx, table, columns, chunk)
		if err != nil {
			return &LoadError{Table: table, Key: key.str, Op: "insert", Err: err}
		}
		inserted += n
		chunk = chunk[:0]
		return nil
	}

	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return inserted, &LoadError{Table: table, Key: key.str, Op: "read", Err: err}
		}
		if keyString(rec[column]) != key.str {
			continue
		}
		row := make([]any, len(columns))
		for i, c := range columns {
			row[i] = rec[c]
		}
		row[keyIdx] = key.value
		chunk = append(chunk, row)
		if len(chunk) >= l.opts.InsertBatchSize {
			if err := flush(); err != nil {
				return inserted, err
			}
		}
	}
	if err := flush(); err != nil {
		return inserted, err
	}
	return inserted, nil
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
