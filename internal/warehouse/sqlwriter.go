package warehouse

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/johndauphine/mdcore/internal/logging"
)

// DefaultMaxParams keeps multi-row INSERTs under SQLite's historical bind
// limit.
const DefaultMaxParams = 999

// BulkInsertFunc loads rows inside tx with an engine-specific bulk path.
// table is already qualified and quoted.
type BulkInsertFunc func(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) (int64, error)

// SQLOptions tunes an SQLWriter.
type SQLOptions struct {
	MaxParams  int
	BulkInsert BulkInsertFunc
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLWriter is a Writer over database/sql. Drivers without a native bulk
// path insert with parameterized multi-row INSERT statements.
type SQLWriter struct {
	db      *sql.DB
	dialect Dialect
	schema  string
	opts    SQLOptions
}

// NewSQLWriter wraps an open database handle.
func NewSQLWriter(db *sql.DB, dialect Dialect, schema string, opts SQLOptions) *SQLWriter {
	if opts.MaxParams <= 0 {
		opts.MaxParams = DefaultMaxParams
	}
	return &SQLWriter{db: db, dialect: dialect, schema: schema, opts: opts}
}

// DB exposes the underlying handle.
func (w *SQLWriter) DB() *sql.DB { return w.db }

func (w *SQLWriter) Dialect() Dialect { return w.dialect }

func (w *SQLWriter) Close() error { return w.db.Close() }

func (w *SQLWriter) DeletePartition(ctx context.Context, table, column string, key any) (int64, error) {
	return w.deletePartition(ctx, w.db, table, column, key)
}

func (w *SQLWriter) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if w.opts.BulkInsert == nil {
		return w.insertValues(ctx, w.db, table, columns, rows)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	n, err := w.opts.BulkInsert(ctx, tx, QualifyTable(w.dialect, w.schema, table), columns, rows)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (w *SQLWriter) CountRows(ctx context.Context, table, column string, key any) (int64, error) {
	var args []any
	if column != "" {
		args = append(args, key)
	}
	var n int64
	err := w.db.QueryRowContext(ctx, CountSQL(w.dialect, w.schema, table, column), args...).Scan(&n)
	return n, err
}

func (w *SQLWriter) Begin(ctx context.Context) (Tx, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx, w: w}, nil
}

func (w *SQLWriter) deletePartition(ctx context.Context, ex execer, table, column string, key any) (int64, error) {
	res, err := ex.ExecContext(ctx, DeleteSQL(w.dialect, w.schema, table, column), key)
	if err != nil {
		return 0, err
	}
	// the delete went through; only the manifest count is lost
	n, err := res.RowsAffected()
	if err != nil {
		logging.Warn("Deleted %s %s=%v but the driver reported no row count: %v", table, column, key, err)
		return 0, nil
	}
	return n, nil
}

func (w *SQLWriter) insertValues(ctx context.Context, ex execer, table string, columns []string, rows [][]any) (int64, error) {
	if len(columns) == 0 {
		return 0, fmt.Errorf("insert into %s: no columns", table)
	}
	perStmt := w.opts.MaxParams / len(columns)
	if perStmt < 1 {
		perStmt = 1
	}

	var total int64
	args := make([]any, 0, perStmt*len(columns))
	for start := 0; start < len(rows); start += perStmt {
		end := start + perStmt
		if end > len(rows) {
			end = len(rows)
		}
		args = args[:0]
		for _, row := range rows[start:end] {
			args = append(args, row...)
		}
		q := InsertSQL(w.dialect, w.schema, table, columns, end-start)
		if _, err := ex.ExecContext(ctx, q, args...); err != nil {
			return total, err
		}
		total += int64(end - start)
	}
	return total, nil
}

type sqlTx struct {
	tx *sql.Tx
	w  *SQLWriter
}

func (t *sqlTx) DeletePartition(ctx context.Context, table, column string, key any) (int64, error) {
	return t.w.deletePartition(ctx, t.tx, table, column, key)
}

func (t *sqlTx) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if t.w.opts.BulkInsert != nil {
		return t.w.opts.BulkInsert(ctx, t.tx, QualifyTable(t.w.dialect, t.w.schema, table), columns, rows)
	}
	return t.w.insertValues(ctx, t.tx, table, columns, rows)
}

func (t *sqlTx) Commit(context.Context) error { return t.tx.Commit() }

func (t *sqlTx) Rollback(context.Context) error { return t.tx.Rollback() }
