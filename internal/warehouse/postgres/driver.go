// Package postgres registers the PostgreSQL warehouse driver, built on a
// pgx connection pool with binary COPY for inserts.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/johndauphine/mdcore/internal/logging"
	"github.com/johndauphine/mdcore/internal/warehouse"
)

func init() {
	warehouse.Register(&Driver{})
}

// Dialect implements warehouse.Dialect for PostgreSQL.
type Dialect struct{}

func (Dialect) Name() string { return "postgres" }

func (Dialect) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (Dialect) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

// Driver implements warehouse.Driver for PostgreSQL.
type Driver struct{}

func (d *Driver) Name() string { return "postgres" }

func (d *Driver) Aliases() []string { return []string{"postgresql", "pg"} }

func (d *Driver) Dialect() warehouse.Dialect { return Dialect{} }

func (d *Driver) Open(ctx context.Context, cfg warehouse.OpenConfig) (warehouse.Writer, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
		poolConfig.MinConns = int32(cfg.MaxConnections / 4)
	}
	if poolConfig.MinConns < 1 {
		poolConfig.MinConns = 1
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}
	logging.Info("Connected to PostgreSQL warehouse: %s:%d/%s", poolConfig.ConnConfig.Host, poolConfig.ConnConfig.Port, poolConfig.ConnConfig.Database)
	return &Writer{pool: pool, schema: schema}, nil
}

// pgExec is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgExec interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// Writer implements warehouse.Writer for PostgreSQL.
type Writer struct {
	pool   *pgxpool.Pool
	schema string
}

func (w *Writer) Dialect() warehouse.Dialect { return Dialect{} }

func (w *Writer) Close() error {
	w.pool.Close()
	return nil
}

func (w *Writer) DeletePartition(ctx context.Context, table, column string, key any) (int64, error) {
	return deletePartition(ctx, w.pool, w.schema, table, column, key)
}

func (w *Writer) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	return copyRows(ctx, w.pool, w.schema, table, columns, rows)
}

func (w *Writer) CountRows(ctx context.Context, table, column string, key any) (int64, error) {
	var args []any
	if column != "" {
		args = append(args, key)
	}
	var n int64
	err := w.pool.QueryRow(ctx, warehouse.CountSQL(Dialect{}, w.schema, table, column), args...).Scan(&n)
	return n, err
}

func (w *Writer) Begin(ctx context.Context) (warehouse.Tx, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx, schema: w.schema}, nil
}

func deletePartition(ctx context.Context, ex pgExec, schema, table, column string, key any) (int64, error) {
	tag, err := ex.Exec(ctx, warehouse.DeleteSQL(Dialect{}, schema, table, column), key)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// copyRows uses the binary COPY protocol; pgx.Identifier quotes each part.
func copyRows(ctx context.Context, ex pgExec, schema, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	return ex.CopyFrom(ctx, pgx.Identifier{schema, table}, columns, pgx.CopyFromRows(rows))
}

type pgTx struct {
	tx     pgx.Tx
	schema string
}

func (t *pgTx) DeletePartition(ctx context.Context, table, column string, key any) (int64, error) {
	return deletePartition(ctx, t.tx, t.schema, table, column, key)
}

func (t *pgTx) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	return copyRows(ctx, t.tx, t.schema, table, columns, rows)
}

func (t *pgTx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }

func (t *pgTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }
