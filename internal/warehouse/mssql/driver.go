// Package mssql registers the SQL Server warehouse driver.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/mdcore/internal/logging"
	"github.com/johndauphine/mdcore/internal/warehouse"
	mssql "github.com/microsoft/go-mssqldb"
)

func init() {
	warehouse.Register(&Driver{})
}

// Dialect implements warehouse.Dialect for SQL Server.
type Dialect struct{}

func (Dialect) Name() string { return "mssql" }

func (Dialect) QuoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (Dialect) Placeholder(index int) string {
	return fmt.Sprintf("@p%d", index)
}

// Driver implements warehouse.Driver for SQL Server.
type Driver struct{}

func (d *Driver) Name() string { return "mssql" }

func (d *Driver) Aliases() []string { return []string{"sqlserver"} }

func (d *Driver) Dialect() warehouse.Dialect { return Dialect{} }

func (d *Driver) Open(ctx context.Context, cfg warehouse.OpenConfig) (warehouse.Writer, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}

	maxConns := cfg.MaxConnections
	if maxConns < 1 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 4)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	schema := cfg.Schema
	if schema == "" {
		schema = "dbo"
	}
	logging.Info("Connected to MSSQL warehouse (schema %s)", schema)
	return warehouse.NewSQLWriter(db, Dialect{}, schema, warehouse.SQLOptions{
		MaxParams:  2000, // SQL Server allows 2100 parameters per request
		BulkInsert: bulkInsert,
	}), nil
}

// bulkInsert streams rows over the TDS bulk copy protocol.
func bulkInsert(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) (int64, error) {
	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(table, mssql.BulkOptions{
		RowsPerBatch: len(rows),
	}, columns...))
	if err != nil {
		return 0, fmt.Errorf("preparing bulk copy: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return 0, err
		}
	}

	res, err := stmt.ExecContext(ctx)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return int64(len(rows)), nil
	}
	return n, nil
}
