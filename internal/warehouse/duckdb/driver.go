// Package duckdb registers the DuckDB warehouse driver.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/johndauphine/mdcore/internal/logging"
	"github.com/johndauphine/mdcore/internal/warehouse"
)

// DuckDB binds far more parameters than SQLite; this keeps statements small
// enough to plan quickly.
const maxParams = 8192

func init() {
	warehouse.Register(&Driver{})
}

// Driver implements warehouse.Driver for DuckDB database files.
type Driver struct{}

func (d *Driver) Name() string { return "duckdb" }

func (d *Driver) Aliases() []string { return nil }

func (d *Driver) Dialect() warehouse.Dialect { return warehouse.ANSIDialect{DBName: "duckdb"} }

// Open opens the DuckDB file named by cfg.DSN; an empty DSN is in-memory.
func (d *Driver) Open(ctx context.Context, cfg warehouse.OpenConfig) (warehouse.Writer, error) {
	db, err := sql.Open("duckdb", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging duckdb: %w", err)
	}

	schema := cfg.Schema
	if schema != "" {
		if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+d.Dialect().QuoteIdentifier(schema)); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema %s: %w", schema, err)
		}
	}

	logging.Info("Connected to DuckDB warehouse: %s", cfg.DSN)
	return warehouse.NewSQLWriter(db, d.Dialect(), schema, warehouse.SQLOptions{MaxParams: maxParams}), nil
}
