// Package warehouse loads validated artifacts into warehouse tables with
// delete-then-insert partition replacement.
//
// Database support is pluggable. Each driver lives in a sub-package that
// registers itself from init():
//
//	import _ "github.com/johndauphine/mdcore/internal/warehouse/postgres"
package warehouse

import (
	"context"
	"fmt"

	"github.com/johndauphine/mdcore/internal/config"
)

// Driver opens Writers for one database engine.
type Driver interface {
	// Name returns the primary driver name (e.g., "postgres", "mssql").
	Name() string

	// Aliases returns alternative names, e.g. "postgresql" and "pg".
	Aliases() []string

	// Dialect returns the SQL dialect for this database.
	Dialect() Dialect

	// Open connects and returns a Writer.
	Open(ctx context.Context, cfg OpenConfig) (Writer, error)
}

// OpenConfig holds the connection settings handed to a Driver.
type OpenConfig struct {
	DSN            string
	Schema         string
	MaxConnections int
}

// Partition statements. Implementations quote every identifier and bind the
// key as a parameter; callers still pass identifiers through an AllowList
// first.
type partitionOps interface {
	// DeletePartition removes all rows whose column equals key.
	DeletePartition(ctx context.Context, table, column string, key any) (int64, error)

	// InsertRows appends rows, each aligned with columns.
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
}

// Writer is a connection to a warehouse.
type Writer interface {
	partitionOps

	// CountRows counts rows of table; when column is non-empty only rows
	// whose column equals key are counted.
	CountRows(ctx context.Context, table, column string, key any) (int64, error)

	// Begin starts a transaction scoped to one partition replacement.
	Begin(ctx context.Context) (Tx, error)

	Dialect() Dialect
	Close() error
}

// Tx runs partition statements atomically.
type Tx interface {
	partitionOps
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Open connects to the warehouse described by cfg using a registered driver.
func Open(ctx context.Context, cfg *config.Config) (Writer, error) {
	d, err := Get(cfg.Warehouse.Type)
	if err != nil {
		return nil, err
	}
	w, err := d.Open(ctx, OpenConfig{
		DSN:            cfg.WarehouseDSN(),
		Schema:         cfg.Warehouse.Schema,
		MaxConnections: cfg.Warehouse.MaxConnections,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s warehouse: %w", d.Name(), err)
	}
	return w, nil
}
