// Package sqlite registers the embedded SQLite warehouse driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/johndauphine/mdcore/internal/logging"
	"github.com/johndauphine/mdcore/internal/warehouse"
	_ "modernc.org/sqlite"
)

func init() {
	warehouse.Register(&Driver{})
}

// Driver implements warehouse.Driver for SQLite files.
type Driver struct{}

func (d *Driver) Name() string { return "sqlite" }

func (d *Driver) Aliases() []string { return []string{"sqlite3"} }

func (d *Driver) Dialect() warehouse.Dialect { return warehouse.ANSIDialect{DBName: "sqlite"} }

// Open opens the database file named by cfg.DSN. SQLite has no schemas, so
// cfg.Schema is ignored.
func (d *Driver) Open(ctx context.Context, cfg warehouse.OpenConfig) (warehouse.Writer, error) {
	dsn := cfg.DSN
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// one writer at a time avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}
	logging.Info("Connected to SQLite warehouse: %s", cfg.DSN)
	return warehouse.NewSQLWriter(db, d.Dialect(), "", warehouse.SQLOptions{}), nil
}
