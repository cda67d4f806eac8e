package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLBackend stores markers in a completion_markers table. It works with the
// embedded SQLite driver and with PostgreSQL through lib/pq.
type SQLBackend struct {
	db     *sql.DB
	driver string
}

// OpenSQLite opens (or creates) markers.db under dataDir.
func OpenSQLite(dataDir string) (*SQLBackend, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "markers.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return NewSQLBackend(db, "sqlite")
}

// OpenPostgres connects to a PostgreSQL marker store.
func OpenPostgres(ctx context.Context, dsn string) (*SQLBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to marker store: %w", err)
	}
	return NewSQLBackend(db, "postgres")
}

// NewSQLBackend wraps an open database and creates the marker table if needed.
// driver is "sqlite" or "postgres".
func NewSQLBackend(db *sql.DB, driver string) (*SQLBackend, error) {
	b := &SQLBackend{db: db, driver: driver}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return b, nil
}

func (b *SQLBackend) migrate() error {
	_, err := b.db.Exec(`
	CREATE TABLE IF NOT EXISTS completion_markers (
		output_target TEXT NOT NULL,
		task_key TEXT NOT NULL,
		row_count BIGINT NOT NULL,
		content_hash TEXT NOT NULL,
		created_at TEXT NOT NULL,
		metadata TEXT,
		PRIMARY KEY (output_target, task_key)
	)`)
	return err
}

// rebind rewrites ? placeholders as $n for PostgreSQL.
func (b *SQLBackend) rebind(query string) string {
	if b.driver != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Get returns the marker for (target, taskKey) or nil if none exists.
func (b *SQLBackend) Get(ctx context.Context, target, taskKey string) (*Marker, error) {
	row := b.db.QueryRowContext(ctx, b.rebind(`
		SELECT output_target, task_key, row_count, content_hash, created_at, metadata
		FROM completion_markers WHERE output_target = ? AND task_key = ?`), target, taskKey)

	m, err := scanMarker(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarker(row rowScanner) (*Marker, error) {
	var m Marker
	var createdAt string
	var metadata sql.NullString
	if err := row.Scan(&m.OutputTarget, &m.TaskKey, &m.RowCount, &m.ContentHash, &createdAt, &metadata); err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("%w: created_at %q: %v", ErrCorruptMarker, createdAt, err)
	}
	m.Timestamp = ts
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrCorruptMarker, err)
		}
	}
	return &m, nil
}

// Put inserts or replaces the marker for its key.
func (b *SQLBackend) Put(ctx context.Context, m *Marker) error {
	var metadata []byte
	if len(m.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(m.Metadata); err != nil {
			return fmt.Errorf("marshaling metadata: %w", err)
		}
	}
	_, err := b.db.ExecContext(ctx, b.rebind(`
		INSERT INTO completion_markers (output_target, task_key, row_count, content_hash, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(output_target, task_key) DO UPDATE SET
			row_count = excluded.row_count,
			content_hash = excluded.content_hash,
			created_at = excluded.created_at,
			metadata = excluded.metadata`),
		m.OutputTarget, m.TaskKey, m.RowCount, m.ContentHash,
		m.Timestamp.UTC().Format(time.RFC3339Nano), string(metadata))
	if err != nil {
		return fmt.Errorf("saving marker: %w", err)
	}
	return nil
}

// Delete removes the marker for (target, taskKey).
func (b *SQLBackend) Delete(ctx context.Context, target, taskKey string) error {
	_, err := b.db.ExecContext(ctx, b.rebind(
		`DELETE FROM completion_markers WHERE output_target = ? AND task_key = ?`), target, taskKey)
	if err != nil {
		return fmt.Errorf("deleting marker: %w", err)
	}
	return nil
}

// List returns all markers for target ordered by task key.
func (b *SQLBackend) List(ctx context.Context, target string) ([]Marker, error) {
	rows, err := b.db.QueryContext(ctx, b.rebind(`
		SELECT output_target, task_key, row_count, content_hash, created_at, metadata
		FROM completion_markers WHERE output_target = ? ORDER BY task_key`), target)
	if err != nil {
		return nil, fmt.Errorf("listing markers: %w", err)
	}
	defer rows.Close()

	var markers []Marker
	for rows.Next() {
		m, err := scanMarker(rows)
		if err != nil {
			return nil, err
		}
		markers = append(markers, *m)
	}
	return markers, rows.Err()
}

// Close closes the database.
func (b *SQLBackend) Close() error {
	return b.db.Close()
}
