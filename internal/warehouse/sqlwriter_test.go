package warehouse

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/johndauphine/mdcore/internal/logging"
)

type noCountResult struct{}

func (noCountResult) LastInsertId() (int64, error) { return 0, errors.New("not supported") }
func (noCountResult) RowsAffected() (int64, error) {
	return 0, errors.New("rows affected not supported by driver")
}

type recordingExecer struct {
	query string
	args  []any
}

func (e *recordingExecer) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	e.query, e.args = query, args
	return noCountResult{}, nil
}

func TestDeletePartition_RowCountUnavailable(t *testing.T) {
	var buf bytes.Buffer
	logging.SetOutput(&buf)
	logging.SetLevel(logging.LevelInfo)
	defer logging.SetOutput(nil)

	w := &SQLWriter{dialect: ANSIDialect{DBName: "sqlite"}}
	ex := &recordingExecer{}
	n, err := w.deletePartition(context.Background(), ex, "bars", "trade_date", "2024-01-15")
	if err != nil {
		t.Fatalf("deletePartition: %v", err)
	}
	if n != 0 {
		t.Errorf("deleted = %d, want 0", n)
	}
	if !strings.HasPrefix(ex.query, "DELETE FROM") || len(ex.args) != 1 {
		t.Errorf("unexpected statement %q %v", ex.query, ex.args)
	}
	if !strings.Contains(buf.String(), "rows affected not supported by driver") {
		t.Errorf("missing row count warning in log: %q", buf.String())
	}
}
