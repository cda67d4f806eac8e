package duckdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/johndauphine/mdcore/internal/config"
	"github.com/johndauphine/mdcore/internal/dataset"
	"github.com/johndauphine/mdcore/internal/warehouse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadIntoDuckDB(t *testing.T) {
	ctx := context.Background()
	w, err := (&Driver{}).Open(ctx, warehouse.OpenConfig{DSN: filepath.Join(t.TempDir(), "wh.duckdb"), Schema: "market"})
	require.NoError(t, err)
	defer w.Close()

	sw := w.(*warehouse.SQLWriter)
	_, err = sw.DB().Exec(`CREATE TABLE market.bars (symbol VARCHAR, trade_date VARCHAR, close DOUBLE)`)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "bars.jsonl")
	out, err := dataset.CreateJSONL(path)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, out.Write(dataset.Record{"symbol": "AAPL", "trade_date": "2024-01-15", "close": float64(i)}))
	}
	require.NoError(t, out.Commit())

	allow, err := warehouse.NewAllowList(map[string]config.TableConfig{"bars": {PartitionColumns: []string{"trade_date"}}})
	require.NoError(t, err)
	loader := warehouse.NewLoader(w, allow, warehouse.LoaderOptions{Transactional: true})

	for i := 0; i < 2; i++ {
		m, err := loader.Load(ctx, dataset.FileArtifact(path), "bars", "trade_date")
		require.NoError(t, err)
		assert.Equal(t, int64(20), m.RowsInserted)
	}
	n, err := w.CountRows(ctx, "bars", "trade_date", "2024-01-15")
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)
}
