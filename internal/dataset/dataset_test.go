package dataset

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVReader(t *testing.T) {
	in := "symbol,trade_date,close,volume\n" +
		"AAPL,2024-01-15,185.92,1000\n" +
		"MSFT,2024-01-15,,2000\n" +
		"GOOG,2024-01-15\n"

	r, err := NewCSVReader(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []string{"symbol", "trade_date", "close", "volume"}, r.Columns())

	recs, err := ReadAll(r)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, Record{"symbol": "AAPL", "trade_date": "2024-01-15", "close": "185.92", "volume": "1000"}, recs[0])

	v, present := recs[1]["close"]
	assert.True(t, present)
	assert.Nil(t, v, "empty cell is null")

	_, present = recs[2]["close"]
	assert.False(t, present, "short row leaves trailing fields missing")
}

func TestCSVReader_HeaderOnlyAndEmpty(t *testing.T) {
	r, err := NewCSVReader(strings.NewReader("a,b\n"))
	require.NoError(t, err)
	_, err = r.Next()
	assert.Equal(t, io.EOF, err)

	r, err = NewCSVReader(strings.NewReader(""))
	require.NoError(t, err)
	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestJSONLReader(t *testing.T) {
	in := `{"symbol":"AAPL","close":185.92,"volume":1000,"halted":false}
{"symbol":"MSFT","close":null}

{"symbol":"GOOG","volume":12}
`
	r := NewJSONLReader(strings.NewReader(in))
	recs, err := ReadAll(r)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, 185.92, recs[0]["close"])
	assert.Equal(t, int64(1000), recs[0]["volume"])
	assert.Equal(t, false, recs[0]["halted"])
	assert.Equal(t, []string{"close", "halted", "symbol", "volume"}, r.Columns())

	v, present := recs[1]["close"]
	assert.True(t, present)
	assert.Nil(t, v)
	_, present = recs[2]["close"]
	assert.False(t, present)
}

func TestJSONLReader_BadLine(t *testing.T) {
	r := NewJSONLReader(strings.NewReader("{\"a\":1}\n[1,2]\n"))
	_, err := r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	assert.ErrorContains(t, err, "record 2")
}

func TestJSONLWriter_Atomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clean", "ohlcv.jsonl")

	w, err := CreateJSONL(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(Record{"symbol": "AAPL", "close": 185.92}))
	require.NoError(t, w.Write(Record{"symbol": "MSFT", "close": 410.1}))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "artifact must not appear before commit")

	require.NoError(t, w.Commit())
	assert.Equal(t, int64(2), w.Rows())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"close\":185.92,\"symbol\":\"AAPL\"}\n{\"close\":410.1,\"symbol\":\"MSFT\"}\n", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file removed")

	recs, err := ReadAll(mustOpen(t, path))
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestJSONLWriter_Abort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	w, err := CreateJSONL(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(Record{"a": 1}))
	require.NoError(t, w.Abort())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCSVWriter_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clean", "daily.csv")

	w, err := CreateCSV(path, []string{"symbol", "close", "volume", "note"})
	require.NoError(t, err)
	require.NoError(t, w.Write(Record{"symbol": "AAPL, Inc", "close": 185.92, "volume": int64(1000), "note": nil}))
	require.NoError(t, w.Write(Record{"symbol": `say "hi"`, "volume": int64(5), "extra": "dropped"}))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "artifact must not appear before commit")
	require.NoError(t, w.Commit())
	assert.Equal(t, int64(2), w.Rows())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "symbol,close,volume,note\n\"AAPL, Inc\",185.92,1000,\n\"say \"\"hi\"\"\",,5,\n", string(data))

	recs, err := ReadAll(mustOpen(t, path))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, Record{"symbol": "AAPL, Inc", "close": "185.92", "volume": "1000", "note": nil}, recs[0])
	assert.Equal(t, Record{"symbol": `say "hi"`, "close": nil, "volume": "5", "note": nil}, recs[1])
}

func TestCSVWriter_HeaderFromFirstRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	w, err := CreateCSV(path, nil)
	require.NoError(t, err)
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, w.Write(Record{"trade_date": day, "halted": false, "symbol": "MSFT"}))
	require.NoError(t, w.Commit())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "halted,symbol,trade_date\nfalse,MSFT,2024-01-15T00:00:00Z\n", string(data))
}

func TestCreate_FormatFollowsExtension(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"a.csv", false},
		{"a.jsonl", false},
		{"a.NDJSON", false},
		{"a.json", false},
		{"a.parquet", true},
		{"a", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name)
			w, err := Create(path, []string{"symbol", "close"})
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedFormat)
				assert.ErrorIs(t, CheckWritable(path), ErrUnsupportedFormat)
				return
			}
			require.NoError(t, err)
			require.NoError(t, w.Write(Record{"symbol": "AAPL", "close": 185.5}))
			require.NoError(t, w.Commit())

			recs, err := ReadAll(mustOpen(t, path))
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, "AAPL", recs[0]["symbol"], "written format reads back")
		})
	}
}

type barRow struct {
	Symbol    string  `parquet:"symbol"`
	TradeDate string  `parquet:"trade_date"`
	Close     float64 `parquet:"close"`
	Volume    int64   `parquet:"volume"`
	Note      *string `parquet:"note,optional"`
}

func TestParquetReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bars.parquet")
	note := "split-adjusted"
	rows := []barRow{
		{Symbol: "AAPL", TradeDate: "2024-01-15", Close: 185.92, Volume: 1000, Note: &note},
		{Symbol: "MSFT", TradeDate: "2024-01-15", Close: 410.1, Volume: 2000},
	}
	require.NoError(t, parquet.WriteFile(path, rows))

	r := mustOpen(t, path)
	defer r.Close()
	assert.ElementsMatch(t, []string{"symbol", "trade_date", "close", "volume", "note"}, r.Columns())

	recs, err := ReadAll(r)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "AAPL", recs[0]["symbol"])
	assert.Equal(t, 185.92, recs[0]["close"])
	assert.Equal(t, int64(1000), recs[0]["volume"])
	assert.Equal(t, "split-adjusted", recs[0]["note"])
	assert.Nil(t, recs[1]["note"])
}

func TestOpen_UnsupportedFormat(t *testing.T) {
	_, err := Open("prices.xlsx")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestFileArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.csv")
	require.NoError(t, os.WriteFile(path, []byte("k\n1\n2\n"), 0644))

	var a Artifact = FileArtifact(path)
	assert.Equal(t, path, a.Location())
	for i := 0; i < 2; i++ {
		r, err := a.Open()
		require.NoError(t, err)
		recs, err := ReadAll(r)
		require.NoError(t, err)
		assert.Len(t, recs, 2, "artifacts are re-readable")
		r.Close()
	}
}

func mustOpen(t *testing.T, path string) Reader {
	t.Helper()
	r, err := Open(path)
	require.NoError(t, err)
	return r
}
