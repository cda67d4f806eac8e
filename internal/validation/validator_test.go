package validation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/johndauphine/mdcore/internal/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ohlcvSchemas = `
schemas:
  pair:
    fields:
      - {name: a, type: int}
      - {name: b, type: int}
  ohlcv_daily:
    fields:
      - {name: symbol, type: string}
      - {name: trade_date, type: date}
      - {name: open, type: float, nullable: true}
      - {name: high, type: float}
      - {name: low, type: float}
      - {name: volume, type: int, required: false, nullable: true}
      - {name: exchange, type: string, required: false}
    rules:
      - {name: high_gte_low, kind: compare, left: high, op: ">=", right: low}
      - {name: volume_non_negative, kind: range, field: volume, min: 0, severity: warning}
      - {name: known_exchange, kind: in, field: exchange, values: [NYSE, NASDAQ], severity: warning}
      - {name: symbol_format, kind: pattern, field: symbol, pattern: "^[A-Z.]{1,10}$"}
`

func mustRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := ParseRegistry([]byte(ohlcvSchemas))
	require.NoError(t, err)
	return reg
}

// pairRows builds n rows of {a, b} with b missing at the given indices.
func pairRows(n int, missingB ...int) []dataset.Record {
	skip := make(map[int]bool)
	for _, i := range missingB {
		skip[i] = true
	}
	recs := make([]dataset.Record, n)
	for i := range recs {
		recs[i] = dataset.Record{"a": int64(i)}
		if !skip[i] {
			recs[i]["b"] = int64(i * 2)
		}
	}
	return recs
}

func TestValidate_MissingFieldAcrossBatches(t *testing.T) {
	v := New(mustRegistry(t), Options{})

	res, err := v.Validate(dataset.FromRecords([]string{"a", "b"}, pairRows(12, 6, 11)), "pair", 5)
	require.NoError(t, err)

	assert.Equal(t, int64(12), res.TotalRows)
	assert.Equal(t, int64(2), res.CriticalFailures)
	assert.Equal(t, int64(10), res.ValidRows)
	assert.Equal(t, int64(0), res.Warnings)
	require.Len(t, res.ErrorDetails, 2)
	assert.Equal(t, int64(6), res.ErrorDetails[0].RowIndex)
	assert.Equal(t, int64(11), res.ErrorDetails[1].RowIndex)
	assert.Equal(t, "b", res.ErrorDetails[0].Field)
	assert.Equal(t, CodeMissing, res.ErrorDetails[0].Code)
	assert.InDelta(t, 2.0/12.0, res.FailureRate(), 1e-9)
}

func TestValidate_NotNullRuleSkipsRejectedValues(t *testing.T) {
	reg, err := ParseRegistry([]byte(`
schemas:
  quotes:
    fields:
      - {name: symbol, type: string}
      - {name: bid, type: float, nullable: true}
      - {name: ask, type: float}
    rules:
      - {name: bid_present, kind: not_null, field: bid}
      - {name: ask_present, kind: not_null, field: ask}
`))
	require.NoError(t, err)

	recs := []dataset.Record{
		{"symbol": "AAPL", "bid": 185.0, "ask": 185.1},
		{"symbol": "MSFT", "bid": "n/a", "ask": 410.2},
		{"symbol": "GOOG", "bid": nil, "ask": 140.3},
		{"symbol": "NVDA", "bid": 550.0, "ask": nil},
	}
	res, err := New(reg, Options{}).Validate(dataset.FromRecords(nil, recs), "quotes", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.CriticalFailures)

	got := make([]string, 0, len(res.ErrorDetails))
	for _, d := range res.ErrorDetails {
		got = append(got, fmt.Sprintf("%d:%s:%s", d.RowIndex, d.Field, d.Code))
	}
	assert.Equal(t, []string{
		"1:bid:" + CodeType,
		"2:bid:bid_present",
		"3:ask:" + CodeNull,
	}, got, "one issue per rejected value")
}

func TestValidate_BatchSizeInvariance(t *testing.T) {
	reg := mustRegistry(t)
	recs := ohlcvFixture()

	var want *Result
	for _, size := range []int{1, 2, 3, 7, len(recs), 1000} {
		t.Run(fmt.Sprintf("batch_%d", size), func(t *testing.T) {
			res, err := New(reg, Options{}).Validate(dataset.FromRecords(nil, recs), "ohlcv_daily", size)
			require.NoError(t, err)
			res.Duration = 0
			if want == nil {
				want = res
				return
			}
			assert.Equal(t, want, res)
		})
	}
}

func ohlcvFixture() []dataset.Record {
	return []dataset.Record{
		{"symbol": "AAPL", "trade_date": "2024-01-15", "open": 185.1, "high": 186.4, "low": 183.9, "volume": int64(1000), "exchange": "NASDAQ"},
		{"symbol": "MSFT", "trade_date": "2024-01-15", "open": nil, "high": "410.2", "low": "401.0"},
		{"symbol": "BAD", "trade_date": "2024-01-15", "open": 1.0, "high": 1.0, "low": 2.0},                    // high < low
		{"symbol": "IBM", "trade_date": "2024-01-15", "open": 1.0, "high": 2.0, "low": 1.0, "volume": int64(-5)}, // warning
		{"symbol": "lower", "trade_date": "2024-01-15", "open": 1.0, "high": 2.0, "low": 1.0},                    // pattern
		{"symbol": "GE", "trade_date": "15/01/2024", "open": 1.0, "high": 2.0, "low": 1.0},                       // bad date
		{"symbol": "F", "trade_date": "2024-01-15", "open": 1.0, "high": 2.0, "low": 1.0, "exchange": "LSE"},   // warning
		{"symbol": "T", "trade_date": nil, "open": 1.0, "high": 2.0, "low": 1.0},                                 // null
		{"symbol": "GM", "trade_date": "2024-01-15", "open": 1.0, "high": 2.0, "low": 1.0, "volume": nil},       // nullable
	}
}

func TestValidate_RulesAndSeverity(t *testing.T) {
	v := New(mustRegistry(t), Options{})
	res, err := v.Validate(dataset.FromRecords(nil, ohlcvFixture()), "ohlcv_daily", 4)
	require.NoError(t, err)

	assert.Equal(t, int64(9), res.TotalRows)
	assert.Equal(t, int64(4), res.CriticalFailures, "high<low, pattern, bad date, null date")
	assert.Equal(t, int64(5), res.ValidRows)
	assert.Equal(t, int64(2), res.Warnings, "negative volume, unknown exchange")
	assert.Equal(t, res.TotalRows, res.ValidRows+res.CriticalFailures)

	byRow := make(map[int64][]string)
	for _, d := range res.ErrorDetails {
		byRow[d.RowIndex] = append(byRow[d.RowIndex], d.Code)
	}
	assert.Equal(t, []string{"high_gte_low"}, byRow[2])
	assert.Equal(t, []string{"volume_non_negative"}, byRow[3])
	assert.Equal(t, []string{"symbol_format"}, byRow[4])
	assert.Equal(t, []string{CodeType}, byRow[5])
	assert.Equal(t, []string{"known_exchange"}, byRow[6])
	assert.Equal(t, []string{CodeNull}, byRow[7])
	assert.NotContains(t, byRow, int64(0))
	assert.NotContains(t, byRow, int64(1))
	assert.NotContains(t, byRow, int64(8))
}

func TestValidate_EmptyDataset(t *testing.T) {
	res, err := New(mustRegistry(t), Options{}).Validate(dataset.FromRecords(nil, nil), "pair", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.TotalRows)
	assert.Equal(t, int64(0), res.ValidRows)
	assert.Equal(t, int64(0), res.CriticalFailures)
	assert.Empty(t, res.ErrorDetails)
	assert.Equal(t, 0.0, res.FailureRate())
}

func TestValidate_UnknownSchemaAndBadBatchSize(t *testing.T) {
	v := New(mustRegistry(t), Options{})

	_, err := v.Validate(dataset.FromRecords(nil, nil), "nope", 10)
	var cfgErr *SchemaConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "nope", cfgErr.Schema)

	_, err = v.Validate(dataset.FromRecords(nil, nil), "pair", 0)
	assert.True(t, errors.As(err, &cfgErr))
}

func TestValidate_DetailsCapped(t *testing.T) {
	missing := make([]int, 0, 50)
	for i := 0; i < 50; i++ {
		missing = append(missing, i)
	}
	v := New(mustRegistry(t), Options{MaxErrorDetails: 10})
	res, err := v.Validate(dataset.FromRecords(nil, pairRows(50, missing...)), "pair", 7)
	require.NoError(t, err)

	assert.Equal(t, int64(50), res.CriticalFailures, "counts stay exact")
	assert.Len(t, res.ErrorDetails, 10)
	assert.True(t, res.Truncated)
	assert.Equal(t, int64(9), res.ErrorDetails[9].RowIndex)
}

type readErrReader struct {
	n int
}

func (r *readErrReader) Columns() []string { return nil }
func (r *readErrReader) Close() error      { return nil }
func (r *readErrReader) Next() (dataset.Record, error) {
	if r.n == 3 {
		return nil, errors.New("disk gone")
	}
	r.n++
	return dataset.Record{"a": int64(1), "b": int64(2)}, nil
}

func TestValidate_ReaderError(t *testing.T) {
	_, err := New(mustRegistry(t), Options{}).Validate(&readErrReader{}, "pair", 2)
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk gone")
	var cfgErr *SchemaConfigError
	assert.False(t, errors.As(err, &cfgErr), "I/O errors are not schema errors")
}

type recordingSink struct {
	accepted []dataset.Record
	rejected []int64
}

func (s *recordingSink) Accept(rec dataset.Record) error {
	s.accepted = append(s.accepted, rec)
	return nil
}

func (s *recordingSink) Reject(index int64, _ dataset.Record, issues []Issue) error {
	s.rejected = append(s.rejected, index)
	return nil
}

func TestValidate_SinkAndProgress(t *testing.T) {
	sink := &recordingSink{}
	var progress []int64
	v := New(mustRegistry(t), Options{Sink: sink, Progress: func(n int64) { progress = append(progress, n) }})

	res, err := v.Validate(dataset.FromRecords(nil, pairRows(12, 6, 11)), "pair", 5)
	require.NoError(t, err)

	assert.Equal(t, []int64{6, 11}, sink.rejected)
	assert.Len(t, sink.accepted, int(res.ValidRows))
	assert.Equal(t, []int64{5, 10, 12}, progress)
}

func TestQuarantineAndArtifactSinks(t *testing.T) {
	dir := t.TempDir()
	q, err := NewQuarantineWriter(filepath.Join(dir, "quarantine", "job.jsonl"))
	require.NoError(t, err)
	clean, err := NewArtifactSink(filepath.Join(dir, "clean.jsonl"), nil)
	require.NoError(t, err)

	v := New(mustRegistry(t), Options{})
	res, err := v.ValidateTo(dataset.FromRecords(nil, pairRows(12, 6, 11)), "pair", 5, MultiSink{clean, q})
	require.NoError(t, err)
	require.NoError(t, q.Commit())
	require.NoError(t, clean.Commit())

	assert.Equal(t, res.CriticalFailures, q.Rows())
	assert.Equal(t, res.ValidRows, clean.Rows())

	r, err := dataset.Open(q.Path())
	require.NoError(t, err)
	defer r.Close()
	recs, err := dataset.ReadAll(r)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(6), recs[0]["row_index"])
	assert.Equal(t, []any{CodeMissing}, recs[0]["reason_codes"])
	assert.Equal(t, map[string]any{"a": int64(6)}, recs[0]["record"])
	assert.Equal(t, int64(11), recs[1]["row_index"])

	data, err := os.ReadFile(clean.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"a":6,`)
}
