package dataset

import (
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
)

const parquetReadAhead = 256

type parquetReader struct {
	f       *os.File
	cols    []string
	groups  []parquet.RowGroup
	next    int
	rows    parquet.Rows
	drained bool
	buf     []parquet.Row
	pos, n  int
}

// OpenParquet streams a flat Parquet file row group by row group. Nested
// columns are keyed by their leaf name.
func OpenParquet(path string) (Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening parquet: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat parquet: %w", err)
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reading parquet footer: %w", err)
	}

	var cols []string
	for _, p := range pf.Schema().Columns() {
		cols = append(cols, p[len(p)-1])
	}
	return &parquetReader{
		f:      f,
		cols:   cols,
		groups: pf.RowGroups(),
		buf:    make([]parquet.Row, parquetReadAhead),
	}, nil
}

func (p *parquetReader) Columns() []string { return p.cols }

func (p *parquetReader) Next() (Record, error) {
	for p.pos >= p.n {
		// buffered rows may reference group pages, so a drained group is
		// only closed once its rows have been consumed
		if p.rows != nil && p.drained {
			p.rows.Close()
			p.rows = nil
		}
		if p.rows == nil {
			if p.next >= len(p.groups) {
				return nil, io.EOF
			}
			p.rows = p.groups[p.next].Rows()
			p.drained = false
			p.next++
		}
		n, err := p.rows.ReadRows(p.buf)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("reading parquet rows: %w", err)
		}
		p.pos, p.n = 0, n
		if err == io.EOF || n == 0 {
			p.drained = true
		}
	}

	row := p.buf[p.pos]
	p.pos++
	rec := make(Record, len(p.cols))
	for _, v := range row {
		col := v.Column()
		if col < 0 || col >= len(p.cols) {
			continue
		}
		rec[p.cols[col]] = parquetValue(v)
	}
	return rec, nil
}

func parquetValue(v parquet.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	default:
		return v.String()
	}
}

func (p *parquetReader) Close() error {
	if p.rows != nil {
		p.rows.Close()
		p.rows = nil
	}
	return p.f.Close()
}
