package warehouse

import (
	"fmt"
	"strings"
)

// Dialect abstracts SQL syntax differences between engines.
type Dialect interface {
	// Name returns the database type (e.g., "mssql", "postgres").
	Name() string

	// QuoteIdentifier quotes a table or column name.
	// PostgreSQL, SQLite, DuckDB: "identifier"
	// MSSQL: [identifier]
	QuoteIdentifier(name string) string

	// Placeholder returns the bind parameter for a 1-based index.
	// PostgreSQL: $1, MSSQL: @p1, SQLite/DuckDB: ?
	Placeholder(index int) string
}

// QualifyTable returns schema.table, or just table when schema is empty.
func QualifyTable(d Dialect, schema, table string) string {
	if schema == "" {
		return d.QuoteIdentifier(table)
	}
	return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(table)
}

// DeleteSQL builds the partition delete statement.
func DeleteSQL(d Dialect, schema, table, column string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = %s",
		QualifyTable(d, schema, table), d.QuoteIdentifier(column), d.Placeholder(1))
}

// CountSQL builds a row count statement, filtered on column when set.
func CountSQL(d Dialect, schema, table, column string) string {
	q := "SELECT COUNT(*) FROM " + QualifyTable(d, schema, table)
	if column != "" {
		q += fmt.Sprintf(" WHERE %s = %s", d.QuoteIdentifier(column), d.Placeholder(1))
	}
	return q
}

// InsertSQL builds a multi-row INSERT for nrows rows of columns.
func InsertSQL(d Dialect, schema, table string, columns []string, nrows int) string {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(QualifyTable(d, schema, table))
	sb.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(d.QuoteIdentifier(c))
	}
	sb.WriteString(") VALUES ")

	p := 1
	for r := 0; r < nrows; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for i := range columns {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(d.Placeholder(p))
			p++
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

// ANSIDialect quotes with double quotes and binds with '?'. SQLite and
// DuckDB use it as is.
type ANSIDialect struct {
	DBName string
}

func (d ANSIDialect) Name() string { return d.DBName }

func (d ANSIDialect) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d ANSIDialect) Placeholder(int) string { return "?" }
