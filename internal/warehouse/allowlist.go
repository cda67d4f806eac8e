package warehouse

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/johndauphine/mdcore/internal/config"
)

// DefaultKeyPattern bounds string partition values.
const DefaultKeyPattern = `^[A-Za-z0-9_.:\-]{1,64}$`

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// IdentifierError reports a table, column or partition value rejected
// before any statement was built.
type IdentifierError struct {
	Kind   string // table, column, key
	Table  string
	Value  string
	Reason string
}

func (e *IdentifierError) Error() string {
	if e.Kind == "table" {
		return fmt.Sprintf("unsafe table %q: %s", e.Value, e.Reason)
	}
	return fmt.Sprintf("unsafe %s %q for table %s: %s", e.Kind, e.Value, e.Table, e.Reason)
}

type tableRule struct {
	partitionColumns map[string]bool
	columns          map[string]bool // nil allows any well-formed column
	keyPattern       *regexp.Regexp
}

// AllowList is the set of tables, columns and partition value shapes the
// loader may touch.
type AllowList struct {
	tables map[string]*tableRule
}

// NewAllowList builds an AllowList from the warehouse table configuration.
func NewAllowList(tables map[string]config.TableConfig) (*AllowList, error) {
	a := &AllowList{tables: make(map[string]*tableRule, len(tables))}
	for name, tc := range tables {
		if !identPattern.MatchString(name) {
			return nil, &IdentifierError{Kind: "table", Value: name, Reason: "not a plain identifier"}
		}
		pattern := tc.KeyPattern
		if pattern == "" {
			pattern = DefaultKeyPattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("table %s: key pattern: %w", name, err)
		}
		rule := &tableRule{partitionColumns: make(map[string]bool), keyPattern: re}
		for _, c := range tc.PartitionColumns {
			rule.partitionColumns[c] = true
		}
		if len(tc.Columns) > 0 {
			rule.columns = make(map[string]bool, len(tc.Columns)+len(tc.PartitionColumns))
			for _, c := range tc.Columns {
				rule.columns[c] = true
			}
			for _, c := range tc.PartitionColumns {
				rule.columns[c] = true
			}
		}
		a.tables[name] = rule
	}
	return a, nil
}

func (a *AllowList) rule(table string) (*tableRule, error) {
	if !identPattern.MatchString(table) {
		return nil, &IdentifierError{Kind: "table", Value: table, Reason: "not a plain identifier"}
	}
	r, ok := a.tables[table]
	if !ok {
		return nil, &IdentifierError{Kind: "table", Value: table, Reason: "not in allow-list"}
	}
	return r, nil
}

// CheckTarget verifies table and its partition column.
func (a *AllowList) CheckTarget(table, partitionColumn string) error {
	r, err := a.rule(table)
	if err != nil {
		return err
	}
	if !identPattern.MatchString(partitionColumn) {
		return &IdentifierError{Kind: "column", Table: table, Value: partitionColumn, Reason: "not a plain identifier"}
	}
	if !r.partitionColumns[partitionColumn] {
		return &IdentifierError{Kind: "column", Table: table, Value: partitionColumn, Reason: "not an allowed partition column"}
	}
	return nil
}

// CheckColumns verifies every column an insert would name.
func (a *AllowList) CheckColumns(table string, columns []string) error {
	r, err := a.rule(table)
	if err != nil {
		return err
	}
	for _, c := range columns {
		if !identPattern.MatchString(c) {
			return &IdentifierError{Kind: "column", Table: table, Value: c, Reason: "not a plain identifier"}
		}
		if r.columns != nil && !r.columns[c] {
			return &IdentifierError{Kind: "column", Table: table, Value: c, Reason: "not in allow-list"}
		}
	}
	return nil
}

// CheckKey verifies a partition value and returns its canonical string form
// along with the value to bind. Strings must match the table's key pattern;
// integers and times are accepted as is.
func (a *AllowList) CheckKey(table string, v any) (string, any, error) {
	r, err := a.rule(table)
	if err != nil {
		return "", nil, err
	}
	switch x := v.(type) {
	case string:
		if !r.keyPattern.MatchString(x) {
			return "", nil, &IdentifierError{Kind: "key", Table: table, Value: x, Reason: "does not match " + r.keyPattern.String()}
		}
		return x, x, nil
	case int64:
		return strconv.FormatInt(x, 10), x, nil
	case int:
		return strconv.Itoa(x), int64(x), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), int64(x), nil
	case time.Time:
		return keyString(x), x, nil
	default:
		return "", nil, &IdentifierError{Kind: "key", Table: table, Value: fmt.Sprint(v), Reason: fmt.Sprintf("unsupported partition value type %T", v)}
	}
}

// keyString renders a partition value the way CheckKey does, without
// validation.
func keyString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format("2006-01-02")
		}
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}
