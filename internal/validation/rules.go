package validation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// rule is a compiled predicate evaluated over a whole batch at once. eval
// receives the batch's coerced column vectors (indexed like Schema.Fields)
// and fills msgs[i] with a violation message, or "" when row i passes.
// Rows whose inputs are null or uncoercible are skipped; the field checks
// already report those.
type rule struct {
	name     string
	field    string
	severity Severity
	eval     func(cols [][]any, n int, msgs []string)
}

func (r *rule) defaultName(name string) {
	if r.name == "" {
		r.name = name
	}
}

var compareOps = map[string]func(int) bool{
	"==": func(c int) bool { return c == 0 },
	"!=": func(c int) bool { return c != 0 },
	"<":  func(c int) bool { return c < 0 },
	"<=": func(c int) bool { return c <= 0 },
	">":  func(c int) bool { return c > 0 },
	">=": func(c int) bool { return c >= 0 },
}

var opNames = map[string]string{
	"==": "eq", "!=": "ne", "<": "lt", "<=": "lte", ">": "gt", ">=": "gte",
}

func compareEval(li, ri int, left, op, right string, test func(int) bool) func([][]any, int, []string) {
	return func(cols [][]any, n int, msgs []string) {
		lv, rv := cols[li][:n], cols[ri][:n]
		for i := 0; i < n; i++ {
			msgs[i] = ""
			if lv[i] == nil || rv[i] == nil {
				continue
			}
			c, ok := compareValues(lv[i], rv[i])
			if !ok || test(c) {
				continue
			}
			msgs[i] = fmt.Sprintf("%s %s %s violated (%v vs %v)", left, op, right, display(lv[i]), display(rv[i]))
		}
	}
}

func rangeEval(fi int, min, max *float64) func([][]any, int, []string) {
	return func(cols [][]any, n int, msgs []string) {
		col := cols[fi][:n]
		for i := 0; i < n; i++ {
			msgs[i] = ""
			f, ok := toFloat(col[i])
			if !ok {
				continue
			}
			if (min != nil && f < *min) || (max != nil && f > *max) {
				msgs[i] = fmt.Sprintf("value %v outside %s", display(col[i]), boundsString(min, max))
			}
		}
	}
}

func inEval(fi int, set map[string]bool) func([][]any, int, []string) {
	return func(cols [][]any, n int, msgs []string) {
		col := cols[fi][:n]
		for i := 0; i < n; i++ {
			msgs[i] = ""
			if col[i] == nil {
				continue
			}
			if s := display(col[i]); !set[s] {
				msgs[i] = fmt.Sprintf("value %q not in allowed set", s)
			}
		}
	}
}

func patternEval(fi int, re *regexp.Regexp) func([][]any, int, []string) {
	return func(cols [][]any, n int, msgs []string) {
		col := cols[fi][:n]
		for i := 0; i < n; i++ {
			msgs[i] = ""
			if col[i] == nil {
				continue
			}
			if s := display(col[i]); !re.MatchString(s) {
				msgs[i] = fmt.Sprintf("value %q does not match %s", s, re.String())
			}
		}
	}
}

// notNullEval flags null or missing values, including those of fields
// declared nullable in the schema. Values that failed coercion are nil in
// cols too; the validator drops those since their field check already
// reported them.
func notNullEval(fi int) func([][]any, int, []string) {
	return func(cols [][]any, n int, msgs []string) {
		col := cols[fi][:n]
		for i := 0; i < n; i++ {
			msgs[i] = ""
			if col[i] == nil {
				msgs[i] = "value is null"
			}
		}
	}
}

func boundsString(min, max *float64) string {
	lo, hi := "-inf", "+inf"
	if min != nil {
		lo = strconv.FormatFloat(*min, 'g', -1, 64)
	}
	if max != nil {
		hi = strconv.FormatFloat(*max, 'g', -1, 64)
	}
	return "[" + lo + ", " + hi + "]"
}

// coerce converts a raw record value to the Go representation of t:
// string, int64, float64, bool or time.Time.
func coerce(v any, t FieldType) (any, bool) {
	switch t {
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, true
		case int64, int, float64, bool:
			return fmt.Sprint(x), true
		}
	case TypeInt:
		switch x := v.(type) {
		case int64:
			return x, true
		case int:
			return int64(x), true
		case int32:
			return int64(x), true
		case float64:
			if x == float64(int64(x)) {
				return int64(x), true
			}
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
				return i, true
			}
		}
	case TypeFloat:
		switch x := v.(type) {
		case float64:
			return x, true
		case float32:
			return float64(x), true
		case int64:
			return float64(x), true
		case int:
			return float64(x), true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
				return f, true
			}
		}
	case TypeBool:
		switch x := v.(type) {
		case bool:
			return x, true
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(x)); err == nil {
				return b, true
			}
		}
	case TypeDate:
		switch x := v.(type) {
		case time.Time:
			return x, true
		case string:
			if d, err := time.Parse("2006-01-02", strings.TrimSpace(x)); err == nil {
				return d, true
			}
		}
	case TypeTimestamp:
		switch x := v.(type) {
		case time.Time:
			return x, true
		case string:
			for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
				if ts, err := time.Parse(layout, strings.TrimSpace(x)); err == nil {
					return ts, true
				}
			}
		}
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	}
	return 0, false
}

// compareValues orders two coerced values of compatible kinds.
func compareValues(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	switch x := a.(type) {
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func display(v any) string {
	switch x := v.(type) {
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format("2006-01-02")
		}
		return x.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
