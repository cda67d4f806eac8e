package validation

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRegistry(t *testing.T) {
	reg := mustRegistry(t)
	assert.Equal(t, []string{"ohlcv_daily", "pair"}, reg.Names())

	s, ok := reg.Schema("ohlcv_daily")
	require.True(t, ok)
	assert.Equal(t, []string{"high_gte_low", "volume_non_negative", "known_exchange", "symbol_format"}, s.RuleNames())

	var volume Field
	for _, f := range s.Fields {
		if f.Name == "volume" {
			volume = f
		}
	}
	assert.False(t, volume.Required)
	assert.True(t, volume.Nullable)
	assert.True(t, s.Fields[0].Required, "required by default")
	assert.False(t, s.Fields[0].Nullable, "non-nullable by default")
}

func TestParseRegistry_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		schema string
		rule   string
	}{
		{
			name: "no schemas",
			yaml: "schemas: {}\n",
		},
		{
			name:   "empty schema",
			yaml:   "schemas:\n  s: {fields: []}\n",
			schema: "s",
		},
		{
			name:   "unknown type",
			yaml:   "schemas:\n  s:\n    fields: [{name: a, type: decimal}]\n",
			schema: "s",
		},
		{
			name:   "duplicate field",
			yaml:   "schemas:\n  s:\n    fields: [{name: a}, {name: a}]\n",
			schema: "s",
		},
		{
			name:   "undeclared rule field",
			yaml:   "schemas:\n  s:\n    fields: [{name: a, type: int}]\n    rules: [{name: r, kind: range, field: z, min: 0}]\n",
			schema: "s",
			rule:   "r",
		},
		{
			name:   "unknown operator",
			yaml:   "schemas:\n  s:\n    fields: [{name: a}, {name: b}]\n    rules: [{name: r, kind: compare, left: a, op: \"=~\", right: b}]\n",
			schema: "s",
			rule:   "r",
		},
		{
			name:   "bad regexp",
			yaml:   "schemas:\n  s:\n    fields: [{name: a}]\n    rules: [{name: r, kind: pattern, field: a, pattern: \"([\"}]\n",
			schema: "s",
			rule:   "r",
		},
		{
			name:   "unknown kind",
			yaml:   "schemas:\n  s:\n    fields: [{name: a}]\n    rules: [{name: r, kind: fuzzy, field: a}]\n",
			schema: "s",
			rule:   "r",
		},
		{
			name:   "range without bounds",
			yaml:   "schemas:\n  s:\n    fields: [{name: a, type: float}]\n    rules: [{name: r, kind: range, field: a}]\n",
			schema: "s",
			rule:   "r",
		},
		{
			name:   "unknown severity",
			yaml:   "schemas:\n  s:\n    fields: [{name: a}]\n    rules: [{name: r, kind: not_null, field: a, severity: fatal}]\n",
			schema: "s",
			rule:   "r",
		},
		{
			name: "not yaml",
			yaml: "schemas: [unterminated",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRegistry([]byte(tt.yaml))
			var cfgErr *SchemaConfigError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tt.schema, cfgErr.Schema)
			assert.Equal(t, tt.rule, cfgErr.Rule)
			assert.NotEmpty(t, cfgErr.Reason)
		})
	}
}

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(ohlcvSchemas), 0644))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)
	_, ok := reg.Schema("pair")
	assert.True(t, ok)

	_, err = LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRegistryAdd_DefaultRuleNames(t *testing.T) {
	reg := NewRegistry()
	err := reg.Add("quotes", SchemaSpec{
		Fields: []FieldSpec{{Name: "bid", Type: TypeFloat}, {Name: "ask", Type: TypeFloat}},
		Rules:  []RuleSpec{{Kind: "compare", Left: "ask", Op: ">=", Right: "bid"}, {Kind: "not_null", Field: "bid"}},
	})
	require.NoError(t, err)
	s, _ := reg.Schema("quotes")
	assert.Equal(t, []string{"ask_gte_bid", "bid_not_null"}, s.RuleNames())
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		in   any
		typ  FieldType
		want any
		ok   bool
	}{
		{"42", TypeInt, int64(42), true},
		{42.0, TypeInt, int64(42), true},
		{42.5, TypeInt, nil, false},
		{"1.5", TypeFloat, 1.5, true},
		{int64(3), TypeFloat, 3.0, true},
		{"abc", TypeFloat, nil, false},
		{"true", TypeBool, true, true},
		{"yes", TypeBool, nil, false},
		{int64(7), TypeString, "7", true},
		{"2024-01-15", TypeDate, nil, true},
		{"2024-01-15 09:30:00", TypeTimestamp, nil, true},
		{"2024-01-15T09:30:00Z", TypeTimestamp, nil, true},
		{"2024/01/15", TypeDate, nil, false},
	}
	for _, tt := range tests {
		got, ok := coerce(tt.in, tt.typ)
		assert.Equal(t, tt.ok, ok, "%v as %s", tt.in, tt.typ)
		if tt.want != nil {
			assert.Equal(t, tt.want, got, "%v as %s", tt.in, tt.typ)
		}
	}
}
