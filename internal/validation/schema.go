package validation

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// FieldType is the declared type of a schema field.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeInt       FieldType = "int"
	TypeFloat     FieldType = "float"
	TypeBool      FieldType = "bool"
	TypeDate      FieldType = "date"
	TypeTimestamp FieldType = "timestamp"
)

// Severity classifies an issue. Critical issues quarantine the row.
type Severity string

const (
	Critical Severity = "critical"
	Warning  Severity = "warning"
)

// SchemaConfigError reports a malformed schema or rule definition.
type SchemaConfigError struct {
	Schema string
	Rule   string
	Reason string
}

func (e *SchemaConfigError) Error() string {
	switch {
	case e.Schema == "":
		return "schema config error: " + e.Reason
	case e.Rule == "":
		return fmt.Sprintf("schema config error: %s: %s", e.Schema, e.Reason)
	default:
		return fmt.Sprintf("schema config error: %s rule %s: %s", e.Schema, e.Rule, e.Reason)
	}
}

// FieldSpec declares one field. Fields are required unless Required is false.
type FieldSpec struct {
	Name     string    `yaml:"name"`
	Type     FieldType `yaml:"type"`
	Nullable bool      `yaml:"nullable"`
	Required *bool     `yaml:"required"`
}

// RuleSpec declares one business rule predicate.
type RuleSpec struct {
	Name     string   `yaml:"name"`
	Kind     string   `yaml:"kind"` // compare, range, in, pattern, not_null
	Field    string   `yaml:"field"`
	Left     string   `yaml:"left"`
	Op       string   `yaml:"op"`
	Right    string   `yaml:"right"`
	Min      *float64 `yaml:"min"`
	Max      *float64 `yaml:"max"`
	Values   []string `yaml:"values"`
	Pattern  string   `yaml:"pattern"`
	Severity Severity `yaml:"severity"`
}

// SchemaSpec is the declarative form of a named schema.
type SchemaSpec struct {
	Fields []FieldSpec `yaml:"fields"`
	Rules  []RuleSpec  `yaml:"rules"`
}

type registryFile struct {
	Schemas map[string]SchemaSpec `yaml:"schemas"`
}

// Field is a compiled field descriptor.
type Field struct {
	Name     string
	Type     FieldType
	Nullable bool
	Required bool
}

// Schema is a compiled, immutable schema.
type Schema struct {
	Name   string
	Fields []Field
	rules  []*rule
	index  map[string]int
}

// RuleNames returns the schema's rule names in declaration order.
func (s *Schema) RuleNames() []string {
	names := make([]string, len(s.rules))
	for i, r := range s.rules {
		names[i] = r.name
	}
	return names
}

// Registry holds compiled schemas by name. It is read-only after loading
// and safe for concurrent use.
type Registry struct {
	schemas map[string]*Schema
}

// LoadRegistry reads and compiles a YAML schema file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema file: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry compiles schemas from YAML.
func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &SchemaConfigError{Reason: fmt.Sprintf("parsing schema file: %v", err)}
	}
	if len(file.Schemas) == 0 {
		return nil, &SchemaConfigError{Reason: "no schemas defined"}
	}

	reg := &Registry{schemas: make(map[string]*Schema, len(file.Schemas))}
	for name, spec := range file.Schemas {
		if err := reg.Add(name, spec); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// NewRegistry returns an empty registry for programmatic use.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Add compiles spec and registers it under name, replacing any previous
// schema of that name. It must not be called concurrently with validation.
func (r *Registry) Add(name string, spec SchemaSpec) error {
	s, err := Compile(name, spec)
	if err != nil {
		return err
	}
	r.schemas[name] = s
	return nil
}

// Schema looks up a compiled schema.
func (r *Registry) Schema(name string) (*Schema, bool) {
	s, ok := r.schemas[name]
	return s, ok
}

// Names returns the registered schema names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.schemas))
	for n := range r.schemas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var validTypes = map[FieldType]bool{
	TypeString: true, TypeInt: true, TypeFloat: true,
	TypeBool: true, TypeDate: true, TypeTimestamp: true,
}

// Compile checks spec and builds a Schema.
func Compile(name string, spec SchemaSpec) (*Schema, error) {
	if name == "" {
		return nil, &SchemaConfigError{Reason: "schema name is empty"}
	}
	if len(spec.Fields) == 0 {
		return nil, &SchemaConfigError{Schema: name, Reason: "schema has no fields"}
	}

	s := &Schema{Name: name, index: make(map[string]int, len(spec.Fields))}
	for _, fs := range spec.Fields {
		if fs.Name == "" {
			return nil, &SchemaConfigError{Schema: name, Reason: "field with empty name"}
		}
		if _, dup := s.index[fs.Name]; dup {
			return nil, &SchemaConfigError{Schema: name, Reason: fmt.Sprintf("duplicate field %q", fs.Name)}
		}
		if fs.Type == "" {
			fs.Type = TypeString
		}
		if !validTypes[fs.Type] {
			return nil, &SchemaConfigError{Schema: name, Reason: fmt.Sprintf("field %q has unknown type %q", fs.Name, fs.Type)}
		}
		required := fs.Required == nil || *fs.Required
		s.index[fs.Name] = len(s.Fields)
		s.Fields = append(s.Fields, Field{Name: fs.Name, Type: fs.Type, Nullable: fs.Nullable, Required: required})
	}

	seen := make(map[string]bool)
	for i, rs := range spec.Rules {
		r, err := compileRule(s, rs)
		if err != nil {
			ruleName := rs.Name
			if ruleName == "" {
				ruleName = fmt.Sprintf("#%d", i)
			}
			return nil, &SchemaConfigError{Schema: name, Rule: ruleName, Reason: err.Error()}
		}
		if seen[r.name] {
			return nil, &SchemaConfigError{Schema: name, Rule: r.name, Reason: "duplicate rule name"}
		}
		seen[r.name] = true
		s.rules = append(s.rules, r)
	}
	return s, nil
}

func (s *Schema) fieldIndex(name string) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("rule references no field")
	}
	i, ok := s.index[name]
	if !ok {
		return 0, fmt.Errorf("field %q is not declared", name)
	}
	return i, nil
}

func compileRule(s *Schema, rs RuleSpec) (*rule, error) {
	sev := rs.Severity
	if sev == "" {
		sev = Critical
	}
	if sev != Critical && sev != Warning {
		return nil, fmt.Errorf("unknown severity %q", rs.Severity)
	}

	r := &rule{name: rs.Name, severity: sev}
	switch rs.Kind {
	case "compare":
		li, err := s.fieldIndex(rs.Left)
		if err != nil {
			return nil, err
		}
		ri, err := s.fieldIndex(rs.Right)
		if err != nil {
			return nil, err
		}
		test, ok := compareOps[rs.Op]
		if !ok {
			return nil, fmt.Errorf("unknown operator %q", rs.Op)
		}
		r.field = rs.Left
		r.defaultName(fmt.Sprintf("%s_%s_%s", rs.Left, opNames[rs.Op], rs.Right))
		r.eval = compareEval(li, ri, rs.Left, rs.Op, rs.Right, test)
	case "range":
		fi, err := s.fieldIndex(rs.Field)
		if err != nil {
			return nil, err
		}
		if rs.Min == nil && rs.Max == nil {
			return nil, fmt.Errorf("range rule needs min or max")
		}
		if rs.Min != nil && rs.Max != nil && *rs.Min > *rs.Max {
			return nil, fmt.Errorf("min %v greater than max %v", *rs.Min, *rs.Max)
		}
		r.field = rs.Field
		r.defaultName(rs.Field + "_range")
		r.eval = rangeEval(fi, rs.Min, rs.Max)
	case "in":
		fi, err := s.fieldIndex(rs.Field)
		if err != nil {
			return nil, err
		}
		if len(rs.Values) == 0 {
			return nil, fmt.Errorf("in rule needs values")
		}
		set := make(map[string]bool, len(rs.Values))
		for _, v := range rs.Values {
			set[v] = true
		}
		r.field = rs.Field
		r.defaultName(rs.Field + "_in_set")
		r.eval = inEval(fi, set)
	case "pattern":
		fi, err := s.fieldIndex(rs.Field)
		if err != nil {
			return nil, err
		}
		if rs.Pattern == "" {
			return nil, fmt.Errorf("pattern rule needs a pattern")
		}
		re, err := regexp.Compile(rs.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern: %v", err)
		}
		r.field = rs.Field
		r.defaultName(rs.Field + "_pattern")
		r.eval = patternEval(fi, re)
	case "not_null":
		fi, err := s.fieldIndex(rs.Field)
		if err != nil {
			return nil, err
		}
		r.field = rs.Field
		r.defaultName(rs.Field + "_not_null")
		r.eval = notNullEval(fi)
	case "":
		return nil, fmt.Errorf("rule kind is required")
	default:
		return nil, fmt.Errorf("unknown rule kind %q", rs.Kind)
	}
	return r, nil
}
