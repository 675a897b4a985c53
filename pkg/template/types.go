// Package template provides the typed in-memory representation of a
// declarative infrastructure template: parameters, conditions, resources,
// and outputs, with stable identity and declaration order preserved for
// deterministic reporting.
package template

import (
	"fmt"
	"regexp"
	"strconv"
)

// EntityKind identifies which top-level section of a template an entity
// belongs to.
type EntityKind string

const (
	KindParameter EntityKind = "parameter"
	KindCondition EntityKind = "condition"
	KindResource  EntityKind = "resource"
	KindOutput    EntityKind = "output"
)

// ParameterType is the declared type of a template parameter.
type ParameterType string

const (
	ParameterString  ParameterType = "String"
	ParameterNumber  ParameterType = "Number"
	ParameterBoolean ParameterType = "Boolean"
	ParameterList    ParameterType = "CommaDelimitedList"
)

// Template is the root entity of a parsed document. Section slices preserve
// declaration order; lookups go through the name indexes. Templates are
// immutable after Parse.
type Template struct {
	// Description is the optional free-form template description.
	Description string

	// Metadata holds the template-level metadata block, if any.
	Metadata map[string]interface{}

	// Parameters, Conditions, Resources and Outputs are the template
	// sections in declaration order. Names are unique across each section.
	Parameters []*Parameter
	Conditions []*Condition
	Resources  []*Resource
	Outputs    []*Output

	paramIndex  map[string]*Parameter
	condIndex   map[string]*Condition
	resIndex    map[string]*Resource
	outputIndex map[string]*Output
}

// Parameter declares a template input. Parameters are created at load time
// and immutable afterwards; bound values are supplied by the caller.
type Parameter struct {
	Name        string        `validate:"required"`
	Type        ParameterType `validate:"required,oneof=String Number Boolean CommaDelimitedList"`
	Description string
	Default     interface{}
	NoEcho      bool

	// Validation constraints applied to bound values.
	AllowedValues  []interface{}
	AllowedPattern string
	MinLength      *int
	MaxLength      *int
	MinValue       *float64
	MaxValue       *float64
}

// Condition is a named boolean-valued expression. Its truth value is
// evaluated lazily and memoized per binding environment.
type Condition struct {
	Name string
	Body *Expr
}

// Resource describes one piece of infrastructure configuration. References
// to other resources are non-owning graph edges only.
type Resource struct {
	// Name is unique within the template.
	Name string

	// Type identifies the resource semantics, e.g. "network:security-group"
	// or "AWS::EC2::SecurityGroup".
	Type string `validate:"required"`

	// Properties is the (possibly nested) property tree; expressions may
	// appear at any depth.
	Properties *Expr

	// Condition names a template condition gating this resource. A resource
	// whose condition resolves to false is excluded from evaluation.
	Condition string

	// DependsOn lists explicit ordering hints in addition to the edges
	// derived from expressions.
	DependsOn []string

	DeletionPolicy      string
	UpdateReplacePolicy string
	Metadata            map[string]interface{}
}

// Output exposes a value derived from the template.
type Output struct {
	Name        string
	Description string
	Value       *Expr
	Condition   string
	ExportName  *Expr
}

// Parameter returns the parameter with the given name.
func (t *Template) Parameter(name string) (*Parameter, bool) {
	p, ok := t.paramIndex[name]
	return p, ok
}

// Condition returns the condition with the given name.
func (t *Template) Condition(name string) (*Condition, bool) {
	c, ok := t.condIndex[name]
	return c, ok
}

// Resource returns the resource with the given name.
func (t *Template) Resource(name string) (*Resource, bool) {
	r, ok := t.resIndex[name]
	return r, ok
}

// Output returns the output with the given name.
func (t *Template) Output(name string) (*Output, bool) {
	o, ok := t.outputIndex[name]
	return o, ok
}

// Lookup reports which section, if any, declares the given name. Every
// name referenced by another entity must resolve through exactly one
// section.
func (t *Template) Lookup(name string) (EntityKind, bool) {
	if _, ok := t.paramIndex[name]; ok {
		return KindParameter, true
	}
	if _, ok := t.condIndex[name]; ok {
		return KindCondition, true
	}
	if _, ok := t.resIndex[name]; ok {
		return KindResource, true
	}
	if _, ok := t.outputIndex[name]; ok {
		return KindOutput, true
	}
	return "", false
}

// reindex rebuilds the name indexes from the section slices.
func (t *Template) reindex() {
	t.paramIndex = make(map[string]*Parameter, len(t.Parameters))
	for _, p := range t.Parameters {
		t.paramIndex[p.Name] = p
	}
	t.condIndex = make(map[string]*Condition, len(t.Conditions))
	for _, c := range t.Conditions {
		t.condIndex[c.Name] = c
	}
	t.resIndex = make(map[string]*Resource, len(t.Resources))
	for _, r := range t.Resources {
		t.resIndex[r.Name] = r
	}
	t.outputIndex = make(map[string]*Output, len(t.Outputs))
	for _, o := range t.Outputs {
		t.outputIndex[o.Name] = o
	}
}

// ValidateBinding checks a caller-supplied value against the parameter's
// declared type and constraints.
func (p *Parameter) ValidateBinding(value interface{}) error {
	switch p.Type {
	case ParameterString:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("parameter %s: expected string, got %T", p.Name, value)
		}
		if p.MinLength != nil && len(s) < *p.MinLength {
			return fmt.Errorf("parameter %s: length %d below minimum %d", p.Name, len(s), *p.MinLength)
		}
		if p.MaxLength != nil && len(s) > *p.MaxLength {
			return fmt.Errorf("parameter %s: length %d above maximum %d", p.Name, len(s), *p.MaxLength)
		}
		if p.AllowedPattern != "" {
			re, err := regexp.Compile(p.AllowedPattern)
			if err != nil {
				return fmt.Errorf("parameter %s: invalid allowed pattern: %w", p.Name, err)
			}
			if !re.MatchString(s) {
				return fmt.Errorf("parameter %s: value does not match allowed pattern %q", p.Name, p.AllowedPattern)
			}
		}
	case ParameterNumber:
		n, err := asNumber(value)
		if err != nil {
			return fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		if p.MinValue != nil && n < *p.MinValue {
			return fmt.Errorf("parameter %s: value %v below minimum %v", p.Name, n, *p.MinValue)
		}
		if p.MaxValue != nil && n > *p.MaxValue {
			return fmt.Errorf("parameter %s: value %v above maximum %v", p.Name, n, *p.MaxValue)
		}
	case ParameterBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("parameter %s: expected boolean, got %T", p.Name, value)
		}
	case ParameterList:
		if _, ok := value.([]interface{}); !ok {
			if _, ok := value.(string); !ok {
				return fmt.Errorf("parameter %s: expected list or comma-delimited string, got %T", p.Name, value)
			}
		}
	}

	if len(p.AllowedValues) > 0 {
		for _, allowed := range p.AllowedValues {
			if fmt.Sprint(allowed) == fmt.Sprint(value) {
				return nil
			}
		}
		return fmt.Errorf("parameter %s: value %v not in allowed values", p.Name, value)
	}

	return nil
}

// asNumber normalizes scalar numeric representations.
func asNumber(value interface{}) (float64, error) {
	switch v := value.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("expected number, got %q", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", value)
	}
}
