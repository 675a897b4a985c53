package template

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// SchemaRegistry manages CUE schemas used for document shape validation in
// strict mode.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in template schema
// registered.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	_ = sr.Register("template", builtinTemplateSchema)
	return sr
}

// Register compiles and stores a schema under the given name.
func (sr *SchemaRegistry) Register(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	sr.schemas[name] = val
	return nil
}

// Schema retrieves a schema by name.
func (sr *SchemaRegistry) Schema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	val, ok := sr.schemas[name]
	return val, ok
}

// Validate unifies data with a named schema and reports any conflict.
func (sr *SchemaRegistry) Validate(name string, data interface{}) error {
	schema, ok := sr.Schema(name)
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	value := sr.ctx.Encode(data)
	if err := value.Err(); err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	unified := schema.Unify(value)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return fmt.Errorf("schema %s: %s", name, cueerrors.Details(err, nil))
	}
	return nil
}

// builtinTemplateSchema constrains the document's structural shape. The
// expression language inside property trees is deliberately left open; the
// parser checks intrinsic arity itself.
const builtinTemplateSchema = `
#Parameter: {
	Type: "String" | "Number" | "Boolean" | "CommaDelimitedList"
	Description?:           string
	Default?:               _
	NoEcho?:                bool
	AllowedValues?:         [..._]
	AllowedPattern?:        string
	MinLength?:             int & >=0
	MaxLength?:             int & >=0
	MinValue?:              number
	MaxValue?:              number
	ConstraintDescription?: string
}

#Resource: {
	Type:                 string & !=""
	Properties?:          {...}
	Condition?:           string
	DependsOn?:           string | [...string]
	DeletionPolicy?:      "Delete" | "Retain" | "Snapshot"
	UpdateReplacePolicy?: "Delete" | "Retain" | "Snapshot"
	Metadata?:            {...}
}

#Output: {
	Description?: string
	Value:        _
	Condition?:   string
	Export?: {
		Name: _
	}
}

{
	Description?:              string
	Metadata?:                 {...}
	Version?:                  string
	AWSTemplateFormatVersion?: string
	Transform?:                _
	Parameters?: {[string]: #Parameter}
	Conditions?: {[string]: {...}}
	Resources?:  {[string]: #Resource}
	Outputs?:    {[string]: #Output}
}
`
