package expr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/zclconf/go-cty/cty"

	"github.com/stacklint/stacklint/pkg/template"
)

// Env is a binding environment: concrete parameter values, caller-supplied
// pseudo values, and memoized condition results. An Env is safe for
// concurrent use by multiple resolutions.
type Env struct {
	params map[string]cty.Value
	pseudo map[string]cty.Value

	fingerprint string

	mu    sync.RWMutex
	conds map[string]cty.Value
}

// NewEnv binds parameter values against the template's declarations.
// Bindings are validated against declared constraints; declared defaults
// fill unbound parameters; a parameter left without any value resolves to
// an unknown of its declared type (deploy-time-only input). Pseudo values
// (account id, region, stack name and the like) come from the caller and
// are never hardcoded.
func NewEnv(tpl *template.Template, bindings map[string]interface{}, pseudo map[string]interface{}) (*Env, error) {
	env := &Env{
		params: make(map[string]cty.Value, len(tpl.Parameters)),
		pseudo: make(map[string]cty.Value, len(pseudo)),
		conds:  make(map[string]cty.Value),
	}

	for name := range bindings {
		if _, ok := tpl.Parameter(name); !ok {
			return nil, fmt.Errorf("binding for undeclared parameter %q", name)
		}
	}

	for _, p := range tpl.Parameters {
		value, bound := bindings[p.Name]
		if !bound {
			if p.Default == nil {
				env.params[p.Name] = cty.UnknownVal(paramType(p.Type))
				continue
			}
			value = p.Default
		}
		if err := p.ValidateBinding(value); err != nil {
			return nil, err
		}
		env.params[p.Name] = paramValue(p.Type, value)
	}

	for name, value := range pseudo {
		env.pseudo[name] = fromGo(value)
	}

	env.fingerprint = fingerprint(bindings, pseudo)
	return env, nil
}

// Fingerprint identifies the binding set; condition results are memoized
// per (condition, fingerprint) pair so differing bindings never share a
// cached truth value.
func (e *Env) Fingerprint() string {
	return e.fingerprint
}

// Param returns the bound value of a declared parameter.
func (e *Env) Param(name string) (cty.Value, bool) {
	v, ok := e.params[name]
	return v, ok
}

// Pseudo returns a caller-supplied pseudo value.
func (e *Env) Pseudo(name string) (cty.Value, bool) {
	v, ok := e.pseudo[name]
	return v, ok
}

// cachedCondition returns the memoized result for a condition, if present.
func (e *Env) cachedCondition(name string) (cty.Value, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.conds[name]
	return v, ok
}

// storeCondition memoizes a condition result.
func (e *Env) storeCondition(name string, v cty.Value) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conds[name] = v
}

// fingerprint hashes the raw binding and pseudo maps. encoding/json sorts
// map keys, so the digest is stable across runs.
func fingerprint(bindings, pseudo map[string]interface{}) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(bindings)
	_ = enc.Encode(pseudo)
	return hex.EncodeToString(h.Sum(nil))
}

// paramType maps a declared parameter type to its cty type.
func paramType(t template.ParameterType) cty.Type {
	switch t {
	case template.ParameterNumber:
		return cty.Number
	case template.ParameterBoolean:
		return cty.Bool
	case template.ParameterList:
		return cty.List(cty.String)
	default:
		return cty.String
	}
}

// paramValue converts a bound value according to the declared type.
// Comma-delimited list parameters accept either a list or a single string.
func paramValue(t template.ParameterType, value interface{}) cty.Value {
	if t == template.ParameterList {
		switch v := value.(type) {
		case string:
			parts := strings.Split(v, ",")
			vals := make([]cty.Value, len(parts))
			for i, p := range parts {
				vals[i] = cty.StringVal(strings.TrimSpace(p))
			}
			return cty.ListVal(vals)
		case []interface{}:
			if len(v) == 0 {
				return cty.ListValEmpty(cty.String)
			}
			vals := make([]cty.Value, len(v))
			for i, item := range v {
				vals[i] = cty.StringVal(fmt.Sprint(item))
			}
			return cty.ListVal(vals)
		}
	}
	return fromGo(value)
}

// fromGo converts a decoded document scalar or tree to a cty value.
func fromGo(value interface{}) cty.Value {
	switch v := value.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType)
	case string:
		return cty.StringVal(v)
	case bool:
		return cty.BoolVal(v)
	case int:
		return cty.NumberIntVal(int64(v))
	case int64:
		return cty.NumberIntVal(v)
	case float64:
		return cty.NumberFloatVal(v)
	case []interface{}:
		if len(v) == 0 {
			return cty.EmptyTupleVal
		}
		vals := make([]cty.Value, len(v))
		for i, item := range v {
			vals[i] = fromGo(item)
		}
		return cty.TupleVal(vals)
	case map[string]interface{}:
		if len(v) == 0 {
			return cty.EmptyObjectVal
		}
		attrs := make(map[string]cty.Value, len(v))
		for k, item := range v {
			attrs[k] = fromGo(item)
		}
		return cty.ObjectVal(attrs)
	default:
		return cty.StringVal(fmt.Sprint(v))
	}
}
