package rules

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/stacklint/stacklint/pkg/engine"
	"github.com/stacklint/stacklint/pkg/template"
)

const defaultStarlarkTimeout = 5 * time.Second

// StarlarkRule wraps a Starlark script as a rule. The script must define
// a check(entity) function returning a list of findings, where each
// finding is a message string or a dict with message, path, severity and
// inconclusive keys. Globals are frozen after load, so one compiled rule
// is safe across concurrent entities.
type StarlarkRule struct {
	id       string
	severity engine.Severity
	kinds    []template.EntityKind
	check    starlark.Callable
	timeout  time.Duration
}

// NewStarlarkRule loads and validates a Starlark script.
func NewStarlarkRule(id string, severity engine.Severity, kinds []template.EntityKind, script string, timeout time.Duration) (*StarlarkRule, error) {
	if timeout <= 0 {
		timeout = defaultStarlarkTimeout
	}

	thread := &starlark.Thread{
		Name:  id,
		Print: func(_ *starlark.Thread, _ string) {},
	}
	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}

	globals, err := starlark.ExecFile(thread, id+".star", script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("failed to load starlark rule %s: %w", id, err)
	}

	fn, ok := globals["check"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("starlark rule %s does not define a check function", id)
	}

	return &StarlarkRule{id: id, severity: severity, kinds: kinds, check: fn, timeout: timeout}, nil
}

// Rule adapts the loaded script to the engine's rule shape.
func (r *StarlarkRule) Rule() engine.Rule {
	return engine.Rule{
		ID:          r.id,
		Description: "Starlark rule " + r.id,
		Severity:    r.severity,
		Kinds:       r.kinds,
		Check:       r.run,
	}
}

func (r *StarlarkRule) run(ctx context.Context, e *engine.ResolvedEntity, _ *template.Template) []engine.Diagnostic {
	evalCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resultCh := make(chan []engine.Diagnostic, 1)
	errCh := make(chan error, 1)

	go func() {
		findings, err := r.callCheck(e)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- findings
	}()

	select {
	case <-evalCtx.Done():
		return []engine.Diagnostic{{
			Message:      fmt.Sprintf("starlark rule timed out after %v", r.timeout),
			Inconclusive: true,
		}}
	case err := <-errCh:
		return []engine.Diagnostic{{
			Message:      fmt.Sprintf("starlark evaluation failed: %v", err),
			Inconclusive: true,
		}}
	case findings := <-resultCh:
		return findings
	}
}

func (r *StarlarkRule) callCheck(e *engine.ResolvedEntity) ([]engine.Diagnostic, error) {
	input, err := toStarlarkValue(entityInput(e))
	if err != nil {
		return nil, fmt.Errorf("failed to convert entity input: %w", err)
	}

	thread := &starlark.Thread{
		Name:  r.id,
		Print: func(_ *starlark.Thread, _ string) {},
	}
	result, err := starlark.Call(thread, r.check, starlark.Tuple{input}, nil)
	if err != nil {
		return nil, err
	}

	list, ok := result.(*starlark.List)
	if !ok {
		if result == starlark.None {
			return nil, nil
		}
		return nil, fmt.Errorf("check must return a list, got %s", result.Type())
	}

	var out []engine.Diagnostic
	for i := 0; i < list.Len(); i++ {
		d, err := r.diagnosticFrom(list.Index(i))
		if err != nil {
			return nil, fmt.Errorf("finding %d: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *StarlarkRule) diagnosticFrom(v starlark.Value) (engine.Diagnostic, error) {
	d := engine.Diagnostic{Severity: r.severity}

	switch finding := v.(type) {
	case starlark.String:
		d.Message = string(finding)
	case *starlark.Dict:
		for _, item := range finding.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return d, fmt.Errorf("finding keys must be strings")
			}
			switch string(key) {
			case "message":
				if s, ok := item[1].(starlark.String); ok {
					d.Message = string(s)
				}
			case "path":
				if s, ok := item[1].(starlark.String); ok {
					d.Path = string(s)
				}
			case "severity":
				if s, ok := item[1].(starlark.String); ok && engine.Severity(string(s)).Valid() {
					d.Severity = engine.Severity(string(s))
				}
			case "inconclusive":
				if b, ok := item[1].(starlark.Bool); ok {
					d.Inconclusive = bool(b)
				}
			}
		}
	default:
		return d, fmt.Errorf("finding must be a string or dict, got %s", v.Type())
	}
	return d, nil
}

// toStarlarkValue converts a Go value tree to Starlark.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			conv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = conv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			conv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), conv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
