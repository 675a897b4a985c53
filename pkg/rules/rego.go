package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/stacklint/stacklint/pkg/engine"
	"github.com/stacklint/stacklint/pkg/template"
)

// RegoRule wraps a caller-supplied Rego module as a rule. The module's
// deny set drives the diagnostics: each deny result becomes one finding,
// either a bare message string or an object with message, path, severity
// and inconclusive fields.
type RegoRule struct {
	id       string
	severity engine.Severity
	kinds    []template.EntityKind
	query    rego.PreparedEvalQuery
}

// NewRegoRule compiles a Rego module and prepares its deny query for
// reuse across entities. The query targets data.<package>.deny.
func NewRegoRule(ctx context.Context, id string, severity engine.Severity, kinds []template.EntityKind, module string) (*RegoRule, error) {
	if _, err := ast.ParseModule(id, module); err != nil {
		return nil, fmt.Errorf("failed to parse rego module %s: %w", id, err)
	}

	query := fmt.Sprintf("data.%s.deny", extractPackageName(module))
	prepared, err := rego.New(
		rego.Module(id, module),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego query for %s: %w", id, err)
	}

	return &RegoRule{id: id, severity: severity, kinds: kinds, query: prepared}, nil
}

// Rule adapts the compiled module to the engine's rule shape.
func (r *RegoRule) Rule() engine.Rule {
	return engine.Rule{
		ID:          r.id,
		Description: "Rego rule " + r.id,
		Severity:    r.severity,
		Kinds:       r.kinds,
		Check:       r.check,
	}
}

func (r *RegoRule) check(ctx context.Context, e *engine.ResolvedEntity, _ *template.Template) []engine.Diagnostic {
	results, err := r.query.Eval(ctx, rego.EvalInput(entityInput(e)))
	if err != nil {
		return []engine.Diagnostic{{
			Message:      fmt.Sprintf("rego evaluation failed: %v", err),
			Inconclusive: true,
		}}
	}

	var out []engine.Diagnostic
	for _, result := range results {
		for _, exprResult := range result.Expressions {
			denySet, ok := exprResult.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				out = append(out, r.createDiagnostic(d))
			}
		}
	}
	return out
}

// createDiagnostic maps one deny result to a diagnostic.
func (r *RegoRule) createDiagnostic(result interface{}) engine.Diagnostic {
	d := engine.Diagnostic{Severity: r.severity}

	switch v := result.(type) {
	case string:
		d.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			d.Message = msg
		}
		if path, ok := v["path"].(string); ok {
			d.Path = path
		}
		if sev, ok := v["severity"].(string); ok && engine.Severity(sev).Valid() {
			d.Severity = engine.Severity(sev)
		}
		if inc, ok := v["inconclusive"].(bool); ok {
			d.Inconclusive = inc
		}
	default:
		d.Message = fmt.Sprintf("%v", result)
	}
	return d
}

// extractPackageName returns the package declared by a Rego module.
func extractPackageName(module string) string {
	for _, line := range strings.Split(module, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "stacklint.rules"
}

// entityInput is the document a Rego or Starlark rule sees for one
// entity. Deferred and unknown values appear as their snapshot tokens.
func entityInput(e *engine.ResolvedEntity) map[string]interface{} {
	input := map[string]interface{}{
		"name": e.Name,
		"kind": string(e.Kind),
	}
	if e.Type != "" {
		input["type"] = e.Type
	}
	if snap := engine.Snapshot(e.Value); snap != nil {
		var value interface{}
		if err := json.Unmarshal(snap, &value); err == nil {
			input["value"] = value
		}
	}
	return input
}
