// Package engine evaluates a rule set against a parsed template in
// dependency order, collecting typed diagnostics. The engine holds no
// process-wide state: the rule registry, parameter bindings, and severity
// policy all belong to the caller.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/stacklint/stacklint/pkg/expr"
	"github.com/stacklint/stacklint/pkg/template"
)

// Severity ranks a diagnostic. The engine never decides pass/fail for a
// whole template; thresholds are caller policy.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities, most severe first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	default:
		return 4
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() < 4
}

// Diagnostic is a single finding: one rule, one entity, one property path.
type Diagnostic struct {
	// RuleID identifies the rule that produced the finding. Engine-level
	// failures use the resolution error kind as the rule id.
	RuleID string `json:"rule_id"`

	// Entity is the name of the entity the finding is attributed to.
	Entity string `json:"entity"`

	// Path locates the offending property within the entity, when known.
	Path string `json:"path,omitempty"`

	Severity Severity `json:"severity"`
	Message  string   `json:"message"`

	// Value is a snapshot of the resolved value that triggered the
	// finding, for reproducibility.
	Value json.RawMessage `json:"value,omitempty"`

	// Inconclusive marks findings the rule could not decide because an
	// input is only known at deploy time.
	Inconclusive bool `json:"inconclusive,omitempty"`
}

// EntityState is the terminal state of one entity after evaluation.
type EntityState string

const (
	StatePending      EntityState = "pending"
	StateResolving    EntityState = "resolving"
	StateEvaluated    EntityState = "evaluated"
	StateInconclusive EntityState = "inconclusive"
	StateErrored      EntityState = "errored"
	StateSkipped      EntityState = "skipped"
)

// EntityStatus reports an entity's final state and, for anything other
// than Evaluated, the reason. The report always lists what could be
// checked even when entities were skipped.
type EntityStatus struct {
	Name   string              `json:"name"`
	Kind   template.EntityKind `json:"kind"`
	State  EntityState         `json:"state"`
	Reason string              `json:"reason,omitempty"`
}

// ResolvedEntity is what a rule sees: the entity's declaration plus its
// materialized value. For resources the value is the resolved property
// object; for conditions the truth value; for parameters the bound value;
// for outputs the resolved output value.
type ResolvedEntity struct {
	Name string
	Kind template.EntityKind

	// Type is the resource type string for resources, empty otherwise.
	Type string

	Resource  *template.Resource
	Parameter *template.Parameter
	Condition *template.Condition
	Output    *template.Output

	Value cty.Value
}

// Rule is one compliance check: stateless, side-effect free, scoped to an
// entity-kind predicate. A rule whose decision depends on a deferred value
// must document its own policy: assume worst case, or emit an inconclusive
// finding.
type Rule struct {
	// ID is unique within a registry.
	ID string

	// Description is the human-readable summary, including the rule's
	// stated policy for unknown values.
	Description string

	// Severity is attached to every diagnostic the rule emits.
	Severity Severity

	// Kinds restricts the rule to entity kinds; empty means all kinds.
	Kinds []template.EntityKind

	// Matches further narrows applicability, e.g. by resource type.
	// A nil Matches applies to every entity of the listed kinds.
	Matches func(e *ResolvedEntity) bool

	// Check evaluates the rule. Returning no diagnostics means compliant.
	Check func(ctx context.Context, e *ResolvedEntity, tpl *template.Template) []Diagnostic
}

// appliesTo reports whether the rule should run against the entity.
func (r *Rule) appliesTo(e *ResolvedEntity) bool {
	if len(r.Kinds) > 0 {
		found := false
		for _, k := range r.Kinds {
			if k == e.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.Matches != nil {
		return r.Matches(e)
	}
	return true
}

// Result is the outcome of one evaluation pass.
type Result struct {
	// Diagnostics is the deduplicated finding set, sorted by severity,
	// entity, rule, and path. Identical inputs yield identical output.
	Diagnostics []Diagnostic `json:"diagnostics"`

	// Entities lists every entity's terminal state in declaration order.
	Entities []EntityStatus `json:"entities"`

	// Incomplete is set when the caller's deadline expired before every
	// entity was scheduled; the diagnostic set is then partial.
	Incomplete bool `json:"incomplete,omitempty"`

	// Fingerprint identifies the binding environment the pass ran under.
	Fingerprint string `json:"fingerprint"`

	Duration time.Duration `json:"duration"`
}

// Snapshot serializes a resolved value for inclusion in a diagnostic.
// Deferred values render as symbolic tokens rather than failing.
func Snapshot(v cty.Value) json.RawMessage {
	if v == cty.NilVal {
		return nil
	}
	inner, marks := v.UnmarkDeep()
	if !inner.IsWhollyKnown() {
		for m := range marks {
			if am, ok := m.(expr.AttrMark); ok {
				return json.RawMessage(fmt.Sprintf("%q", "<deferred:"+am.Resource+"."+am.Attribute+">"))
			}
		}
		return json.RawMessage(`"<unknown>"`)
	}
	b, err := ctyjson.Marshal(inner, inner.Type())
	if err != nil {
		return nil
	}
	return b
}
