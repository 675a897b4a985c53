package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zclconf/go-cty/cty"

	"github.com/stacklint/stacklint/pkg/expr"
	"github.com/stacklint/stacklint/pkg/graph"
	"github.com/stacklint/stacklint/pkg/template"
)

// Options configures one evaluation pass.
type Options struct {
	// Bindings maps parameter names to concrete values. Validation happens
	// against the template's declared constraints.
	Bindings map[string]interface{}

	// Pseudo supplies deploy-context values (account id, region, stack
	// name) referenced by the template. Never hardcoded by the engine.
	Pseudo map[string]interface{}

	// MaxParallel caps concurrent entity evaluations within a level.
	MaxParallel int

	// Logger receives structured evaluation logs. The zero value is
	// silent.
	Logger zerolog.Logger
}

const defaultMaxParallel = 8

// Evaluate runs every applicable rule against every entity of the
// template, in dependency order. It returns an error only when the binding
// set itself is invalid; every template-level failure surfaces as a
// diagnostic or an entity status, never as an error or panic.
func Evaluate(ctx context.Context, tpl *template.Template, reg *Registry, opts Options) (*Result, error) {
	start := time.Now()

	env, err := expr.NewEnv(tpl, opts.Bindings, opts.Pseudo)
	if err != nil {
		return nil, err
	}

	external := func(name string) bool {
		if name == template.NoValueToken {
			return true
		}
		_, ok := opts.Pseudo[name]
		return ok
	}
	g := graph.Build(tpl, graph.Options{KnownExternal: external})

	ev := &evaluator{
		tpl:      tpl,
		reg:      reg,
		env:      env,
		resolver: expr.NewResolver(tpl),
		graph:    g,
		log:      opts.Logger.With().Str("component", "rule-engine").Logger(),
		states:   make(map[string]*EntityStatus, len(g.Nodes)),
		seen:     make(map[string]bool),
	}

	for _, name := range ev.declarationOrder() {
		node := g.Nodes[name]
		ev.states[name] = &EntityStatus{Name: name, Kind: node.Kind, State: StatePending}
	}

	ev.reportStructural()

	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}

	incomplete := false
	for _, level := range g.Levels {
		// An expired deadline lets in-flight evaluations finish but blocks
		// scheduling of new ones.
		if ctx.Err() != nil {
			incomplete = true
			break
		}
		ev.runLevel(ctx, level, maxParallel)
	}

	if incomplete {
		ev.mu.Lock()
		for _, st := range ev.states {
			if st.State == StatePending {
				st.State = StateSkipped
				st.Reason = "deadline exceeded before evaluation"
			}
		}
		ev.mu.Unlock()
	}

	result := &Result{
		Diagnostics: ev.finalDiagnostics(),
		Entities:    ev.finalStatuses(),
		Incomplete:  incomplete,
		Fingerprint: env.Fingerprint(),
		Duration:    time.Since(start),
	}

	ev.log.Debug().
		Int("entities", len(result.Entities)).
		Int("diagnostics", len(result.Diagnostics)).
		Bool("incomplete", result.Incomplete).
		Dur("duration", result.Duration).
		Msg("Evaluation pass completed")

	return result, nil
}

// evaluator carries the shared state of one pass.
type evaluator struct {
	tpl      *template.Template
	reg      *Registry
	env      *expr.Env
	resolver *expr.Resolver
	graph    *graph.Graph
	log      zerolog.Logger

	mu     sync.Mutex
	states map[string]*EntityStatus
	diags  []Diagnostic
	seen   map[string]bool
}

func (ev *evaluator) declarationOrder() []string {
	names := make([]string, 0, len(ev.graph.Nodes))
	for _, p := range ev.tpl.Parameters {
		names = append(names, p.Name)
	}
	for _, c := range ev.tpl.Conditions {
		names = append(names, c.Name)
	}
	for _, r := range ev.tpl.Resources {
		names = append(names, r.Name)
	}
	for _, o := range ev.tpl.Outputs {
		names = append(names, o.Name)
	}
	return names
}

// reportStructural turns graph-level failures into diagnostics and
// terminal entity states before any rule runs. Cyclic subgraphs are fatal
// for their members only; the rest of the template still evaluates.
func (ev *evaluator) reportStructural() {
	for _, name := range ev.declarationOrder() {
		if missing, ok := ev.graph.Dangling[name]; ok {
			for _, target := range missing {
				ev.addDiagnostic(Diagnostic{
					RuleID:   string(expr.ErrUnresolvedReference),
					Entity:   name,
					Severity: SeverityHigh,
					Message:  "references undeclared name " + quote(target),
				})
			}
		}
	}

	// One diagnostic per cycle, attributed to its first member in
	// declaration order.
	reported := make(map[string]bool)
	for _, name := range ev.declarationOrder() {
		cycle, ok := ev.graph.Cycles[name]
		if !ok {
			continue
		}
		ev.setState(name, StateErrored, "member of reference cycle "+graph.FormatCycle(cycle))
		key := canonicalCycle(cycle)
		if reported[key] {
			continue
		}
		reported[key] = true
		ev.addDiagnostic(Diagnostic{
			RuleID:   string(expr.ErrCyclicExpression),
			Entity:   name,
			Severity: SeverityHigh,
			Message:  "reference cycle: " + graph.FormatCycle(cycle),
		})
	}

	for name, dep := range ev.graph.Blocked {
		ev.setState(name, StateSkipped, "depends on cyclic entity "+quote(dep))
	}
}

// runLevel evaluates all entities of one level on a bounded worker pool.
// Entities within a level have no mutual dependency, so ordering within
// the level has no observable effect on the final diagnostic set.
func (ev *evaluator) runLevel(ctx context.Context, level []string, maxParallel int) {
	workers := maxParallel
	if len(level) < workers {
		workers = len(level)
	}

	work := make(chan string, len(level))
	for _, name := range level {
		work <- name
	}
	close(work)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range work {
				ev.evaluateEntity(ctx, name)
			}
		}()
	}
	wg.Wait()
}

// evaluateEntity resolves one entity and runs every applicable rule.
func (ev *evaluator) evaluateEntity(ctx context.Context, name string) {
	ev.setState(name, StateResolving, "")

	entity, done := ev.resolve(name)
	if done {
		return
	}

	for _, rule := range ev.reg.Rules() {
		if !rule.appliesTo(entity) {
			continue
		}
		for _, d := range rule.Check(ctx, entity, ev.tpl) {
			if d.RuleID == "" {
				d.RuleID = rule.ID
			}
			if d.Entity == "" {
				d.Entity = name
			}
			if d.Severity == "" {
				d.Severity = rule.Severity
			}
			ev.addDiagnostic(d)
		}
	}

	if expr.Inconclusive(entity.Value) {
		ev.setState(name, StateInconclusive, "resolved value contains deploy-time-only inputs")
		return
	}
	ev.setState(name, StateEvaluated, "")
}

// resolve materializes the entity's value. The returned bool is true when
// the entity reached a terminal state and no rules should run.
func (ev *evaluator) resolve(name string) (*ResolvedEntity, bool) {
	node := ev.graph.Nodes[name]
	entity := &ResolvedEntity{Name: name, Kind: node.Kind}

	var err error
	switch node.Kind {
	case template.KindParameter:
		entity.Parameter, _ = ev.tpl.Parameter(name)
		entity.Value, _ = ev.env.Param(name)

	case template.KindCondition:
		entity.Condition, _ = ev.tpl.Condition(name)
		entity.Value, err = ev.resolver.Condition(name, ev.env)

	case template.KindResource:
		res, _ := ev.tpl.Resource(name)
		entity.Resource = res
		entity.Type = res.Type
		if res.Condition != "" {
			cond, condErr := ev.resolver.Condition(res.Condition, ev.env)
			if condErr != nil {
				return nil, ev.resolveFailed(name, condErr)
			}
			inner, _ := cond.Unmark()
			if inner.IsKnown() && !inner.True() {
				ev.setState(name, StateSkipped, "condition "+quote(res.Condition)+" evaluates to false")
				return nil, true
			}
		}
		entity.Value, err = ev.resolver.ResolveResource(res, ev.env)

	case template.KindOutput:
		out, _ := ev.tpl.Output(name)
		entity.Output = out
		entity.Value, err = ev.resolver.Resolve(out.Value, ev.env)
	}

	if err != nil {
		if expr.KindOf(err) == expr.ErrUnresolvedReference {
			// Already reported from the graph walk; the entity continues
			// with a degraded value so kind-wide rules still see it.
			ev.setState(name, StateInconclusive, err.Error())
			entity.Value = cty.DynamicVal
			return entity, false
		}
		return nil, ev.resolveFailed(name, err)
	}
	return entity, false
}

// resolveFailed records a terminal resolution failure scoped to the
// entity. Always returns true.
func (ev *evaluator) resolveFailed(name string, err error) bool {
	kind := expr.KindOf(err)
	if kind == "" {
		kind = expr.ErrMalformedExpression
	}
	d := Diagnostic{
		RuleID:   string(kind),
		Entity:   name,
		Severity: SeverityHigh,
		Message:  err.Error(),
	}
	var resErr *expr.Error
	if errors.As(err, &resErr) {
		d.Path = resErr.Path
		d.Message = resErr.Message
	}
	ev.addDiagnostic(d)
	ev.setState(name, StateErrored, d.Message)
	return true
}

func (ev *evaluator) setState(name string, state EntityState, reason string) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	st := ev.states[name]
	st.State = state
	st.Reason = reason
}

func (ev *evaluator) addDiagnostic(d Diagnostic) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.diags = append(ev.diags, d)
}

// finalDiagnostics sorts the collected diagnostics and deduplicates by
// (rule, entity, path). The full sort runs first so deduplication is
// deterministic regardless of worker interleaving.
func (ev *evaluator) finalDiagnostics() []Diagnostic {
	ev.mu.Lock()
	defer ev.mu.Unlock()

	sort.SliceStable(ev.diags, func(i, j int) bool {
		a, b := ev.diags[i], ev.diags[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() < b.Severity.Rank()
		}
		if a.Entity != b.Entity {
			return a.Entity < b.Entity
		}
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.Message < b.Message
	})

	out := ev.diags[:0:0]
	for _, d := range ev.diags {
		key := d.RuleID + "\x00" + d.Entity + "\x00" + d.Path
		if ev.seen[key] {
			continue
		}
		ev.seen[key] = true
		out = append(out, d)
	}
	if out == nil {
		out = []Diagnostic{}
	}
	return out
}

func (ev *evaluator) finalStatuses() []EntityStatus {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	out := make([]EntityStatus, 0, len(ev.states))
	for _, name := range ev.declarationOrder() {
		out = append(out, *ev.states[name])
	}
	return out
}

func canonicalCycle(cycle []string) string {
	members := append([]string{}, cycle...)
	sort.Strings(members)
	return strings.Join(members, "\x00")
}

func quote(s string) string {
	return "\"" + s + "\""
}

