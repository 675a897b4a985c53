package expr

import (
	"errors"
	"strconv"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/stacklint/stacklint/pkg/template"
)

// Resolver evaluates expression trees against a binding environment.
// Resolution is pure: a Resolver holds no mutable state of its own and is
// safe for concurrent use; memoization lives in the Env.
type Resolver struct {
	tpl *template.Template
}

// NewResolver creates a resolver for one template.
func NewResolver(tpl *template.Template) *Resolver {
	return &Resolver{tpl: tpl}
}

// Resolve evaluates a single expression. Unknown inputs propagate as
// unknown values; structural failures return a classified *Error.
func (r *Resolver) Resolve(e *template.Expr, env *Env) (cty.Value, error) {
	ev := &evaluation{resolver: r, env: env, visiting: make(map[string]bool)}
	return ev.eval(e, "")
}

// ResolveResource materializes a resource's property tree as an object
// value. Properties resolving to NoValue are omitted.
func (r *Resolver) ResolveResource(res *template.Resource, env *Env) (cty.Value, error) {
	ev := &evaluation{resolver: r, env: env, visiting: make(map[string]bool)}
	return ev.eval(res.Properties, "Properties")
}

// Condition evaluates a named condition, memoized per environment
// fingerprint. The result is a boolean value, possibly unknown when the
// condition depends on deploy-time-only inputs.
func (r *Resolver) Condition(name string, env *Env) (cty.Value, error) {
	ev := &evaluation{resolver: r, env: env, visiting: make(map[string]bool)}
	return ev.condition(name, "")
}

// evaluation is the per-call state of one resolution: the visiting set
// detects cycles through conditions and attribute echoes.
type evaluation struct {
	resolver *Resolver
	env      *Env
	visiting map[string]bool
}

func (ev *evaluation) eval(e *template.Expr, path string) (cty.Value, error) {
	if e == nil {
		return cty.NullVal(cty.DynamicPseudoType), nil
	}

	switch e.Kind {
	case template.ExprLiteral:
		return fromGo(e.Literal), nil

	case template.ExprMap:
		attrs := make(map[string]cty.Value, len(e.Keys))
		for _, key := range e.Keys {
			v, err := ev.eval(e.Fields[key], joinPath(path, key))
			if err != nil {
				return cty.NilVal, err
			}
			if IsNoValue(v) {
				continue
			}
			attrs[key] = v
		}
		if len(attrs) == 0 {
			return cty.EmptyObjectVal, nil
		}
		return cty.ObjectVal(attrs), nil

	case template.ExprList:
		items := make([]cty.Value, 0, len(e.Items))
		for i, item := range e.Items {
			v, err := ev.eval(item, indexPath(path, i))
			if err != nil {
				return cty.NilVal, err
			}
			if IsNoValue(v) {
				continue
			}
			items = append(items, v)
		}
		if len(items) == 0 {
			return cty.EmptyTupleVal, nil
		}
		return cty.TupleVal(items), nil

	case template.ExprRef:
		return ev.ref(e.Name, path)

	case template.ExprGetAtt:
		return ev.getAtt(e.Name, e.Attr, path)

	case template.ExprIf:
		cond, err := ev.condition(e.Name, path)
		if err != nil {
			return cty.NilVal, err
		}
		inner, _ := cond.Unmark()
		if !inner.IsKnown() {
			// Parameter-dependent branch selection: inconclusive, not a
			// guess.
			return cty.DynamicVal, nil
		}
		if inner.True() {
			return ev.eval(e.Then, path)
		}
		return ev.eval(e.Else, path)

	case template.ExprJoin:
		return ev.join(e, path)

	case template.ExprSelect:
		return ev.sel(e, path)

	case template.ExprSub:
		return ev.sub(e, path)

	case template.ExprNot:
		v, err := ev.eval(e.X, path)
		if err != nil {
			return cty.NilVal, err
		}
		inner, marks := v.Unmark()
		if !inner.IsKnown() {
			return cty.UnknownVal(cty.Bool).WithMarks(marks), nil
		}
		if inner.Type() != cty.Bool {
			return cty.NilVal, newError(ErrTypeMismatch, path, "Fn::Not operand is %s, not boolean", inner.Type().FriendlyName())
		}
		return cty.BoolVal(!inner.True()).WithMarks(marks), nil

	case template.ExprEquals:
		return ev.equals(e, path)

	case template.ExprNoValue:
		return NoValue, nil

	default:
		return cty.NilVal, newError(ErrMalformedExpression, path, "unknown expression kind %d", e.Kind)
	}
}

// ref resolves a bare name: parameter binding, pseudo value, resource
// handle, or condition result, in that order.
func (ev *evaluation) ref(name, path string) (cty.Value, error) {
	if _, ok := ev.resolver.tpl.Parameter(name); ok {
		v, _ := ev.env.Param(name)
		return v, nil
	}
	if v, ok := ev.env.Pseudo(name); ok {
		return v, nil
	}
	if _, ok := ev.resolver.tpl.Resource(name); ok {
		return ResourceHandle(name), nil
	}
	if _, ok := ev.resolver.tpl.Condition(name); ok {
		return ev.condition(name, path)
	}
	return cty.NilVal, newError(ErrUnresolvedReference, path, "reference to undeclared name %q", name)
}

// getAtt resolves an attribute reference. An attribute that echoes a
// declared property resolves to that property's value; anything else is a
// deferred token known only at deploy time.
func (ev *evaluation) getAtt(resource, attribute, path string) (cty.Value, error) {
	res, ok := ev.resolver.tpl.Resource(resource)
	if !ok {
		return cty.NilVal, newError(ErrUnresolvedReference, path, "attribute reference to undeclared resource %q", resource)
	}

	props := res.Properties
	if props != nil && props.Kind == template.ExprMap {
		if echo, ok := props.Fields[attribute]; ok {
			key := "attr:" + resource + "." + attribute
			if ev.visiting[key] {
				return cty.NilVal, newError(ErrCyclicExpression, path, "attribute %s.%s participates in a reference cycle", resource, attribute)
			}
			ev.visiting[key] = true
			v, err := ev.eval(echo, path)
			delete(ev.visiting, key)
			if err == nil {
				return v, nil
			}
			var resErr *Error
			if errors.As(err, &resErr) && resErr.Kind == ErrCyclicExpression {
				return cty.NilVal, err
			}
			// The echoed property is broken for reasons local to its owning
			// resource; the referencing entity sees a deferred token.
		}
	}
	return DeferredAttribute(resource, attribute), nil
}

// condition evaluates a named condition with memoization and cycle
// detection.
func (ev *evaluation) condition(name, path string) (cty.Value, error) {
	if v, ok := ev.env.cachedCondition(name); ok {
		return v, nil
	}

	cond, ok := ev.resolver.tpl.Condition(name)
	if !ok {
		return cty.NilVal, newError(ErrUnresolvedReference, path, "reference to undeclared condition %q", name)
	}

	key := "cond:" + name
	if ev.visiting[key] {
		return cty.NilVal, newError(ErrCyclicExpression, path, "condition %q participates in a reference cycle", name)
	}
	ev.visiting[key] = true
	v, err := ev.eval(cond.Body, "Conditions."+name)
	delete(ev.visiting, key)
	if err != nil {
		return cty.NilVal, err
	}

	inner, marks := v.Unmark()
	if !inner.IsKnown() {
		result := cty.UnknownVal(cty.Bool).WithMarks(marks)
		ev.env.storeCondition(name, result)
		return result, nil
	}
	if inner.Type() != cty.Bool {
		return cty.NilVal, newError(ErrTypeMismatch, path, "condition %q resolved to %s, not boolean", name, inner.Type().FriendlyName())
	}

	ev.env.storeCondition(name, v)
	return v, nil
}

// join concatenates string parts with a separator. NoValue parts are
// dropped; any unknown part makes the whole result unknown.
func (ev *evaluation) join(e *template.Expr, path string) (cty.Value, error) {
	parts := make([]string, 0, len(e.Items))
	marks := make(cty.ValueMarks)
	unknown := false

	for i, item := range e.Items {
		v, err := ev.eval(item, indexPath(path, i))
		if err != nil {
			return cty.NilVal, err
		}
		if IsNoValue(v) {
			continue
		}
		inner, m := v.Unmark()
		for mark := range m {
			marks[mark] = struct{}{}
		}
		if !inner.IsKnown() {
			unknown = true
			continue
		}
		s, ok := stringify(inner)
		if !ok {
			return cty.NilVal, newError(ErrMalformedExpression, indexPath(path, i), "Fn::Join part is %s, not a string", inner.Type().FriendlyName())
		}
		parts = append(parts, s)
	}

	if unknown {
		return cty.UnknownVal(cty.String).WithMarks(marks), nil
	}
	return cty.StringVal(strings.Join(parts, e.Sep)).WithMarks(marks), nil
}

// sel picks one element of a list by index.
func (ev *evaluation) sel(e *template.Expr, path string) (cty.Value, error) {
	idxVal, err := ev.eval(e.Index, path)
	if err != nil {
		return cty.NilVal, err
	}
	listVal, err := ev.eval(e.X, path)
	if err != nil {
		return cty.NilVal, err
	}

	idxInner, idxMarks := idxVal.Unmark()
	listInner, listMarks := listVal.Unmark()
	merged := mergeMarks(idxMarks, listMarks)

	if !idxInner.IsKnown() || !listInner.IsKnown() {
		return cty.DynamicVal.WithMarks(merged), nil
	}
	if idxInner.Type() != cty.Number {
		return cty.NilVal, newError(ErrTypeMismatch, path, "Fn::Select index is %s, not a number", idxInner.Type().FriendlyName())
	}
	ty := listInner.Type()
	if !ty.IsTupleType() && !ty.IsListType() {
		return cty.NilVal, newError(ErrTypeMismatch, path, "Fn::Select target is %s, not a list", ty.FriendlyName())
	}

	idx, _ := idxInner.AsBigFloat().Int64()
	length := int64(listInner.LengthInt())
	if idx < 0 || idx >= length {
		return cty.NilVal, newError(ErrMalformedExpression, path, "Fn::Select index %d out of range for list of length %d", idx, length)
	}
	return listInner.Index(cty.NumberIntVal(idx)).WithMarks(merged), nil
}

// sub substitutes ${...} placeholders. Local bindings shadow template
// names; ${!name} renders a literal ${name}.
func (ev *evaluation) sub(e *template.Expr, path string) (cty.Value, error) {
	var sb strings.Builder
	marks := make(cty.ValueMarks)
	unknown := false

	tmpl := e.SubTemplate
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] != '$' || i+1 >= len(tmpl) || tmpl[i+1] != '{' {
			sb.WriteByte(tmpl[i])
			continue
		}
		end := strings.IndexByte(tmpl[i:], '}')
		if end < 0 {
			return cty.NilVal, newError(ErrMalformedExpression, path, "Fn::Sub template has unterminated placeholder")
		}
		end += i
		name := tmpl[i+2 : end]
		i = end

		if strings.HasPrefix(name, "!") {
			sb.WriteString("${" + name[1:] + "}")
			continue
		}

		v, err := ev.subPlaceholder(e, name, path)
		if err != nil {
			return cty.NilVal, err
		}
		inner, m := v.Unmark()
		for mark := range m {
			marks[mark] = struct{}{}
		}
		if !inner.IsKnown() {
			unknown = true
			continue
		}
		s, ok := stringify(inner)
		if !ok {
			return cty.NilVal, newError(ErrMalformedExpression, path, "Fn::Sub placeholder %q is %s, not a string", name, inner.Type().FriendlyName())
		}
		sb.WriteString(s)
	}

	if unknown {
		return cty.UnknownVal(cty.String).WithMarks(marks), nil
	}
	return cty.StringVal(sb.String()).WithMarks(marks), nil
}

func (ev *evaluation) subPlaceholder(e *template.Expr, name, path string) (cty.Value, error) {
	if binding, ok := e.SubBindings[name]; ok {
		return ev.eval(binding, path)
	}
	if strings.Contains(name, "::") {
		if v, ok := ev.env.Pseudo(name); ok {
			return v, nil
		}
		return cty.NilVal, newError(ErrUnresolvedReference, path, "Fn::Sub placeholder references unknown pseudo value %q", name)
	}
	if idx := strings.IndexByte(name, '.'); idx > 0 {
		return ev.getAtt(name[:idx], name[idx+1:], path)
	}
	return ev.ref(name, path)
}

// equals compares two resolved scalars structurally. Comparing anything
// unknown, including two deferred tokens, is inconclusive: an unknown
// boolean, never a silent true or false.
func (ev *evaluation) equals(e *template.Expr, path string) (cty.Value, error) {
	a, err := ev.eval(e.Items[0], path)
	if err != nil {
		return cty.NilVal, err
	}
	b, err := ev.eval(e.Items[1], path)
	if err != nil {
		return cty.NilVal, err
	}

	aInner, aMarks := a.Unmark()
	bInner, bMarks := b.Unmark()
	merged := mergeMarks(aMarks, bMarks)

	if !aInner.IsWhollyKnown() || !bInner.IsWhollyKnown() {
		return cty.UnknownVal(cty.Bool).WithMarks(merged), nil
	}

	if !isScalar(aInner) || !isScalar(bInner) {
		return cty.NilVal, newError(ErrTypeMismatch, path, "Fn::Equals compares scalars only")
	}
	if aInner.IsNull() || bInner.IsNull() {
		return cty.BoolVal(aInner.IsNull() && bInner.IsNull()).WithMarks(merged), nil
	}

	as, _ := stringify(aInner)
	bs, _ := stringify(bInner)
	return cty.BoolVal(as == bs).WithMarks(merged), nil
}

// stringify renders a known primitive value in its document string form.
func stringify(v cty.Value) (string, bool) {
	if v.IsNull() {
		return "", false
	}
	switch v.Type() {
	case cty.String:
		return v.AsString(), true
	case cty.Number:
		return v.AsBigFloat().Text('f', -1), true
	case cty.Bool:
		if v.True() {
			return "true", true
		}
		return "false", true
	default:
		return "", false
	}
}

func isScalar(v cty.Value) bool {
	if v.IsNull() {
		return true
	}
	switch v.Type() {
	case cty.String, cty.Number, cty.Bool:
		return true
	default:
		return false
	}
}

func mergeMarks(a, b cty.ValueMarks) cty.ValueMarks {
	out := make(cty.ValueMarks, len(a)+len(b))
	for m := range a {
		out[m] = struct{}{}
	}
	for m := range b {
		out[m] = struct{}{}
	}
	return out
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

func indexPath(base string, i int) string {
	return base + "[" + strconv.Itoa(i) + "]"
}
