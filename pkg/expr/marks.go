// Package expr resolves the template expression language against a binding
// environment. Resolved values are cty values: deploy-time-only inputs are
// unknown values carrying marks that identify their origin, so rules can
// tell a deferred attribute from a plain unknown and state their own policy
// for it.
package expr

import (
	"github.com/zclconf/go-cty/cty"
)

// ResourceMark marks a value standing in for a resource's deploy-time
// identity (the result of referencing a resource by name).
type ResourceMark struct {
	Resource string
}

// AttrMark marks a deferred attribute token: an attribute whose value is
// only known at deploy time.
type AttrMark struct {
	Resource  string
	Attribute string
}

// noValueMark tags the omitted-property token.
type noValueMark struct{}

// NoValue is the resolution result of the no-value pseudo reference. A
// property resolving to NoValue is omitted from its parent, never an empty
// string.
var NoValue = cty.NullVal(cty.DynamicPseudoType).Mark(noValueMark{})

// IsNoValue reports whether v is the omitted-property token.
func IsNoValue(v cty.Value) bool {
	return v.HasMark(noValueMark{})
}

// ResourceHandle returns the opaque identity value for a declared resource.
// The physical identity is not known statically, but the handle is a known
// value: rules can compare it and trace it back to its resource.
func ResourceHandle(name string) cty.Value {
	return cty.StringVal(name).Mark(ResourceMark{Resource: name})
}

// DeferredAttribute returns the symbolic token for an attribute that cannot
// be determined from declared properties.
func DeferredAttribute(resource, attribute string) cty.Value {
	return cty.UnknownVal(cty.String).Mark(AttrMark{Resource: resource, Attribute: attribute})
}

// IsDeferred reports whether v is (or contains) a deferred attribute token.
func IsDeferred(v cty.Value) bool {
	if v == cty.NilVal {
		return false
	}
	_, marks := v.UnmarkDeep()
	for m := range marks {
		if _, ok := m.(AttrMark); ok {
			return true
		}
	}
	return false
}

// Inconclusive reports whether a resolved value cannot be determined
// statically. Rules that depend on an inconclusive value must either assume
// worst case or skip with an inconclusive status; that policy is
// rule-specific.
func Inconclusive(v cty.Value) bool {
	if v == cty.NilVal {
		return true
	}
	return !v.IsWhollyKnown()
}

// Attr returns the named attribute of an object value, or cty.NilVal when
// the value is not an object or has no such attribute. Unknown values
// propagate as unknown.
func Attr(v cty.Value, name string) cty.Value {
	if v == cty.NilVal || v.IsNull() {
		return cty.NilVal
	}
	inner, marks := v.Unmark()
	if !inner.Type().IsObjectType() {
		return cty.NilVal
	}
	if !inner.Type().HasAttribute(name) {
		return cty.NilVal
	}
	if !inner.IsKnown() {
		return cty.UnknownVal(inner.Type().AttributeType(name)).WithMarks(marks)
	}
	return inner.GetAttr(name).WithMarks(marks)
}

// Path returns the value at a dotted attribute path, or cty.NilVal.
func Path(v cty.Value, names ...string) cty.Value {
	for _, name := range names {
		v = Attr(v, name)
		if v == cty.NilVal {
			return cty.NilVal
		}
	}
	return v
}

// Elements returns the element values of a list or tuple value, or nil when
// the value is not a known sequence.
func Elements(v cty.Value) []cty.Value {
	if v == cty.NilVal || v.IsNull() {
		return nil
	}
	inner, marks := v.Unmark()
	ty := inner.Type()
	if !ty.IsTupleType() && !ty.IsListType() && !ty.IsSetType() {
		return nil
	}
	if !inner.IsKnown() {
		return nil
	}
	out := make([]cty.Value, 0, inner.LengthInt())
	for it := inner.ElementIterator(); it.Next(); {
		_, ev := it.Element()
		out = append(out, ev.WithMarks(marks))
	}
	return out
}

// AsString returns the string form of a known primitive value.
func AsString(v cty.Value) (string, bool) {
	if v == cty.NilVal || v.IsNull() {
		return "", false
	}
	inner, _ := v.Unmark()
	if !inner.IsKnown() {
		return "", false
	}
	switch inner.Type() {
	case cty.String:
		return inner.AsString(), true
	case cty.Number:
		return inner.AsBigFloat().Text('f', -1), true
	case cty.Bool:
		if inner.True() {
			return "true", true
		}
		return "false", true
	default:
		return "", false
	}
}
