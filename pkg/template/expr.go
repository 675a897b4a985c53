package template

// ExprKind tags the variants of the expression language. The language is
// closed and small: evaluation is exhaustive over these kinds.
type ExprKind int

const (
	// ExprLiteral is a scalar literal (string, number, boolean, or null).
	ExprLiteral ExprKind = iota

	// ExprMap is an ordered mapping of property names to expressions.
	ExprMap

	// ExprList is an ordered sequence of expressions.
	ExprList

	// ExprRef references a parameter, pseudo value, or resource by name.
	ExprRef

	// ExprGetAtt references an attribute of a resource. Attribute values
	// are generally deploy-time-only and resolve to deferred tokens.
	ExprGetAtt

	// ExprIf selects between two branches based on a named condition.
	ExprIf

	// ExprJoin concatenates string parts with a separator.
	ExprJoin

	// ExprSelect picks an element from a list by index.
	ExprSelect

	// ExprSub substitutes ${...} placeholders in a template string.
	ExprSub

	// ExprNot negates a boolean operand.
	ExprNot

	// ExprEquals compares two resolved scalar values structurally.
	ExprEquals

	// ExprNoValue marks an omitted property.
	ExprNoValue
)

// String returns the document-dialect name of the expression kind.
func (k ExprKind) String() string {
	switch k {
	case ExprLiteral:
		return "Literal"
	case ExprMap:
		return "Map"
	case ExprList:
		return "List"
	case ExprRef:
		return "Ref"
	case ExprGetAtt:
		return "Fn::GetAtt"
	case ExprIf:
		return "Fn::If"
	case ExprJoin:
		return "Fn::Join"
	case ExprSelect:
		return "Fn::Select"
	case ExprSub:
		return "Fn::Sub"
	case ExprNot:
		return "Fn::Not"
	case ExprEquals:
		return "Fn::Equals"
	case ExprNoValue:
		return "NoValue"
	default:
		return "Unknown"
	}
}

// Expr is one node of the expression language. Only the fields relevant to
// Kind are populated; the zero Expr is an untyped null literal.
type Expr struct {
	Kind ExprKind

	// Literal holds the scalar for ExprLiteral.
	Literal interface{}

	// Keys and Fields hold an ordered mapping for ExprMap.
	Keys   []string
	Fields map[string]*Expr

	// Items holds the elements of ExprList, the parts of ExprJoin, and the
	// two operands of ExprEquals.
	Items []*Expr

	// Name is the referenced entity for ExprRef and ExprIf (condition
	// name), and the resource name for ExprGetAtt.
	Name string

	// Attr is the attribute name for ExprGetAtt.
	Attr string

	// Sep is the separator for ExprJoin.
	Sep string

	// Then and Else are the branches of ExprIf.
	Then *Expr
	Else *Expr

	// Index is the index expression for ExprSelect; X is its list operand.
	// X is also the operand of ExprNot.
	Index *Expr
	X     *Expr

	// SubTemplate and SubBindings hold the template string and local
	// bindings for ExprSub. SubKeys preserves binding order.
	SubTemplate string
	SubKeys     []string
	SubBindings map[string]*Expr
}

// Reference is one name mentioned by an expression, discovered by Walk.
// Attr is set for attribute references.
type Reference struct {
	Name string
	Attr string

	// Condition is true when the name refers to a condition (Fn::If).
	Condition bool
}

// References collects every entity name mentioned anywhere in the
// expression tree, in depth-first order.
func (e *Expr) References() []Reference {
	var refs []Reference
	e.walk(func(n *Expr) {
		switch n.Kind {
		case ExprRef:
			refs = append(refs, Reference{Name: n.Name})
		case ExprGetAtt:
			refs = append(refs, Reference{Name: n.Name, Attr: n.Attr})
		case ExprIf:
			refs = append(refs, Reference{Name: n.Name, Condition: true})
		case ExprSub:
			for _, name := range subPlaceholders(n.SubTemplate) {
				if _, local := n.SubBindings[name]; local {
					continue
				}
				if res, attr, ok := splitAttr(name); ok {
					refs = append(refs, Reference{Name: res, Attr: attr})
				} else {
					refs = append(refs, Reference{Name: name})
				}
			}
		}
	})
	return refs
}

// walk visits every node of the tree in depth-first order.
func (e *Expr) walk(fn func(*Expr)) {
	if e == nil {
		return
	}
	fn(e)
	for _, k := range e.Keys {
		e.Fields[k].walk(fn)
	}
	for _, item := range e.Items {
		item.walk(fn)
	}
	for _, k := range e.SubKeys {
		e.SubBindings[k].walk(fn)
	}
	e.Then.walk(fn)
	e.Else.walk(fn)
	e.Index.walk(fn)
	e.X.walk(fn)
}

// subPlaceholders extracts the ${...} placeholder names from a substitution
// template. ${!literal} escapes are skipped.
func subPlaceholders(tmpl string) []string {
	var names []string
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] != '$' || i+1 >= len(tmpl) || tmpl[i+1] != '{' {
			continue
		}
		end := -1
		for j := i + 2; j < len(tmpl); j++ {
			if tmpl[j] == '}' {
				end = j
				break
			}
		}
		if end < 0 {
			break
		}
		name := tmpl[i+2 : end]
		if len(name) > 0 && name[0] != '!' {
			names = append(names, name)
		}
		i = end
	}
	return names
}

// splitAttr splits "Resource.Attribute" placeholder syntax. Names
// containing "::" are pseudo values, not attribute references.
func splitAttr(name string) (string, string, bool) {
	for i := 0; i < len(name); i++ {
		if name[i] == ':' {
			return "", "", false
		}
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			return name[:i], name[i+1:], true
		}
	}
	return "", "", false
}
