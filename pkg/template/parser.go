package template

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// NoValueToken is the document-dialect pseudo reference for an omitted
// property value.
const NoValueToken = "AWS::NoValue"

// Issue is a single problem found while parsing a document.
type Issue struct {
	Path    string `json:"path,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

// ParseError aggregates all issues found in a document. Parsing is fatal:
// no rule runs against a template that failed to parse.
type ParseError struct {
	Issues []Issue
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if len(e.Issues) == 1 {
		i := e.Issues[0]
		if i.Path != "" {
			return fmt.Sprintf("parse error at %s: %s", i.Path, i.Message)
		}
		return fmt.Sprintf("parse error: %s", i.Message)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d parse errors:", len(e.Issues))
	for _, i := range e.Issues {
		if i.Path != "" {
			fmt.Fprintf(&sb, "\n  %s: %s", i.Path, i.Message)
		} else {
			fmt.Fprintf(&sb, "\n  %s", i.Message)
		}
	}
	return sb.String()
}

// Parser turns decoded documents into Templates. The zero value is not
// usable; construct with NewParser.
type Parser struct {
	strict   bool
	validate *validator.Validate
	schemas  *SchemaRegistry
}

// Option configures a Parser.
type Option func(*Parser)

// WithStrict enables strict mode: unknown keys at any structural level are
// rejected and the document shape is checked against the registered schema.
func WithStrict(strict bool) Option {
	return func(p *Parser) {
		p.strict = strict
	}
}

// NewParser creates a parser with the built-in template schema registered.
func NewParser(opts ...Option) *Parser {
	p := &Parser{
		validate: validator.New(),
		schemas:  NewSchemaRegistry(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse decodes raw YAML or JSON bytes into a Template. The returned error,
// if any, is a *ParseError.
func (p *Parser) Parse(raw []byte) (*Template, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, &ParseError{Issues: []Issue{{Message: err.Error()}}}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, &ParseError{Issues: []Issue{{Message: "empty document"}}}
	}
	return p.ParseNode(doc.Content[0])
}

// ParseNode builds a Template from an already-decoded document tree.
func (p *Parser) ParseNode(root *yaml.Node) (*Template, error) {
	root = deref(root)
	if root.Kind != yaml.MappingNode {
		return nil, &ParseError{Issues: []Issue{{
			Line: root.Line, Column: root.Column,
			Message: "template root must be a mapping",
		}}}
	}

	w := &walker{parser: p, declLines: make(map[string]int)}
	tpl := &Template{}

	for key, value := range w.pairs(root, "") {
		switch key.Value {
		case "Description":
			tpl.Description = value.Value
		case "Metadata":
			if err := value.Decode(&tpl.Metadata); err != nil {
				w.issuef("Metadata", value, "invalid metadata block: %v", err)
			}
		case "Parameters":
			tpl.Parameters = w.parameters(value)
		case "Conditions":
			tpl.Conditions = w.conditions(value)
		case "Resources":
			tpl.Resources = w.resources(value)
		case "Outputs":
			tpl.Outputs = w.outputs(value)
		case "Version", "AWSTemplateFormatVersion", "Transform":
			// Accepted and ignored.
		default:
			if p.strict {
				w.issuef("", key, "unknown top-level key %q", key.Value)
			}
		}
	}

	// Entity names are a single namespace: a name referenced anywhere must
	// resolve through exactly one section.
	declared := make(map[string]string)
	checkName := func(name, section string, line int) {
		if prev, ok := declared[name]; ok {
			w.issues = append(w.issues, Issue{
				Path: joinPath(section, name), Line: line,
				Message: fmt.Sprintf("name %q already declared in %s", name, prev),
			})
			return
		}
		declared[name] = section
	}
	for _, param := range tpl.Parameters {
		checkName(param.Name, "Parameters", w.declLine("Parameters", param.Name))
	}
	for _, cond := range tpl.Conditions {
		checkName(cond.Name, "Conditions", w.declLine("Conditions", cond.Name))
	}
	for _, res := range tpl.Resources {
		checkName(res.Name, "Resources", w.declLine("Resources", res.Name))
	}
	for _, out := range tpl.Outputs {
		checkName(out.Name, "Outputs", w.declLine("Outputs", out.Name))
	}

	if p.strict && len(w.issues) == 0 {
		// Short-tag intrinsics do not decode into a generic tree; the
		// schema check only covers documents without them.
		if tree := genericTree(root); tree != nil {
			if err := p.schemas.Validate("template", tree); err != nil {
				w.issues = append(w.issues, Issue{Message: err.Error()})
			}
		}
	}

	if len(w.issues) > 0 {
		return nil, &ParseError{Issues: w.issues}
	}

	tpl.reindex()
	return tpl, nil
}

// walker accumulates issues while descending the document tree.
type walker struct {
	parser *Parser
	issues []Issue

	// declLines records the source line of each declaration that parsed,
	// keyed by section and name, for cross-section duplicate reporting.
	declLines map[string]int
}

func (w *walker) declare(section, name string, key *yaml.Node) {
	w.declLines[section+"\x00"+name] = key.Line
}

func (w *walker) declLine(section, name string) int {
	return w.declLines[section+"\x00"+name]
}

func (w *walker) issuef(path string, n *yaml.Node, format string, args ...interface{}) {
	issue := Issue{Path: path, Message: fmt.Sprintf(format, args...)}
	if n != nil {
		issue.Line = n.Line
		issue.Column = n.Column
	}
	w.issues = append(w.issues, issue)
}

// pairs iterates a mapping node's key/value pairs in document order,
// reporting duplicate keys.
func (w *walker) pairs(n *yaml.Node, path string) func(func(*yaml.Node, *yaml.Node) bool) {
	return func(yield func(*yaml.Node, *yaml.Node) bool) {
		seen := make(map[string]bool)
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, value := n.Content[i], deref(n.Content[i+1])
			if seen[key.Value] {
				w.issuef(joinPath(path, key.Value), key, "duplicate key %q", key.Value)
				continue
			}
			seen[key.Value] = true
			if !yield(key, value) {
				return
			}
		}
	}
}

func (w *walker) parameters(n *yaml.Node) []*Parameter {
	if n.Kind != yaml.MappingNode {
		w.issuef("Parameters", n, "Parameters must be a mapping")
		return nil
	}
	var params []*Parameter
	for key, value := range w.pairs(n, "Parameters") {
		param := w.parameter(key.Value, value)
		if param != nil {
			w.declare("Parameters", param.Name, key)
			params = append(params, param)
		}
	}
	return params
}

func (w *walker) parameter(name string, n *yaml.Node) *Parameter {
	path := joinPath("Parameters", name)
	if n.Kind != yaml.MappingNode {
		w.issuef(path, n, "parameter body must be a mapping")
		return nil
	}

	param := &Parameter{Name: name}
	for key, value := range w.pairs(n, path) {
		switch key.Value {
		case "Type":
			param.Type = ParameterType(value.Value)
		case "Description":
			param.Description = value.Value
		case "Default":
			if err := value.Decode(&param.Default); err != nil {
				w.issuef(path, value, "invalid default: %v", err)
			}
		case "NoEcho":
			if err := value.Decode(&param.NoEcho); err != nil {
				w.issuef(path, value, "invalid NoEcho: %v", err)
			}
		case "AllowedValues":
			if err := value.Decode(&param.AllowedValues); err != nil {
				w.issuef(path, value, "invalid AllowedValues: %v", err)
			}
		case "AllowedPattern":
			param.AllowedPattern = value.Value
		case "MinLength":
			param.MinLength = decodeIntPtr(w, path, value)
		case "MaxLength":
			param.MaxLength = decodeIntPtr(w, path, value)
		case "MinValue":
			param.MinValue = decodeFloatPtr(w, path, value)
		case "MaxValue":
			param.MaxValue = decodeFloatPtr(w, path, value)
		case "ConstraintDescription":
			// Accepted and ignored.
		default:
			if w.parser.strict {
				w.issuef(path, key, "unknown parameter key %q", key.Value)
			}
		}
	}

	if err := w.parser.validate.Struct(param); err != nil {
		w.issuef(path, n, "invalid parameter declaration: %v", err)
		return nil
	}
	return param
}

func (w *walker) conditions(n *yaml.Node) []*Condition {
	if n.Kind != yaml.MappingNode {
		w.issuef("Conditions", n, "Conditions must be a mapping")
		return nil
	}
	var conds []*Condition
	for key, value := range w.pairs(n, "Conditions") {
		path := joinPath("Conditions", key.Value)
		body := w.expr(value, path)
		if body == nil {
			continue
		}
		if !isBooleanExpr(body) {
			w.issuef(path, value, "condition body must be a boolean expression tree")
			continue
		}
		w.declare("Conditions", key.Value, key)
		conds = append(conds, &Condition{Name: key.Value, Body: body})
	}
	return conds
}

func (w *walker) resources(n *yaml.Node) []*Resource {
	if n.Kind != yaml.MappingNode {
		w.issuef("Resources", n, "Resources must be a mapping")
		return nil
	}
	var resources []*Resource
	for key, value := range w.pairs(n, "Resources") {
		res := w.resource(key.Value, value)
		if res != nil {
			w.declare("Resources", res.Name, key)
			resources = append(resources, res)
		}
	}
	return resources
}

func (w *walker) resource(name string, n *yaml.Node) *Resource {
	path := joinPath("Resources", name)
	if n.Kind != yaml.MappingNode {
		w.issuef(path, n, "resource body must be a mapping")
		return nil
	}

	res := &Resource{Name: name}
	for key, value := range w.pairs(n, path) {
		switch key.Value {
		case "Type":
			res.Type = value.Value
		case "Properties":
			res.Properties = w.expr(value, joinPath(path, "Properties"))
		case "Condition":
			res.Condition = value.Value
		case "DependsOn":
			res.DependsOn = decodeStringList(w, path, value)
		case "DeletionPolicy":
			res.DeletionPolicy = value.Value
		case "UpdateReplacePolicy":
			res.UpdateReplacePolicy = value.Value
		case "Metadata":
			if err := value.Decode(&res.Metadata); err != nil {
				w.issuef(path, value, "invalid metadata block: %v", err)
			}
		default:
			if w.parser.strict {
				w.issuef(path, key, "unknown resource key %q", key.Value)
			}
		}
	}

	if err := w.parser.validate.Struct(res); err != nil {
		w.issuef(path, n, "invalid resource declaration: %v", err)
		return nil
	}
	if res.Properties == nil {
		res.Properties = &Expr{Kind: ExprMap, Fields: map[string]*Expr{}}
	}
	return res
}

func (w *walker) outputs(n *yaml.Node) []*Output {
	if n.Kind != yaml.MappingNode {
		w.issuef("Outputs", n, "Outputs must be a mapping")
		return nil
	}
	var outputs []*Output
	for key, value := range w.pairs(n, "Outputs") {
		path := joinPath("Outputs", key.Value)
		if value.Kind != yaml.MappingNode {
			w.issuef(path, value, "output body must be a mapping")
			continue
		}
		out := &Output{Name: key.Value}
		for k, v := range w.pairs(value, path) {
			switch k.Value {
			case "Description":
				out.Description = v.Value
			case "Value":
				out.Value = w.expr(v, joinPath(path, "Value"))
			case "Condition":
				out.Condition = v.Value
			case "Export":
				for ek, ev := range w.pairs(v, joinPath(path, "Export")) {
					if ek.Value == "Name" {
						out.ExportName = w.expr(ev, joinPath(path, "Export.Name"))
					}
				}
			default:
				if w.parser.strict {
					w.issuef(path, k, "unknown output key %q", k.Value)
				}
			}
		}
		if out.Value == nil {
			w.issuef(path, value, "output has no Value")
			continue
		}
		w.declare("Outputs", out.Name, key)
		outputs = append(outputs, out)
	}
	return outputs
}

// expr decodes one expression node, recognizing both long-form intrinsics
// ({"Ref": ...}, {"Fn::GetAtt": ...}) and YAML short tags (!Ref, !GetAtt).
func (w *walker) expr(n *yaml.Node, path string) *Expr {
	n = deref(n)

	if tag := shortTag(n.Tag); tag != "" {
		return w.intrinsic(tag, n, path)
	}

	switch n.Kind {
	case yaml.ScalarNode:
		var v interface{}
		if err := n.Decode(&v); err != nil {
			w.issuef(path, n, "invalid scalar: %v", err)
			return nil
		}
		return &Expr{Kind: ExprLiteral, Literal: v}

	case yaml.SequenceNode:
		items := make([]*Expr, 0, len(n.Content))
		for i, item := range n.Content {
			e := w.expr(item, fmt.Sprintf("%s[%d]", path, i))
			if e == nil {
				return nil
			}
			items = append(items, e)
		}
		return &Expr{Kind: ExprList, Items: items}

	case yaml.MappingNode:
		if len(n.Content) == 2 {
			if name := intrinsicName(n.Content[0].Value); name != "" {
				return w.intrinsic(name, deref(n.Content[1]), path)
			}
		}
		e := &Expr{Kind: ExprMap, Fields: make(map[string]*Expr)}
		for key, value := range w.pairs(n, path) {
			child := w.expr(value, joinPath(path, key.Value))
			if child == nil {
				return nil
			}
			e.Keys = append(e.Keys, key.Value)
			e.Fields[key.Value] = child
		}
		return e

	default:
		w.issuef(path, n, "unsupported node kind")
		return nil
	}
}

// intrinsic builds the expression node for one intrinsic function given its
// argument node.
func (w *walker) intrinsic(name string, arg *yaml.Node, path string) *Expr {
	switch name {
	case "Ref", "Condition":
		if arg.Kind != yaml.ScalarNode {
			w.issuef(path, arg, "%s argument must be a name", name)
			return nil
		}
		if arg.Value == NoValueToken {
			return &Expr{Kind: ExprNoValue}
		}
		return &Expr{Kind: ExprRef, Name: arg.Value}

	case "Fn::GetAtt":
		if arg.Kind == yaml.ScalarNode {
			res, attr, ok := splitGetAtt(arg.Value)
			if !ok {
				w.issuef(path, arg, "Fn::GetAtt shorthand must be Resource.Attribute")
				return nil
			}
			return &Expr{Kind: ExprGetAtt, Name: res, Attr: attr}
		}
		parts := w.scalarList(arg, path, name)
		if len(parts) != 2 {
			w.issuef(path, arg, "Fn::GetAtt expects [resource, attribute]")
			return nil
		}
		return &Expr{Kind: ExprGetAtt, Name: parts[0], Attr: parts[1]}

	case "Fn::If":
		if arg.Kind != yaml.SequenceNode || len(arg.Content) != 3 {
			w.issuef(path, arg, "Fn::If expects [condition, then, else]")
			return nil
		}
		cond := deref(arg.Content[0])
		thenE := w.expr(arg.Content[1], path)
		elseE := w.expr(arg.Content[2], path)
		if cond.Kind != yaml.ScalarNode || thenE == nil || elseE == nil {
			w.issuef(path, arg, "Fn::If expects [condition, then, else]")
			return nil
		}
		return &Expr{Kind: ExprIf, Name: cond.Value, Then: thenE, Else: elseE}

	case "Fn::Join":
		if arg.Kind != yaml.SequenceNode || len(arg.Content) != 2 {
			w.issuef(path, arg, "Fn::Join expects [separator, parts]")
			return nil
		}
		sep := deref(arg.Content[0])
		parts := deref(arg.Content[1])
		if sep.Kind != yaml.ScalarNode || parts.Kind != yaml.SequenceNode {
			w.issuef(path, arg, "Fn::Join expects [separator, parts]")
			return nil
		}
		e := &Expr{Kind: ExprJoin, Sep: sep.Value}
		for i, item := range parts.Content {
			part := w.expr(item, fmt.Sprintf("%s[%d]", path, i))
			if part == nil {
				return nil
			}
			e.Items = append(e.Items, part)
		}
		return e

	case "Fn::Select":
		if arg.Kind != yaml.SequenceNode || len(arg.Content) != 2 {
			w.issuef(path, arg, "Fn::Select expects [index, list]")
			return nil
		}
		idx := w.expr(arg.Content[0], path)
		list := w.expr(arg.Content[1], path)
		if idx == nil || list == nil {
			return nil
		}
		return &Expr{Kind: ExprSelect, Index: idx, X: list}

	case "Fn::Sub":
		if arg.Kind == yaml.ScalarNode {
			return &Expr{Kind: ExprSub, SubTemplate: arg.Value}
		}
		if arg.Kind != yaml.SequenceNode || len(arg.Content) != 2 {
			w.issuef(path, arg, "Fn::Sub expects a string or [string, bindings]")
			return nil
		}
		tmpl := deref(arg.Content[0])
		bindings := deref(arg.Content[1])
		if tmpl.Kind != yaml.ScalarNode || bindings.Kind != yaml.MappingNode {
			w.issuef(path, arg, "Fn::Sub expects a string or [string, bindings]")
			return nil
		}
		e := &Expr{Kind: ExprSub, SubTemplate: tmpl.Value, SubBindings: make(map[string]*Expr)}
		for key, value := range w.pairs(bindings, path) {
			b := w.expr(value, joinPath(path, key.Value))
			if b == nil {
				return nil
			}
			e.SubKeys = append(e.SubKeys, key.Value)
			e.SubBindings[key.Value] = b
		}
		return e

	case "Fn::Not":
		if arg.Kind != yaml.SequenceNode || len(arg.Content) != 1 {
			w.issuef(path, arg, "Fn::Not expects [expression]")
			return nil
		}
		x := w.expr(arg.Content[0], path)
		if x == nil {
			return nil
		}
		return &Expr{Kind: ExprNot, X: x}

	case "Fn::Equals":
		if arg.Kind != yaml.SequenceNode || len(arg.Content) != 2 {
			w.issuef(path, arg, "Fn::Equals expects [a, b]")
			return nil
		}
		a := w.expr(arg.Content[0], path)
		b := w.expr(arg.Content[1], path)
		if a == nil || b == nil {
			return nil
		}
		return &Expr{Kind: ExprEquals, Items: []*Expr{a, b}}

	default:
		w.issuef(path, arg, "unsupported intrinsic %q", name)
		return nil
	}
}

// scalarList decodes a sequence of scalars.
func (w *walker) scalarList(n *yaml.Node, path, intrinsic string) []string {
	if n.Kind != yaml.SequenceNode {
		w.issuef(path, n, "%s expects a list", intrinsic)
		return nil
	}
	out := make([]string, 0, len(n.Content))
	for _, item := range n.Content {
		item = deref(item)
		if item.Kind != yaml.ScalarNode {
			w.issuef(path, item, "%s expects scalar elements", intrinsic)
			return nil
		}
		out = append(out, item.Value)
	}
	return out
}

// isBooleanExpr reports whether the node can head a condition body.
func isBooleanExpr(e *Expr) bool {
	switch e.Kind {
	case ExprEquals, ExprNot, ExprRef, ExprIf:
		return true
	default:
		return false
	}
}

// intrinsicName maps a long-form mapping key to its intrinsic name.
func intrinsicName(key string) string {
	switch key {
	case "Ref", "Condition",
		"Fn::GetAtt", "Fn::If", "Fn::Join", "Fn::Select",
		"Fn::Sub", "Fn::Not", "Fn::Equals":
		return key
	default:
		return ""
	}
}

// shortTag maps a YAML custom tag to its long-form intrinsic name.
func shortTag(tag string) string {
	switch tag {
	case "!Ref":
		return "Ref"
	case "!Condition":
		return "Condition"
	case "!GetAtt":
		return "Fn::GetAtt"
	case "!If":
		return "Fn::If"
	case "!Join":
		return "Fn::Join"
	case "!Select":
		return "Fn::Select"
	case "!Sub":
		return "Fn::Sub"
	case "!Not":
		return "Fn::Not"
	case "!Equals":
		return "Fn::Equals"
	default:
		return ""
	}
}

// splitGetAtt splits the "Resource.Attribute" shorthand. Attributes may
// themselves contain dots, so only the first dot splits.
func splitGetAtt(s string) (string, string, bool) {
	idx := strings.IndexByte(s, '.')
	if idx <= 0 || idx == len(s)-1 {
		return "", "", false
	}
	return s[:idx], s[idx+1:], true
}

func decodeIntPtr(w *walker, path string, n *yaml.Node) *int {
	var v int
	if err := n.Decode(&v); err != nil {
		w.issuef(path, n, "expected integer: %v", err)
		return nil
	}
	return &v
}

func decodeFloatPtr(w *walker, path string, n *yaml.Node) *float64 {
	var v float64
	if err := n.Decode(&v); err != nil {
		w.issuef(path, n, "expected number: %v", err)
		return nil
	}
	return &v
}

func decodeStringList(w *walker, path string, n *yaml.Node) []string {
	if n.Kind == yaml.ScalarNode {
		return []string{n.Value}
	}
	var out []string
	if err := n.Decode(&out); err != nil {
		w.issuef(path, n, "expected string or list of strings: %v", err)
		return nil
	}
	return out
}

// deref follows alias nodes.
func deref(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	return n
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

// genericTree decodes a node into plain Go values for schema validation.
// Mapping keys are sorted so validation output is stable.
func genericTree(n *yaml.Node) interface{} {
	var v interface{}
	if err := n.Decode(&v); err != nil {
		return nil
	}
	return sortKeys(v)
}

func sortKeys(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]interface{}, len(t))
		for _, k := range keys {
			out[k] = sortKeys(t[k])
		}
		return out
	case []interface{}:
		for i := range t {
			t[i] = sortKeys(t[i])
		}
		return t
	default:
		return v
	}
}
