package expr

import (
	"testing"

	"github.com/zclconf/go-cty/cty"

	"github.com/stacklint/stacklint/pkg/template"
)

func parseTemplate(t *testing.T, src string) *template.Template {
	t.Helper()
	tpl, err := template.NewParser().Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return tpl
}

func newTestEnv(t *testing.T, tpl *template.Template, bindings, pseudo map[string]interface{}) *Env {
	t.Helper()
	env, err := NewEnv(tpl, bindings, pseudo)
	if err != nil {
		t.Fatalf("NewEnv failed: %v", err)
	}
	return env
}

const resolverTemplate = `
Parameters:
  Env:
    Type: String
    Default: dev
  Zone:
    Type: String
Conditions:
  IsProd: !Equals [!Ref Env, prod]
  InZone: !Equals [!Ref Zone, east]
Resources:
  A:
    Type: AWS::S3::Bucket
    Properties:
      BucketName: stable-name
  B:
    Type: AWS::S3::Bucket
    Properties:
      Copied: !GetAtt A.BucketName
      Deferred: !GetAtt A.Arn
      Handle: !Ref A
Outputs:
  Joined:
    Value: !Join ["-", [x, !Ref AWS::NoValue, y]]
`

func TestResolveParameterRef(t *testing.T) {
	tpl := parseTemplate(t, resolverTemplate)
	r := NewResolver(tpl)

	env := newTestEnv(t, tpl, map[string]interface{}{"Env": "prod", "Zone": "east"}, nil)
	v, err := r.Resolve(&template.Expr{Kind: template.ExprRef, Name: "Env"}, env)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if s, _ := AsString(v); s != "prod" {
		t.Errorf("Env = %q", s)
	}

	// Default applies when unbound.
	env = newTestEnv(t, tpl, nil, nil)
	v, err = r.Resolve(&template.Expr{Kind: template.ExprRef, Name: "Env"}, env)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if s, _ := AsString(v); s != "dev" {
		t.Errorf("Env default = %q", s)
	}

	// Unbound without default stays unknown.
	v, err = r.Resolve(&template.Expr{Kind: template.ExprRef, Name: "Zone"}, env)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !Inconclusive(v) {
		t.Error("unbound Zone should be inconclusive")
	}
}

func TestNewEnvRejectsUndeclaredBinding(t *testing.T) {
	tpl := parseTemplate(t, resolverTemplate)
	if _, err := NewEnv(tpl, map[string]interface{}{"Nope": "x"}, nil); err == nil {
		t.Fatal("expected error for undeclared binding")
	}
}

func TestResolveResourceHandleAndEcho(t *testing.T) {
	tpl := parseTemplate(t, resolverTemplate)
	r := NewResolver(tpl)
	env := newTestEnv(t, tpl, nil, nil)

	res, _ := tpl.Resource("B")
	v, err := r.ResolveResource(res, env)
	if err != nil {
		t.Fatalf("ResolveResource failed: %v", err)
	}

	// A declared property echoes its configured value.
	if s, _ := AsString(Attr(v, "Copied")); s != "stable-name" {
		t.Errorf("Copied = %q", s)
	}

	// An undeclared attribute is deferred to deploy time.
	deferred := Attr(v, "Deferred")
	if !IsDeferred(deferred) {
		t.Error("Deferred should carry a deferred mark")
	}
	if !Inconclusive(deferred) {
		t.Error("Deferred should be inconclusive")
	}

	// A bare Ref to a resource is a known symbolic handle.
	handle := Attr(v, "Handle")
	if Inconclusive(handle) {
		t.Error("resource handle should be known")
	}
	if s, _ := AsString(handle); s != "A" {
		t.Errorf("Handle = %q", s)
	}
}

func TestResolveConditionAndIf(t *testing.T) {
	tpl := parseTemplate(t, resolverTemplate)
	r := NewResolver(tpl)

	ifExpr := &template.Expr{
		Kind: template.ExprIf,
		Name: "IsProd",
		Then: &template.Expr{Kind: template.ExprLiteral, Literal: "big"},
		Else: &template.Expr{Kind: template.ExprLiteral, Literal: "small"},
	}

	env := newTestEnv(t, tpl, map[string]interface{}{"Env": "prod"}, nil)
	v, err := r.Resolve(ifExpr, env)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if s, _ := AsString(v); s != "big" {
		t.Errorf("prod branch = %q", s)
	}

	env = newTestEnv(t, tpl, map[string]interface{}{"Env": "staging"}, nil)
	v, err = r.Resolve(ifExpr, env)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if s, _ := AsString(v); s != "small" {
		t.Errorf("non-prod branch = %q", s)
	}
}

func TestResolveIfUnknownConditionIsInconclusive(t *testing.T) {
	tpl := parseTemplate(t, resolverTemplate)
	r := NewResolver(tpl)
	env := newTestEnv(t, tpl, nil, nil) // Zone unbound, InZone unknown

	ifExpr := &template.Expr{
		Kind: template.ExprIf,
		Name: "InZone",
		Then: &template.Expr{Kind: template.ExprLiteral, Literal: "a"},
		Else: &template.Expr{Kind: template.ExprLiteral, Literal: "b"},
	}
	v, err := r.Resolve(ifExpr, env)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !Inconclusive(v) {
		t.Error("branch on unknown condition must be inconclusive, never guessed")
	}
}

func TestResolveEqualsUnknownOperand(t *testing.T) {
	tpl := parseTemplate(t, resolverTemplate)
	r := NewResolver(tpl)
	env := newTestEnv(t, tpl, nil, nil)

	v, err := r.Condition("InZone", env)
	if err != nil {
		t.Fatalf("Condition failed: %v", err)
	}
	if !Inconclusive(v) {
		t.Error("comparison against an unbound parameter must stay unknown")
	}
}

func TestResolveJoinDropsNoValue(t *testing.T) {
	tpl := parseTemplate(t, resolverTemplate)
	r := NewResolver(tpl)
	env := newTestEnv(t, tpl, nil, nil)

	out, _ := tpl.Output("Joined")
	v, err := r.Resolve(out.Value, env)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if s, _ := AsString(v); s != "x-y" {
		t.Errorf("joined = %q", s)
	}
}

func TestNoValueIsNotEmptyString(t *testing.T) {
	src := `
Resources:
  R:
    Type: AWS::S3::Bucket
    Properties:
      Kept: ""
      Dropped: !Ref AWS::NoValue
`
	tpl := parseTemplate(t, src)
	r := NewResolver(tpl)
	env := newTestEnv(t, tpl, nil, nil)

	res, _ := tpl.Resource("R")
	v, err := r.ResolveResource(res, env)
	if err != nil {
		t.Fatalf("ResolveResource failed: %v", err)
	}

	kept := Attr(v, "Kept")
	if kept == cty.NilVal {
		t.Error("empty string property must survive resolution")
	}
	if s, ok := AsString(kept); !ok || s != "" {
		t.Errorf("Kept = %q, %v", s, ok)
	}
	if dropped := Attr(v, "Dropped"); dropped != cty.NilVal {
		t.Error("NoValue property must be omitted entirely")
	}
}

func TestResolveSub(t *testing.T) {
	src := `
Parameters:
  Env:
    Type: String
    Default: dev
Resources:
  R:
    Type: AWS::S3::Bucket
    Properties:
      Name: !Sub "app-${Env}-${!Literal}"
      Bound: !Sub ["${Word}-x", {Word: hello}]
`
	tpl := parseTemplate(t, src)
	r := NewResolver(tpl)
	env := newTestEnv(t, tpl, nil, nil)

	res, _ := tpl.Resource("R")
	v, err := r.ResolveResource(res, env)
	if err != nil {
		t.Fatalf("ResolveResource failed: %v", err)
	}
	if s, _ := AsString(Attr(v, "Name")); s != "app-dev-${Literal}" {
		t.Errorf("Name = %q", s)
	}
	if s, _ := AsString(Attr(v, "Bound")); s != "hello-x" {
		t.Errorf("Bound = %q", s)
	}
}

func TestResolveSelect(t *testing.T) {
	tpl := parseTemplate(t, resolverTemplate)
	r := NewResolver(tpl)
	env := newTestEnv(t, tpl, nil, nil)

	list := &template.Expr{Kind: template.ExprList, Items: []*template.Expr{
		{Kind: template.ExprLiteral, Literal: "a"},
		{Kind: template.ExprLiteral, Literal: "b"},
	}}

	v, err := r.Resolve(&template.Expr{
		Kind:  template.ExprSelect,
		Index: &template.Expr{Kind: template.ExprLiteral, Literal: 1},
		X:     list,
	}, env)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if s, _ := AsString(v); s != "b" {
		t.Errorf("selected = %q", s)
	}

	_, err = r.Resolve(&template.Expr{
		Kind:  template.ExprSelect,
		Index: &template.Expr{Kind: template.ExprLiteral, Literal: 5},
		X:     list,
	}, env)
	if KindOf(err) != ErrMalformedExpression {
		t.Errorf("out-of-range error kind = %v", KindOf(err))
	}
}

func TestResolveUnresolvedReference(t *testing.T) {
	tpl := parseTemplate(t, resolverTemplate)
	r := NewResolver(tpl)
	env := newTestEnv(t, tpl, nil, nil)

	_, err := r.Resolve(&template.Expr{Kind: template.ExprRef, Name: "Ghost"}, env)
	if KindOf(err) != ErrUnresolvedReference {
		t.Errorf("error kind = %v", KindOf(err))
	}
}

func TestConditionCycle(t *testing.T) {
	src := `
Conditions:
  Loop: !Not [!Ref Loop]
`
	tpl := parseTemplate(t, src)
	r := NewResolver(tpl)
	env := newTestEnv(t, tpl, nil, nil)

	_, err := r.Condition("Loop", env)
	if KindOf(err) != ErrCyclicExpression {
		t.Errorf("error kind = %v", KindOf(err))
	}
}

func TestResolutionIsIdempotent(t *testing.T) {
	tpl := parseTemplate(t, resolverTemplate)
	r := NewResolver(tpl)
	env := newTestEnv(t, tpl, map[string]interface{}{"Env": "prod"}, nil)

	res, _ := tpl.Resource("B")
	first, err := r.ResolveResource(res, env)
	if err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	second, err := r.ResolveResource(res, env)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if !first.RawEquals(second) {
		t.Error("resolving the same entity twice must give the same value")
	}
}

func TestEnvFingerprintDistinguishesBindings(t *testing.T) {
	tpl := parseTemplate(t, resolverTemplate)

	a := newTestEnv(t, tpl, map[string]interface{}{"Env": "prod"}, nil)
	b := newTestEnv(t, tpl, map[string]interface{}{"Env": "dev"}, nil)
	c := newTestEnv(t, tpl, map[string]interface{}{"Env": "prod"}, nil)

	if a.Fingerprint() == b.Fingerprint() {
		t.Error("different bindings must have different fingerprints")
	}
	if a.Fingerprint() != c.Fingerprint() {
		t.Error("identical bindings must share a fingerprint")
	}
}
