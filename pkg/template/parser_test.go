package template

import (
	"errors"
	"strings"
	"testing"
)

const sampleTemplate = `
Description: Sample stack
Parameters:
  Env:
    Type: String
    Default: dev
    AllowedValues: [dev, prod]
  Port:
    Type: Number
    MinValue: 1
    MaxValue: 65535
Conditions:
  IsProd: !Equals [!Ref Env, prod]
Resources:
  Bucket:
    Type: AWS::S3::Bucket
    Condition: IsProd
    Properties:
      BucketName: !Sub "data-${Env}"
      Tags:
        - Key: Environment
          Value: !Ref Env
  Group:
    Type: AWS::EC2::SecurityGroup
    DependsOn: Bucket
    Properties:
      GroupDescription: app
Outputs:
  BucketName:
    Value: !Ref Bucket
    Export:
      Name: !Sub "${Env}-bucket"
`

func mustParse(t *testing.T, src string) *Template {
	t.Helper()
	tpl, err := NewParser().Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return tpl
}

func TestParseSections(t *testing.T) {
	tpl := mustParse(t, sampleTemplate)

	if tpl.Description != "Sample stack" {
		t.Errorf("description = %q", tpl.Description)
	}
	if len(tpl.Parameters) != 2 {
		t.Fatalf("expected 2 parameters, got %d", len(tpl.Parameters))
	}
	if tpl.Parameters[0].Name != "Env" || tpl.Parameters[1].Name != "Port" {
		t.Errorf("parameter order = %s, %s", tpl.Parameters[0].Name, tpl.Parameters[1].Name)
	}
	if tpl.Parameters[0].Type != "String" || tpl.Parameters[0].Default != "dev" {
		t.Errorf("Env parameter = %+v", tpl.Parameters[0])
	}

	if len(tpl.Conditions) != 1 || tpl.Conditions[0].Name != "IsProd" {
		t.Fatalf("conditions = %+v", tpl.Conditions)
	}
	if tpl.Conditions[0].Body.Kind != ExprEquals {
		t.Errorf("IsProd body kind = %d", tpl.Conditions[0].Body.Kind)
	}

	if len(tpl.Resources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(tpl.Resources))
	}
	bucket := tpl.Resources[0]
	if bucket.Name != "Bucket" || bucket.Type != "AWS::S3::Bucket" || bucket.Condition != "IsProd" {
		t.Errorf("bucket = %+v", bucket)
	}
	group := tpl.Resources[1]
	if len(group.DependsOn) != 1 || group.DependsOn[0] != "Bucket" {
		t.Errorf("group DependsOn = %v", group.DependsOn)
	}

	if len(tpl.Outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(tpl.Outputs))
	}
	out := tpl.Outputs[0]
	if out.Value.Kind != ExprRef || out.Value.Name != "Bucket" {
		t.Errorf("output value = %+v", out.Value)
	}
	if out.ExportName == nil || out.ExportName.Kind != ExprSub {
		t.Errorf("output export = %+v", out.ExportName)
	}
}

func TestParseLookup(t *testing.T) {
	tpl := mustParse(t, sampleTemplate)

	kind, ok := tpl.Lookup("Bucket")
	if !ok || kind != KindResource {
		t.Errorf("Lookup(Bucket) = %v, %v", kind, ok)
	}
	if _, ok := tpl.Lookup("Nope"); ok {
		t.Error("Lookup(Nope) should fail")
	}
	if _, ok := tpl.Parameter("Env"); !ok {
		t.Error("Parameter(Env) should succeed")
	}
}

func TestParseJSONInput(t *testing.T) {
	src := `{
	  "Resources": {
	    "Bucket": {
	      "Type": "AWS::S3::Bucket",
	      "Properties": {"BucketName": {"Ref": "Other"}}
	    },
	    "Other": {"Type": "AWS::S3::Bucket"}
	  }
	}`
	tpl := mustParse(t, src)
	if len(tpl.Resources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(tpl.Resources))
	}
	name := tpl.Resources[0].Properties.Fields["BucketName"]
	if name.Kind != ExprRef || name.Name != "Other" {
		t.Errorf("BucketName = %+v", name)
	}
}

func TestParseDuplicateKey(t *testing.T) {
	src := `
Resources:
  Bucket:
    Type: AWS::S3::Bucket
  Bucket:
    Type: AWS::S3::Bucket
`
	_, err := NewParser().Parse([]byte(src))
	if err == nil {
		t.Fatal("expected error for duplicate resource name")
	}
	if !strings.Contains(err.Error(), "duplicate key") {
		t.Errorf("error = %v", err)
	}
}

func TestParseDuplicateNameAcrossSections(t *testing.T) {
	src := `
Parameters:
  Name:
    Type: String
Resources:
  Name:
    Type: AWS::S3::Bucket
`
	_, err := NewParser().Parse([]byte(src))
	if err == nil {
		t.Fatal("expected error for name declared in two sections")
	}
	if !strings.Contains(err.Error(), "already declared") {
		t.Errorf("error = %v", err)
	}

	var perr *ParseError
	if !errors.As(err, &perr) || len(perr.Issues) != 1 {
		t.Fatalf("want one parse issue, got %v", err)
	}
	// The issue points at the second declaration, in Resources.
	if perr.Issues[0].Line != 6 {
		t.Errorf("issue line = %d, want 6", perr.Issues[0].Line)
	}
	if perr.Issues[0].Path != "Resources.Name" {
		t.Errorf("issue path = %q", perr.Issues[0].Path)
	}
}

func TestParseIntrinsicArity(t *testing.T) {
	src := `
Conditions:
  Bad: !Equals [only-one]
`
	_, err := NewParser().Parse([]byte(src))
	if err == nil {
		t.Fatal("expected arity error")
	}
}

func TestParseConditionBodyMustBeBoolean(t *testing.T) {
	src := `
Conditions:
  Bad: !Join ["-", [a, b]]
`
	_, err := NewParser().Parse([]byte(src))
	if err == nil {
		t.Fatal("expected error for non-boolean condition body")
	}
	if !strings.Contains(err.Error(), "boolean") {
		t.Errorf("error = %v", err)
	}
}

func TestParseNoValue(t *testing.T) {
	src := `
Resources:
  Bucket:
    Type: AWS::S3::Bucket
    Properties:
      BucketName: !Ref AWS::NoValue
`
	tpl := mustParse(t, src)
	name := tpl.Resources[0].Properties.Fields["BucketName"]
	if name.Kind != ExprNoValue {
		t.Errorf("expected NoValue expression, got kind %d", name.Kind)
	}
}

func TestParseStrictUnknownSection(t *testing.T) {
	src := `
Bogus:
  x: 1
Resources:
  Bucket:
    Type: AWS::S3::Bucket
`
	if _, err := NewParser().Parse([]byte(src)); err != nil {
		t.Fatalf("lenient parse failed: %v", err)
	}
	if _, err := NewParser(WithStrict(true)).Parse([]byte(src)); err == nil {
		t.Fatal("strict parse should reject unknown top-level key")
	}
}

func TestParseGetAttShorthand(t *testing.T) {
	src := `
Resources:
  A:
    Type: AWS::S3::Bucket
  B:
    Type: AWS::S3::Bucket
    Properties:
      BucketName: !GetAtt A.Outputs.Name
`
	tpl := mustParse(t, src)
	e := tpl.Resources[1].Properties.Fields["BucketName"]
	if e.Kind != ExprGetAtt || e.Name != "A" || e.Attr != "Outputs.Name" {
		t.Errorf("GetAtt = %+v", e)
	}
}

func TestParseInvalidParameterType(t *testing.T) {
	src := `
Parameters:
  Bad:
    Type: Widget
`
	_, err := NewParser().Parse([]byte(src))
	if err == nil {
		t.Fatal("expected error for invalid parameter type")
	}
}

func TestParseResourceWithoutType(t *testing.T) {
	src := `
Resources:
  Bucket:
    Properties:
      BucketName: b
`
	_, err := NewParser().Parse([]byte(src))
	if err == nil {
		t.Fatal("expected error for resource without Type")
	}
}

func TestExprReferences(t *testing.T) {
	src := `
Parameters:
  Env:
    Type: String
Conditions:
  IsProd: !Equals [!Ref Env, prod]
Resources:
  A:
    Type: AWS::S3::Bucket
  B:
    Type: AWS::S3::Bucket
    Properties:
      Name: !If [IsProd, !GetAtt A.Arn, !Ref Env]
`
	tpl := mustParse(t, src)
	refs := tpl.Resources[1].Properties.References()

	want := map[string]bool{"IsProd": false, "A": false, "Env": false}
	for _, r := range refs {
		if _, ok := want[r.Name]; ok {
			want[r.Name] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("reference to %s not reported", name)
		}
	}
}
