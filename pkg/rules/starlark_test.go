package rules

import (
	"strings"
	"testing"

	"github.com/stacklint/stacklint/pkg/engine"
	"github.com/stacklint/stacklint/pkg/template"
)

const publicBucketStar = `
def check(entity):
    findings = []
    value = entity.get("value")
    if not value:
        return findings
    if value.get("AccessControl") == "PublicRead":
        findings.append({
            "message": "bucket grants public read access",
            "path": "AccessControl",
            "severity": "critical",
        })
    return findings
`

func TestNewStarlarkRuleRequiresCheck(t *testing.T) {
	_, err := NewStarlarkRule("no-check", engine.SeverityMedium, nil, "x = 1", 0)
	if err == nil {
		t.Fatal("want error for script without check function")
	}
	if !strings.Contains(err.Error(), "check") {
		t.Errorf("err = %v", err)
	}
}

func TestNewStarlarkRuleSyntaxError(t *testing.T) {
	if _, err := NewStarlarkRule("bad", engine.SeverityMedium, nil, "def check(", 0); err == nil {
		t.Fatal("want error for unparseable script")
	}
}

func TestStarlarkRuleFindings(t *testing.T) {
	sr, err := NewStarlarkRule("public-bucket", engine.SeverityMedium,
		[]template.EntityKind{template.KindResource}, publicBucketStar, 0)
	if err != nil {
		t.Fatalf("NewStarlarkRule: %v", err)
	}

	diags := runRule(t, sr.Rule(), `
Resources:
  Data:
    Type: AWS::S3::Bucket
    Properties:
      AccessControl: PublicRead
`, nil)
	if len(diags) != 1 {
		t.Fatalf("want 1 finding, got %d: %v", len(diags), diags)
	}
	d := diags[0]
	if d.Message != "bucket grants public read access" {
		t.Errorf("message = %q", d.Message)
	}
	if d.Path != "AccessControl" {
		t.Errorf("path = %q", d.Path)
	}
	if d.Severity != engine.SeverityCritical {
		t.Errorf("severity = %q, want dict override", d.Severity)
	}
}

func TestStarlarkRuleStringFindings(t *testing.T) {
	sr, err := NewStarlarkRule("no-buckets", engine.SeverityLow,
		[]template.EntityKind{template.KindResource}, `
def check(entity):
    if entity.get("type") == "AWS::S3::Bucket":
        return ["buckets are forbidden here"]
    return []
`, 0)
	if err != nil {
		t.Fatalf("NewStarlarkRule: %v", err)
	}

	diags := runRule(t, sr.Rule(), `
Resources:
  Data:
    Type: AWS::S3::Bucket
    Properties:
      BucketName: data
`, nil)
	if len(diags) != 1 {
		t.Fatalf("want 1 finding, got %d: %v", len(diags), diags)
	}
	if diags[0].Message != "buckets are forbidden here" {
		t.Errorf("message = %q", diags[0].Message)
	}
	if diags[0].Severity != engine.SeverityLow {
		t.Errorf("severity = %q, want rule default", diags[0].Severity)
	}
}

func TestStarlarkRuleCompliantEntity(t *testing.T) {
	sr, err := NewStarlarkRule("public-bucket", engine.SeverityMedium,
		[]template.EntityKind{template.KindResource}, publicBucketStar, 0)
	if err != nil {
		t.Fatalf("NewStarlarkRule: %v", err)
	}

	diags := runRule(t, sr.Rule(), `
Resources:
  Data:
    Type: AWS::S3::Bucket
    Properties:
      AccessControl: Private
`, nil)
	if len(diags) != 0 {
		t.Fatalf("compliant bucket should not fire: %v", diags)
	}
}

func TestStarlarkRuleBadReturnValue(t *testing.T) {
	sr, err := NewStarlarkRule("bad-return", engine.SeverityMedium,
		[]template.EntityKind{template.KindResource}, `
def check(entity):
    return 42
`, 0)
	if err != nil {
		t.Fatalf("NewStarlarkRule: %v", err)
	}

	diags := runRule(t, sr.Rule(), `
Resources:
  Data:
    Type: AWS::S3::Bucket
    Properties:
      BucketName: data
`, nil)
	if len(diags) != 1 {
		t.Fatalf("want 1 finding, got %d: %v", len(diags), diags)
	}
	if !diags[0].Inconclusive {
		t.Error("evaluation failure should be inconclusive")
	}
	if !strings.Contains(diags[0].Message, "list") {
		t.Errorf("message = %q", diags[0].Message)
	}
}
