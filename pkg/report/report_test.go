package report

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stacklint/stacklint/pkg/engine"
)

func sampleResult() *engine.Result {
	return &engine.Result{
		Diagnostics: []engine.Diagnostic{
			{RuleID: "unrestricted-ingress", Entity: "Web", Path: "SecurityGroupIngress[0].CidrIp", Severity: engine.SeverityCritical, Message: "ingress rule exposes an administration port to 0.0.0.0/0"},
			{RuleID: "encryption-at-rest", Entity: "Data", Path: "BucketEncryption", Severity: engine.SeverityHigh, Message: "encryption at rest is not configured"},
			{RuleID: "required-tags", Entity: "Data", Path: "Tags", Severity: engine.SeverityMedium, Message: "tag set is only known at deploy time", Inconclusive: true},
		},
		Entities: []engine.EntityStatus{
			{Name: "Web", Kind: "resource", State: engine.StateEvaluated},
			{Name: "Data", Kind: "resource", State: engine.StateInconclusive, Reason: "resolved value contains deploy-time-only inputs"},
		},
		Fingerprint: "c0ffee",
	}
}

func TestNewSummarizes(t *testing.T) {
	r := New("stack.yaml", sampleResult())

	if r.ID == "" {
		t.Error("report has no id")
	}
	if r.Source != "stack.yaml" {
		t.Errorf("source = %q", r.Source)
	}
	if r.Fingerprint != "c0ffee" {
		t.Errorf("fingerprint = %q", r.Fingerprint)
	}
	if r.Summary.Total != 3 {
		t.Errorf("total = %d, want 3", r.Summary.Total)
	}
	if r.Summary.Inconclusive != 1 {
		t.Errorf("inconclusive = %d, want 1", r.Summary.Inconclusive)
	}
	for sev, want := range map[engine.Severity]int{
		engine.SeverityCritical: 1,
		engine.SeverityHigh:     1,
		engine.SeverityMedium:   1,
	} {
		if got := r.Summary.BySeverity[sev]; got != want {
			t.Errorf("by_severity[%s] = %d, want %d", sev, got, want)
		}
	}
}

func TestRenderJSONByteStable(t *testing.T) {
	at := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	opts := []Option{WithID("run-1"), WithGeneratedAt(at)}

	var first, second bytes.Buffer
	if err := New("stack.yaml", sampleResult(), opts...).Render(&first, FormatJSON); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if err := New("stack.yaml", sampleResult(), opts...).Render(&second, FormatJSON); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Errorf("identical results rendered differently:\n%s\n---\n%s", first.String(), second.String())
	}

	r, err := Parse(first.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if r.ID != "run-1" || !r.GeneratedAt.Equal(at) {
		t.Errorf("identity fields = %q %v, want %q %v", r.ID, r.GeneratedAt, "run-1", at)
	}
}

func TestRenderJSONRoundTrip(t *testing.T) {
	r := New("stack.yaml", sampleResult())

	var buf bytes.Buffer
	if err := r.Render(&buf, FormatJSON); err != nil {
		t.Fatalf("Render: %v", err)
	}

	back, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if back.ID != r.ID {
		t.Errorf("id = %q, want %q", back.ID, r.ID)
	}
	if len(back.Diagnostics) != len(r.Diagnostics) {
		t.Fatalf("diagnostics = %d, want %d", len(back.Diagnostics), len(r.Diagnostics))
	}
	if !reflect.DeepEqual(back.Diagnostics[0], r.Diagnostics[0]) {
		t.Errorf("diagnostic changed across round trip: %+v", back.Diagnostics[0])
	}
	if back.Summary.Total != 3 || back.Summary.Inconclusive != 1 {
		t.Errorf("summary changed across round trip: %+v", back.Summary)
	}
}

func TestRenderText(t *testing.T) {
	r := New("stack.yaml", sampleResult())

	var buf bytes.Buffer
	if err := r.Render(&buf, FormatText); err != nil {
		t.Fatalf("Render: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"Template: stack.yaml",
		"SEVERITY",
		"unrestricted-ingress",
		"tag set is only known at deploy time (inconclusive)",
		"Entities not fully evaluated:",
		"3 finding(s) (1 critical, 1 high, 1 medium), 1 inconclusive",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("text output missing %q\n%s", want, out)
		}
	}
}

func TestRenderTextNoFindings(t *testing.T) {
	r := New("", &engine.Result{Fingerprint: "c0ffee", Entities: []engine.EntityStatus{
		{Name: "Data", Kind: "resource", State: engine.StateEvaluated},
	}})

	var buf bytes.Buffer
	if err := r.Render(&buf, FormatText); err != nil {
		t.Fatalf("Render: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "No findings.") {
		t.Errorf("output missing empty-state line:\n%s", out)
	}
	if strings.Contains(out, "Template:") {
		t.Error("empty source should omit the template line")
	}
	if strings.Contains(out, "Entities not fully evaluated") {
		t.Error("fully evaluated entities should not be listed as degraded")
	}
}

func TestRenderTextIncomplete(t *testing.T) {
	result := sampleResult()
	result.Incomplete = true
	r := New("stack.yaml", result)

	var buf bytes.Buffer
	if err := r.Render(&buf, FormatText); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(buf.String(), "findings are partial") {
		t.Error("incomplete report missing warning")
	}
}

func TestExceedsThreshold(t *testing.T) {
	r := New("", sampleResult())

	cases := []struct {
		threshold engine.Severity
		want      bool
	}{
		{engine.SeverityCritical, true},
		{engine.SeverityHigh, true},
		{engine.SeverityMedium, true},
		{engine.SeverityLow, true},
	}
	for _, tc := range cases {
		if got := r.ExceedsThreshold(tc.threshold); got != tc.want {
			t.Errorf("ExceedsThreshold(%s) = %v, want %v", tc.threshold, got, tc.want)
		}
	}

	clean := New("", &engine.Result{Fingerprint: "c0ffee"})
	if clean.ExceedsThreshold(engine.SeverityLow) {
		t.Error("empty report should never exceed a threshold")
	}

	lowOnly := New("", &engine.Result{Diagnostics: []engine.Diagnostic{
		{RuleID: "x", Entity: "E", Severity: engine.SeverityLow, Message: "m"},
	}})
	if lowOnly.ExceedsThreshold(engine.SeverityHigh) {
		t.Error("low finding should not trip a high threshold")
	}
	if !lowOnly.ExceedsThreshold(engine.SeverityLow) {
		t.Error("low finding should trip a low threshold")
	}
}

func TestParseFormat(t *testing.T) {
	if _, err := ParseFormat("json"); err != nil {
		t.Errorf("json: %v", err)
	}
	if _, err := ParseFormat("text"); err != nil {
		t.Errorf("text: %v", err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("want error for unknown format")
	}
}
