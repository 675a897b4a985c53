// Package report renders evaluation results in stable machine- and
// human-readable forms. Rendering never re-sorts diagnostics; the order
// the rule engine produced is already deterministic, so two reports over
// identical results differ only in identity fields.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/stacklint/stacklint/pkg/engine"
)

// Format selects a rendering.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// ParseFormat validates a format name from user input.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, FormatText:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown report format: %s", s)
	}
}

// Report is one evaluation outcome bound to its inputs.
type Report struct {
	ID          string    `json:"id"`
	GeneratedAt time.Time `json:"generated_at"`

	// Source is the template the report covers, as given by the caller.
	Source string `json:"source,omitempty"`

	// Fingerprint identifies the binding environment of the pass.
	Fingerprint string `json:"fingerprint"`

	Incomplete bool `json:"incomplete,omitempty"`

	Summary     Summary               `json:"summary"`
	Diagnostics []engine.Diagnostic   `json:"diagnostics"`
	Entities    []engine.EntityStatus `json:"entities"`
}

// Summary aggregates the finding set.
type Summary struct {
	Total        int                     `json:"total"`
	Inconclusive int                     `json:"inconclusive"`
	BySeverity   map[engine.Severity]int `json:"by_severity"`
}

// Option overrides a report identity field. Without options a report
// carries a fresh UUID and the current time; fixing both makes reports
// over identical results byte-identical, which snapshot tests rely on.
type Option func(*Report)

// WithID sets the report identifier.
func WithID(id string) Option {
	return func(r *Report) { r.ID = id }
}

// WithGeneratedAt sets the report timestamp.
func WithGeneratedAt(t time.Time) Option {
	return func(r *Report) { r.GeneratedAt = t.UTC() }
}

// New builds a report from an evaluation result.
func New(source string, result *engine.Result, opts ...Option) *Report {
	summary := Summary{
		Total:      len(result.Diagnostics),
		BySeverity: make(map[engine.Severity]int),
	}
	for _, d := range result.Diagnostics {
		summary.BySeverity[d.Severity]++
		if d.Inconclusive {
			summary.Inconclusive++
		}
	}

	r := &Report{
		ID:          uuid.New().String(),
		GeneratedAt: time.Now().UTC(),
		Source:      source,
		Fingerprint: result.Fingerprint,
		Incomplete:  result.Incomplete,
		Summary:     summary,
		Diagnostics: result.Diagnostics,
		Entities:    result.Entities,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Parse reads a JSON report back, for history queries and tooling.
func Parse(data []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}
	return &r, nil
}

// Render writes the report in the requested format.
func (r *Report) Render(w io.Writer, format Format) error {
	switch format {
	case FormatJSON:
		return r.renderJSON(w)
	case FormatText:
		return r.renderText(w)
	default:
		return fmt.Errorf("unknown report format: %s", format)
	}
}

func (r *Report) renderJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func (r *Report) renderText(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Compliance report %s\n", r.ID); err != nil {
		return err
	}
	if r.Source != "" {
		fmt.Fprintf(w, "Template: %s\n", r.Source)
	}
	fmt.Fprintf(w, "Environment: %s\n", r.Fingerprint)
	if r.Incomplete {
		fmt.Fprintln(w, "WARNING: evaluation was cut short; findings are partial")
	}
	fmt.Fprintln(w)

	if len(r.Diagnostics) == 0 {
		fmt.Fprintln(w, "No findings.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SEVERITY\tENTITY\tRULE\tPATH\tMESSAGE")
		for _, d := range r.Diagnostics {
			msg := d.Message
			if d.Inconclusive {
				msg += " (inconclusive)"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Severity, d.Entity, d.RuleID, d.Path, msg)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	fmt.Fprintln(w)

	if degraded := r.degradedEntities(); len(degraded) > 0 {
		fmt.Fprintln(w, "Entities not fully evaluated:")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, e := range degraded {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", e.Name, e.Kind, e.State, e.Reason)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "%d finding(s)", r.Summary.Total)
	if r.Summary.Total > 0 {
		parts := make([]string, 0, 4)
		for _, sev := range []engine.Severity{engine.SeverityCritical, engine.SeverityHigh, engine.SeverityMedium, engine.SeverityLow} {
			if n := r.Summary.BySeverity[sev]; n > 0 {
				parts = append(parts, fmt.Sprintf("%d %s", n, sev))
			}
		}
		fmt.Fprintf(w, " (%s)", strings.Join(parts, ", "))
	}
	if r.Summary.Inconclusive > 0 {
		fmt.Fprintf(w, ", %d inconclusive", r.Summary.Inconclusive)
	}
	_, err := fmt.Fprintln(w)
	return err
}

func (r *Report) degradedEntities() []engine.EntityStatus {
	var out []engine.EntityStatus
	for _, e := range r.Entities {
		if e.State != engine.StateEvaluated {
			out = append(out, e)
		}
	}
	return out
}

// ExceedsThreshold reports whether any finding is at or above the given
// severity. Inconclusive findings count; a worst-case policy that fires
// should also gate.
func (r *Report) ExceedsThreshold(threshold engine.Severity) bool {
	for _, d := range r.Diagnostics {
		if d.Severity.Rank() <= threshold.Rank() {
			return true
		}
	}
	return false
}
