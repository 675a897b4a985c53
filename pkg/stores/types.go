package stores

import "time"

// RunSummary is one stored evaluation run, without the full report body.
type RunSummary struct {
	ID           string    `json:"id"`
	TemplatePath string    `json:"template_path"`
	Fingerprint  string    `json:"fingerprint"`
	Incomplete   bool      `json:"incomplete"`
	FindingCount int       `json:"finding_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Finding is one stored diagnostic row, queryable across runs.
type Finding struct {
	RunID        string `json:"run_id"`
	RuleID       string `json:"rule_id"`
	Entity       string `json:"entity"`
	Path         string `json:"path,omitempty"`
	Severity     string `json:"severity"`
	Message      string `json:"message"`
	Inconclusive bool   `json:"inconclusive"`
}
