package lifecycle

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dlowe-net/runward/internal/errors"
)

// Payload is the machine-readable result a worker writes to its
// well-known per-run path before exiting.
type Payload struct {
	Status  string `json:"status"` // succeeded, failed, canceled
	Summary string `json:"summary"`

	// CheckedCriteria lists checklist indices an implement run satisfied.
	CheckedCriteria []int `json:"checkedCriteria,omitempty"`

	// Findings are review observations, tallied by severity.
	Findings []Finding `json:"findings,omitempty"`

	// Sources are references a research run collected.
	Sources []Source `json:"sources,omitempty"`
}

// Finding is one review observation.
type Finding struct {
	Severity string `json:"severity"`
}

// Source is one research reference.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// readPayload loads and validates the result payload at path. Any
// problem, a missing file included, surfaces as a ResultError so the
// completion path can force a failed outcome with a diagnostic.
func readPayload(path string) (*Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewResultError(path, err)
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.NewResultError(path, err)
	}
	switch p.Status {
	case "succeeded", "failed", "canceled":
	default:
		return nil, errors.NewResultError(path, fmt.Errorf("unknown status %q", p.Status))
	}
	return &p, nil
}

// tallyFindings renders a severity histogram as a stable one-line
// summary, e.g. "2 high, 1 low".
func tallyFindings(findings []Finding) string {
	counts := make(map[string]int)
	for _, f := range findings {
		sev := f.Severity
		if sev == "" {
			sev = "unspecified"
		}
		counts[sev]++
	}

	sevs := make([]string, 0, len(counts))
	for sev := range counts {
		sevs = append(sevs, sev)
	}
	sort.Strings(sevs)

	parts := make([]string, 0, len(sevs))
	for _, sev := range sevs {
		parts = append(parts, fmt.Sprintf("%d %s", counts[sev], sev))
	}
	return strings.Join(parts, ", ")
}
