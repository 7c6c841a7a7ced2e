// Package resource provides the task-document store the lifecycle
// coordinator reads and writes. A document is a structured YAML file with
// a small, well-known set of owned fields: status, flow, one ordered
// checklist, and an append-only audit log. Everything else in the document
// belongs to its human editors and is never touched by runward.
package resource

import "fmt"

// Status is the execution status recorded on a task document.
type Status string

const (
	// StatusPending indicates the task is waiting to be picked up.
	StatusPending Status = "pending"

	// StatusRunning indicates a run is in flight for the task.
	StatusRunning Status = "running"

	// StatusDone indicates the most recent run succeeded.
	StatusDone Status = "done"

	// StatusFailed indicates the most recent run failed.
	StatusFailed Status = "failed"

	// StatusCanceled indicates the most recent run was canceled.
	StatusCanceled Status = "canceled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if this status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCanceled
}

// ChecklistItem is one entry of a document's ordered acceptance checklist.
type ChecklistItem struct {
	Label string `yaml:"label"`
	Done  bool   `yaml:"done"`
}

// Document is the persisted form of a task. The coordinator owns Status,
// Flow, Checklist done-flags, and AuditLog; the remaining fields describe
// the task and are written by whoever authored it.
type Document struct {
	Title     string          `yaml:"title,omitempty"`
	Status    Status          `yaml:"status"`
	Flow      string          `yaml:"flow,omitempty"`
	Risk      string          `yaml:"risk,omitempty"`
	Parallel  bool            `yaml:"parallel,omitempty"`
	Group     string          `yaml:"group,omitempty"`
	Checklist []ChecklistItem `yaml:"checklist,omitempty"`
	AuditLog  []string        `yaml:"audit_log,omitempty"`

	// Notes carries free-form task description for the worker.
	Notes string `yaml:"notes,omitempty"`
}

// Patch describes a mutation limited to the coordinator-owned fields.
// Nil pointer fields are left untouched; CheckIndices marks the named
// checklist entries done; AuditAppend lines are appended in order.
type Patch struct {
	Status       *Status
	Flow         *string
	CheckIndices []int
	AuditAppend  []string
}

// apply mutates doc in place. Out-of-range checklist indices are ignored
// rather than failing the whole completion.
func (p Patch) apply(doc *Document) {
	if p.Status != nil {
		doc.Status = *p.Status
	}
	if p.Flow != nil {
		doc.Flow = *p.Flow
	}
	for _, i := range p.CheckIndices {
		if i >= 0 && i < len(doc.Checklist) {
			doc.Checklist[i].Done = true
		}
	}
	doc.AuditLog = append(doc.AuditLog, p.AuditAppend...)
}

// StatusPtr is a convenience for building patches.
func StatusPtr(s Status) *Status { return &s }

// StringPtr is a convenience for building patches.
func StringPtr(s string) *string { return &s }

// Summary returns a one-line description used in logs.
func (d *Document) Summary() string {
	done := 0
	for _, item := range d.Checklist {
		if item.Done {
			done++
		}
	}
	return fmt.Sprintf("status=%s flow=%s checklist=%d/%d", d.Status, d.Flow, done, len(d.Checklist))
}
