package orchestration

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlasops/atlas/core"
	"github.com/atlasops/atlas/routing"
)

// Audit entry sources. Intake covers the normal pipeline; approval marks
// the re-execution recorded when a human approves a held action. A task
// gets at most one entry per source.
const (
	AuditSourceIntake   = "intake"
	AuditSourceApproval = "approval"
)

// AuditEntry is one record per decision taken. The action recorded is the
// action actually executed, after gating and escalation; the matrix's
// initial suggestion survives only in Reason and in the rule-change log.
type AuditEntry struct {
	ID              string         `json:"id"`
	Source          string         `json:"source"`
	TaskID          string         `json:"task_id"`
	TaskDescription string         `json:"task_description"`
	Risk            core.Risk      `json:"risk"`
	Urgency         core.Urgency   `json:"urgency"`
	Action          core.Action    `json:"action"`
	Confidence      float64        `json:"confidence"`
	Reason          string         `json:"reason"`
	Worker          string         `json:"worker,omitempty"`
	SelectionMethod routing.Method `json:"selection_method"`
	EscalatedFrom   core.Action    `json:"escalated_from,omitempty"`
	OutcomeSuccess  bool           `json:"outcome_success"`
	OutcomeFilled   bool           `json:"outcome_filled"`
	CreatedAt       time.Time      `json:"created_at"`
}

// AuditTrail is the append-only, bounded decision log. When full, the
// oldest entry is dropped atomically with the append.
type AuditTrail struct {
	mu      sync.Mutex
	entries []*AuditEntry
	max     int
	dropped int64
	logger  core.Logger
}

// NewAuditTrail creates a trail bounded to max entries (default 1000).
func NewAuditTrail(max int, logger core.Logger) *AuditTrail {
	if max < 1 {
		max = 1000
	}
	t := &AuditTrail{
		max:    max,
		logger: &core.NoOpLogger{},
	}
	if logger != nil {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			t.logger = cal.WithComponent("orchestration/audit")
		} else {
			t.logger = logger
		}
	}
	return t
}

// Append records a decision and returns the entry so the caller can fill
// the outcome after routing completes.
func (t *AuditTrail) Append(source string, task *core.Task, decision core.Decision, worker string, method routing.Method, escalatedFrom core.Action) *AuditEntry {
	entry := &AuditEntry{
		ID:              uuid.New().String(),
		Source:          source,
		TaskID:          task.ID,
		TaskDescription: task.Description,
		Risk:            decision.Risk,
		Urgency:         decision.Urgency,
		Action:          decision.Action,
		Confidence:      decision.Confidence,
		Reason:          decision.Reason,
		Worker:          worker,
		SelectionMethod: method,
		EscalatedFrom:   escalatedFrom,
		CreatedAt:       time.Now(),
	}

	t.mu.Lock()
	if len(t.entries) >= t.max {
		// Oldest drops atomically with the append.
		t.entries = t.entries[1:]
		t.dropped++
	}
	t.entries = append(t.entries, entry)
	t.mu.Unlock()

	t.logger.Debug("Audit entry appended", map[string]interface{}{
		"task_id": task.ID,
		"action":  string(decision.Action),
	})
	return entry
}

// SetOutcome fills the routing outcome on an entry. Final action and
// worker may differ from the appended values after escalation.
func (t *AuditTrail) SetOutcome(entry *AuditEntry, success bool, finalAction core.Action, finalWorker string, escalatedFrom core.Action) {
	t.mu.Lock()
	entry.OutcomeSuccess = success
	entry.OutcomeFilled = true
	entry.Action = finalAction
	if finalWorker != "" {
		entry.Worker = finalWorker
	}
	if escalatedFrom != "" {
		entry.EscalatedFrom = escalatedFrom
	}
	t.mu.Unlock()
}

// Entries returns a snapshot copy, oldest first.
func (t *AuditTrail) Entries() []AuditEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]AuditEntry, len(t.entries))
	for i, e := range t.entries {
		out[i] = *e
	}
	return out
}

// Len returns the current number of entries.
func (t *AuditTrail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Dropped returns how many entries the bound has evicted.
func (t *AuditTrail) Dropped() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}
