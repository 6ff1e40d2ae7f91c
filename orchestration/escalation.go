package orchestration

import (
	"sync"
	"time"

	"github.com/atlasops/atlas/core"
)

// EscalationLevel names the rung of the ladder applied to a failed action.
type EscalationLevel string

const (
	// EscalatePromoteAction re-runs the task one action step up.
	EscalatePromoteAction EscalationLevel = "promote_action"
	// EscalateAlternateWorker re-dispatches to a different worker at the
	// same action.
	EscalateAlternateWorker EscalationLevel = "alternate_worker"
	// EscalateNotifyHuman degrades to a notification when nothing else
	// can be tried.
	EscalateNotifyHuman EscalationLevel = "notify_human"
)

// EscalationRecord captures one escalation event.
type EscalationRecord struct {
	TaskID         string          `json:"task_id"`
	OriginalAction core.Action     `json:"original_action"`
	OriginalWorker string          `json:"original_worker,omitempty"`
	Reason         string          `json:"reason"`
	Level          EscalationLevel `json:"level"`
	NewAction      core.Action     `json:"new_action"`
	NewWorker      string          `json:"new_worker,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// EscalationPlan is the engine's verdict: the action and worker to retry
// with. The coordinator applies at most one plan per task; escalation
// never recurses.
type EscalationPlan struct {
	Level     EscalationLevel
	NewAction core.Action
	NewWorker string
}

// EscalationEngine decides how to re-dispatch failed work one step up the
// ladder and keeps the record log.
type EscalationEngine struct {
	mu      sync.Mutex
	records []EscalationRecord
	logger  core.Logger
}

// NewEscalationEngine creates an engine with an empty record log.
func NewEscalationEngine(logger core.Logger) *EscalationEngine {
	e := &EscalationEngine{logger: &core.NoOpLogger{}}
	if logger != nil {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			e.logger = cal.WithComponent("orchestration/escalation")
		} else {
			e.logger = logger
		}
	}
	return e
}

// Plan chooses the escalation for a failed action:
//   - a failed auto_fix promotes to immediate;
//   - a failed immediate retries on an alternate worker when one exists;
//   - otherwise the task degrades to notify.
//
// alternateWorker is the router's pick with the failed worker excluded; it
// may be empty.
func (e *EscalationEngine) Plan(task *core.Task, failedAction core.Action, failedWorker, alternateWorker, reason string) EscalationPlan {
	var plan EscalationPlan
	switch {
	case failedAction == core.ActionAutoFix:
		plan = EscalationPlan{
			Level:     EscalatePromoteAction,
			NewAction: core.ActionImmediate,
			NewWorker: failedWorker,
		}
	case alternateWorker != "":
		plan = EscalationPlan{
			Level:     EscalateAlternateWorker,
			NewAction: failedAction,
			NewWorker: alternateWorker,
		}
	default:
		plan = EscalationPlan{
			Level:     EscalateNotifyHuman,
			NewAction: core.ActionNotify,
		}
	}

	record := EscalationRecord{
		TaskID:         task.ID,
		OriginalAction: failedAction,
		OriginalWorker: failedWorker,
		Reason:         reason,
		Level:          plan.Level,
		NewAction:      plan.NewAction,
		NewWorker:      plan.NewWorker,
		Timestamp:      time.Now(),
	}
	e.mu.Lock()
	e.records = append(e.records, record)
	e.mu.Unlock()

	e.logger.Warn("Escalating failed action", map[string]interface{}{
		"task_id":         task.ID,
		"original_action": string(failedAction),
		"level":           string(plan.Level),
		"new_action":      string(plan.NewAction),
		"new_worker":      plan.NewWorker,
		"reason":          reason,
	})
	return plan
}

// Records returns a snapshot copy of the escalation log.
func (e *EscalationEngine) Records() []EscalationRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EscalationRecord, len(e.records))
	copy(out, e.records)
	return out
}
