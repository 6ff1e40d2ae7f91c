package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Risk classifies the potential damage of acting on a task.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Valid reports whether the risk level is one of the known values.
func (r Risk) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Weight maps a risk level to the weight used by the confidence gate.
func (r Risk) Weight() float64 {
	switch r {
	case RiskLow:
		return 0.2
	case RiskMedium:
		return 0.5
	case RiskHigh:
		return 0.9
	default:
		return 0.5
	}
}

// Urgency classifies how quickly a task needs a response.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// Valid reports whether the urgency level is one of the known values.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh:
		return true
	}
	return false
}

// Action is the response the platform takes for a task.
type Action string

const (
	ActionLog       Action = "log"
	ActionNotify    Action = "notify"
	ActionAutoFix   Action = "auto_fix"
	ActionImmediate Action = "immediate"
)

// Valid reports whether the action is one of the known values.
func (a Action) Valid() bool {
	switch a {
	case ActionLog, ActionNotify, ActionAutoFix, ActionImmediate:
		return true
	}
	return false
}

// HighImpact reports whether the action changes external systems and is
// therefore subject to the confidence gate.
func (a Action) HighImpact() bool {
	return a == ActionAutoFix || a == ActionImmediate
}

// TaskKind tags the typed payload carried by a task. Workers decode the
// payload based on the kind; the coordinator treats it as opaque.
type TaskKind string

const (
	TaskKindGeneric     TaskKind = "generic"
	TaskKindMonitor     TaskKind = "monitor"
	TaskKindCodeRequest TaskKind = "code_request"
)

// Task is the unit of work routed by the coordinator.
// A task is immutable once accepted; the coordinator never mutates it.
type Task struct {
	ID           string                 `json:"id"`
	Kind         TaskKind               `json:"kind,omitempty"`
	Description  string                 `json:"description"`
	Risk         Risk                   `json:"risk"`
	Urgency      Urgency                `json:"urgency"`
	TargetWorker string                 `json:"target_worker,omitempty"`
	Beliefs      map[string]float64     `json:"beliefs,omitempty"`
	Evidence     []string               `json:"evidence,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// NewTask creates a task with an ID and creation timestamp assigned.
func NewTask(description string, risk Risk, urgency Urgency) *Task {
	return &Task{
		ID:          uuid.New().String(),
		Kind:        TaskKindGeneric,
		Description: description,
		Risk:        risk,
		Urgency:     urgency,
		CreatedAt:   time.Now(),
	}
}

// Validate checks the task at the intake boundary. Invalid tasks never
// reach the decision matrix or a worker.
func (t *Task) Validate() error {
	if t == nil {
		return &AtlasError{Op: "task.Validate", Kind: "validation", Err: ErrInvalidTask, Message: "task is nil"}
	}
	if t.Description == "" {
		return &AtlasError{Op: "task.Validate", Kind: "validation", Err: ErrInvalidTask, Message: "description is required"}
	}
	if !t.Risk.Valid() {
		return &AtlasError{
			Op: "task.Validate", Kind: "validation", Err: ErrInvalidTask,
			Message: fmt.Sprintf("unknown risk level %q", t.Risk),
		}
	}
	if !t.Urgency.Valid() {
		return &AtlasError{
			Op: "task.Validate", Kind: "validation", Err: ErrInvalidTask,
			Message: fmt.Sprintf("unknown urgency level %q", t.Urgency),
		}
	}
	for name, conf := range t.Beliefs {
		if conf < 0 || conf > 1 {
			return &AtlasError{
				Op: "task.Validate", Kind: "validation", Err: ErrInvalidTask,
				Message: fmt.Sprintf("belief %q confidence %v outside [0,1]", name, conf),
			}
		}
	}
	return nil
}

// Decision is the verdict the decision matrix attaches to a task.
type Decision struct {
	Risk       Risk    `json:"risk"`
	Urgency    Urgency `json:"urgency"`
	Action     Action  `json:"action"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// TaskResult is the uniform outcome type returned by workers and by the
// coordinator. The coordinator never returns an error for task processing;
// failures are carried in Success and Errors.
type TaskResult struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Errors  []string               `json:"errors,omitempty"`

	// Decision is filled by the coordinator with the action that actually
	// ran, after gating and escalation. Workers leave it nil.
	Decision *Decision `json:"decision,omitempty"`
}

// Succeed builds a successful result.
func Succeed(message string) *TaskResult {
	return &TaskResult{Success: true, Message: message}
}

// Fail builds a failed result with diagnostic errors.
func Fail(message string, errs ...string) *TaskResult {
	return &TaskResult{Success: false, Message: message, Errors: errs}
}
