package orchestration

import (
	"sync"

	"github.com/atlasops/atlas/core"
)

// CoordinatorMetrics tracks task processing counters. Snapshot-style
// counters complement the telemetry provider: they are always available,
// even when OpenTelemetry is disabled.
type CoordinatorMetrics struct {
	mu             sync.RWMutex
	tasksProcessed int64
	tasksSucceeded int64
	tasksFailed    int64
	validationErrs int64
	escalations    int64
	byAction       map[core.Action]int64
}

// CoordinatorMetricsSnapshot is a point-in-time copy of the counters.
type CoordinatorMetricsSnapshot struct {
	TasksProcessed   int64                 `json:"tasks_processed"`
	TasksSucceeded   int64                 `json:"tasks_succeeded"`
	TasksFailed      int64                 `json:"tasks_failed"`
	ValidationErrors int64                 `json:"validation_errors"`
	Escalations      int64                 `json:"escalations"`
	ByAction         map[core.Action]int64 `json:"by_action"`
}

// NewCoordinatorMetrics creates a zeroed counter set.
func NewCoordinatorMetrics() *CoordinatorMetrics {
	return &CoordinatorMetrics{
		byAction: make(map[core.Action]int64),
	}
}

// RecordTask records one completed task processing pass.
func (m *CoordinatorMetrics) RecordTask(action core.Action, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasksProcessed++
	if success {
		m.tasksSucceeded++
	} else {
		m.tasksFailed++
	}
	m.byAction[action]++
}

// RecordValidationError counts a task rejected at the intake boundary.
func (m *CoordinatorMetrics) RecordValidationError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validationErrs++
}

// RecordEscalation counts one escalation event.
func (m *CoordinatorMetrics) RecordEscalation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escalations++
}

// Snapshot returns a copy of the current counters.
func (m *CoordinatorMetrics) Snapshot() CoordinatorMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byAction := make(map[core.Action]int64, len(m.byAction))
	for k, v := range m.byAction {
		byAction[k] = v
	}
	return CoordinatorMetricsSnapshot{
		TasksProcessed:   m.tasksProcessed,
		TasksSucceeded:   m.tasksSucceeded,
		TasksFailed:      m.tasksFailed,
		ValidationErrors: m.validationErrs,
		Escalations:      m.escalations,
		ByAction:         byAction,
	}
}
