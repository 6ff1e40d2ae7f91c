package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlasops/atlas/core"
)

// ApprovalStatus tracks the lifecycle of an approval request. Transitions
// form a DAG: pending moves to exactly one of the terminal states.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalTimedOut ApprovalStatus = "timed_out"
)

// ApprovalRequest is one pending human decision.
type ApprovalRequest struct {
	ID                   string         `json:"id"`
	Task                 *core.Task     `json:"task"`
	ProposedAction       core.Action    `json:"proposed_action"`
	Decision             core.Decision  `json:"decision"`
	Timeout              time.Duration  `json:"timeout"`
	AutoExecuteOnTimeout bool           `json:"auto_execute_on_timeout"`
	Status               ApprovalStatus `json:"status"`
	CreatedAt            time.Time      `json:"created_at"`
	RespondedAt          *time.Time     `json:"responded_at,omitempty"`
}

// ActionExecutor re-routes an approved task through the coordinator's
// action routing. Injected to keep the approval workflow decoupled from
// the coordinator.
type ActionExecutor func(ctx context.Context, task *core.Task, action core.Action) *core.TaskResult

// ApprovalManager owns the pending-approval map and the per-request
// timers. All transitions (approve, reject, timeout) are serialized
// through the map lock, so a racing timeout and user reply can never both
// fire execution.
type ApprovalManager struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval

	executor ActionExecutor
	notifier core.Notifier
	store    ApprovalStore

	defaultTimeout time.Duration
	logger         core.Logger
	telemetry      core.Telemetry

	closed bool
}

type pendingApproval struct {
	request *ApprovalRequest
	timer   *time.Timer
}

// ApprovalOption configures optional dependencies for ApprovalManager.
type ApprovalOption func(*ApprovalManager)

// WithApprovalNotifier sets the notification transport.
func WithApprovalNotifier(notifier core.Notifier) ApprovalOption {
	return func(m *ApprovalManager) {
		if notifier != nil {
			m.notifier = notifier
		}
	}
}

// WithApprovalStore enables snapshot persistence of pending requests.
func WithApprovalStore(store ApprovalStore) ApprovalOption {
	return func(m *ApprovalManager) {
		m.store = store
	}
}

// WithApprovalLogger sets the logger.
func WithApprovalLogger(logger core.Logger) ApprovalOption {
	return func(m *ApprovalManager) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			m.logger = cal.WithComponent("orchestration/approval")
		} else {
			m.logger = logger
		}
	}
}

// WithApprovalTelemetry sets the telemetry provider.
func WithApprovalTelemetry(telemetry core.Telemetry) ApprovalOption {
	return func(m *ApprovalManager) {
		if telemetry != nil {
			m.telemetry = telemetry
		}
	}
}

// NewApprovalManager creates a manager. executor is invoked for approved
// requests (and for auto-executed timeouts); it must not be nil.
func NewApprovalManager(executor ActionExecutor, defaultTimeout time.Duration, opts ...ApprovalOption) *ApprovalManager {
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Minute
	}
	m := &ApprovalManager{
		pending:        make(map[string]*pendingApproval),
		executor:       executor,
		notifier:       &core.NoOpNotifier{},
		defaultTimeout: defaultTimeout,
		logger:         &core.NoOpLogger{},
		telemetry:      &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RequestApproval creates a pending request, arms its timeout timer and
// dispatches the Approve/Reject ask. Notifier failures are logged and
// swallowed; the request stays pending either way.
func (m *ApprovalManager) RequestApproval(ctx context.Context, task *core.Task, action core.Action, decision core.Decision, timeout time.Duration, autoExecute bool) (*ApprovalRequest, error) {
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	request := &ApprovalRequest{
		ID:                   uuid.New().String(),
		Task:                 task,
		ProposedAction:       action,
		Decision:             decision,
		Timeout:              timeout,
		AutoExecuteOnTimeout: autoExecute,
		Status:               ApprovalPending,
		CreatedAt:            time.Now(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, core.NewAtlasError("approval.RequestApproval", "approval", core.ErrShuttingDown)
	}
	entry := &pendingApproval{request: request}
	entry.timer = time.AfterFunc(timeout, func() {
		m.expire(request.ID)
	})
	m.pending[request.ID] = entry
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(ctx, request); err != nil {
			m.logger.Warn("Failed to snapshot approval request", map[string]interface{}{
				"approval_id": request.ID,
				"error":       err.Error(),
			})
		}
	}

	text := fmt.Sprintf("Approval required: %s\nProposed action: %s (confidence %.2f)\nReason: %s",
		task.Description, action, decision.Confidence, decision.Reason)
	buttons := []core.Button{
		{Label: "Approve", CallbackID: "approve_" + request.ID},
		{Label: "Reject", CallbackID: "reject_" + request.ID},
	}
	if err := m.notifier.Ask(ctx, text, buttons); err != nil {
		// Notifier failures never propagate into task outcomes.
		m.logger.Error("Failed to send approval ask", map[string]interface{}{
			"approval_id": request.ID,
			"error":       err.Error(),
		})
	}

	m.logger.Info("Approval requested", map[string]interface{}{
		"approval_id": request.ID,
		"action":      string(action),
		"timeout":     timeout.String(),
	})
	m.telemetry.RecordMetric("atlas.approval.requested", 1, map[string]string{
		"action": string(action),
	})
	return request, nil
}

// HandleResponse processes a human reply. The entry is removed from the
// pending map atomically; a second response for the same ID reports "not
// found" and has no side effect.
func (m *ApprovalManager) HandleResponse(ctx context.Context, id string, approved bool) *core.TaskResult {
	entry, ok := m.take(id)
	if !ok {
		return core.Fail(fmt.Sprintf("approval request %s not found", id))
	}

	now := time.Now()
	entry.request.RespondedAt = &now

	if !approved {
		entry.request.Status = ApprovalRejected
		m.finish(ctx, entry.request)
		m.logger.Info("Approval rejected", map[string]interface{}{
			"approval_id": id,
		})
		return core.Succeed(fmt.Sprintf("request %s rejected", id))
	}

	entry.request.Status = ApprovalApproved
	m.finish(ctx, entry.request)
	m.logger.Info("Approval granted", map[string]interface{}{
		"approval_id": id,
		"action":      string(entry.request.ProposedAction),
	})
	return m.executor(ctx, entry.request.Task, entry.request.ProposedAction)
}

// expire handles a timer firing. If the request is still pending it
// transitions exactly once: to approved (with one execution) when
// auto-execute is set, to timed_out otherwise.
func (m *ApprovalManager) expire(id string) {
	entry, ok := m.take(id)
	if !ok {
		// A response won the race; the timer is a no-op.
		return
	}

	now := time.Now()
	entry.request.RespondedAt = &now
	ctx := context.Background()

	if entry.request.AutoExecuteOnTimeout {
		entry.request.Status = ApprovalApproved
		m.finish(ctx, entry.request)
		m.logger.Warn("Approval timed out, auto-executing", map[string]interface{}{
			"approval_id": id,
			"action":      string(entry.request.ProposedAction),
		})
		m.telemetry.RecordMetric("atlas.approval.auto_executed", 1, nil)
		m.executor(ctx, entry.request.Task, entry.request.ProposedAction)
		return
	}

	entry.request.Status = ApprovalTimedOut
	m.finish(ctx, entry.request)
	m.logger.Warn("Approval timed out", map[string]interface{}{
		"approval_id": id,
	})
	m.telemetry.RecordMetric("atlas.approval.timed_out", 1, nil)
}

// take atomically removes a pending entry and stops its timer.
func (m *ApprovalManager) take(id string) (*pendingApproval, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.pending[id]
	if !ok {
		return nil, false
	}
	delete(m.pending, id)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	return entry, true
}

func (m *ApprovalManager) finish(ctx context.Context, request *ApprovalRequest) {
	if m.store == nil {
		return
	}
	if err := m.store.Delete(ctx, request.ID); err != nil {
		m.logger.Warn("Failed to delete approval snapshot", map[string]interface{}{
			"approval_id": request.ID,
			"error":       err.Error(),
		})
	}
}

// GetPendingApprovals returns a snapshot copy of the pending requests.
func (m *ApprovalManager) GetPendingApprovals() []ApprovalRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ApprovalRequest, 0, len(m.pending))
	for _, entry := range m.pending {
		out = append(out, *entry.request)
	}
	return out
}

// Stop cancels all outstanding timers and rejects new requests. Pending
// requests are left in the store for recovery on restart.
func (m *ApprovalManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, entry := range m.pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
}
