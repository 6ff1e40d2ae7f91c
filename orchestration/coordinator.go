// Package orchestration contains the ATLAS coordination pipeline: the
// coordinator that evaluates, routes, escalates and audits tasks, the
// approval workflow, the monitor scheduler and the audit trail.
package orchestration

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/atlasops/atlas/core"
	"github.com/atlasops/atlas/decision"
	"github.com/atlasops/atlas/routing"
)

// Coordinator orchestrates the full pipeline for each task:
// validate, evaluate, route, audit, escalate. It is re-entrant: concurrent
// calls operate on independent tasks; the registry, matrix and audit trail
// carry their own locks.
//
// The coordinator never returns an error for task processing; every
// outcome is a TaskResult.
type Coordinator struct {
	registry  *core.WorkerRegistry
	matrix    *decision.Matrix
	router    *routing.Router
	audit     *AuditTrail
	escalator *EscalationEngine
	approvals *ApprovalManager
	notifier  core.Notifier
	metrics   *CoordinatorMetrics

	logger    core.Logger
	telemetry core.Telemetry

	escalationEnabled bool
	workerTimeout     time.Duration

	approvalStoreOpt    ApprovalStore
	approvalTimeout     time.Duration
	approvalAutoExecute bool

	shuttingDown atomic.Bool
}

// CoordinatorOption configures optional dependencies for Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorNotifier sets the notification transport.
func WithCoordinatorNotifier(notifier core.Notifier) CoordinatorOption {
	return func(c *Coordinator) {
		if notifier != nil {
			c.notifier = notifier
		}
	}
}

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(logger core.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			c.logger = cal.WithComponent("orchestration/coordinator")
		} else {
			c.logger = logger
		}
	}
}

// WithCoordinatorTelemetry sets the telemetry provider.
func WithCoordinatorTelemetry(telemetry core.Telemetry) CoordinatorOption {
	return func(c *Coordinator) {
		if telemetry != nil {
			c.telemetry = telemetry
		}
	}
}

// WithEscalation toggles the escalation engine (default on).
func WithEscalation(enabled bool) CoordinatorOption {
	return func(c *Coordinator) {
		c.escalationEnabled = enabled
	}
}

// WithWorkerTimeout bounds a single worker invocation (default 60s).
func WithWorkerTimeout(timeout time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.workerTimeout = timeout
		}
	}
}

// WithCoordinatorApprovalStore enables snapshot persistence for the
// approval workflow.
func WithCoordinatorApprovalStore(store ApprovalStore) CoordinatorOption {
	return func(c *Coordinator) {
		c.approvalStoreOpt = store
	}
}

// WithApprovalDefaults sets the default timeout and auto-execute policy
// applied when the immediate path requests approval.
func WithApprovalDefaults(timeout time.Duration, autoExecute bool) CoordinatorOption {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.approvalTimeout = timeout
		}
		c.approvalAutoExecute = autoExecute
	}
}

// NewCoordinator wires the pipeline. The approval manager is owned by the
// coordinator so approved requests re-enter action routing directly.
func NewCoordinator(registry *core.WorkerRegistry, matrix *decision.Matrix, router *routing.Router, auditMax int, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		registry:          registry,
		matrix:            matrix,
		router:            router,
		notifier:          &core.NoOpNotifier{},
		metrics:           NewCoordinatorMetrics(),
		logger:            &core.NoOpLogger{},
		telemetry:         &core.NoOpTelemetry{},
		escalationEnabled: true,
		workerTimeout:     60 * time.Second,
		approvalTimeout:   5 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.audit = NewAuditTrail(auditMax, c.logger)
	c.escalator = NewEscalationEngine(c.logger)
	c.approvals = NewApprovalManager(
		c.ExecuteAction,
		c.approvalTimeout,
		WithApprovalNotifier(c.notifier),
		WithApprovalStore(c.approvalStoreOpt),
		WithApprovalLogger(c.logger),
		WithApprovalTelemetry(c.telemetry),
	)
	return c
}

// ProcessTask runs the decision pipeline for one task. Exactly one audit
// entry with a filled outcome is produced for every accepted task.
func (c *Coordinator) ProcessTask(ctx context.Context, task *core.Task) *core.TaskResult {
	if c.shuttingDown.Load() {
		return core.Fail("coordinator is shutting down")
	}

	ctx, span := c.telemetry.StartSpan(ctx, "coordinator.process_task")
	defer span.End()

	// 1. Validate at the boundary; invalid tasks never reach workers.
	if err := task.Validate(); err != nil {
		c.metrics.RecordValidationError()
		span.RecordError(err)
		c.logger.Warn("Task rejected at intake", map[string]interface{}{
			"error": err.Error(),
		})
		return core.Fail("task validation failed", err.Error())
	}

	span.SetAttribute("task.id", task.ID)
	span.SetAttribute("task.risk", string(task.Risk))
	span.SetAttribute("task.urgency", string(task.Urgency))

	// 2. Evaluate against the decision matrix (belief and evidence gates
	// applied inside).
	dec := c.matrix.Evaluate(task)

	// 3. Route: explicit target, then keyword matching.
	sel := c.router.Select(task, c.registry)

	// 4. Audit before dispatch so the trail records the decision even if
	// the worker hangs or panics.
	entry := c.audit.Append(AuditSourceIntake, task, dec, sel.Worker, sel.Method, "")

	c.logger.Info("Task dispatched", map[string]interface{}{
		"task_id":    task.ID,
		"action":     string(dec.Action),
		"confidence": dec.Confidence,
		"worker":     sel.Worker,
		"method":     string(sel.Method),
	})

	// 5. Execute the decided action.
	result := c.routeAction(ctx, task, dec, sel.Worker)

	finalAction := dec.Action
	finalWorker := sel.Worker
	var escalatedFrom core.Action

	// 6. Escalate one step up the ladder on high-impact failure. A task
	// that never reached a worker is a routing failure and is returned
	// as-is; there is nothing to promote or retry.
	if !result.Success && c.escalationEnabled && dec.Action.HighImpact() && sel.Worker != "" {
		result, finalAction, finalWorker = c.escalate(ctx, task, dec, sel.Worker, result)
		escalatedFrom = dec.Action
		c.metrics.RecordEscalation()
	}

	// 7. Fill the audit outcome with what actually ran, and surface the
	// same decision on the result for callers.
	c.audit.SetOutcome(entry, result.Success, finalAction, finalWorker, escalatedFrom)
	result.Decision = &core.Decision{
		Risk:       dec.Risk,
		Urgency:    dec.Urgency,
		Action:     finalAction,
		Confidence: dec.Confidence,
		Reason:     dec.Reason,
	}

	c.metrics.RecordTask(finalAction, result.Success)
	c.telemetry.RecordMetric("atlas.task.processed", 1, map[string]string{
		"action":  string(finalAction),
		"success": fmt.Sprintf("%t", result.Success),
	})
	return result
}

// ExecuteAction re-routes a task with a fixed action, bypassing matrix
// evaluation. Used by the approval workflow for approved requests; its
// audit entry carries the approval source so the intake entry stays the
// single record of the original decision.
func (c *Coordinator) ExecuteAction(ctx context.Context, task *core.Task, action core.Action) *core.TaskResult {
	dec := core.Decision{
		Risk:       task.Risk,
		Urgency:    task.Urgency,
		Action:     action,
		Confidence: 1.0,
		Reason:     "human approved",
	}
	sel := c.router.Select(task, c.registry)
	entry := c.audit.Append(AuditSourceApproval, task, dec, sel.Worker, sel.Method, "")
	result := c.executeApproved(ctx, task, action, sel.Worker)
	c.audit.SetOutcome(entry, result.Success, action, sel.Worker, "")
	result.Decision = &dec
	c.metrics.RecordTask(action, result.Success)
	return result
}

// executeApproved dispatches an already-approved action. The immediate
// path does not re-request approval here; approval was just granted.
func (c *Coordinator) executeApproved(ctx context.Context, task *core.Task, action core.Action, worker string) *core.TaskResult {
	switch action {
	case core.ActionLog:
		return core.Succeed("logged")
	case core.ActionNotify:
		c.notify(ctx, task, nil)
		return core.Succeed("notification sent")
	default:
		return c.dispatch(ctx, task, worker)
	}
}

// routeAction executes the decided action:
//
//	log       - audit only, success
//	notify    - render report, hand to notifier, success even on failure
//	auto_fix  - dispatch to worker; no worker means failure
//	immediate - request approval and attempt the worker in parallel
func (c *Coordinator) routeAction(ctx context.Context, task *core.Task, dec core.Decision, worker string) *core.TaskResult {
	switch dec.Action {
	case core.ActionLog:
		return core.Succeed("logged")

	case core.ActionNotify:
		c.notify(ctx, task, nil)
		return core.Succeed("notification sent")

	case core.ActionAutoFix:
		if worker == "" {
			target := task.TargetWorker
			if target == "" {
				return core.Fail("no worker matched for auto_fix",
					core.ErrNoWorkerMatched.Error())
			}
			return core.Fail(
				fmt.Sprintf("target worker %q is not registered", target),
				core.ErrWorkerNotFound.Error())
		}
		return c.dispatch(ctx, task, worker)

	case core.ActionImmediate:
		// Immediate actions are safe to attempt and need post-hoc
		// confirmation: ask the human and start the worker in parallel.
		if _, err := c.approvals.RequestApproval(ctx, task, dec.Action, dec, c.approvalTimeout, c.approvalAutoExecute); err != nil {
			c.logger.Error("Failed to create approval request", map[string]interface{}{
				"task_id": task.ID,
				"error":   err.Error(),
			})
		}
		if worker == "" {
			return core.Succeed("approval requested, no worker resolved")
		}
		return c.dispatch(ctx, task, worker)

	default:
		return core.Fail(fmt.Sprintf("unknown action %q", dec.Action))
	}
}

// escalate applies at most one rung of the ladder and re-dispatches.
func (c *Coordinator) escalate(ctx context.Context, task *core.Task, dec core.Decision, failedWorker string, failed *core.TaskResult) (*core.TaskResult, core.Action, string) {
	alternate := ""
	if sel := c.router.SelectExcluding(task, c.registry, failedWorker); sel.Method != routing.MethodNone {
		alternate = sel.Worker
	}

	plan := c.escalator.Plan(task, dec.Action, failedWorker, alternate, failed.Message)

	escalated := dec
	escalated.Action = plan.NewAction
	escalated.Reason = fmt.Sprintf("escalated from %s: %s", dec.Action, failed.Message)

	switch plan.Level {
	case EscalatePromoteAction:
		// auto_fix promoted to immediate: ask the human, retry the worker.
		result := c.routeAction(ctx, task, escalated, plan.NewWorker)
		return result, plan.NewAction, plan.NewWorker

	case EscalateAlternateWorker:
		result := c.dispatch(ctx, task, plan.NewWorker)
		return result, plan.NewAction, plan.NewWorker

	default: // EscalateNotifyHuman
		c.notify(ctx, task, failed)
		return core.Succeed("escalated to human notification"), core.ActionNotify, ""
	}
}

// dispatch invokes one worker under timeout and panic recovery. Workers
// must not panic, but a coordinator crash is never an acceptable failure
// mode for bad worker code.
func (c *Coordinator) dispatch(ctx context.Context, task *core.Task, workerName string) (result *core.TaskResult) {
	worker, ok := c.registry.Get(workerName)
	if !ok {
		return core.Fail(
			fmt.Sprintf("worker %q is not registered", workerName),
			core.ErrWorkerNotFound.Error())
	}

	runCtx, cancel := context.WithTimeout(ctx, c.workerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Worker panicked", map[string]interface{}{
				"worker": workerName,
				"panic":  fmt.Sprintf("%v", r),
				"stack":  string(debug.Stack()),
			})
			result = core.Fail(
				fmt.Sprintf("worker %q panicked", workerName),
				fmt.Sprintf("%v", r))
		}
	}()

	ctx, span := c.telemetry.StartSpan(runCtx, "worker.run")
	span.SetAttribute("worker.name", workerName)
	defer span.End()

	result = worker.Run(ctx, task)
	if result == nil {
		result = core.Fail(fmt.Sprintf("worker %q returned no result", workerName))
	}
	if !result.Success {
		span.RecordError(fmt.Errorf("%s: %w", result.Message, core.ErrWorkerFailed))
	}
	return result
}

// notify renders a report and hands it to the notifier. Notifier failures
// are logged and swallowed; they never affect the task outcome.
func (c *Coordinator) notify(ctx context.Context, task *core.Task, result *core.TaskResult) {
	text := c.renderReport(task, result)
	if err := c.notifier.Notify(ctx, text); err != nil {
		c.logger.Warn("Notifier failed", map[string]interface{}{
			"task_id": task.ID,
			"error":   err.Error(),
		})
	}
}

// renderReport prefers the resolved worker's Report; otherwise the
// coordinator renders its own summary.
func (c *Coordinator) renderReport(task *core.Task, result *core.TaskResult) string {
	if task.TargetWorker != "" {
		if worker, ok := c.registry.Get(task.TargetWorker); ok && result != nil {
			return worker.Report(result)
		}
	}
	text := fmt.Sprintf("[atlas] %s (risk=%s urgency=%s)", task.Description, task.Risk, task.Urgency)
	if result != nil && !result.Success {
		text += fmt.Sprintf("\nlast attempt failed: %s", result.Message)
		for _, e := range result.Errors {
			text += fmt.Sprintf("\n  - %s", e)
		}
	}
	return text
}

// Approvals exposes the approval workflow for the API surface.
func (c *Coordinator) Approvals() *ApprovalManager { return c.approvals }

// Audit exposes the audit trail for the API surface.
func (c *Coordinator) Audit() *AuditTrail { return c.audit }

// Escalations exposes the escalation record log.
func (c *Coordinator) Escalations() []EscalationRecord { return c.escalator.Records() }

// Metrics returns a snapshot of the processing counters.
func (c *Coordinator) Metrics() CoordinatorMetricsSnapshot { return c.metrics.Snapshot() }

// Shutdown stops intake and cancels outstanding approval timers. Monitor
// loops are owned by the scheduler and drained by its Stop.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if c.shuttingDown.Swap(true) {
		return nil
	}
	c.approvals.Stop()
	c.logger.Info("Coordinator shut down", nil)
	return nil
}
