package orchestration

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasops/atlas/core"
	"github.com/atlasops/atlas/decision"
	"github.com/atlasops/atlas/routing"
)

// fakeWorker is a scriptable worker for pipeline tests.
type fakeWorker struct {
	name   string
	mu     sync.Mutex
	runs   int
	fail   bool
	panics bool
}

func (w *fakeWorker) Name() string { return w.name }

func (w *fakeWorker) Run(ctx context.Context, task *core.Task) *core.TaskResult {
	w.mu.Lock()
	w.runs++
	w.mu.Unlock()
	if w.panics {
		panic("worker blew up")
	}
	if w.fail {
		return core.Fail("simulated worker failure")
	}
	return core.Succeed("done")
}

func (w *fakeWorker) Analyze(data map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"status": "ok"}
}

func (w *fakeWorker) Report(result *core.TaskResult) string {
	return "report: " + result.Message
}

func (w *fakeWorker) runCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runs
}

type askCall struct {
	text    string
	buttons []core.Button
}

// captureNotifier records every Notify and Ask; err is returned from both.
type captureNotifier struct {
	mu    sync.Mutex
	notes []string
	asks  []askCall
	err   error
}

func (n *captureNotifier) Notify(ctx context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, text)
	return n.err
}

func (n *captureNotifier) Ask(ctx context.Context, text string, buttons []core.Button) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.asks = append(n.asks, askCall{text: text, buttons: buttons})
	return n.err
}

func (n *captureNotifier) notifyCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notes)
}

func (n *captureNotifier) askCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.asks)
}

func newTestCoordinator(t *testing.T, notifier core.Notifier, workers []*fakeWorker, opts ...CoordinatorOption) (*Coordinator, *core.WorkerRegistry) {
	t.Helper()
	registry := core.NewWorkerRegistry()
	for _, w := range workers {
		require.NoError(t, registry.Register(w))
	}
	base := []CoordinatorOption{WithCoordinatorNotifier(notifier)}
	c := NewCoordinator(registry, decision.NewMatrix(), routing.NewRouter(nil), 100, append(base, opts...)...)
	return c, registry
}

func TestProcessTaskLowRiskLogsOnly(t *testing.T) {
	notifier := &captureNotifier{}
	c, _ := newTestCoordinator(t, notifier, nil)

	task := core.NewTask("note the weekly backlog review", core.RiskLow, core.UrgencyLow)
	result := c.ProcessTask(context.Background(), task)

	require.True(t, result.Success)
	assert.Equal(t, "logged", result.Message)
	assert.Equal(t, 0, notifier.notifyCount())

	entries := c.Audit().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, core.ActionLog, entries[0].Action)
	assert.InDelta(t, 0.95, entries[0].Confidence, 1e-9)
	assert.True(t, entries[0].OutcomeFilled)
	assert.True(t, entries[0].OutcomeSuccess)
}

func TestProcessTaskRejectsInvalidTask(t *testing.T) {
	c, _ := newTestCoordinator(t, &captureNotifier{}, nil)

	task := core.NewTask("", core.RiskLow, core.UrgencyLow)
	result := c.ProcessTask(context.Background(), task)

	require.False(t, result.Success)
	assert.Contains(t, result.Message, "validation")
	assert.Equal(t, 0, c.Audit().Len())
	assert.Equal(t, int64(1), c.Metrics().ValidationErrors)
}

func TestProcessTaskNotifySwallowsNotifierError(t *testing.T) {
	notifier := &captureNotifier{err: core.ErrNotifierUnavailable}
	c, _ := newTestCoordinator(t, notifier, nil)

	// medium risk, low urgency maps to notify.
	task := core.NewTask("review the quarterly numbers", core.RiskMedium, core.UrgencyLow)
	result := c.ProcessTask(context.Background(), task)

	require.True(t, result.Success)
	assert.Equal(t, 1, notifier.notifyCount())
}

func TestProcessTaskAutoFixUnknownTargetFails(t *testing.T) {
	c, _ := newTestCoordinator(t, &captureNotifier{}, nil)

	task := core.NewTask("apply the patch", core.RiskMedium, core.UrgencyHigh)
	task.TargetWorker = "ghost-worker"
	result := c.ProcessTask(context.Background(), task)

	require.False(t, result.Success)
	assert.Contains(t, result.Message, "ghost-worker")

	entries := c.Audit().Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].OutcomeFilled)
	assert.False(t, entries[0].OutcomeSuccess)
	assert.Empty(t, entries[0].EscalatedFrom)
}

func TestProcessTaskAutoFixNoMatchFails(t *testing.T) {
	c, _ := newTestCoordinator(t, &captureNotifier{}, nil)

	task := core.NewTask("zzz qqq unmatched gibberish", core.RiskMedium, core.UrgencyHigh)
	result := c.ProcessTask(context.Background(), task)

	require.False(t, result.Success)
	assert.Contains(t, result.Message, "no worker matched")
}

func TestProcessTaskEscalatesFailedAutoFix(t *testing.T) {
	notifier := &captureNotifier{}
	fixer := &fakeWorker{name: "server-fixer", fail: true}
	c, _ := newTestCoordinator(t, notifier, []*fakeWorker{fixer})

	task := core.NewTask("restart the crashed service", core.RiskMedium, core.UrgencyHigh)
	task.TargetWorker = "server-fixer"
	result := c.ProcessTask(context.Background(), task)

	// auto_fix fails, promotes to immediate: approval asked, worker retried.
	assert.Equal(t, 2, fixer.runCount())
	assert.Equal(t, 1, notifier.askCount())
	require.False(t, result.Success)

	entries := c.Audit().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, core.ActionImmediate, entries[0].Action)
	assert.Equal(t, core.ActionAutoFix, entries[0].EscalatedFrom)
	assert.Equal(t, int64(1), c.Metrics().Escalations)

	records := c.Escalations()
	require.Len(t, records, 1)
	assert.Equal(t, EscalatePromoteAction, records[0].Level)
	c.Approvals().Stop()
}

func TestProcessTaskEscalatesToAlternateWorker(t *testing.T) {
	notifier := &captureNotifier{}
	primary := &fakeWorker{name: "security-primary", fail: true}
	backup := &fakeWorker{name: "security-backup"}
	c, _ := newTestCoordinator(t, notifier, []*fakeWorker{primary, backup})

	task := core.NewTask("security breach detected on the firewall", core.RiskHigh, core.UrgencyHigh)
	task.TargetWorker = "security-primary"
	result := c.ProcessTask(context.Background(), task)

	require.True(t, result.Success)
	assert.Equal(t, 1, primary.runCount())
	assert.Equal(t, 1, backup.runCount())

	entries := c.Audit().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, core.ActionImmediate, entries[0].Action)
	assert.Equal(t, core.ActionImmediate, entries[0].EscalatedFrom)
	assert.Equal(t, "security-backup", entries[0].Worker)
	c.Approvals().Stop()
}

func TestProcessTaskEscalationDegradesToNotify(t *testing.T) {
	notifier := &captureNotifier{}
	only := &fakeWorker{name: "security-primary", fail: true}
	c, _ := newTestCoordinator(t, notifier, []*fakeWorker{only})

	task := core.NewTask("security breach detected on the firewall", core.RiskHigh, core.UrgencyHigh)
	task.TargetWorker = "security-primary"
	result := c.ProcessTask(context.Background(), task)

	// No alternate exists; the failure degrades to a human notification.
	require.True(t, result.Success)
	assert.Contains(t, result.Message, "escalated")
	assert.Equal(t, 1, notifier.notifyCount())

	entries := c.Audit().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, core.ActionNotify, entries[0].Action)
	assert.Equal(t, core.ActionImmediate, entries[0].EscalatedFrom)
	c.Approvals().Stop()
}

func TestProcessTaskImmediateRequestsApproval(t *testing.T) {
	notifier := &captureNotifier{}
	guard := &fakeWorker{name: "security-guard"}
	c, _ := newTestCoordinator(t, notifier, []*fakeWorker{guard})

	task := core.NewTask("intrusion detected, isolate the host", core.RiskHigh, core.UrgencyHigh)
	task.TargetWorker = "security-guard"
	result := c.ProcessTask(context.Background(), task)

	require.True(t, result.Success)
	assert.Equal(t, 1, guard.runCount())

	require.Equal(t, 1, notifier.askCount())
	notifier.mu.Lock()
	ask := notifier.asks[0]
	notifier.mu.Unlock()
	require.Len(t, ask.buttons, 2)
	assert.True(t, strings.HasPrefix(ask.buttons[0].CallbackID, "approve_"))
	assert.True(t, strings.HasPrefix(ask.buttons[1].CallbackID, "reject_"))

	pending := c.Approvals().GetPendingApprovals()
	require.Len(t, pending, 1)
	assert.Equal(t, ApprovalPending, pending[0].Status)
	c.Approvals().Stop()
}

func TestApprovedResponseReExecutesAction(t *testing.T) {
	notifier := &captureNotifier{}
	guard := &fakeWorker{name: "security-guard"}
	c, _ := newTestCoordinator(t, notifier, []*fakeWorker{guard})

	task := core.NewTask("intrusion detected, isolate the host", core.RiskHigh, core.UrgencyHigh)
	task.TargetWorker = "security-guard"
	c.ProcessTask(context.Background(), task)

	pending := c.Approvals().GetPendingApprovals()
	require.Len(t, pending, 1)

	result := c.Approvals().HandleResponse(context.Background(), pending[0].ID, true)
	require.True(t, result.Success)
	assert.Equal(t, 2, guard.runCount())

	// One entry per source: the intake pass and the approved execution
	// each stand on their own in the trail.
	entries := c.Audit().Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, AuditSourceIntake, entries[0].Source)
	assert.Equal(t, AuditSourceApproval, entries[1].Source)
	assert.Equal(t, task.ID, entries[1].TaskID)
	c.Approvals().Stop()
}

func TestProcessTaskSurfacesDecisionOnResult(t *testing.T) {
	c, _ := newTestCoordinator(t, &captureNotifier{}, nil)

	task := core.NewTask("daily report", core.RiskLow, core.UrgencyLow)
	result := c.ProcessTask(context.Background(), task)

	require.True(t, result.Success)
	require.NotNil(t, result.Decision)
	assert.Equal(t, core.ActionLog, result.Decision.Action)
	assert.InDelta(t, 0.95, result.Decision.Confidence, 1e-9)
}

func TestProcessTaskDecisionReflectsEscalation(t *testing.T) {
	notifier := &captureNotifier{}
	fixer := &fakeWorker{name: "server-fixer", fail: true}
	c, _ := newTestCoordinator(t, notifier, []*fakeWorker{fixer})

	task := core.NewTask("restart the stuck service", core.RiskMedium, core.UrgencyHigh)
	task.TargetWorker = "server-fixer"
	result := c.ProcessTask(context.Background(), task)

	require.NotNil(t, result.Decision)
	// The surfaced action is the one that actually ran, after escalation.
	entries := c.Audit().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, entries[0].Action, result.Decision.Action)
	c.Approvals().Stop()
}

func TestProcessTaskRecoversWorkerPanic(t *testing.T) {
	bomb := &fakeWorker{name: "server-bomb", panics: true}
	c, _ := newTestCoordinator(t, &captureNotifier{}, []*fakeWorker{bomb},
		WithEscalation(false))

	task := core.NewTask("restart the service now", core.RiskMedium, core.UrgencyHigh)
	task.TargetWorker = "server-bomb"
	result := c.ProcessTask(context.Background(), task)

	require.False(t, result.Success)
	assert.Contains(t, result.Message, "panicked")
}

func TestProcessTaskAfterShutdownFails(t *testing.T) {
	c, _ := newTestCoordinator(t, &captureNotifier{}, nil)
	require.NoError(t, c.Shutdown(context.Background()))

	task := core.NewTask("note something", core.RiskLow, core.UrgencyLow)
	result := c.ProcessTask(context.Background(), task)
	require.False(t, result.Success)
	assert.Contains(t, result.Message, "shutting down")
}

func TestMetricsCountByAction(t *testing.T) {
	c, _ := newTestCoordinator(t, &captureNotifier{}, nil)

	for i := 0; i < 3; i++ {
		task := core.NewTask("note the backlog", core.RiskLow, core.UrgencyLow)
		c.ProcessTask(context.Background(), task)
	}
	task := core.NewTask("review the numbers", core.RiskMedium, core.UrgencyLow)
	c.ProcessTask(context.Background(), task)

	snap := c.Metrics()
	assert.Equal(t, int64(4), snap.TasksProcessed)
	assert.Equal(t, int64(4), snap.TasksSucceeded)
	assert.Equal(t, int64(3), snap.ByAction[core.ActionLog])
	assert.Equal(t, int64(1), snap.ByAction[core.ActionNotify])
}
