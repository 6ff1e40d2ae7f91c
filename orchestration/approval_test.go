package orchestration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasops/atlas/core"
)

type countingExecutor struct {
	mu    sync.Mutex
	calls int
}

func (e *countingExecutor) execute(ctx context.Context, task *core.Task, action core.Action) *core.TaskResult {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return core.Succeed("executed")
}

func (e *countingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func approvalTask() *core.Task {
	return core.NewTask("isolate the compromised host", core.RiskHigh, core.UrgencyHigh)
}

func approvalDecision() core.Decision {
	return core.Decision{
		Risk:       core.RiskHigh,
		Urgency:    core.UrgencyHigh,
		Action:     core.ActionImmediate,
		Confidence: 0.9,
		Reason:     "matrix rule",
	}
}

func TestRequestApprovalSendsAsk(t *testing.T) {
	executor := &countingExecutor{}
	notifier := &captureNotifier{}
	m := NewApprovalManager(executor.execute, time.Minute, WithApprovalNotifier(notifier))
	defer m.Stop()

	request, err := m.RequestApproval(context.Background(), approvalTask(), core.ActionImmediate, approvalDecision(), time.Minute, false)
	require.NoError(t, err)
	assert.Equal(t, ApprovalPending, request.Status)
	assert.Equal(t, 1, notifier.askCount())

	pending := m.GetPendingApprovals()
	require.Len(t, pending, 1)
	assert.Equal(t, request.ID, pending[0].ID)
	assert.Equal(t, 0, executor.count())
}

func TestApproveExecutesOnce(t *testing.T) {
	executor := &countingExecutor{}
	m := NewApprovalManager(executor.execute, time.Minute)
	defer m.Stop()

	request, err := m.RequestApproval(context.Background(), approvalTask(), core.ActionImmediate, approvalDecision(), time.Minute, false)
	require.NoError(t, err)

	result := m.HandleResponse(context.Background(), request.ID, true)
	require.True(t, result.Success)
	assert.Equal(t, 1, executor.count())
	assert.Empty(t, m.GetPendingApprovals())

	// A second reply for the same ID is a no-op.
	dup := m.HandleResponse(context.Background(), request.ID, true)
	require.False(t, dup.Success)
	assert.Contains(t, dup.Message, "not found")
	assert.Equal(t, 1, executor.count())
}

func TestRejectNeverExecutes(t *testing.T) {
	executor := &countingExecutor{}
	m := NewApprovalManager(executor.execute, time.Minute)
	defer m.Stop()

	request, err := m.RequestApproval(context.Background(), approvalTask(), core.ActionImmediate, approvalDecision(), time.Minute, false)
	require.NoError(t, err)

	result := m.HandleResponse(context.Background(), request.ID, false)
	require.True(t, result.Success)
	assert.Contains(t, result.Message, "rejected")
	assert.Equal(t, 0, executor.count())
	assert.Empty(t, m.GetPendingApprovals())
}

func TestTimeoutWithoutAutoExecute(t *testing.T) {
	executor := &countingExecutor{}
	m := NewApprovalManager(executor.execute, time.Minute)
	defer m.Stop()

	request, err := m.RequestApproval(context.Background(), approvalTask(), core.ActionImmediate, approvalDecision(), 20*time.Millisecond, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(m.GetPendingApprovals()) == 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, executor.count())

	// The expired request is gone; a late reply finds nothing.
	result := m.HandleResponse(context.Background(), request.ID, true)
	require.False(t, result.Success)
	assert.Equal(t, 0, executor.count())
}

func TestTimeoutWithAutoExecute(t *testing.T) {
	executor := &countingExecutor{}
	m := NewApprovalManager(executor.execute, time.Minute)
	defer m.Stop()

	_, err := m.RequestApproval(context.Background(), approvalTask(), core.ActionImmediate, approvalDecision(), 20*time.Millisecond, true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return executor.count() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, m.GetPendingApprovals())

	// Exactly one execution, even well past the deadline.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, executor.count())
}

func TestApproveCancelsTimer(t *testing.T) {
	executor := &countingExecutor{}
	m := NewApprovalManager(executor.execute, time.Minute)
	defer m.Stop()

	request, err := m.RequestApproval(context.Background(), approvalTask(), core.ActionImmediate, approvalDecision(), 30*time.Millisecond, true)
	require.NoError(t, err)

	result := m.HandleResponse(context.Background(), request.ID, true)
	require.True(t, result.Success)

	// The stopped timer must not fire a second execution.
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, executor.count())
}

func TestStopRejectsNewRequests(t *testing.T) {
	executor := &countingExecutor{}
	m := NewApprovalManager(executor.execute, time.Minute)
	m.Stop()

	_, err := m.RequestApproval(context.Background(), approvalTask(), core.ActionImmediate, approvalDecision(), time.Minute, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrShuttingDown)
}

func TestApprovalStoreLifecycle(t *testing.T) {
	executor := &countingExecutor{}
	store := NewMemoryApprovalStore()
	m := NewApprovalManager(executor.execute, time.Minute, WithApprovalStore(store))
	defer m.Stop()

	request, err := m.RequestApproval(context.Background(), approvalTask(), core.ActionImmediate, approvalDecision(), time.Minute, false)
	require.NoError(t, err)

	saved, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, request.ID, saved[0].ID)

	m.HandleResponse(context.Background(), request.ID, false)

	saved, err = store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, saved)
}
