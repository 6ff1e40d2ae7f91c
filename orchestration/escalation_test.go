package orchestration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasops/atlas/core"
)

func TestPlanPromotesFailedAutoFix(t *testing.T) {
	e := NewEscalationEngine(nil)
	task := core.NewTask("restart nginx", core.RiskMedium, core.UrgencyHigh)

	plan := e.Plan(task, core.ActionAutoFix, "server-agent", "server-backup", "exit status 1")

	assert.Equal(t, EscalatePromoteAction, plan.Level)
	assert.Equal(t, core.ActionImmediate, plan.NewAction)
	assert.Equal(t, "server-agent", plan.NewWorker)
}

func TestPlanRetriesImmediateOnAlternate(t *testing.T) {
	e := NewEscalationEngine(nil)
	task := core.NewTask("isolate the host", core.RiskHigh, core.UrgencyHigh)

	plan := e.Plan(task, core.ActionImmediate, "security-primary", "security-backup", "timeout")

	assert.Equal(t, EscalateAlternateWorker, plan.Level)
	assert.Equal(t, core.ActionImmediate, plan.NewAction)
	assert.Equal(t, "security-backup", plan.NewWorker)
}

func TestPlanDegradesToNotifyWithoutAlternate(t *testing.T) {
	e := NewEscalationEngine(nil)
	task := core.NewTask("isolate the host", core.RiskHigh, core.UrgencyHigh)

	plan := e.Plan(task, core.ActionImmediate, "security-primary", "", "timeout")

	assert.Equal(t, EscalateNotifyHuman, plan.Level)
	assert.Equal(t, core.ActionNotify, plan.NewAction)
	assert.Empty(t, plan.NewWorker)
}

func TestPlanKeepsRecordLog(t *testing.T) {
	e := NewEscalationEngine(nil)
	task := core.NewTask("restart nginx", core.RiskMedium, core.UrgencyHigh)

	e.Plan(task, core.ActionAutoFix, "server-agent", "", "exit status 1")
	e.Plan(task, core.ActionImmediate, "server-agent", "", "still down")

	records := e.Records()
	require.Len(t, records, 2)
	assert.Equal(t, core.ActionAutoFix, records[0].OriginalAction)
	assert.Equal(t, "exit status 1", records[0].Reason)
	assert.Equal(t, EscalateNotifyHuman, records[1].Level)
	assert.Equal(t, task.ID, records[1].TaskID)
}
