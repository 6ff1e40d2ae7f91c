package telemetry

// Metric names recorded across the pipeline. Kept in one place so
// dashboards and alerts reference stable identifiers.
const (
	// MetricTaskProcessed counts completed coordinator passes, labeled
	// with the final action and success.
	MetricTaskProcessed = "atlas.task.processed"

	// MetricApprovalRequested counts approval asks, labeled with action.
	MetricApprovalRequested = "atlas.approval.requested"

	// MetricApprovalTimedOut counts approvals that expired unanswered.
	MetricApprovalTimedOut = "atlas.approval.timed_out"

	// MetricApprovalAutoExecuted counts timeouts that auto-executed.
	MetricApprovalAutoExecuted = "atlas.approval.auto_executed"

	// MetricSelfCodeRun counts self-coding pipeline runs, labeled with
	// success.
	MetricSelfCodeRun = "atlas.selfcode.run"
)
