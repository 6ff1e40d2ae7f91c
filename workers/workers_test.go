package workers

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasops/atlas/core"
)

func TestServerMonitorNominalMetrics(t *testing.T) {
	w := NewServerMonitorWorker(func(ctx context.Context) (map[string]float64, error) {
		return map[string]float64{"disk_percent": 40, "memory_percent": 35, "load": 0.7}, nil
	})

	task := core.NewTask("check server disk", core.RiskLow, core.UrgencyLow)
	result := w.Run(context.Background(), task)

	require.True(t, result.Success)
	analysis := result.Data["analysis"].(map[string]interface{})
	assert.Equal(t, "low", analysis["risk"])
	assert.Equal(t, "log", analysis["action"])
}

func TestServerMonitorDiskCritical(t *testing.T) {
	w := NewServerMonitorWorker(func(ctx context.Context) (map[string]float64, error) {
		return map[string]float64{"disk_percent": 95}, nil
	})

	task := core.NewTask("check server disk", core.RiskLow, core.UrgencyLow)
	result := w.Run(context.Background(), task)

	require.True(t, result.Success)
	assert.Contains(t, result.Message, "disk usage critical")
	analysis := result.Data["analysis"].(map[string]interface{})
	assert.Equal(t, "high", analysis["risk"])
	assert.Equal(t, "notify", analysis["action"])
}

func TestServerMonitorProbeFailure(t *testing.T) {
	w := NewServerMonitorWorker(func(ctx context.Context) (map[string]float64, error) {
		return nil, errors.New("ssh timeout")
	})

	task := core.NewTask("check server disk", core.RiskLow, core.UrgencyLow)
	result := w.Run(context.Background(), task)

	require.False(t, result.Success)
	assert.Contains(t, result.Errors, "ssh timeout")
}

func TestServerMonitorNameMatchesCategory(t *testing.T) {
	w := NewServerMonitorWorker(nil)
	assert.Contains(t, w.Name(), "server_monitor")
}

func TestSecurityWorkerBruteForce(t *testing.T) {
	lines := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		lines = append(lines, "sshd[1]: Failed password for admin from 10.0.0.9")
	}
	w := NewSecurityWorker(func(ctx context.Context) ([]string, error) {
		return lines, nil
	})

	task := core.NewTask("scan auth logs", core.RiskMedium, core.UrgencyMedium)
	result := w.Run(context.Background(), task)

	require.True(t, result.Success)
	assert.Contains(t, result.Message, "brute force")
	analysis := result.Data["analysis"].(map[string]interface{})
	assert.Equal(t, "high", analysis["risk"])
}

func TestSecurityWorkerQuietLog(t *testing.T) {
	w := NewSecurityWorker(func(ctx context.Context) ([]string, error) {
		return []string{"sshd[1]: Accepted publickey for deploy"}, nil
	})

	task := core.NewTask("scan auth logs", core.RiskMedium, core.UrgencyMedium)
	result := w.Run(context.Background(), task)

	require.True(t, result.Success)
	assert.Equal(t, "no suspicious activity", result.Message)
}

func TestSecurityWorkerRootLogin(t *testing.T) {
	w := NewSecurityWorker(func(ctx context.Context) ([]string, error) {
		return []string{"sshd[1]: Accepted password for root from 10.0.0.5"}, nil
	})

	task := core.NewTask("scan auth logs", core.RiskMedium, core.UrgencyMedium)
	result := w.Run(context.Background(), task)

	require.True(t, result.Success)
	assert.Contains(t, result.Message, "root logins")
}

func TestSecurityWorkerDedupesRepeatAlerts(t *testing.T) {
	lines := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		lines = append(lines, "sshd[1]: Failed password for admin from 10.0.0.9")
	}
	w := NewSecurityWorker(func(ctx context.Context) ([]string, error) {
		return lines, nil
	}, WithSecurityMemory(core.NewMemoryStore()))

	task := core.NewTask("scan auth logs", core.RiskMedium, core.UrgencyMedium)

	first := w.Run(context.Background(), task)
	require.True(t, first.Success)
	analysis := first.Data["analysis"].(map[string]interface{})
	assert.Equal(t, "notify", analysis["action"])

	second := w.Run(context.Background(), task)
	require.True(t, second.Success)
	analysis = second.Data["analysis"].(map[string]interface{})
	assert.Equal(t, "log", analysis["action"])
	assert.Contains(t, analysis["summary"], "already alerted")
}

func TestSecurityWorkerDedupeKeyedPerFinding(t *testing.T) {
	lines := []string{"sshd[1]: Accepted password for root from 10.0.0.5"}
	calls := 0
	w := NewSecurityWorker(func(ctx context.Context) ([]string, error) {
		calls++
		if calls == 1 {
			burst := make([]string, 12)
			for i := range burst {
				burst[i] = "sshd[1]: Failed password for admin from 10.0.0.9"
			}
			return burst, nil
		}
		return lines, nil
	}, WithSecurityMemory(core.NewMemoryStore()))

	task := core.NewTask("scan auth logs", core.RiskMedium, core.UrgencyMedium)

	// Brute force alert should not suppress a later root-login alert.
	first := w.Run(context.Background(), task)
	require.True(t, first.Success)

	second := w.Run(context.Background(), task)
	require.True(t, second.Success)
	analysis := second.Data["analysis"].(map[string]interface{})
	assert.Equal(t, "notify", analysis["action"])
}

type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (n *recordingNotifier) Notify(ctx context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return n.err
}

func (n *recordingNotifier) Ask(ctx context.Context, text string, buttons []core.Button) error {
	return n.err
}

func TestCommunicationWorkerDelivers(t *testing.T) {
	notifier := &recordingNotifier{}
	w := NewCommunicationWorker(notifier)

	task := core.NewTask("send weekly digest", core.RiskLow, core.UrgencyLow)
	task.Payload = map[string]interface{}{
		"subject": "Weekly digest",
		"body":    "All systems nominal.",
	}
	result := w.Run(context.Background(), task)

	require.True(t, result.Success)
	require.Len(t, notifier.texts, 1)
	assert.Contains(t, notifier.texts[0], "Weekly digest")
	assert.Contains(t, notifier.texts[0], "All systems nominal.")
}

func TestCommunicationWorkerDeliveryFailureSurfaces(t *testing.T) {
	notifier := &recordingNotifier{err: core.ErrNotifierUnavailable}
	w := NewCommunicationWorker(notifier)

	task := core.NewTask("send weekly digest", core.RiskLow, core.UrgencyLow)
	result := w.Run(context.Background(), task)

	require.False(t, result.Success)
	assert.Contains(t, result.Message, "delivery failed")
	assert.Contains(t, w.Report(result), "delivery failed")
}

func TestCommunicationWorkerFallsBackToDescription(t *testing.T) {
	notifier := &recordingNotifier{}
	w := NewCommunicationWorker(notifier)

	task := core.NewTask("remind me about standup", core.RiskLow, core.UrgencyLow)
	result := w.Run(context.Background(), task)

	require.True(t, result.Success)
	require.Len(t, notifier.texts, 1)
	assert.Equal(t, "remind me about standup", notifier.texts[0])
}

func TestCodeMetaWorkerRunsPipeline(t *testing.T) {
	w := NewCodeMetaWorker(nil)

	task := core.NewTask("code request", core.RiskLow, core.UrgencyLow)
	task.Kind = core.TaskKindCodeRequest
	task.Payload = map[string]interface{}{
		"description":    "add int adder",
		"require_tests":  true,
		"max_iterations": float64(3),
	}
	result := w.Run(context.Background(), task)

	require.True(t, result.Success)
	stages := result.Data["stages_completed"].([]string)
	assert.Equal(t, []string{"analyze", "generate", "test", "debug", "refactor"}, stages)
	artifacts := result.Data["artifacts"].(map[string]string)
	assert.Contains(t, artifacts, "generated_code")
	assert.Contains(t, artifacts, "refactored_code")
}

func TestCodeMetaWorkerKeywordTaskUsesDescription(t *testing.T) {
	w := NewCodeMetaWorker(nil)

	task := core.NewTask("add a counting helper", core.RiskLow, core.UrgencyLow)
	result := w.Run(context.Background(), task)

	require.True(t, result.Success)
	assert.Equal(t, 3, result.Data["total_stages"])
}

func TestCodeMetaWorkerEmptyRequestFails(t *testing.T) {
	w := NewCodeMetaWorker(nil)

	task := &core.Task{ID: "x", Kind: core.TaskKindCodeRequest}
	result := w.Run(context.Background(), task)

	require.False(t, result.Success)
	assert.Contains(t, result.Message, "no description")
}

func TestCodeMetaWorkerReportListsStages(t *testing.T) {
	w := NewCodeMetaWorker(nil)

	task := core.NewTask("count the rows", core.RiskLow, core.UrgencyLow)
	result := w.Run(context.Background(), task)

	report := w.Report(result)
	assert.Contains(t, report, "OK")
	assert.Contains(t, report, "stages")
}
