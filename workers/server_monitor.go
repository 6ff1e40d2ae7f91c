// Package workers contains the built-in workers: server monitoring,
// security scanning, communication and the code-meta bridge into the
// self-coding pipeline. They exercise the Worker contract end to end and
// serve as templates for external workers.
package workers

import (
	"context"
	"fmt"

	"github.com/atlasops/atlas/core"
)

// MetricsProbe samples host metrics. Injected so tests and deployments
// control the collection mechanism (procfs, SSH, an agent endpoint).
type MetricsProbe func(ctx context.Context) (map[string]float64, error)

// ServerMonitorWorker checks host health metrics against thresholds. It
// answers the server_monitor routing category.
type ServerMonitorWorker struct {
	*core.BaseWorker
	probe MetricsProbe

	diskThreshold float64
	loadThreshold float64
	memThreshold  float64
}

// ServerMonitorOption configures the worker.
type ServerMonitorOption func(*ServerMonitorWorker)

// WithDiskThreshold sets the disk usage percentage treated as critical.
func WithDiskThreshold(pct float64) ServerMonitorOption {
	return func(w *ServerMonitorWorker) {
		if pct > 0 {
			w.diskThreshold = pct
		}
	}
}

// WithLoadThreshold sets the load average treated as critical.
func WithLoadThreshold(load float64) ServerMonitorOption {
	return func(w *ServerMonitorWorker) {
		if load > 0 {
			w.loadThreshold = load
		}
	}
}

// WithMemoryThreshold sets the memory usage percentage treated as critical.
func WithMemoryThreshold(pct float64) ServerMonitorOption {
	return func(w *ServerMonitorWorker) {
		if pct > 0 {
			w.memThreshold = pct
		}
	}
}

// NewServerMonitorWorker creates the worker around a metrics probe.
func NewServerMonitorWorker(probe MetricsProbe, opts ...ServerMonitorOption) *ServerMonitorWorker {
	w := &ServerMonitorWorker{
		BaseWorker:    core.NewBaseWorker("server_monitor-agent"),
		probe:         probe,
		diskThreshold: 90,
		loadThreshold: 8,
		memThreshold:  90,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run samples metrics and classifies them.
func (w *ServerMonitorWorker) Run(ctx context.Context, task *core.Task) *core.TaskResult {
	if w.probe == nil {
		return core.Fail("no metrics probe configured")
	}

	metrics, err := w.probe(ctx)
	if err != nil {
		w.Logger.Warn("Metrics probe failed", map[string]interface{}{
			"error": err.Error(),
		})
		return core.Fail("metrics probe failed", err.Error())
	}

	data := make(map[string]interface{}, len(metrics))
	for k, v := range metrics {
		data[k] = v
	}
	analysis := w.Analyze(data)

	result := core.Succeed(analysis["summary"].(string))
	result.Data = map[string]interface{}{
		"metrics":  data,
		"analysis": analysis,
	}
	return result
}

// Analyze applies the threshold heuristics to sampled metrics.
func (w *ServerMonitorWorker) Analyze(data map[string]interface{}) map[string]interface{} {
	risk := core.RiskLow
	urgency := core.UrgencyLow
	action := core.ActionLog
	summary := "all host metrics nominal"

	if disk, ok := floatField(data, "disk_percent"); ok && disk >= w.diskThreshold {
		risk, urgency, action = core.RiskHigh, core.UrgencyHigh, core.ActionNotify
		summary = fmt.Sprintf("disk usage critical: %.0f%%", disk)
	} else if mem, ok := floatField(data, "memory_percent"); ok && mem >= w.memThreshold {
		risk, urgency, action = core.RiskMedium, core.UrgencyHigh, core.ActionNotify
		summary = fmt.Sprintf("memory usage high: %.0f%%", mem)
	} else if load, ok := floatField(data, "load"); ok && load >= w.loadThreshold {
		risk, urgency, action = core.RiskMedium, core.UrgencyMedium, core.ActionNotify
		summary = fmt.Sprintf("load average high: %.1f", load)
	}

	return map[string]interface{}{
		"risk":    string(risk),
		"urgency": string(urgency),
		"action":  string(action),
		"summary": summary,
	}
}

func floatField(data map[string]interface{}, key string) (float64, bool) {
	v, ok := data[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}
