package workers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atlasops/atlas/core"
)

// LogSource yields recent auth-log lines for scanning. Injected so tests
// and deployments control where logs come from.
type LogSource func(ctx context.Context) ([]string, error)

// SecurityWorker scans authentication logs for intrusion indicators. It
// answers the security routing category.
type SecurityWorker struct {
	*core.BaseWorker
	source LogSource
	memory core.Memory

	failedLoginLimit int
	alertWindow      time.Duration
}

// SecurityOption configures the worker.
type SecurityOption func(*SecurityWorker)

// WithFailedLoginLimit sets how many failed logins count as an attack.
func WithFailedLoginLimit(n int) SecurityOption {
	return func(w *SecurityWorker) {
		if n > 0 {
			w.failedLoginLimit = n
		}
	}
}

// WithSecurityMemory enables alert deduplication across runs. A finding
// already alerted inside the window downgrades to log, so monitors on
// short intervals do not page for the same burst every tick.
func WithSecurityMemory(memory core.Memory) SecurityOption {
	return func(w *SecurityWorker) {
		w.memory = memory
	}
}

// WithAlertWindow sets how long a raised alert suppresses repeats.
func WithAlertWindow(d time.Duration) SecurityOption {
	return func(w *SecurityWorker) {
		if d > 0 {
			w.alertWindow = d
		}
	}
}

// NewSecurityWorker creates the worker around a log source.
func NewSecurityWorker(source LogSource, opts ...SecurityOption) *SecurityWorker {
	w := &SecurityWorker{
		BaseWorker:       core.NewBaseWorker("security-agent"),
		source:           source,
		failedLoginLimit: 10,
		alertWindow:      15 * time.Minute,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run scans the log window and classifies the findings.
func (w *SecurityWorker) Run(ctx context.Context, task *core.Task) *core.TaskResult {
	if w.source == nil {
		return core.Fail("no log source configured")
	}

	lines, err := w.source(ctx)
	if err != nil {
		return core.Fail("log source failed", err.Error())
	}

	failed, sudo, rootLogins := 0, 0, 0
	for _, line := range lines {
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "failed password"),
			strings.Contains(lower, "authentication failure"):
			failed++
		case strings.Contains(lower, "sudo:"):
			sudo++
		case strings.Contains(lower, "accepted") && strings.Contains(lower, "root"):
			rootLogins++
		}
	}

	data := map[string]interface{}{
		"failed_logins": failed,
		"sudo_events":   sudo,
		"root_logins":   rootLogins,
		"lines_scanned": len(lines),
	}
	analysis := w.Analyze(data)
	w.dedupeAlert(ctx, analysis)

	result := core.Succeed(analysis["summary"].(string))
	result.Data = map[string]interface{}{
		"counts":   data,
		"analysis": analysis,
	}
	return result
}

// dedupeAlert downgrades a notify to log when the same finding kind was
// already alerted inside the window. Memory errors fail open: better a
// duplicate alert than a silent drop.
func (w *SecurityWorker) dedupeAlert(ctx context.Context, analysis map[string]interface{}) {
	if w.memory == nil {
		return
	}
	kind, _ := analysis["finding"].(string)
	if kind == "" || analysis["action"] != string(core.ActionNotify) {
		return
	}

	key := "security:alerted:" + kind
	seen, err := w.memory.Exists(ctx, key)
	if err != nil {
		return
	}
	if seen {
		analysis["action"] = string(core.ActionLog)
		analysis["summary"] = analysis["summary"].(string) + " (already alerted)"
		return
	}
	if err := w.memory.Set(ctx, key, "1", w.alertWindow); err != nil {
		w.Logger.Warn("Alert dedupe record failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

// Analyze classifies scan counts. A failed-login burst above the limit is
// treated as an active attack.
func (w *SecurityWorker) Analyze(data map[string]interface{}) map[string]interface{} {
	risk := core.RiskLow
	urgency := core.UrgencyLow
	action := core.ActionLog
	summary := "no suspicious activity"
	finding := ""

	failed := intField(data, "failed_logins")
	rootLogins := intField(data, "root_logins")

	switch {
	case failed >= w.failedLoginLimit:
		risk, urgency, action = core.RiskHigh, core.UrgencyHigh, core.ActionNotify
		summary = fmt.Sprintf("possible brute force: %d failed logins", failed)
		finding = "brute_force"
	case rootLogins > 0:
		risk, urgency, action = core.RiskMedium, core.UrgencyMedium, core.ActionNotify
		summary = fmt.Sprintf("%d direct root logins observed", rootLogins)
		finding = "root_login"
	case failed > 0:
		summary = fmt.Sprintf("%d failed logins, below the alert limit", failed)
	}

	return map[string]interface{}{
		"risk":    string(risk),
		"urgency": string(urgency),
		"action":  string(action),
		"summary": summary,
		"finding": finding,
	}
}

func intField(data map[string]interface{}, key string) int {
	v, ok := data[key]
	if !ok {
		return 0
	}
	n, ok := v.(int)
	if !ok {
		return 0
	}
	return n
}
