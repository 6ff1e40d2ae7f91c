package workers

import (
	"context"
	"fmt"
	"strings"

	"github.com/atlasops/atlas/core"
)

// CommunicationWorker composes and delivers outbound messages through the
// platform notifier. It answers the communication routing category.
//
// Unlike the coordinator's own notify path, a delivery failure here is a
// worker failure and is surfaced; the task exists to send the message.
type CommunicationWorker struct {
	*core.BaseWorker
	notifier core.Notifier
}

// NewCommunicationWorker creates the worker around a notifier transport.
func NewCommunicationWorker(notifier core.Notifier) *CommunicationWorker {
	if notifier == nil {
		notifier = &core.NoOpNotifier{}
	}
	return &CommunicationWorker{
		BaseWorker: core.NewBaseWorker("communication-agent"),
		notifier:   notifier,
	}
}

// Run composes a message from the task payload and sends it.
func (w *CommunicationWorker) Run(ctx context.Context, task *core.Task) *core.TaskResult {
	text := w.compose(task)
	if err := w.notifier.Notify(ctx, text); err != nil {
		w.Logger.Warn("Message delivery failed", map[string]interface{}{
			"task_id": task.ID,
			"error":   err.Error(),
		})
		return core.Fail("message delivery failed", err.Error())
	}

	result := core.Succeed("message delivered")
	result.Data = map[string]interface{}{
		"text":     text,
		"analysis": w.Analyze(map[string]interface{}{"delivered": true}),
	}
	return result
}

// compose builds the outgoing text. Payload fields "subject" and "body"
// take precedence; the description is the fallback.
func (w *CommunicationWorker) compose(task *core.Task) string {
	subject, _ := task.Payload["subject"].(string)
	body, _ := task.Payload["body"].(string)

	var b strings.Builder
	if subject != "" {
		fmt.Fprintf(&b, "%s\n\n", subject)
	}
	if body != "" {
		b.WriteString(body)
	} else {
		b.WriteString(task.Description)
	}
	return b.String()
}

// Report renders the delivery summary for the notifier.
func (w *CommunicationWorker) Report(result *core.TaskResult) string {
	if result == nil {
		return "[communication-agent] no result"
	}
	if !result.Success {
		return fmt.Sprintf("[communication-agent] delivery failed: %s", result.Message)
	}
	return fmt.Sprintf("[communication-agent] %s", result.Message)
}
