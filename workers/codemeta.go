package workers

import (
	"context"
	"fmt"

	"github.com/atlasops/atlas/core"
	"github.com/atlasops/atlas/selfcode"
)

// CodeMetaWorker bridges code-request tasks into the self-coding
// pipeline. It answers the coding routing category.
type CodeMetaWorker struct {
	*core.BaseWorker
	pipeline *selfcode.Pipeline
}

// NewCodeMetaWorker creates the worker around a pipeline. A nil pipeline
// gets a default sandboxed one.
func NewCodeMetaWorker(pipeline *selfcode.Pipeline) *CodeMetaWorker {
	if pipeline == nil {
		pipeline = selfcode.NewPipeline(nil)
	}
	return &CodeMetaWorker{
		BaseWorker: core.NewBaseWorker("coding-meta-agent"),
		pipeline:   pipeline,
	}
}

// Run decodes the code request from the task payload and drives the
// pipeline. The whole pipeline run contributes a single task outcome.
func (w *CodeMetaWorker) Run(ctx context.Context, task *core.Task) *core.TaskResult {
	request := w.decode(task)
	if request.Description == "" {
		return core.Fail("code request has no description")
	}

	pr := w.pipeline.Run(ctx, request)

	stages := make([]string, len(pr.StagesCompleted))
	for i, s := range pr.StagesCompleted {
		stages[i] = string(s)
	}
	data := map[string]interface{}{
		"stages_completed": stages,
		"total_stages":     pr.TotalStages,
		"artifacts":        pr.Artifacts,
		"duration":         pr.Duration.String(),
	}

	if !pr.Success {
		result := core.Fail(
			fmt.Sprintf("pipeline halted after %d of %d stages", len(pr.StagesCompleted), pr.TotalStages),
			pr.Errors...)
		result.Data = data
		return result
	}

	result := core.Succeed(fmt.Sprintf("pipeline completed %d stages", len(pr.StagesCompleted)))
	result.Data = data
	return result
}

// decode pulls the SelfCodeRequest out of the payload. The description
// falls back to the task description so plain tasks routed by keyword
// still work.
func (w *CodeMetaWorker) decode(task *core.Task) selfcode.SelfCodeRequest {
	request := selfcode.SelfCodeRequest{
		Description:   task.Description,
		MaxIterations: 3,
	}
	if task.Kind != core.TaskKindCodeRequest && task.Payload == nil {
		return request
	}
	if d, ok := task.Payload["description"].(string); ok && d != "" {
		request.Description = d
	}
	if c, ok := task.Payload["context"].(string); ok {
		request.Context = c
	}
	if rt, ok := task.Payload["require_tests"].(bool); ok {
		request.RequireTests = rt
	}
	switch mi := task.Payload["max_iterations"].(type) {
	case int:
		request.MaxIterations = mi
	case float64:
		// JSON numbers decode as float64.
		request.MaxIterations = int(mi)
	}
	return request
}

// Report summarizes a pipeline outcome.
func (w *CodeMetaWorker) Report(result *core.TaskResult) string {
	if result == nil {
		return "[coding-meta-agent] no result"
	}
	status := "OK"
	if !result.Success {
		status = "FAILED"
	}
	text := fmt.Sprintf("[coding-meta-agent] %s: %s", status, result.Message)
	if stages, ok := result.Data["stages_completed"].([]string); ok {
		text += fmt.Sprintf("\n  stages: %v", stages)
	}
	return text
}
