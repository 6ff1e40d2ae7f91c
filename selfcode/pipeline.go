package selfcode

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/atlasops/atlas/core"
)

// Stage names one step of the pipeline state machine.
type Stage string

const (
	StageAnalyze  Stage = "analyze"
	StageGenerate Stage = "generate"
	StageTest     Stage = "test"
	StageDebug    Stage = "debug"
	StageRefactor Stage = "refactor"
)

// SelfCodeRequest describes one code-generation job.
type SelfCodeRequest struct {
	// Description of the program to produce.
	Description string `json:"description"`
	// Context optionally seeds the analysis with existing source.
	Context string `json:"context,omitempty"`
	// RequireTests enables the test and debug stages.
	RequireTests bool `json:"require_tests"`
	// MaxIterations bounds debug auto-fix attempts.
	MaxIterations int `json:"max_iterations"`
}

// PipelineResult is the outcome of one pipeline run. StagesCompleted lists
// the stages that finished, in execution order; a stage error halts
// progression but preserves the artifacts produced so far.
type PipelineResult struct {
	StagesCompleted []Stage           `json:"stages_completed"`
	TotalStages     int               `json:"total_stages"`
	Success         bool              `json:"success"`
	Artifacts       map[string]string `json:"artifacts"`
	Errors          []string          `json:"errors,omitempty"`
	Duration        time.Duration     `json:"duration"`
}

// Pipeline is the linear analyze, generate, test, debug, refactor state
// machine driven by the code-meta worker.
type Pipeline struct {
	executor  *SafeExecutor
	logger    core.Logger
	telemetry core.Telemetry
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineLogger sets the logger.
func WithPipelineLogger(logger core.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			p.logger = cal.WithComponent("selfcode/pipeline")
		} else {
			p.logger = logger
		}
	}
}

// WithPipelineTelemetry sets the telemetry provider.
func WithPipelineTelemetry(telemetry core.Telemetry) PipelineOption {
	return func(p *Pipeline) {
		if telemetry != nil {
			p.telemetry = telemetry
		}
	}
}

// NewPipeline creates a pipeline backed by executor. A nil executor gets a
// default sandboxed one.
func NewPipeline(executor *SafeExecutor, opts ...PipelineOption) *Pipeline {
	if executor == nil {
		executor = NewSafeExecutor()
	}
	p := &Pipeline{
		executor:  executor,
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the state machine. Total stages is five with tests, three
// without (no test, no debug). Any stage error yields success=false with
// the completed stages and artifacts preserved.
func (p *Pipeline) Run(ctx context.Context, request SelfCodeRequest) *PipelineResult {
	start := time.Now()
	result := &PipelineResult{
		TotalStages: 3,
		Artifacts:   make(map[string]string),
	}
	if request.RequireTests {
		result.TotalStages = 5
	}

	ctx, span := p.telemetry.StartSpan(ctx, "selfcode.pipeline")
	defer span.End()

	fail := func(stage Stage, err error) *PipelineResult {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", stage, err))
		result.Duration = time.Since(start)
		span.RecordError(err)
		p.logger.Error("Pipeline stage failed", map[string]interface{}{
			"stage": string(stage),
			"error": err.Error(),
		})
		return result
	}

	// Analyze
	score := p.analyze(request)
	result.Artifacts["analysis_score"] = fmt.Sprintf("%d", score)
	result.StagesCompleted = append(result.StagesCompleted, StageAnalyze)

	// Generate
	code, confidence, err := p.generate(request)
	if err != nil {
		return fail(StageGenerate, err)
	}
	result.Artifacts["generated_code"] = code
	result.Artifacts["generation_confidence"] = fmt.Sprintf("%.2f", confidence)
	result.StagesCompleted = append(result.StagesCompleted, StageGenerate)

	passed := true
	if request.RequireTests {
		// Test
		suite := p.synthesizeTests(code)
		result.Artifacts["test_suite"] = suite
		run := p.executor.ExecuteTests(ctx, code+"\n\n"+suite)
		if run.Status == ExecFailed && strings.HasPrefix(run.Stderr, core.ErrExecutorViolation.Error()) {
			return fail(StageTest, fmt.Errorf("%s", run.Stderr))
		}
		if run.Status == ExecTimeout {
			return fail(StageTest, core.ErrExecutorTimeout)
		}
		passed = run.Status == ExecCompleted && run.Failed == 0 && run.Errors == 0
		result.Artifacts["test_verdict"] = verdict(passed)
		result.StagesCompleted = append(result.StagesCompleted, StageTest)

		// Debug runs even on PASS so the record always exists.
		code, passed = p.debug(ctx, code, passed, request.MaxIterations, result)
		result.StagesCompleted = append(result.StagesCompleted, StageDebug)
	}

	// Refactor
	refactored, changes := p.refactor(code)
	result.Artifacts["refactored_code"] = refactored
	result.Artifacts["refactor_changes"] = fmt.Sprintf("%d", changes)
	result.StagesCompleted = append(result.StagesCompleted, StageRefactor)

	result.Success = passed
	result.Duration = time.Since(start)
	p.telemetry.RecordMetric("atlas.selfcode.run", 1, map[string]string{
		"success": fmt.Sprintf("%t", result.Success),
	})
	p.logger.Info("Pipeline finished", map[string]interface{}{
		"stages":   len(result.StagesCompleted),
		"success":  result.Success,
		"duration": result.Duration.String(),
	})
	return result
}

// analyze scores the optional seed source between 0 and 100. An empty seed
// is a clean slate and scores full marks.
func (p *Pipeline) analyze(request SelfCodeRequest) int {
	if strings.TrimSpace(request.Context) == "" {
		return 100
	}
	score := 100
	lines := strings.Split(request.Context, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.Contains(trimmed, "TODO") || strings.Contains(trimmed, "FIXME") {
			score -= 5
		}
		if len(line) > 120 {
			score -= 2
		}
	}
	if countMatches(request.Context, funcRe) == 0 && len(lines) > 10 {
		// A long seed with no functions is unstructured.
		score -= 20
	}
	if score < 0 {
		score = 0
	}
	return score
}

var identCleanRe = regexp.MustCompile(`[^a-z0-9_]+`)

// generate produces candidate code from the description. Generation is
// template-driven: the description becomes the function name and doc line.
func (p *Pipeline) generate(request SelfCodeRequest) (string, float64, error) {
	desc := strings.TrimSpace(request.Description)
	if desc == "" {
		return "", 0, fmt.Errorf("empty description")
	}

	name := identCleanRe.ReplaceAllString(strings.ToLower(desc), "_")
	name = strings.Trim(name, "_")
	if name == "" {
		name = "generated"
	}
	if len(name) > 40 {
		name = name[:40]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "def %s(*args):\n", name)
	fmt.Fprintf(&b, "    \"\"\"%s\"\"\"\n", desc)
	switch {
	case strings.Contains(desc, "add"):
		b.WriteString("    return sum(args)\n")
	case strings.Contains(desc, "count"):
		b.WriteString("    return len(args)\n")
	default:
		b.WriteString("    return args\n")
	}

	// Confidence shrinks as the request gets wordier; templates cover
	// simple asks well and complex ones poorly.
	confidence := 0.9 - 0.02*float64(len(strings.Fields(desc)))
	if confidence < 0.1 {
		confidence = 0.1
	}
	return b.String(), confidence, nil
}

// synthesizeTests derives a smoke test per generated function.
func (p *Pipeline) synthesizeTests(code string) string {
	var b strings.Builder
	for _, m := range funcRe.FindAllString(code, -1) {
		name := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(m), "def"))
		if name == "" || strings.HasPrefix(name, "test_") {
			continue
		}
		fmt.Fprintf(&b, "def test_%s():\n", name)
		fmt.Fprintf(&b, "    assert %s(1, 2) is not None\n", name)
	}
	return b.String()
}

// debug re-tests after each auto-fix, up to maxIterations. Returns the
// possibly-fixed code and the final verdict.
func (p *Pipeline) debug(ctx context.Context, code string, passed bool, maxIterations int, result *PipelineResult) (string, bool) {
	if passed {
		result.Artifacts["debug_attempts"] = "0"
		return code, true
	}
	if maxIterations < 1 {
		maxIterations = 1
	}

	attempts := 0
	for ; attempts < maxIterations && !passed; attempts++ {
		code = p.applyFix(code)
		run := p.executor.ExecuteTests(ctx, code+"\n\n"+p.synthesizeTests(code))
		passed = run.Status == ExecCompleted && run.Failed == 0 && run.Errors == 0
	}
	result.Artifacts["debug_attempts"] = fmt.Sprintf("%d", attempts)
	result.Artifacts["auto_fix_succeeded"] = fmt.Sprintf("%t", passed)
	return code, passed
}

// applyFix applies the common template defects: a bare return where a
// value is expected and missing argument unpacking.
func (p *Pipeline) applyFix(code string) string {
	fixed := strings.ReplaceAll(code, "return\n", "return None\n")
	fixed = strings.ReplaceAll(fixed, "== True", "")
	return fixed
}

var (
	deadPassRe  = regexp.MustCompile(`(?m)^\s*pass\s*\n`)
	blankRunsRe = regexp.MustCompile(`\n{3,}`)
	boolCompRe  = regexp.MustCompile(`\s*==\s*True\b`)
	doubleNotRe = regexp.MustCompile(`\bnot\s+not\s+`)
)

// refactor removes dead code then simplifies; the returned count combines
// both passes.
func (p *Pipeline) refactor(code string) (string, int) {
	changes := 0

	// Dead-code removal: redundant pass statements, padded blank runs.
	if n := len(deadPassRe.FindAllString(code, -1)); n > 0 && countMatches(code, funcRe) > 0 {
		code = deadPassRe.ReplaceAllString(code, "")
		changes += n
	}
	if n := len(blankRunsRe.FindAllString(code, -1)); n > 0 {
		code = blankRunsRe.ReplaceAllString(code, "\n\n")
		changes += n
	}

	// Simplification: boolean comparisons, double negation.
	if n := len(boolCompRe.FindAllString(code, -1)); n > 0 {
		code = boolCompRe.ReplaceAllString(code, "")
		changes += n
	}
	if n := len(doubleNotRe.FindAllString(code, -1)); n > 0 {
		code = doubleNotRe.ReplaceAllString(code, "")
		changes += n
	}
	return code, changes
}

func verdict(passed bool) string {
	if passed {
		return "PASS"
	}
	return "FAIL"
}
