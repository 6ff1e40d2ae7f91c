// Package selfcode implements the self-coding pipeline and the sandboxed
// executor it uses to run generated code.
package selfcode

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlasops/atlas/core"
)

// ExecStatus classifies one execution attempt.
type ExecStatus string

const (
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecTimeout   ExecStatus = "timeout"
)

// ExecResult is the outcome of running one source snippet.
type ExecResult struct {
	Status   ExecStatus    `json:"status"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// TestRunResult extends ExecResult with counts parsed from the harness
// output.
type TestRunResult struct {
	ExecResult
	Passed int `json:"passed"`
	Failed int `json:"failed"`
	Errors int `json:"errors"`
}

// blockedPattern pairs a compiled pattern with the label reported in the
// violation message.
type blockedPattern struct {
	re    *regexp.Regexp
	label string
}

// The static safety check runs before any subprocess is considered. The
// set is fixed: shell invocation, arbitrary eval, raw interpreter spawn,
// dynamic imports, write-mode filesystem opens and recursive deletion.
var blockedPatterns = []blockedPattern{
	{regexp.MustCompile(`os\.system\s*\(`), "shell invocation"},
	{regexp.MustCompile(`subprocess\.(run|call|Popen|check_output|check_call)`), "shell invocation"},
	{regexp.MustCompile(`os\.popen\s*\(`), "shell invocation"},
	{regexp.MustCompile(`\beval\s*\(`), "arbitrary code eval"},
	{regexp.MustCompile(`\bexec\s*\(`), "arbitrary code eval"},
	{regexp.MustCompile(`pty\.spawn\s*\(`), "interpreter spawn"},
	{regexp.MustCompile(`__import__\s*\(`), "dynamic import"},
	{regexp.MustCompile(`importlib\.import_module`), "dynamic import"},
	{regexp.MustCompile(`open\s*\([^)]*,\s*["'][wax](\+b?|b\+?)?["']`), "write-mode file open"},
	{regexp.MustCompile(`shutil\.rmtree\s*\(`), "recursive deletion"},
	{regexp.MustCompile(`rm\s+-rf?\b`), "recursive deletion"},
}

// SafeExecutor runs untrusted generated code under a fixed pattern
// blocklist and resource caps. In sandbox mode (the default) nothing is
// executed; the source is lexed and summarized so higher layers see a
// deterministic completed result.
type SafeExecutor struct {
	sandbox        bool
	timeout        time.Duration
	maxMemoryMB    int
	maxOutputLines int
	workDir        string
	interpreter    string
	logger         core.Logger

	mu        sync.Mutex
	tempFiles []string
}

// ExecutorOption configures a SafeExecutor.
type ExecutorOption func(*SafeExecutor)

// WithSandbox toggles sandbox mode (default on).
func WithSandbox(enabled bool) ExecutorOption {
	return func(e *SafeExecutor) {
		e.sandbox = enabled
	}
}

// WithExecTimeout caps wall-clock time for real-mode execution.
func WithExecTimeout(timeout time.Duration) ExecutorOption {
	return func(e *SafeExecutor) {
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// WithMaxMemoryMB caps child memory in real mode.
func WithMaxMemoryMB(mb int) ExecutorOption {
	return func(e *SafeExecutor) {
		if mb > 0 {
			e.maxMemoryMB = mb
		}
	}
}

// WithMaxOutputLines truncates captured stdout and stderr.
func WithMaxOutputLines(lines int) ExecutorOption {
	return func(e *SafeExecutor) {
		if lines > 0 {
			e.maxOutputLines = lines
		}
	}
}

// WithWorkDir sets the directory temp sources are written to and the
// child's working directory. Defaults to the OS temp dir.
func WithWorkDir(dir string) ExecutorOption {
	return func(e *SafeExecutor) {
		if dir != "" {
			e.workDir = dir
		}
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger core.Logger) ExecutorOption {
	return func(e *SafeExecutor) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			e.logger = cal.WithComponent("selfcode/executor")
		} else {
			e.logger = logger
		}
	}
}

// NewSafeExecutor creates an executor in sandbox mode with default caps.
func NewSafeExecutor(opts ...ExecutorOption) *SafeExecutor {
	e := &SafeExecutor{
		sandbox:        true,
		timeout:        30 * time.Second,
		maxMemoryMB:    256,
		maxOutputLines: 200,
		workDir:        os.TempDir(),
		interpreter:    "python3",
		logger:         &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one source snippet. The safety check always runs first; a
// violation is refused before any subprocess spawn.
func (e *SafeExecutor) Execute(ctx context.Context, source string) *ExecResult {
	if violation := e.checkSafety(source); violation != "" {
		e.logger.Warn("Blocked unsafe code", map[string]interface{}{
			"violation": violation,
		})
		return &ExecResult{
			Status:   ExecFailed,
			Stderr:   core.ErrExecutorViolation.Error() + ": " + violation,
			ExitCode: 1,
		}
	}

	if e.sandbox {
		return e.lex(source)
	}
	return e.spawn(ctx, source)
}

// ExecuteTests runs a test harness and parses pass/fail/error counts from
// its output. In sandbox mode the counts come from the lexer: every test
// function is assumed to pass. In real mode a runner epilogue invokes each
// test function and prints the counts line the parser reads; defining
// tests without running them would report every suite as 0/0/0.
func (e *SafeExecutor) ExecuteTests(ctx context.Context, source string) *TestRunResult {
	if e.sandbox {
		result := e.Execute(ctx, source)
		run := &TestRunResult{ExecResult: *result}
		if result.Status != ExecCompleted {
			return run
		}
		run.Passed = countMatches(source, testFuncRe)
		run.Stdout += fmt.Sprintf("\npassed=%d failed=0 errors=0", run.Passed)
		return run
	}

	result := e.Execute(ctx, source+testRunnerEpilogue(source))
	run := &TestRunResult{ExecResult: *result}
	if result.Status != ExecCompleted {
		return run
	}
	run.Passed, run.Failed, run.Errors = parseTestCounts(result.Stdout + "\n" + result.Stderr)
	return run
}

var testFuncNameRe = regexp.MustCompile(`(?m)^\s*def\s+(test_\w+)\s*\(`)

// testRunnerEpilogue builds the runner appended to a test source in real
// mode. It calls every test function by name: assertion failures count as
// failed, any other exception as an error, and the counts line matches
// what parseTestCounts expects.
func testRunnerEpilogue(source string) string {
	var names []string
	for _, m := range testFuncNameRe.FindAllStringSubmatch(source, -1) {
		names = append(names, m[1])
	}

	var b strings.Builder
	b.WriteString("\n\ndef _run_tests():\n")
	b.WriteString("    passed = failed = errors = 0\n")
	b.WriteString("    for fn in [" + strings.Join(names, ", ") + "]:\n")
	b.WriteString("        try:\n")
	b.WriteString("            fn()\n")
	b.WriteString("            passed += 1\n")
	b.WriteString("        except AssertionError:\n")
	b.WriteString("            failed += 1\n")
	b.WriteString("        except Exception:\n")
	b.WriteString("            errors += 1\n")
	b.WriteString("    print(\"passed=%d failed=%d errors=%d\" % (passed, failed, errors))\n")
	b.WriteString("\n_run_tests()\n")
	return b.String()
}

// Cleanup deletes every tracked temp file and resets the list.
func (e *SafeExecutor) Cleanup() {
	e.mu.Lock()
	files := e.tempFiles
	e.tempFiles = nil
	e.mu.Unlock()

	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("Failed to remove temp file", map[string]interface{}{
				"path":  f,
				"error": err.Error(),
			})
		}
	}
}

// TempFileCount reports how many ephemeral artifacts are tracked.
func (e *SafeExecutor) TempFileCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tempFiles)
}

func (e *SafeExecutor) checkSafety(source string) string {
	for _, p := range blockedPatterns {
		if p.re.MatchString(source) {
			return p.label
		}
	}
	return ""
}

var (
	funcRe     = regexp.MustCompile(`(?m)^\s*def\s+\w+`)
	classRe    = regexp.MustCompile(`(?m)^\s*class\s+\w+`)
	testFuncRe = regexp.MustCompile(`(?m)^\s*def\s+test_\w+`)
)

// lex summarizes the source without running it. Deterministic: same input,
// same counts, duration zero.
func (e *SafeExecutor) lex(source string) *ExecResult {
	lines := 0
	for _, line := range strings.Split(source, "\n") {
		if strings.TrimSpace(line) != "" {
			lines++
		}
	}
	stdout := fmt.Sprintf("sandbox: lines=%d functions=%d classes=%d",
		lines, countMatches(source, funcRe), countMatches(source, classRe))
	return &ExecResult{
		Status:   ExecCompleted,
		Stdout:   stdout,
		ExitCode: 0,
	}
}

// spawn runs the source in an isolated child. The environment is stripped
// to PATH only, the working directory is capped to workDir and the memory
// limit is applied inside the child via the resource module.
func (e *SafeExecutor) spawn(ctx context.Context, source string) *ExecResult {
	path := filepath.Join(e.workDir, "atlas-gen-"+uuid.New().String()+".py")
	if err := os.WriteFile(path, []byte(e.harness(source)), 0o600); err != nil {
		return &ExecResult{
			Status:   ExecFailed,
			Stderr:   fmt.Sprintf("failed to stage source: %v", err),
			ExitCode: 1,
		}
	}
	e.mu.Lock()
	e.tempFiles = append(e.tempFiles, path)
	e.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.interpreter, path)
	cmd.Dir = e.workDir
	cmd.Env = []string{"PATH=" + os.Getenv("PATH")}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := &ExecResult{
		Stdout:   truncateLines(stdout.String(), e.maxOutputLines),
		Stderr:   truncateLines(stderr.String(), e.maxOutputLines),
		Duration: duration,
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		result.Status = ExecTimeout
		result.ExitCode = -1
		result.Stderr = fmt.Sprintf("%v: exceeded %s", core.ErrExecutorTimeout, e.timeout)
	case err != nil:
		result.Status = ExecFailed
		result.ExitCode = cmd.ProcessState.ExitCode()
		if result.ExitCode == 0 {
			result.ExitCode = 1
		}
	default:
		result.Status = ExecCompleted
		result.ExitCode = 0
	}
	return result
}

// harness prepends the memory cap and the network guard so both apply
// regardless of what the generated code does. The socket override holds
// because the safety check already refuses dynamic imports, so the child
// cannot pull in a fresh socket module around it.
func (e *SafeExecutor) harness(source string) string {
	limit := e.maxMemoryMB * 1024 * 1024

	var b strings.Builder
	fmt.Fprintf(&b, "import resource\nresource.setrlimit(resource.RLIMIT_AS, (%d, %d))\n", limit, limit)
	b.WriteString("import socket as _socket\n")
	b.WriteString("def _no_network(*args, **kwargs):\n")
	b.WriteString("    raise OSError(\"network disabled\")\n")
	b.WriteString("_socket.socket = _no_network\n")
	b.WriteString("_socket.create_connection = _no_network\n")
	b.WriteString("_socket.socketpair = _no_network\n")
	b.WriteString(source)
	return b.String()
}

var testCountRe = regexp.MustCompile(`passed=(\d+)\s+failed=(\d+)\s+errors=(\d+)`)

func parseTestCounts(output string) (passed, failed, errs int) {
	m := testCountRe.FindStringSubmatch(output)
	if m == nil {
		return 0, 0, 0
	}
	passed, _ = strconv.Atoi(m[1])
	failed, _ = strconv.Atoi(m[2])
	errs, _ = strconv.Atoi(m[3])
	return passed, failed, errs
}

func countMatches(s string, re *regexp.Regexp) int {
	return len(re.FindAllString(s, -1))
}

func truncateLines(s string, max int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= max {
		return s
	}
	return strings.Join(lines[:max], "\n") + fmt.Sprintf("\n[truncated %d lines]", len(lines)-max)
}
