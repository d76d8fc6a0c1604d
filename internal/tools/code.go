package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	starjson "go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"

	"github.com/capitalize-ai/chatstream/pkg/metrics"
)

const (
	defaultCodeTimeout = 5 * time.Second
	defaultCodeSteps   = 10_000_000
	maxCodeOutput      = 16 << 10
)

func init() {
	// Models write scripts, not modules: allow top-level loops, while
	// loops, recursion and sets.
	resolve.AllowGlobalReassign = true
	resolve.AllowRecursion = true
	resolve.AllowSet = true
}

// RunCode evaluates Starlark, a Python dialect, in a sandbox without file
// or network access. Execution is bounded by a step budget and a timeout.
type RunCode struct {
	rc      RequestContext
	timeout time.Duration
	steps   uint64
}

// NewRunCode creates the code execution tool.
func NewRunCode(rc RequestContext, timeout time.Duration, steps uint64) *RunCode {
	if timeout <= 0 {
		timeout = defaultCodeTimeout
	}
	if steps == 0 {
		steps = defaultCodeSteps
	}
	return &RunCode{rc: rc, timeout: timeout, steps: steps}
}

func (t *RunCode) Name() string { return NameRunCode }

func (t *RunCode) Description() string {
	return "Run a Python-like (Starlark) program for calculations or data processing. " +
		"Use print() for output; a global named `result` is also returned. " +
		"The `math` and `json` modules are available. No imports, files or network."
}

func (t *RunCode) Parameters() map[string]any {
	return objectSchema(map[string]any{
		"code": stringProp("The Starlark program to run"),
	}, "code")
}

func (t *RunCode) Call(ctx context.Context, input string) (out string, err error) {
	defer func() { metrics.RecordToolCall(NameRunCode, err) }()

	var args struct {
		Code string `json:"code"`
	}
	if err := parseArgs(input, &args, &args.Code); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var printed strings.Builder
	thread := &starlark.Thread{
		Name: "run_code",
		Print: func(_ *starlark.Thread, msg string) {
			if printed.Len() < maxCodeOutput {
				printed.WriteString(msg)
				printed.WriteByte('\n')
			}
		},
	}
	thread.SetMaxExecutionSteps(t.steps)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	predeclared := starlark.StringDict{
		"math": math.Module,
		"json": starjson.Module,
	}
	globals, execErr := starlark.ExecFile(thread, "main.star", args.Code, predeclared)
	if execErr != nil {
		if evalErr, ok := execErr.(*starlark.EvalError); ok {
			return "", fmt.Errorf("execution failed: %s", evalErr.Backtrace())
		}
		return "", fmt.Errorf("execution failed: %w", execErr)
	}

	result := map[string]any{
		"stdout": truncateOutput(printed.String()),
	}
	if v, ok := globals["result"]; ok {
		result["result"] = v.String()
	}
	names := make([]string, 0, len(globals))
	for name := range globals {
		names = append(names, name)
	}
	sort.Strings(names)
	result["globals"] = names

	data, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func truncateOutput(s string) string {
	if len(s) <= maxCodeOutput {
		return s
	}
	return s[:maxCodeOutput] + "\n[output truncated]"
}
