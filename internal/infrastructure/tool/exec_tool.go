package tool

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	domaintool "github.com/choudhurynirjhar/sharpbot/internal/domain/tool"
	"github.com/choudhurynirjhar/sharpbot/internal/infrastructure/procsession"
	"github.com/choudhurynirjhar/sharpbot/internal/infrastructure/sandbox"
	"go.uber.org/zap"
)

// ExecMode selects how the exec tool waits for a command.
type ExecMode string

const (
	// ExecForeground waits for completion up to a bounded timeout, killing
	// the process tree and returning an error string on timeout.
	ExecForeground ExecMode = "foreground"
	// ExecBackground spawns and returns {session_id, pid} immediately.
	ExecBackground ExecMode = "background"
	// ExecAutoYield waits up to yield_ms; if still running, backgrounds
	// and returns the session id plus a tail of output so far.
	ExecAutoYield ExecMode = "auto-yield"
)

// ExecTool is the exec tool (spec §4.5): runs a shell command via the
// platform shell, gated by deny-list/workspace-escape guards and the
// security×ask approval matrix, in one of three modes.
type ExecTool struct {
	sandbox   *sandbox.ProcessSandbox
	procs     *procsession.Manager
	approvals *ApprovalManager
	logger    *zap.Logger
}

// NewExecTool creates the exec tool over a foreground sandbox, a
// background process session manager, and an approval manager.
func NewExecTool(sbox *sandbox.ProcessSandbox, procs *procsession.Manager, approvals *ApprovalManager, logger *zap.Logger) *ExecTool {
	return &ExecTool{sandbox: sbox, procs: procs, approvals: approvals, logger: logger}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Kind() domaintool.Kind { return domaintool.KindExecute }

func (t *ExecTool) Description() string {
	return `Run a shell command.
Modes:
- foreground (default): wait for completion up to a timeout.
- background: start the command and return immediately with a session id.
- auto-yield: wait up to yield_ms; if the command is still running, switch to background and return a session id plus the output so far.
Destructive commands (recursive delete of /, disk formatting, fork bombs, shutdown) are always refused. Some commands may require operator approval before they run.`
}

func (t *ExecTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to run",
			},
			"mode": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"foreground", "background", "auto-yield"},
				"description": "Execution mode (default foreground)",
			},
			"yield_ms": map[string]interface{}{
				"type":        "integer",
				"description": "For auto-yield mode: how long to wait before backgrounding",
			},
			"cwd": map[string]interface{}{
				"type":        "string",
				"description": "Optional working directory",
			},
		},
		"required": []string{"command"},
	}
}

func resolveExecutable(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	if path, err := exec.LookPath(fields[0]); err == nil {
		return path
	}
	return fields[0]
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return &Result{Success: false, Error: "command is required"}, fmt.Errorf("command is required")
	}

	mode := ExecForeground
	if m, ok := args["mode"].(string); ok && m != "" {
		mode = ExecMode(m)
	}
	cwd, _ := args["cwd"].(string)

	execPath := resolveExecutable(command)

	if t.approvals != nil {
		decision := t.approvals.Decide(command, execPath)
		switch decision {
		case DecisionDeny:
			return &Result{Success: false, Error: "Error: command rejected by security policy"}, nil
		case DecisionAsk:
			outcome, _ := t.approvals.RequestApproval(ctx, command, execPath, 5*time.Minute)
			if outcome == OutcomeDeny {
				return &Result{Success: false, Error: "Error: command denied by operator"}, nil
			}
		}
	}

	switch mode {
	case ExecBackground:
		return t.runBackground(ctx, command, cwd)
	case ExecAutoYield:
		yieldMs := 3000
		if v, ok := args["yield_ms"].(float64); ok && v > 0 {
			yieldMs = int(v)
		}
		return t.runAutoYield(ctx, command, cwd, time.Duration(yieldMs)*time.Millisecond)
	default:
		return t.runForeground(ctx, command)
	}
}

func (t *ExecTool) runForeground(ctx context.Context, command string) (*Result, error) {
	result, err := t.sandbox.ExecuteShell(ctx, command)
	if err != nil {
		res := &Result{Success: false, Error: err.Error()}
		if result != nil {
			res.Metadata = map[string]interface{}{
				"exit_code": result.ExitCode,
				"killed":    result.Killed,
			}
		}
		return res, nil
	}

	output := result.Stdout
	if result.Stderr != "" {
		output += "\n[stderr]\n" + result.Stderr
	}
	return &Result{
		Output:  output,
		Success: result.ExitCode == 0,
		Metadata: map[string]interface{}{
			"exit_code": result.ExitCode,
			"duration":  result.Duration.String(),
		},
	}, nil
}

func (t *ExecTool) runBackground(ctx context.Context, command, cwd string) (*Result, error) {
	sess, err := t.procs.Start(ctx, command, cwd, nil)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}
	return &Result{
		Output:  fmt.Sprintf("started background session %s (pid %d)", sess.ID, sess.PID),
		Success: true,
		Metadata: map[string]interface{}{
			"session_id": sess.ID,
			"pid":        sess.PID,
		},
	}, nil
}

func (t *ExecTool) runAutoYield(ctx context.Context, command, cwd string, yield time.Duration) (*Result, error) {
	sess, err := t.procs.Start(ctx, command, cwd, nil)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, yield)
	defer cancel()
	final, err := t.procs.WaitForExit(waitCtx, sess.ID)
	if err == nil && final != nil {
		tail, _ := t.procs.GetLog(sess.ID)
		return &Result{
			Output:  tail,
			Success: final.ExitCode != nil && *final.ExitCode == 0,
			Metadata: map[string]interface{}{
				"session_id": sess.ID,
				"exit_code":  final.ExitCode,
			},
		}, nil
	}

	// Still running once the yield window elapsed: report as backgrounded.
	tail, _ := t.procs.GetTail(sess.ID, 2000)
	return &Result{
		Output:  fmt.Sprintf("still running after %s, continuing in the background (session %s)\n%s", yield, sess.ID, tail),
		Success: true,
		Metadata: map[string]interface{}{
			"session_id": sess.ID,
			"pid":        sess.PID,
			"backgrounded": true,
		},
	}, nil
}
