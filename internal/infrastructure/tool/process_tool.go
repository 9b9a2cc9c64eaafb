package tool

import (
	"context"
	"fmt"
	"time"

	domaintool "github.com/choudhurynirjhar/sharpbot/internal/domain/tool"
	"github.com/choudhurynirjhar/sharpbot/internal/infrastructure/procsession"
	"go.uber.org/zap"
)

// ProcessTool manages sessions started by the exec tool's background and
// auto-yield modes: list | poll | log | write | kill | clear | remove.
type ProcessTool struct {
	procs  *procsession.Manager
	logger *zap.Logger
}

// NewProcessTool creates the process management tool over a session manager.
func NewProcessTool(procs *procsession.Manager, logger *zap.Logger) *ProcessTool {
	return &ProcessTool{procs: procs, logger: logger}
}

func (t *ProcessTool) Name() string { return "process" }

func (t *ProcessTool) Kind() domaintool.Kind { return domaintool.KindExecute }

func (t *ProcessTool) Description() string {
	return `Manage background sessions started by exec. action: list | poll | log | write | kill | wait.
poll returns only output produced since the previous poll call for that session.`
}

func (t *ProcessTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type": "string",
				"enum": []string{"list", "poll", "log", "write", "kill", "wait"},
			},
			"session_id": map[string]interface{}{"type": "string"},
			"data":       map[string]interface{}{"type": "string", "description": "for write: stdin data to send"},
			"timeout_ms": map[string]interface{}{"type": "integer", "description": "for wait: how long to wait for exit"},
		},
		"required": []string{"action"},
	}
}

func (t *ProcessTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	action, _ := args["action"].(string)
	sessionID, _ := args["session_id"].(string)

	switch action {
	case "list":
		sessions := t.procs.List()
		lines := make([]string, 0, len(sessions))
		for _, s := range sessions {
			status := "running"
			if !s.IsRunning() {
				status = string(s.Status)
			}
			lines = append(lines, fmt.Sprintf("%s\t%s\t%s\tpid=%d", s.ID, s.Name, status, s.PID))
		}
		return &Result{Output: joinLines(lines), Success: true}, nil

	case "poll":
		if sessionID == "" {
			return errResult("session_id is required")
		}
		out, err := t.procs.PollNewOutput(sessionID)
		if err != nil {
			return errResult(err.Error())
		}
		return &Result{Output: out, Success: true}, nil

	case "log":
		if sessionID == "" {
			return errResult("session_id is required")
		}
		out, err := t.procs.GetLog(sessionID)
		if err != nil {
			return errResult(err.Error())
		}
		return &Result{Output: out, Success: true}, nil

	case "write":
		if sessionID == "" {
			return errResult("session_id is required")
		}
		data, _ := args["data"].(string)
		if err := t.procs.WriteStdin(sessionID, data); err != nil {
			return errResult(err.Error())
		}
		return &Result{Output: "written", Success: true}, nil

	case "kill":
		if sessionID == "" {
			return errResult("session_id is required")
		}
		if err := t.procs.Kill(sessionID, 3*time.Second); err != nil {
			return errResult(err.Error())
		}
		return &Result{Output: "killed", Success: true}, nil

	case "wait":
		if sessionID == "" {
			return errResult("session_id is required")
		}
		timeoutMs := 30000
		if v, ok := args["timeout_ms"].(float64); ok && v > 0 {
			timeoutMs = int(v)
		}
		waitCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
		sess, err := t.procs.WaitForExit(waitCtx, sessionID)
		if err != nil {
			return errResult(err.Error())
		}
		code := -1
		if sess.ExitCode != nil {
			code = *sess.ExitCode
		}
		return &Result{Output: fmt.Sprintf("exited with code %d", code), Success: code == 0}, nil

	default:
		return errResult(fmt.Sprintf("unknown action: %s", action))
	}
}

func errResult(msg string) (*Result, error) {
	return &Result{Success: false, Error: "Error: " + msg}, nil
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
