package tool

import (
	"context"
	"testing"
	"time"

	"github.com/choudhurynirjhar/sharpbot/internal/infrastructure/procsession"
	"github.com/choudhurynirjhar/sharpbot/internal/infrastructure/sandbox"
	"go.uber.org/zap"
)

func newTestSandbox(t *testing.T) *sandbox.ProcessSandbox {
	t.Helper()
	cfg := sandbox.DefaultConfig()
	cfg.WorkDir = t.TempDir()
	cfg.TempDir = t.TempDir()
	sb, err := sandbox.NewProcessSandbox(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewProcessSandbox: %v", err)
	}
	return sb
}

func newTestProcManager(t *testing.T) *procsession.Manager {
	t.Helper()
	m := procsession.NewManager(procsession.DefaultManagerConfig(), zap.NewNop())
	t.Cleanup(m.Close)
	return m
}

func TestExecTool_ForegroundRuns(t *testing.T) {
	et := NewExecTool(newTestSandbox(t), newTestProcManager(t), nil, zap.NewNop())
	res, err := et.Execute(context.Background(), map[string]interface{}{"command": "echo hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got error: %s", res.Error)
	}
}

func TestExecTool_DeniedByDenyList(t *testing.T) {
	approvals := NewApprovalManager(ExecSecurityFull, ExecAskOff, OutcomeDeny, "", "", zap.NewNop())
	et := NewExecTool(newTestSandbox(t), newTestProcManager(t), approvals, zap.NewNop())

	res, err := et.Execute(context.Background(), map[string]interface{}{"command": "rm -rf /"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("expected deny-listed command to fail")
	}
}

func TestExecTool_BackgroundMode(t *testing.T) {
	procs := newTestProcManager(t)
	et := NewExecTool(newTestSandbox(t), procs, nil, zap.NewNop())

	res, err := et.Execute(context.Background(), map[string]interface{}{
		"command": "sleep 0.2",
		"mode":    "background",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected background start to succeed, got: %s", res.Error)
	}
	if _, ok := res.Metadata["session_id"]; !ok {
		t.Fatal("expected session_id in metadata")
	}
}

func TestExecTool_AutoYieldReturnsQuicklyForFastCommand(t *testing.T) {
	procs := newTestProcManager(t)
	et := NewExecTool(newTestSandbox(t), procs, nil, zap.NewNop())

	res, err := et.Execute(context.Background(), map[string]interface{}{
		"command":  "echo done",
		"mode":     "auto-yield",
		"yield_ms": float64(2000),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected auto-yield to report success for a fast command, got: %s", res.Error)
	}
}

func TestExecTool_AutoYieldBackgroundsSlowCommand(t *testing.T) {
	procs := newTestProcManager(t)
	et := NewExecTool(newTestSandbox(t), procs, nil, zap.NewNop())

	res, err := et.Execute(context.Background(), map[string]interface{}{
		"command":  "sleep 2",
		"mode":     "auto-yield",
		"yield_ms": float64(50),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if backgrounded, _ := res.Metadata["backgrounded"].(bool); !backgrounded {
		t.Fatal("expected the slow command to be reported as backgrounded")
	}
}

func TestExecTool_AsksForApprovalWhenNotAllowlisted(t *testing.T) {
	approvals := NewApprovalManager(ExecSecurityAllowlist, ExecAskOnMiss, OutcomeDeny, "", "", zap.NewNop())
	et := NewExecTool(newTestSandbox(t), newTestProcManager(t), approvals, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// No one resolves the approval, so the request times out and the
	// configured fallback (deny) applies quickly once we shrink the wait.
	res, err := et.Execute(ctx, map[string]interface{}{"command": "echo hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("expected unresolved approval to fall back to deny once the context is cancelled")
	}
}
