package tool

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestProcessTool_ListPollLogKillWait(t *testing.T) {
	procs := newTestProcManager(t)
	pt := NewProcessTool(procs, zap.NewNop())

	sess, err := procs.Start(context.Background(), "printf 'one\\ntwo\\n'", "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	listRes, err := pt.Execute(context.Background(), map[string]interface{}{"action": "list"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(listRes.Output, sess.ID) {
		t.Fatalf("expected list output to contain session id, got %q", listRes.Output)
	}

	waitRes, err := pt.Execute(context.Background(), map[string]interface{}{
		"action":     "wait",
		"session_id": sess.ID,
		"timeout_ms": float64(2000),
	})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !waitRes.Success {
		t.Fatalf("expected wait to report success, got: %s", waitRes.Error)
	}

	logRes, err := pt.Execute(context.Background(), map[string]interface{}{"action": "log", "session_id": sess.ID})
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if !strings.Contains(logRes.Output, "one") {
		t.Fatalf("expected log to contain output, got %q", logRes.Output)
	}
}

func TestProcessTool_MissingSessionID(t *testing.T) {
	pt := NewProcessTool(newTestProcManager(t), zap.NewNop())
	res, err := pt.Execute(context.Background(), map[string]interface{}{"action": "poll"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("expected missing session_id to fail")
	}
}

func TestProcessTool_UnknownAction(t *testing.T) {
	pt := NewProcessTool(newTestProcManager(t), zap.NewNop())
	res, err := pt.Execute(context.Background(), map[string]interface{}{"action": "nope"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("expected unknown action to fail")
	}
}

func TestProcessTool_KillRunningSession(t *testing.T) {
	procs := newTestProcManager(t)
	pt := NewProcessTool(procs, zap.NewNop())

	sess, err := procs.Start(context.Background(), "sleep 30", "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	res, err := pt.Execute(context.Background(), map[string]interface{}{"action": "kill", "session_id": sess.ID})
	if err != nil {
		t.Fatalf("kill: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected kill to succeed, got: %s", res.Error)
	}
}
