package tool

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestMatchesDenyList(t *testing.T) {
	cases := map[string]bool{
		"rm -rf /":              true,
		"rm -rf /tmp/scratch":   false,
		"mkfs.ext4 /dev/sda1":   true,
		"shutdown now":          true,
		"echo hello world":      false,
		"ls -la /home/user":     false,
	}
	for cmd, want := range cases {
		if got, _ := MatchesDenyList(cmd); got != want {
			t.Errorf("MatchesDenyList(%q) = %v, want %v", cmd, got, want)
		}
	}
}

func TestEscapesWorkspace(t *testing.T) {
	root := "/workspace/project"
	if escaped, _ := EscapesWorkspace("cat /workspace/project/file.txt", root); escaped {
		t.Error("expected a path inside the workspace to not escape")
	}
	if escaped, _ := EscapesWorkspace("cat /etc/passwd", root); !escaped {
		t.Error("expected a path outside the workspace to escape")
	}
	if escaped, _ := EscapesWorkspace("echo hello", root); escaped {
		t.Error("expected a command with no absolute path to not escape")
	}
}

func TestApprovalManager_AllowlistSecurityMatrix(t *testing.T) {
	m := NewApprovalManager(ExecSecurityAllowlist, ExecAskOnMiss, OutcomeDeny, "", "", zap.NewNop())

	if d := m.Decide("curl https://example.com", "/usr/bin/curl"); d != DecisionAsk {
		t.Fatalf("expected Ask for a non-allowlisted executable, got %s", d)
	}

	m.mu.Lock()
	m.allowlist = append(m.allowlist, globPattern("/usr/bin/curl"))
	m.mu.Unlock()

	if d := m.Decide("curl https://example.com", "/usr/bin/curl"); d != DecisionAllow {
		t.Fatalf("expected Allow once allowlisted, got %s", d)
	}
}

func TestApprovalManager_DenySecurityAlwaysDenies(t *testing.T) {
	m := NewApprovalManager(ExecSecurityDeny, ExecAskAlways, OutcomeAllowOnce, "", "", zap.NewNop())
	if d := m.Decide("echo hi", "/bin/echo"); d != DecisionDeny {
		t.Fatalf("expected Deny under security=deny, got %s", d)
	}
}

func TestApprovalManager_FullSecurityOffAskAllows(t *testing.T) {
	m := NewApprovalManager(ExecSecurityFull, ExecAskOff, OutcomeDeny, "", "", zap.NewNop())
	if d := m.Decide("echo hi", "/bin/echo"); d != DecisionAllow {
		t.Fatalf("expected Allow under security=full ask=off, got %s", d)
	}
}

func TestApprovalManager_DenyListOverridesEverything(t *testing.T) {
	m := NewApprovalManager(ExecSecurityFull, ExecAskOff, OutcomeDeny, "", "", zap.NewNop())
	if d := m.Decide("rm -rf /", "/bin/rm"); d != DecisionDeny {
		t.Fatalf("expected Deny for a deny-listed command regardless of security level, got %s", d)
	}
}

func TestApprovalManager_RequestAndResolveAllowAlwaysPersists(t *testing.T) {
	dir := t.TempDir()
	allowlistPath := filepath.Join(dir, "allowlist.json")

	m := NewApprovalManager(ExecSecurityAllowlist, ExecAskOnMiss, OutcomeDeny, "", allowlistPath, zap.NewNop())

	resultCh := make(chan ApprovalOutcome, 1)
	var requestID string
	go func() {
		outcome, id := m.RequestApproval(context.Background(), "ssh-copy-id host", "/usr/bin/ssh-copy-id", time.Second)
		requestID = id
		resultCh <- outcome
	}()

	// Wait for the request to register before resolving it.
	deadline := time.Now().Add(time.Second)
	for len(m.PendingRequests()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	pending := m.PendingRequests()
	if len(pending) != 1 {
		t.Fatalf("expected exactly one pending request, got %d", len(pending))
	}

	if !m.Resolve(pending[0], OutcomeAllowAlways) {
		t.Fatal("expected Resolve to find the pending request")
	}

	select {
	case outcome := <-resultCh:
		if outcome != OutcomeAllowAlways {
			t.Fatalf("expected AllowAlways outcome, got %s", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RequestApproval to return")
	}
	_ = requestID

	data, err := os.ReadFile(allowlistPath)
	if err != nil {
		t.Fatalf("expected allowlist file to be written: %v", err)
	}
	var f allowlistFile
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("failed to parse persisted allowlist: %v", err)
	}
	if f.Version != 1 {
		t.Fatalf("expected version 1, got %d", f.Version)
	}
	if len(f.Allowlist) != 1 || f.Allowlist[0] != "/usr/bin/ssh-copy-id" {
		t.Fatalf("expected allowlist to contain the approved path, got %v", f.Allowlist)
	}

	if d := m.Decide("ssh-copy-id host", "/usr/bin/ssh-copy-id"); d != DecisionAllow {
		t.Fatalf("expected subsequent Decide to Allow after allow-always, got %s", d)
	}
}

func TestApprovalManager_TimeoutAppliesFallback(t *testing.T) {
	m := NewApprovalManager(ExecSecurityAllowlist, ExecAskAlways, OutcomeDeny, "", "", zap.NewNop())
	outcome, _ := m.RequestApproval(context.Background(), "echo hi", "/bin/echo", 10*time.Millisecond)
	if outcome != OutcomeDeny {
		t.Fatalf("expected fallback outcome Deny on timeout, got %s", outcome)
	}
}

func TestGlobPattern_CaseInsensitiveMatch(t *testing.T) {
	p := globPattern("/usr/bin/*")
	if !p.matches("/USR/BIN/CURL") {
		t.Error("expected case-insensitive glob match")
	}
	if p.matches("/opt/bin/curl") {
		t.Error("expected no match outside the glob")
	}
}
