package procsession

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/choudhurynirjhar/sharpbot/internal/domain/entity"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(ManagerConfig{
		MaxOutputBytes: 1024,
		ReapAfter:      50 * time.Millisecond,
		ReapInterval:   10 * time.Millisecond,
	}, zap.NewNop())
	t.Cleanup(m.Close)
	return m
}

func TestManager_StartAndWaitForExit(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Start(context.Background(), "echo hello", "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.Status != entity.ProcessRunning && sess.ExitCode != nil {
		t.Fatalf("expected a fresh session to start running or have already exited cleanly")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	final, err := m.WaitForExit(ctx, sess.ID)
	if err != nil {
		t.Fatalf("WaitForExit: %v", err)
	}
	if final.IsRunning() {
		t.Fatal("expected process to have exited")
	}
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", final.ExitCode)
	}

	out, err := m.GetLog(sess.ID)
	if err != nil {
		t.Fatalf("GetLog: %v", err)
	}
	if !strings.Contains(out, "hello") {
		t.Fatalf("expected output to contain 'hello', got %q", out)
	}
}

func TestManager_PollNewOutputAdvancesCursor(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Start(context.Background(), "printf 'a\\nb\\nc\\n'", "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := m.WaitForExit(ctx, sess.ID); err != nil {
		t.Fatalf("WaitForExit: %v", err)
	}

	first, err := m.PollNewOutput(sess.ID)
	if err != nil {
		t.Fatalf("PollNewOutput: %v", err)
	}
	if !strings.Contains(first, "a") {
		t.Fatalf("expected first poll to contain output, got %q", first)
	}

	second, err := m.PollNewOutput(sess.ID)
	if err != nil {
		t.Fatalf("PollNewOutput (2nd): %v", err)
	}
	if second != "" {
		t.Fatalf("expected second poll to be empty since cursor advanced, got %q", second)
	}
}

func TestManager_KillRunningProcess(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Start(context.Background(), "sleep 30", "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.Kill(sess.ID, 200*time.Millisecond); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	final, err := m.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.IsRunning() {
		t.Fatal("expected process to be terminated after Kill")
	}
	if final.Status != entity.ProcessKilled {
		t.Fatalf("expected status killed, got %s", final.Status)
	}
}

func TestManager_WriteStdinToExitedProcessFails(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Start(context.Background(), "true", "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := m.WaitForExit(ctx, sess.ID); err != nil {
		t.Fatalf("WaitForExit: %v", err)
	}

	if err := m.WriteStdin(sess.ID, "data"); err != entity.ErrProcessSessionExited {
		t.Fatalf("expected ErrProcessSessionExited, got %v", err)
	}
}

func TestManager_GetUnknownSession(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Get("does-not-exist"); err != entity.ErrProcessSessionNotFound {
		t.Fatalf("expected ErrProcessSessionNotFound, got %v", err)
	}
}

func TestShortName(t *testing.T) {
	cases := map[string]string{
		`bash -c "git status --short"`: "git status --short",
		"npm run build -- --watch":     "npm run build",
		"":                             "process",
	}
	for in, want := range cases {
		if got := shortName(in); got != want {
			t.Errorf("shortName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRingBuffer_EvictsAndClampsCursor(t *testing.T) {
	rb := newRingBuffer(8)
	rb.Write([]byte("0123456789"))

	chunk, next := rb.since(0)
	if string(chunk) != "23456789" {
		t.Fatalf("expected eviction to drop the first 2 bytes, got %q", chunk)
	}
	if next != 10 {
		t.Fatalf("expected next cursor 10, got %d", next)
	}

	chunk2, _ := rb.since(next)
	if len(chunk2) != 0 {
		t.Fatalf("expected no new output at the latest cursor, got %q", chunk2)
	}
}
