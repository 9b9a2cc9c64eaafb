package envoverlay

import (
	"os"
	"sync"
	"testing"
	"time"
)

func TestOverlay_SetsAndRestores(t *testing.T) {
	os.Setenv("ENVOVERLAY_EXISTING", "original")
	defer os.Unsetenv("ENVOVERLAY_EXISTING")
	os.Unsetenv("ENVOVERLAY_NEW")

	m := NewManager()
	ov := m.Apply(map[string]string{
		"ENVOVERLAY_EXISTING": "overridden",
		"ENVOVERLAY_NEW":      "created",
	})

	if got := os.Getenv("ENVOVERLAY_EXISTING"); got != "overridden" {
		t.Fatalf("expected overridden value, got %q", got)
	}
	if got := os.Getenv("ENVOVERLAY_NEW"); got != "created" {
		t.Fatalf("expected created value, got %q", got)
	}

	ov.Release()

	if got := os.Getenv("ENVOVERLAY_EXISTING"); got != "original" {
		t.Fatalf("expected restored original value, got %q", got)
	}
	if _, had := os.LookupEnv("ENVOVERLAY_NEW"); had {
		t.Fatal("expected previously-unset variable to be unset again after Release")
	}
}

func TestOverlay_ReleaseIsIdempotent(t *testing.T) {
	m := NewManager()
	ov := m.Apply(map[string]string{"ENVOVERLAY_IDEMPOTENT": "x"})
	ov.Release()
	ov.Release() // must not double-unlock or panic
}

func TestManager_SerializesOverlappingTurns(t *testing.T) {
	os.Unsetenv("ENVOVERLAY_SHARED")
	m := NewManager()

	var order []string
	var mu sync.Mutex
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		ov := m.Apply(map[string]string{"ENVOVERLAY_SHARED": "turn-a"})
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		order = append(order, "a")
		mu.Unlock()
		ov.Release()
	}()
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond) // ensure turn-a acquires first
		ov := m.Apply(map[string]string{"ENVOVERLAY_SHARED": "turn-b"})
		mu.Lock()
		order = append(order, "b")
		mu.Unlock()
		ov.Release()
	}()
	wg.Wait()

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("expected turn a to fully complete before turn b acquired the overlay, got %v", order)
	}
}
