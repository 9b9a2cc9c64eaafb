// Package envoverlay applies a scoped set of environment variable
// overrides for the duration of a single turn, then restores whatever was
// there before — including the case where a variable was previously
// unset. Because process-wide environment state (os.Setenv) has no
// per-goroutine scoping in Go, overlapping turns that both want env
// overrides must be serialized: Apply blocks until any other turn's
// overlay has been released.
package envoverlay

import (
	"os"
	"sync"
)

// saved records the prior value of one variable so it can be restored.
type saved struct {
	key      string
	hadValue bool
	value    string
}

// Overlay is a single active scope of environment overrides. Release must
// be called exactly once, typically via defer, to restore prior state and
// unblock the next turn waiting on Apply.
type Overlay struct {
	mgr     *Manager
	snap    []saved
	release sync.Once
}

// Release restores every overridden variable to its pre-Apply state and
// frees the manager's lock for the next turn.
func (o *Overlay) Release() {
	o.release.Do(func() {
		for _, s := range o.snap {
			if s.hadValue {
				_ = os.Setenv(s.key, s.value)
			} else {
				_ = os.Unsetenv(s.key)
			}
		}
		o.mgr.mu.Unlock()
	})
}

// Manager serializes env overlays across overlapping turns so that one
// turn's overrides can never leak into another's view of the environment.
type Manager struct {
	mu sync.Mutex
}

// NewManager creates an environment overlay manager.
func NewManager() *Manager {
	return &Manager{}
}

// Apply blocks until it holds exclusive access to the process environment,
// sets every key in vars, and returns an Overlay whose Release restores
// the prior values and yields access to the next caller. A nil or empty
// vars map still acquires and holds the lock — useful for a turn that
// itself sets no variables but must still serialize against one that does.
func (m *Manager) Apply(vars map[string]string) *Overlay {
	m.mu.Lock()
	snap := make([]saved, 0, len(vars))
	for key, newValue := range vars {
		prev, had := os.LookupEnv(key)
		snap = append(snap, saved{key: key, hadValue: had, value: prev})
		_ = os.Setenv(key, newValue)
	}
	return &Overlay{mgr: m, snap: snap}
}
