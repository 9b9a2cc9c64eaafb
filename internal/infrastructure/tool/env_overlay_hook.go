package tool

import (
	"context"

	"github.com/choudhurynirjhar/sharpbot/internal/domain/service"
	"github.com/choudhurynirjhar/sharpbot/internal/infrastructure/envoverlay"
	"go.uber.org/zap"
)

// EnvOverlayHook scopes a set of environment variables to a single agent
// turn (step 0 through completion/error), so tools that shell out during
// the turn see them without leaking the overlay into any other turn.
// Acquisition is serialized across concurrently running turns by the
// underlying envoverlay.Manager — one turn's overlay must fully release
// before the next can apply its own.
type EnvOverlayHook struct {
	service.NoOpHook

	mgr    *envoverlay.Manager
	vars   func() map[string]string
	logger *zap.Logger

	active *envoverlay.Overlay
}

// NewEnvOverlayHook creates a hook that applies vars() at the start of each
// turn and releases it once the turn completes or errors.
func NewEnvOverlayHook(mgr *envoverlay.Manager, vars func() map[string]string, logger *zap.Logger) *EnvOverlayHook {
	return &EnvOverlayHook{mgr: mgr, vars: vars, logger: logger}
}

func (h *EnvOverlayHook) BeforeLLMCall(_ context.Context, _ *service.LLMRequest, step int) {
	if step != 0 || h.active != nil {
		return
	}
	vars := h.vars()
	if len(vars) == 0 {
		return
	}
	h.active = h.mgr.Apply(vars)
}

func (h *EnvOverlayHook) release() {
	if h.active == nil {
		return
	}
	h.active.Release()
	h.active = nil
}

func (h *EnvOverlayHook) OnComplete(_ context.Context, _ *service.AgentResult) { h.release() }
func (h *EnvOverlayHook) OnError(_ context.Context, _ error, _ int)            { h.release() }
