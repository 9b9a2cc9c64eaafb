package tool

import (
	"context"
	"fmt"
	"strings"

	domaintool "github.com/choudhurynirjhar/sharpbot/internal/domain/tool"
	"go.uber.org/zap"
)

// SkillTool surfaces the tiered skill catalog to the agent: list what's
// discovered and why it is or isn't available, and load a skill's full
// body (with {env:VAR} substitution applied) into the conversation.
type SkillTool struct {
	loader *SkillLoader
	logger *zap.Logger
}

// NewSkillTool creates the load_skill tool over a scanned SkillLoader.
func NewSkillTool(loader *SkillLoader, logger *zap.Logger) *SkillTool {
	return &SkillTool{loader: loader, logger: logger}
}

func (t *SkillTool) Name() string { return "load_skill" }

func (t *SkillTool) Kind() domaintool.Kind { return domaintool.KindRead }

func (t *SkillTool) Description() string {
	return `List discoverable skills or load one skill's full instructions. action: list | load.
Skills gate themselves on required binaries, environment variables, and config — unavailable
ones are reported along with the reason.`
}

func (t *SkillTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type": "string",
				"enum": []string{"list", "load"},
			},
			"skill_id": map[string]interface{}{"type": "string", "description": "required for action=load"},
		},
		"required": []string{"action"},
	}
}

func (t *SkillTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	action, _ := args["action"].(string)

	switch action {
	case "list":
		skills := t.loader.List()
		var sb strings.Builder
		for _, s := range skills {
			status := "available"
			if !s.Available() {
				status = "unavailable: " + s.UnavailableReason()
			}
			fmt.Fprintf(&sb, "%s [%s] (%s) — %s\n", s.ID(), s.Tier(), status, s.Description())
		}
		return &Result{Output: sb.String(), Success: true}, nil

	case "load":
		id, _ := args["skill_id"].(string)
		if id == "" {
			return errResult("skill_id is required")
		}
		s, ok := t.loader.Get(id)
		if !ok {
			return errResult(fmt.Sprintf("unknown skill: %s", id))
		}
		if !s.Available() {
			return errResult(fmt.Sprintf("skill %s is unavailable: %s", id, s.UnavailableReason()))
		}
		return &Result{Output: t.loader.SubstituteEnv(s.Content()), Success: true}, nil

	default:
		return errResult(fmt.Sprintf("unknown action: %s", action))
	}
}
