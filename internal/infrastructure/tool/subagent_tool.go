package tool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/choudhurynirjhar/sharpbot/internal/domain/service"
	domaintool "github.com/choudhurynirjhar/sharpbot/internal/domain/tool"
	"github.com/choudhurynirjhar/sharpbot/internal/infrastructure/bus"
	"go.uber.org/zap"
)

// subAgentAllowedTools is the minimal, hard-coded toolset available to a
// spawned subagent: file read/write/list, web search/fetch, shell exec.
// Deliberately excludes messaging and spawn_agent itself — a subagent
// reports back over the bus, it never messages a user or spawns further.
var subAgentAllowedTools = map[string]bool{
	"bash":       true,
	"read_file":  true,
	"write_file": true,
	"list_dir":   true,
	"web_search": true,
	"web_fetch":  true,
}

// restrictedToolExecutor wraps a full service.ToolExecutor and exposes only
// an allow-listed subset, so a subagent cannot reach tools (messaging,
// spawn_agent) the parent can.
type restrictedToolExecutor struct {
	inner   service.ToolExecutor
	allowed map[string]bool
}

func (r *restrictedToolExecutor) Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error) {
	if !r.allowed[name] {
		return &domaintool.Result{
			Success: false,
			Error:   fmt.Sprintf("tool %q is not available to subagents", name),
		}, nil
	}
	return r.inner.Execute(ctx, name, args)
}

func (r *restrictedToolExecutor) GetDefinitions() []domaintool.Definition {
	all := r.inner.GetDefinitions()
	out := make([]domaintool.Definition, 0, len(r.allowed))
	for _, d := range all {
		if r.allowed[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

func (r *restrictedToolExecutor) GetToolKind(name string) domaintool.Kind {
	return r.inner.GetToolKind(name)
}

// SubAgentTool allows the main agent to delegate a bounded sub-task to an
// independent AgentLoop instance running a minimal toolset. The subagent's
// final result is delivered asynchronously over the message bus as a
// system-channel message, not returned synchronously to the parent.
type SubAgentTool struct {
	llm             service.LLMClient
	tools           service.ToolExecutor // restricted — see NewSubAgentTool
	defaultModel    string
	defaultMaxSteps int
	timeout         time.Duration
	bus             *bus.Bus
	logger          *zap.Logger
}

// subAgentMaxSteps is the spec-mandated iteration cap (~15) for the
// subagent variant — stricter than the main agent loop's budget.
const subAgentMaxSteps = 15

// NewSubAgentTool creates the spawn tool. tools is the parent's full
// ToolExecutor; it is wrapped down to the minimal allow-listed subset before
// being handed to the spawned subagent.
func NewSubAgentTool(llm service.LLMClient, tools service.ToolExecutor, defaultModel string, maxSteps int, timeout time.Duration, messageBus *bus.Bus, logger *zap.Logger) *SubAgentTool {
	if maxSteps <= 0 || maxSteps > subAgentMaxSteps {
		maxSteps = subAgentMaxSteps
	}
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &SubAgentTool{
		llm:             llm,
		tools:           &restrictedToolExecutor{inner: tools, allowed: subAgentAllowedTools},
		defaultModel:    defaultModel,
		defaultMaxSteps: maxSteps,
		timeout:         timeout,
		bus:             messageBus,
		logger:          logger,
	}
}

func (t *SubAgentTool) Name() string         { return "spawn_agent" }
func (t *SubAgentTool) Kind() domaintool.Kind { return domaintool.KindExecute }

func (t *SubAgentTool) Description() string {
	return "Delegate a bounded sub-task to an independent agent with a minimal toolset " +
		"(file read/write/list, web search/fetch, shell exec — no messaging, no further spawning). " +
		"The sub-agent runs its own ReAct loop and reports its result back over the system channel " +
		"rather than returning it directly. " +
		"Example: spawning an agent to audit a codebase, research a topic, or execute a multi-step procedure."
}

func (t *SubAgentTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "A clear description of the sub-task for the agent to complete",
			},
			"system_prompt": map[string]interface{}{
				"type":        "string",
				"description": "Optional system prompt to give the sub-agent a specific role or context",
			},
			"max_steps": map[string]interface{}{
				"type":        "integer",
				"description": fmt.Sprintf("Maximum reasoning steps for the sub-agent (default and hard cap: %d)", t.defaultMaxSteps),
			},
		},
		"required": []string{"task"},
	}
}

func (t *SubAgentTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	task, ok := args["task"].(string)
	if !ok || task == "" {
		return &domaintool.Result{Success: false, Error: "task is required"}, nil
	}

	systemPrompt := ""
	if sp, ok := args["system_prompt"].(string); ok {
		systemPrompt = sp
	}

	maxSteps := t.defaultMaxSteps
	if ms, ok := args["max_steps"].(float64); ok && ms > 0 && int(ms) < t.defaultMaxSteps {
		maxSteps = int(ms)
	}

	channel, chatID := t.resolveOrigin(ctx)

	t.logger.Info("Spawning sub-agent",
		zap.String("task_preview", truncateStr(task, 100)),
		zap.Int("max_steps", maxSteps),
		zap.String("channel", channel),
		zap.String("chat_id", chatID),
	)

	cfg := service.AgentLoopConfig{
		DoomLoopThreshold: 3,
		MaxOutputChars:    32000,
		Temperature:       0.7,
		Model:             t.defaultModel,
		RunTimeout:        t.timeout,
	}

	subAgent := service.NewAgentLoop(t.llm, t.tools, cfg, t.logger.Named("sub-agent"))

	subCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	result, eventCh := subAgent.Run(subCtx, systemPrompt, task, nil, nil)

	var toolsUsed []string
	for ev := range eventCh {
		if ev.ToolCall != nil {
			toolsUsed = append(toolsUsed, ev.ToolCall.Name)
		}
	}

	t.logger.Info("Sub-agent completed",
		zap.Int("steps", result.TotalSteps),
		zap.Int("tokens", result.TotalTokens),
		zap.String("model", result.ModelUsed),
		zap.Int("tools_used", len(toolsUsed)),
	)

	var sb strings.Builder
	sb.WriteString("=== Sub-Agent Result ===\n\n")
	sb.WriteString(result.FinalContent)
	sb.WriteString("\n\n--- Execution Summary ---\n")
	sb.WriteString(fmt.Sprintf("Steps: %d | Tokens: %d | Model: %s\n", result.TotalSteps, result.TotalTokens, result.ModelUsed))
	if len(toolsUsed) > 0 {
		sb.WriteString(fmt.Sprintf("Tools used: %s\n", strings.Join(uniqueStrings(toolsUsed), ", ")))
	}

	delivered := false
	if t.bus != nil {
		delivered = t.bus.PublishOutbound(bus.OutboundMessage{
			Channel: "system",
			ChatID:  channel + ":" + chatID,
			Text:    sb.String(),
		})
	}

	output := "Sub-agent result posted to the system channel."
	if !delivered {
		// No bus configured, or the outbound queue was full — fall back to
		// returning the result synchronously so the work isn't lost.
		output = sb.String()
	}

	return &domaintool.Result{
		Output:  output,
		Success: true,
		Metadata: map[string]interface{}{
			"steps":      result.TotalSteps,
			"tokens":     result.TotalTokens,
			"model":      result.ModelUsed,
			"tools_used": toolsUsed,
			"delivered":  delivered,
		},
	}, nil
}

// resolveOrigin reads the (channel, chatId) the agent loop bound to this
// turn's context, per the "context-bearing tools" convention. Falls back to
// a telegram-shaped default when no chatID was bound (e.g. CLI/HTTP runs).
func (t *SubAgentTool) resolveOrigin(ctx context.Context) (channel, chatID string) {
	if id := chatIDFromContext(ctx); id != 0 {
		return "telegram", fmt.Sprintf("%d", id)
	}
	return "unknown", "0"
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func uniqueStrings(ss []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
