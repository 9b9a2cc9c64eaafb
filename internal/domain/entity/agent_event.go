package entity

import "time"

// AgentEventType defines the type of event emitted during an agent loop
type AgentEventType string

const (
	EventTextDelta  AgentEventType = "text_delta"
	EventToolStart  AgentEventType = "tool_start" // alias for EventToolCall, spec-named
	EventToolCall   AgentEventType = "tool_call"
	EventToolEnd    AgentEventType = "tool_end" // alias for EventToolResult, spec-named
	EventToolResult AgentEventType = "tool_result"
	EventThinking   AgentEventType = "thinking"
	EventStepDone   AgentEventType = "step_done"
	EventStatus     AgentEventType = "status" // emitted when compaction fires
	EventCompleted  AgentEventType = "completed"
	EventDone       AgentEventType = "done"
	EventError      AgentEventType = "error"
)

// AgentEvent represents a single event in the agent's ReAct loop.
// Consumers (channel adapters, CLI, web chat) subscribe to a channel of
// these events.
type AgentEvent struct {
	Type      AgentEventType `json:"type"`
	Content   string         `json:"content,omitempty"`
	ToolCall  *ToolCallEvent `json:"tool_call,omitempty"`
	StepInfo  *StepInfo      `json:"step_info,omitempty"`
	Status    string         `json:"status,omitempty"` // human-readable status line, e.g. "compacting context"
	Stats     *AgentResultStats `json:"stats,omitempty"` // populated on EventCompleted
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AgentResultStats is the terminal payload carried by a completed event.
type AgentResultStats struct {
	FinalContent string   `json:"final_content"`
	TotalSteps   int      `json:"total_steps"`
	TotalTokens  int      `json:"total_tokens"`
	ModelUsed    string   `json:"model_used"`
	ToolsUsed    []string `json:"tools_used"`
}

// ToolCallEvent describes a tool invocation within the agent loop
type ToolCallEvent struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	Output    string                 `json:"output,omitempty"`
	Display   string                 `json:"display,omitempty"` // Rich UI output (fallback to Output)
	Success   bool                   `json:"success"`
	Duration  time.Duration          `json:"duration,omitempty"`
}

// StepInfo provides metadata about the current agent step
type StepInfo struct {
	Step       int    `json:"step"`
	TokensUsed int    `json:"tokens_used"`
	ModelUsed  string `json:"model_used"`
	State      string `json:"state,omitempty"` // Current state machine state
}

// ToolCallInfo represents a tool call parsed from LLM response
type ToolCallInfo struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}
