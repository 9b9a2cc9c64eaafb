package entity

import "time"

// ToolCallRecord is one tool invocation's outcome, captured for telemetry.
type ToolCallRecord struct {
	Name     string
	Success  bool
	Duration time.Duration
}

// AgentTelemetry is the per-turn accounting record emitted at turn
// completion, whether the turn succeeded or failed (spec §3).
type AgentTelemetry struct {
	Channel        string
	Sender         string
	SessionKey     string
	Model          string
	Iterations     int
	CallDurations  []time.Duration
	PromptTokens   int
	CompletionTokens int
	TotalTokens    int
	ToolCalls      []ToolCallRecord
	Compactions    int
	HitMaxIterations bool
	Failed         bool
	FailureReason  string
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Duration returns the wall-clock span of the turn.
func (t *AgentTelemetry) Duration() time.Duration {
	if t.FinishedAt.IsZero() {
		return 0
	}
	return t.FinishedAt.Sub(t.StartedAt)
}

// RecordToolCall appends one tool outcome to the telemetry record.
func (t *AgentTelemetry) RecordToolCall(name string, success bool, d time.Duration) {
	t.ToolCalls = append(t.ToolCalls, ToolCallRecord{Name: name, Success: success, Duration: d})
}
