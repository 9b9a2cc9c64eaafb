package entity

import "time"

// Role identifies who produced a turn inside a Session's message log.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCallRef is the assistant's declared intent to invoke a tool. It is
// carried on an assistant-role SessionMessage and must be paired with a
// later tool-role SessionMessage sharing the same ID.
type ToolCallRef struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// SessionMessage is one append-only turn in a Session's message log.
//
// The four roles behave like a tagged variant even though they share one
// struct (the wire format at the provider boundary is a heterogeneous map —
// see service.LLMMessage — this type is the in-memory, invariant-checked
// form the session store persists):
//
//	System{Content}
//	User{Content}
//	Assistant{Content, ToolCalls}
//	Tool{ToolCallID, Name, Content}
type SessionMessage struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCallRef // only meaningful when Role == RoleAssistant
	ToolCallID string        // only meaningful when Role == RoleTool
	Name       string        // tool name, only meaningful when Role == RoleTool
	Timestamp  time.Time
}

// HasToolCalls reports whether an assistant message declared tool calls.
func (m SessionMessage) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// Session is the per-(channel,chatId) conversation memory (spec §3, §4.2).
// Session index 0 is always the system prompt when rebuilt by the context
// pipeline; the store itself never persists index 0 (Session.History
// excludes it — the pipeline rebuilds it fresh every turn, per invariant).
type Session struct {
	key      string // "{channel}:{chatId}"
	channel  string
	chatID   string
	messages []SessionMessage
	updated  time.Time
}

// NewSession creates an empty session for a channel/chat pair.
func NewSession(channel, chatID string) *Session {
	return &Session{
		key:     SessionKey(channel, chatID),
		channel: channel,
		chatID:  chatID,
		updated: time.Now(),
	}
}

// ReconstructSession restores a session loaded from the store.
func ReconstructSession(channel, chatID string, messages []SessionMessage, updated time.Time) *Session {
	return &Session{
		key:      SessionKey(channel, chatID),
		channel:  channel,
		chatID:   chatID,
		messages: messages,
		updated:  updated,
	}
}

// SessionKey derives the store key for a channel/chat pair.
func SessionKey(channel, chatID string) string {
	return channel + ":" + chatID
}

func (s *Session) Key() string      { return s.key }
func (s *Session) Channel() string  { return s.channel }
func (s *Session) ChatID() string   { return s.chatID }
func (s *Session) Updated() time.Time { return s.updated }

// History returns the last n messages in order (n<=0 returns all). The
// system prompt is never part of the stored log — the context pipeline
// rebuilds it fresh each turn (spec §4.2).
func (s *Session) History(n int) []SessionMessage {
	if n <= 0 || n >= len(s.messages) {
		out := make([]SessionMessage, len(s.messages))
		copy(out, s.messages)
		return out
	}
	out := make([]SessionMessage, n)
	copy(out, s.messages[len(s.messages)-n:])
	return out
}

// Append adds a turn to the log in strict temporal order.
func (s *Session) Append(msg SessionMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.messages = append(s.messages, msg)
	s.updated = msg.Timestamp
}

// AppendTurn appends exactly one user message and one assistant message —
// the only growth a completed turn is allowed to produce (spec §8).
func (s *Session) AppendTurn(userContent, assistantContent string) {
	now := time.Now()
	s.Append(SessionMessage{Role: RoleUser, Content: userContent, Timestamp: now})
	s.Append(SessionMessage{Role: RoleAssistant, Content: assistantContent, Timestamp: now})
}

// Len returns the number of messages currently stored.
func (s *Session) Len() int {
	return len(s.messages)
}
