package context

import (
	"strings"
	"unicode/utf8"
)

// PruningStrategy selects how a Pruner reduces a message list.
type PruningStrategy int

const (
	PruneNone      PruningStrategy = iota // no pruning
	PruneAdaptive                         // importance-weighted pruning
	PruneHardClear                        // keep only what fits, newest first
	PruneSummarize                        // summarize (requires model support)
)

// String returns the strategy's string representation.
func (s PruningStrategy) String() string {
	switch s {
	case PruneNone:
		return "none"
	case PruneAdaptive:
		return "adaptive"
	case PruneHardClear:
		return "hard_clear"
	case PruneSummarize:
		return "summarize"
	default:
		return "unknown"
	}
}

// Message is a context-management message, independent of the LLM wire
// format — this package operates on whatever token-budget policy the
// caller hands it.
type Message struct {
	Role       string
	Content    string
	ToolCallID string
	HasToolCalls bool    // true for an assistant message that opened a tool call
	Importance float64 // importance score (0-1)
	Tokens     int     // estimated token count
}

// PruneConfig configures a Pruner's thresholds.
type PruneConfig struct {
	Strategy            PruningStrategy
	MaxTokens           int     // context window budget
	SoftTrimRatio       float64 // start trimming above this fraction of MaxTokens
	HardClearRatio      float64 // force a hard clear above this fraction
	PreserveSystem      bool    // keep the system message(s) regardless of strategy
	PreserveRecent      int     // always keep the most recent N messages
	ImportanceThreshold float64 // minimum importance to survive adaptive pruning
}

// DefaultPruneConfig returns production defaults.
func DefaultPruneConfig() *PruneConfig {
	return &PruneConfig{
		Strategy:            PruneAdaptive,
		MaxTokens:           100000,
		SoftTrimRatio:       0.7,
		HardClearRatio:      0.85,
		PreserveSystem:      true,
		PreserveRecent:      4,
		ImportanceThreshold: 0.3,
	}
}

// Pruner reduces a message list to fit within a token budget.
type Pruner struct {
	config    *PruneConfig
	tokenizer Tokenizer
}

// Tokenizer counts tokens in a string.
type Tokenizer interface {
	Count(text string) int
}

// SimpleTokenizer estimates token counts from character counts, weighting
// CJK text more heavily since those scripts average fewer characters per
// token than Latin text.
type SimpleTokenizer struct {
	charsPerToken float64
}

// NewSimpleTokenizer creates the default heuristic counter.
func NewSimpleTokenizer() *SimpleTokenizer {
	return &SimpleTokenizer{
		charsPerToken: 4.0, // ~4 chars/token for Latin text, ~2 for CJK
	}
}

// Count estimates the token count of text.
func (t *SimpleTokenizer) Count(text string) int {
	cjkCount := 0
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjkCount++
		}
	}

	totalChars := utf8.RuneCountInString(text)
	latinChars := totalChars - cjkCount

	tokens := float64(cjkCount)/2.0 + float64(latinChars)/t.charsPerToken

	return int(tokens) + 1
}

// NewPruner creates a pruner; a nil tokenizer defaults to SimpleTokenizer.
func NewPruner(config *PruneConfig, tokenizer Tokenizer) *Pruner {
	if tokenizer == nil {
		tokenizer = NewSimpleTokenizer()
	}
	return &Pruner{
		config:    config,
		tokenizer: tokenizer,
	}
}

// Prune reduces messages according to the configured strategy.
func (p *Pruner) Prune(messages []Message) []Message {
	if p.config.Strategy == PruneNone {
		return messages
	}

	totalTokens := p.calculateTotalTokens(messages)

	softThreshold := int(float64(p.config.MaxTokens) * p.config.SoftTrimRatio)
	hardThreshold := int(float64(p.config.MaxTokens) * p.config.HardClearRatio)

	if totalTokens < softThreshold {
		return messages
	}

	switch p.config.Strategy {
	case PruneAdaptive:
		return p.adaptivePrune(messages, totalTokens, softThreshold, hardThreshold)
	case PruneHardClear:
		return p.hardClearPrune(messages, hardThreshold)
	case PruneSummarize:
		// Summarization requires a model call — the caller should use
		// SummarizePruner.PruneWithSummary instead; fall back to adaptive
		// here so Prune always returns something reasonable.
		return p.adaptivePrune(messages, totalTokens, softThreshold, hardThreshold)
	default:
		return messages
	}
}

func (p *Pruner) calculateTotalTokens(messages []Message) int {
	total := 0
	for i := range messages {
		if messages[i].Tokens == 0 {
			messages[i].Tokens = p.tokenizer.Count(messages[i].Content)
		}
		total += messages[i].Tokens
	}
	return total
}

// adaptivePrune keeps system messages, the most recent PreserveRecent
// messages, and any middle message whose importance clears the threshold.
// The recent-window cut is aligned so the kept tail never opens inside a
// tool-call/tool-result pair. Middle messages are scored and kept one by
// one, so there a tool-call message and its tool-result are not guaranteed
// to be kept or dropped together.
func (p *Pruner) adaptivePrune(messages []Message, totalTokens, softThreshold, hardThreshold int) []Message {
	if len(messages) == 0 {
		return messages
	}

	result := make([]Message, 0, len(messages))

	systemMessages := make([]Message, 0)
	if p.config.PreserveSystem {
		for _, msg := range messages {
			if msg.Role == "system" {
				systemMessages = append(systemMessages, msg)
			}
		}
	}

	recentStart := len(messages) - p.config.PreserveRecent
	if recentStart < 0 {
		recentStart = 0
	}
	recentStart = alignToToolBoundary(messages, recentStart)
	recentMessages := messages[recentStart:]

	middleMessages := make([]Message, 0)
	for i, msg := range messages {
		if msg.Role == "system" {
			continue
		}
		if i >= recentStart {
			continue
		}

		importance := p.evaluateImportance(msg)
		if importance >= p.config.ImportanceThreshold {
			middleMessages = append(middleMessages, msg)
		}
	}

	result = append(result, systemMessages...)
	result = append(result, middleMessages...)
	result = append(result, recentMessages...)

	currentTokens := p.calculateTotalTokens(result)
	if currentTokens > hardThreshold && len(middleMessages) > 0 {
		halfMiddle := len(middleMessages) / 2
		result = make([]Message, 0)
		result = append(result, systemMessages...)
		result = append(result, middleMessages[halfMiddle:]...)
		result = append(result, recentMessages...)
	}

	return result
}

// alignToToolBoundary nudges idx forward so the retained tail never opens
// mid-way through a tool-call/tool-result pair.
func alignToToolBoundary(messages []Message, idx int) int {
	for idx > 0 && idx < len(messages) {
		prevOpensToolRun := messages[idx-1].HasToolCalls
		curIsToolResult := messages[idx].Role == "tool"
		if !prevOpensToolRun && !curIsToolResult {
			break
		}
		idx++
	}
	if idx > len(messages) {
		idx = len(messages)
	}
	return idx
}

// hardClearPrune keeps system messages plus as many of the newest messages
// as fit under hardThreshold, never splitting a tool-call/tool-result pair.
func (p *Pruner) hardClearPrune(messages []Message, hardThreshold int) []Message {
	if len(messages) == 0 {
		return messages
	}

	result := make([]Message, 0)
	currentTokens := 0

	if p.config.PreserveSystem {
		for _, msg := range messages {
			if msg.Role == "system" {
				result = append(result, msg)
				currentTokens += msg.Tokens
			}
		}
	}

	kept := make([]bool, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role == "system" {
			continue
		}

		if currentTokens+msg.Tokens > hardThreshold {
			break
		}

		kept[i] = true
		currentTokens += msg.Tokens
	}

	// The kept messages form one contiguous newest-first run, so a kept
	// tool-result whose predecessor was not kept has lost its tool-call (or
	// an earlier result of the same call, dropped just before it); drop it.
	// Walking forward drops a whole run of such results in turn.
	for i := 0; i < len(messages); i++ {
		if kept[i] && messages[i].Role == "tool" && i > 0 && !kept[i-1] {
			kept[i] = false
		}
	}

	for i, msg := range messages {
		if msg.Role == "system" || !kept[i] {
			continue
		}
		result = append(result, msg)
	}

	return result
}

// evaluateImportance scores a message 0-1 using simple content heuristics
// when it has not already been scored by the caller.
func (p *Pruner) evaluateImportance(msg Message) float64 {
	if msg.Importance > 0 {
		return msg.Importance
	}

	importance := 0.5

	if msg.Role == "tool" || msg.ToolCallID != "" {
		importance += 0.2
	}

	if strings.Contains(msg.Content, "```") {
		importance += 0.15
	}

	lowerContent := strings.ToLower(msg.Content)
	if strings.Contains(lowerContent, "error") ||
		strings.Contains(lowerContent, "failed") ||
		strings.Contains(lowerContent, "exception") {
		importance += 0.1
	}

	if len(msg.Content) > 500 {
		importance += 0.05
	}

	if importance > 1.0 {
		importance = 1.0
	}

	return importance
}

// EstimateTokens estimates the token count of a message list.
func (p *Pruner) EstimateTokens(messages []Message) int {
	return p.calculateTotalTokens(messages)
}

// NeedsPruning reports whether messages exceed the soft threshold.
func (p *Pruner) NeedsPruning(messages []Message) bool {
	totalTokens := p.calculateTotalTokens(messages)
	softThreshold := int(float64(p.config.MaxTokens) * p.config.SoftTrimRatio)
	return totalTokens >= softThreshold
}
