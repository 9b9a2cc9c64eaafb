package context

import (
	"context"
	"fmt"
	"strings"
)

// Summarizer produces a conversation summary.
type Summarizer interface {
	Summarize(ctx context.Context, messages []Message) (string, error)
}

// ModelClient is the minimal interface a Summarizer needs to call a model.
type ModelClient interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// LLMSummarizer produces summaries via a model call.
type LLMSummarizer struct {
	client          ModelClient
	maxInputTokens  int
	maxOutputTokens int
	summaryPrompt   string
}

// SummarizerConfig configures an LLMSummarizer.
type SummarizerConfig struct {
	MaxInputTokens  int    // max tokens of input history to feed the model
	MaxOutputTokens int    // max tokens in the generated summary
	CustomPrompt    string // override the default summary prompt template
}

// DefaultSummarizerConfig returns production defaults.
func DefaultSummarizerConfig() *SummarizerConfig {
	return &SummarizerConfig{
		MaxInputTokens:  8000,
		MaxOutputTokens: 500,
		CustomPrompt:    "",
	}
}

// NewLLMSummarizer creates a model-backed summarizer.
func NewLLMSummarizer(client ModelClient, config *SummarizerConfig) *LLMSummarizer {
	if config == nil {
		config = DefaultSummarizerConfig()
	}

	prompt := config.CustomPrompt
	if prompt == "" {
		prompt = defaultSummaryPrompt
	}

	return &LLMSummarizer{
		client:          client,
		maxInputTokens:  config.MaxInputTokens,
		maxOutputTokens: config.MaxOutputTokens,
		summaryPrompt:   prompt,
	}
}

const defaultSummaryPrompt = `Compress the following conversation history into a concise summary that
preserves:
1. The user's core goals and requirements
2. Important actions taken and decisions made
3. Key code changes or configuration changes
4. Open questions or unresolved to-dos

Keep the summary under 300 words, as a bullet list.

Conversation history:
%s

Summary:`

// Summarize feeds messages to the model, truncating from the front once the
// input token budget is exhausted (oldest context drops first).
func (s *LLMSummarizer) Summarize(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	var sb strings.Builder
	tokenizer := NewSimpleTokenizer()
	totalTokens := 0

	// Walk newest-first so the budget goes to the most recent context, then
	// write the kept lines back in their original order.
	var kept []string
	omitted := false
	for i := len(messages) - 1; i >= 0; i-- {
		line := fmt.Sprintf("[%s]: %s\n", messages[i].Role, messages[i].Content)
		lineTokens := tokenizer.Count(line)

		if totalTokens+lineTokens > s.maxInputTokens {
			omitted = true
			break
		}

		kept = append(kept, line)
		totalTokens += lineTokens
	}
	if omitted {
		sb.WriteString("... (earlier messages omitted)\n")
	}
	for i := len(kept) - 1; i >= 0; i-- {
		sb.WriteString(kept[i])
	}

	prompt := fmt.Sprintf(s.summaryPrompt, sb.String())

	summary, err := s.client.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("failed to generate summary: %w", err)
	}

	return summary, nil
}

// SummarizePruner combines token-budget pruning with model-generated
// summaries of the discarded middle section.
type SummarizePruner struct {
	*Pruner
	summarizer Summarizer
	summaryMsg *Message // most recently generated summary, cached for GetLastSummary
}

// NewSummarizePruner creates a summarizing pruner.
func NewSummarizePruner(config *PruneConfig, tokenizer Tokenizer, summarizer Summarizer) *SummarizePruner {
	config.Strategy = PruneSummarize
	return &SummarizePruner{
		Pruner:     NewPruner(config, tokenizer),
		summarizer: summarizer,
	}
}

// PruneWithSummary prunes messages, replacing the discarded middle section
// with a generated summary. Falls back to plain Prune if summarization
// fails. Never drops a tool-call message without its matching tool-result
// (the recent-window cut is tool-boundary aligned, same as Pruner).
func (p *SummarizePruner) PruneWithSummary(ctx context.Context, messages []Message) ([]Message, error) {
	if !p.NeedsPruning(messages) {
		return messages, nil
	}

	var systemMsgs, dialogMsgs []Message
	for _, msg := range messages {
		if msg.Role == "system" {
			systemMsgs = append(systemMsgs, msg)
		} else {
			dialogMsgs = append(dialogMsgs, msg)
		}
	}

	recentCount := p.config.PreserveRecent
	if recentCount > len(dialogMsgs) {
		recentCount = len(dialogMsgs)
	}

	splitIdx := alignToToolBoundary(dialogMsgs, len(dialogMsgs)-recentCount)
	recentMsgs := dialogMsgs[splitIdx:]
	oldMsgs := dialogMsgs[:splitIdx]

	if len(oldMsgs) > 0 && p.summarizer != nil {
		summary, err := p.summarizer.Summarize(ctx, oldMsgs)
		if err != nil {
			return p.Prune(messages), nil
		}

		p.summaryMsg = &Message{
			Role:    "system",
			Content: fmt.Sprintf("[conversation history summary]\n%s", summary),
		}
	}

	result := make([]Message, 0, len(systemMsgs)+1+len(recentMsgs))
	result = append(result, systemMsgs...)
	if p.summaryMsg != nil {
		result = append(result, *p.summaryMsg)
	}
	result = append(result, recentMsgs...)

	return result, nil
}

// GetLastSummary returns the most recently generated summary, if any.
func (p *SummarizePruner) GetLastSummary() string {
	if p.summaryMsg != nil {
		return p.summaryMsg.Content
	}
	return ""
}

// SimpleSummarizer extracts a few notable lines without calling a model —
// used in tests and as a summarizer-less fallback.
type SimpleSummarizer struct{}

// NewSimpleSummarizer creates a SimpleSummarizer.
func NewSimpleSummarizer() *SimpleSummarizer {
	return &SimpleSummarizer{}
}

// Summarize extracts messages that look notable (errors, completions,
// creations) and joins them into a bullet list, most recent last.
func (s *SimpleSummarizer) Summarize(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	var points []string

	for _, msg := range messages {
		content := strings.ToLower(msg.Content)
		if strings.Contains(content, "error") ||
			strings.Contains(content, "completed") ||
			strings.Contains(content, "created") ||
			strings.Contains(content, "modified") {
			summary := msg.Content
			if len(summary) > 100 {
				summary = summary[:100] + "..."
			}
			points = append(points, fmt.Sprintf("- [%s] %s", msg.Role, summary))
		}
	}

	if len(points) == 0 {
		return fmt.Sprintf("%d history messages, nothing notable", len(messages)), nil
	}

	if len(points) > 10 {
		points = points[len(points)-10:]
	}

	return strings.Join(points, "\n"), nil
}
