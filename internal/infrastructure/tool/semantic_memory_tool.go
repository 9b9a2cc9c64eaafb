// Copyright 2026 Sharpbot Authors. All rights reserved.
package tool

import (
	"context"
	"fmt"
	"strings"

	domainmemory "github.com/choudhurynirjhar/sharpbot/internal/domain/memory"
	domaintool "github.com/choudhurynirjhar/sharpbot/internal/domain/tool"
	"go.uber.org/zap"
)

// MemoryIndexTool backs the memory_index tool: it embeds and stores a chunk
// of content in the vector store, returning the chunk id.
type MemoryIndexTool struct {
	manager *domainmemory.MemoryManager
	logger  *zap.Logger
}

// NewMemoryIndexTool creates the memory_index tool.
func NewMemoryIndexTool(manager *domainmemory.MemoryManager, logger *zap.Logger) *MemoryIndexTool {
	return &MemoryIndexTool{manager: manager, logger: logger}
}

func (t *MemoryIndexTool) Name() string         { return "memory_index" }
func (t *MemoryIndexTool) Kind() domaintool.Kind { return domaintool.KindThink }
func (t *MemoryIndexTool) Description() string {
	return "Index content into semantic (vector) memory for later retrieval via memory_search. " +
		"Use for durable facts, decisions, or reference material worth recalling by meaning rather than keyword."
}

func (t *MemoryIndexTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The text to index.",
			},
			"source": map[string]interface{}{
				"type":        "string",
				"description": "Tag identifying where this chunk came from (e.g. \"conversation\", \"doc\").",
			},
			"source_id": map[string]interface{}{
				"type":        "string",
				"description": "Optional identifier within source (e.g. a message or document id).",
			},
		},
		"required": []string{"content", "source"},
	}
}

func (t *MemoryIndexTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return &Result{Output: "Error: 'content' parameter is required", Success: false}, nil
	}
	source, _ := args["source"].(string)
	if source == "" {
		source = "agent"
	}
	metadata := map[string]interface{}{"source": source}
	if sourceID, ok := args["source_id"].(string); ok && sourceID != "" {
		metadata["source_id"] = sourceID
	}

	entry, err := t.manager.Remember(ctx, content, metadata)
	if err != nil {
		return &Result{Output: fmt.Sprintf("Failed to index memory: %v", err), Success: false}, nil
	}

	t.logger.Debug("Memory indexed", zap.String("chunk_id", entry.ID), zap.String("source", source))
	return &Result{
		Output:  fmt.Sprintf("Indexed chunk %s", entry.ID),
		Display: fmt.Sprintf("🧠 Indexed [%s] %s", source, truncateForDisplay(content, 60)),
		Success: true,
	}, nil
}

// MemorySearchTool backs the memory_search tool: top-K semantic similarity
// search over the vector store, plus a stats action for chunk-count queries.
type MemorySearchTool struct {
	manager  *domainmemory.MemoryManager
	topK     int
	minScore float32
	logger   *zap.Logger
}

// NewMemorySearchTool creates the memory_search tool.
func NewMemorySearchTool(manager *domainmemory.MemoryManager, topK int, minScore float32, logger *zap.Logger) *MemorySearchTool {
	if topK <= 0 {
		topK = 5
	}
	return &MemorySearchTool{manager: manager, topK: topK, minScore: minScore, logger: logger}
}

func (t *MemorySearchTool) Name() string         { return "memory_search" }
func (t *MemorySearchTool) Kind() domaintool.Kind { return domaintool.KindRead }
func (t *MemorySearchTool) Description() string {
	return "Search semantic (vector) memory for chunks related to a query by meaning. " +
		"Pass action=\"stats\" instead of a query to get the total indexed chunk count."
}

func (t *MemorySearchTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Natural-language query to search for.",
			},
			"top_k": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of results (default 5).",
			},
			"min_score": map[string]interface{}{
				"type":        "number",
				"description": "Minimum cosine-similarity score (default configured threshold).",
			},
			"action": map[string]interface{}{
				"type":        "string",
				"description": "\"search\" (default) or \"stats\" to report the total chunk count instead.",
				"enum":        []string{"search", "stats"},
			},
		},
	}
}

func (t *MemorySearchTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	if action, ok := args["action"].(string); ok && action == "stats" {
		stats, err := t.manager.Stats(ctx)
		if err != nil {
			return &Result{Output: fmt.Sprintf("Failed to get memory stats: %v", err), Success: false}, nil
		}
		if stats.TotalChunks < 0 {
			return &Result{Output: "total_chunks: unknown (store does not support counting)", Success: true}, nil
		}
		return &Result{Output: fmt.Sprintf("total_chunks: %d", stats.TotalChunks), Success: true}, nil
	}

	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return &Result{Output: "Error: 'query' parameter is required", Success: false}, nil
	}

	topK := t.topK
	if v, ok := args["top_k"].(float64); ok && v > 0 {
		topK = int(v)
	}
	minScore := t.minScore
	if v, ok := args["min_score"].(float64); ok {
		minScore = float32(v)
	}

	results, err := t.manager.Recall(ctx, query, topK, &domainmemory.SearchFilter{MinScore: minScore})
	if err != nil {
		return &Result{Output: fmt.Sprintf("Failed to search memory: %v", err), Success: false}, nil
	}
	if len(results) == 0 {
		return &Result{Output: "No matching memories found.", Success: true}, nil
	}

	var sb strings.Builder
	for _, r := range results {
		source, _ := r.Metadata["source"].(string)
		if source == "" {
			source = "unknown"
		}
		sb.WriteString(fmt.Sprintf("- [%.2f] (%s) %s\n", r.Score, source, r.Content))
	}
	return &Result{Output: sb.String(), Success: true}, nil
}

// RenderSemanticMemoryBlock renders the trailing "## Semantic Memory" prompt
// section: top-K results above minScore for the given query, formatted as
// "- [score] (source) content" lines. Returns "" on no hits or error — a
// missing semantic-memory backend must never break prompt assembly.
func RenderSemanticMemoryBlock(ctx context.Context, manager *domainmemory.MemoryManager, query string, topK int, minScore float32) string {
	if manager == nil || strings.TrimSpace(query) == "" {
		return ""
	}
	results, err := manager.Recall(ctx, query, topK, &domainmemory.SearchFilter{MinScore: minScore})
	if err != nil || len(results) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Semantic Memory\n\n")
	for _, r := range results {
		source, _ := r.Metadata["source"].(string)
		if source == "" {
			source = "unknown"
		}
		sb.WriteString(fmt.Sprintf("- [%.2f] (%s) %s\n", r.Score, source, r.Content))
	}
	return sb.String()
}

func truncateForDisplay(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
