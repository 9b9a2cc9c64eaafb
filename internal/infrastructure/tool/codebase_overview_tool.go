package tool

import (
	"context"
	"fmt"
	"sync"

	domaintool "github.com/choudhurynirjhar/sharpbot/internal/domain/tool"
	"github.com/choudhurynirjhar/sharpbot/internal/infrastructure/codeintel"
	"go.uber.org/zap"
)

// CodebaseOverviewTool generates a PageRank-ranked map of the most important
// symbols across an entire codebase. Unlike repo_map, which AST-parses one
// directory's files directly, this indexes a tree once (multi-language:
// Go, Python, JS/TS, Rust) and ranks symbols by cross-file reference
// weight, exported status, and doc coverage — useful for orienting on a
// large, unfamiliar repository before drilling into individual files.
type CodebaseOverviewTool struct {
	logger *zap.Logger

	mu      sync.Mutex
	indexer *codeintel.Indexer
	indexed string // root most recently indexed, "" if none yet
}

func NewCodebaseOverviewTool(logger *zap.Logger) *CodebaseOverviewTool {
	return &CodebaseOverviewTool{
		logger:  logger,
		indexer: codeintel.NewIndexer(logger),
	}
}

func (t *CodebaseOverviewTool) Name() string         { return "codebase_overview" }
func (t *CodebaseOverviewTool) Kind() domaintool.Kind { return domaintool.KindRead }

func (t *CodebaseOverviewTool) Description() string {
	return "Build a ranked overview of a codebase's most important symbols (functions, types, classes) " +
		"using a PageRank-style importance score over cross-file references. Supports Go, Python, " +
		"JavaScript/TypeScript, and Rust. Use 'search' to find a symbol by name once indexed."
}

func (t *CodebaseOverviewTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"overview", "search"},
				"description": "'overview' (re)indexes root and returns the ranked symbol map; 'search' looks up a symbol name in the last-built index",
			},
			"root": map[string]interface{}{
				"type":        "string",
				"description": "directory to index (required for 'overview')",
			},
			"query": map[string]interface{}{
				"type":        "string",
				"description": "symbol name substring (required for 'search')",
			},
			"max_tokens": map[string]interface{}{
				"type":        "integer",
				"description": "approximate token budget for the rendered map (default 2000)",
			},
		},
		"required": []string{"action"},
	}
}

func (t *CodebaseOverviewTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	action, _ := args["action"].(string)

	switch action {
	case "overview":
		root, _ := args["root"].(string)
		if root == "" {
			return &Result{Success: false, Error: "root is required for action 'overview'"}, nil
		}
		maxTokens := 2000
		if mt, ok := args["max_tokens"].(float64); ok && mt > 0 {
			maxTokens = int(mt)
		}

		t.mu.Lock()
		defer t.mu.Unlock()

		count, err := t.indexer.IndexDirectory(root, nil)
		if err != nil {
			return &Result{Success: false, Error: fmt.Sprintf("index failed: %v", err)}, nil
		}
		t.indexed = root

		rm := codeintel.NewRepoMap(t.indexer, t.logger)
		output := rm.Generate(maxTokens)
		return &Result{
			Success: true,
			Output:  fmt.Sprintf("Indexed %d files under %s\n\n%s", count, root, output),
		}, nil

	case "search":
		query, _ := args["query"].(string)
		if query == "" {
			return &Result{Success: false, Error: "query is required for action 'search'"}, nil
		}

		t.mu.Lock()
		defer t.mu.Unlock()

		if t.indexed == "" {
			return &Result{Success: false, Error: "no index built yet — run action 'overview' first"}, nil
		}

		matches := t.indexer.SearchSymbols(query)
		if len(matches) == 0 {
			return &Result{Success: true, Output: fmt.Sprintf("no symbols matching %q", query)}, nil
		}

		out := ""
		for _, s := range matches {
			out += fmt.Sprintf("%s:%d  %s %s (%s)\n", s.File, s.Line, s.Kind, s.Name, s.Language)
		}
		return &Result{Success: true, Output: out}, nil

	default:
		return &Result{Success: false, Error: fmt.Sprintf("unknown action %q (want overview|search)", action)}, nil
	}
}
