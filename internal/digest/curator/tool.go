package curator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/RobinCoderZhao/news-digest/internal/digest/store"
	"github.com/RobinCoderZhao/news-digest/pkg/mcpserver"
)

var selectionItemSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"headline":  map[string]any{"type": "string", "description": "Headline in sentence case"},
		"summary":   map[string]any{"type": "string", "description": "2-3 sentence summary"},
		"sources":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"update_of": map[string]any{"type": "string", "description": "Previously shown headline this story updates"},
	},
	"required": []string{"headline"},
}

// WriteSelectionsTool is the MCP tool an agent calls to hand back its
// selections. It validates the payload and writes the canonical form to the
// batch directory, where CommandCurator picks it up.
type WriteSelectionsTool struct {
	mcpserver.BaseTool
	path string
}

// NewWriteSelectionsTool writes to dir/selections.json.
func NewWriteSelectionsTool(dir string) *WriteSelectionsTool {
	tierList := map[string]any{"type": "array", "items": selectionItemSchema}
	return &WriteSelectionsTool{
		BaseTool: mcpserver.BaseTool{
			ToolName:        "write_selections",
			ToolDescription: "Write the curated news selections to selections.json. Call this tool once with the complete selections object.",
			ToolSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"must_know":    tierList,
					"should_know":  tierList,
					"quick_signal": tierList,
					"below_fold": map[string]any{
						"type":                 "object",
						"description":          "Minor items grouped by region or topic cluster",
						"additionalProperties": tierList,
					},
				},
				"required": []string{"must_know", "should_know"},
			},
		},
		path: filepath.Join(dir, SelectionsFile),
	}
}

func (t *WriteSelectionsTool) Execute(ctx context.Context, args map[string]any) (*mcpserver.ToolCallResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	res, err := ParseSelections(raw)
	if err != nil {
		return nil, err
	}
	if err := res.Validate(); err != nil {
		return nil, fmt.Errorf("selections rejected, fix and retry: %w", err)
	}

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(t.path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write selections: %w", err)
	}

	c := res.Count()
	return mcpserver.TextResult(fmt.Sprintf("Wrote %s: %d must_know, %d should_know, %d quick_signal, %d below_fold",
		SelectionsFile, c[store.TierMustKnow], c[store.TierShouldKnow], c[store.TierQuickSignal], c[store.TierBelowFold])), nil
}
