package curator

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/RobinCoderZhao/news-digest/internal/digest/batch"
	"github.com/RobinCoderZhao/news-digest/pkg/llm"
)

const systemPrompt = `You are the editor of a daily news digest. You receive candidate articles as CSV
and a list of headlines already shown in recent digests.

Pick the stories worth a reader's time and assign each one a tier:
- must_know: major stories a well-informed reader would be embarrassed to miss
- should_know: important but not urgent
- quick_signal: one-line items worth a glance
- below_fold: minor items, grouped by region or topic cluster

Rules:
- Never repeat a previously shown headline unless the article reports a new development;
  rows with a non-empty update_of column are such developments, set "update_of" to that value.
- Merge articles about the same event into one selection and list every source.
- Write headlines in sentence case.

Respond with JSON only, in this shape:
{"must_know":[{"headline":"","summary":"","sources":[""],"update_of":""}],
 "should_know":[...], "quick_signal":[...],
 "below_fold":{"<cluster>":[{"headline":"","sources":[""]}]}}`

// LLMCurator asks an LLM to curate each batch directly, without an agent
// process in between.
type LLMCurator struct {
	client llm.Client
	logger *slog.Logger
}

// NewLLM returns a curator backed by client.
func NewLLM(client llm.Client, logger *slog.Logger) *LLMCurator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMCurator{client: client, logger: logger}
}

func (c *LLMCurator) Curate(ctx context.Context, req Request) (*Result, error) {
	blocklist := renderBlocklist(req)
	merged := &Result{}

	for _, b := range req.Batches {
		prompt, err := renderBatch(b)
		if err != nil {
			return nil, err
		}

		resp, err := c.client.Generate(ctx, &llm.Request{
			System: systemPrompt,
			Messages: []llm.Message{{
				Role: "user",
				Content: fmt.Sprintf("Batch %d of %d.\n\nPreviously shown headlines:\n%s\n\nArticles:\n%s",
					b.Index, len(req.Batches), blocklist, prompt),
			}},
			JSONMode:    true,
			CacheSystem: true,
		})
		if err != nil {
			return nil, fmt.Errorf("curate batch %d: %w", b.Index, err)
		}

		if resp.Truncated() {
			return nil, fmt.Errorf("curate batch %d: %w", b.Index, llm.ErrTruncated)
		}
		var raw json.RawMessage
		if err := llm.DecodeJSON(resp.Content, &raw); err != nil {
			return nil, fmt.Errorf("curate batch %d: %w", b.Index, err)
		}
		res, err := ParseSelections(raw)
		if err != nil {
			return nil, fmt.Errorf("curate batch %d: %w", b.Index, err)
		}

		c.logger.Info("curated batch", "batch", b.Index, "selections", len(res.Items),
			"tokens_in", resp.TokensIn, "tokens_out", resp.TokensOut, "cached", resp.CachedTokens, "latency_ms", resp.LatencyMs)
		merged.Items = append(merged.Items, res.Items...)
	}

	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

func renderBatch(b batch.Batch) (string, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	w.Write(batch.Header)
	for _, r := range b.Rows {
		w.Write(r.Fields())
	}
	w.Write(nil)
	w.Write(batch.SourceHeader)
	for _, s := range b.Sources {
		w.Write([]string{s.ID, s.Name, s.Bias, s.Perspective})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("render batch %d: %w", b.Index, err)
	}
	return sb.String(), nil
}

func renderBlocklist(req Request) string {
	if len(req.Blocklist) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for _, h := range req.Blocklist {
		fmt.Fprintf(&sb, "%s [%s] %s\n", h.ShownAt.UTC().Format("2006-01-02"), h.Tier, h.Headline)
	}
	return sb.String()
}
