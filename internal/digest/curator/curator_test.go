package curator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/RobinCoderZhao/news-digest/internal/digest/batch"
	"github.com/RobinCoderZhao/news-digest/internal/digest/store"
	"github.com/RobinCoderZhao/news-digest/pkg/llm"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseSelections_Canonical(t *testing.T) {
	res, err := ParseSelections([]byte(`{"items":[
		{"headline":"PM calls snap election","tier":"must_know","sources":["bbc","reuters"]},
		{"headline":"Local team wins","tier":"below_fold","cluster":"europe"}
	]}`))
	if err != nil {
		t.Fatalf("ParseSelections: %v", err)
	}
	want := []Selection{
		{Headline: "PM calls snap election", Tier: store.TierMustKnow, Sources: []string{"bbc", "reuters"}},
		{Headline: "Local team wins", Tier: store.TierBelowFold, Cluster: "europe"},
	}
	if !reflect.DeepEqual(res.Items, want) {
		t.Fatalf("unexpected items:\n%+v", res.Items)
	}
}

func TestParseSelections_RepairsDrift(t *testing.T) {
	res, err := ParseSelections([]byte(`{
		"must_know": [{"title": "Breaking news", "summary": "Sum", "links": ["https://bbc.example/1"]}],
		"should_know": ["Plain string story"],
		"quick_signals": [{"one_liner": "Apple ships product", "link": "https://apple.example"}],
		"signals": {
			"europe": [{"headline": "EU news", "source": {"name": "FT", "url": "https://ft.example/eu"}}],
			"americas": ["US economy grows 3%"]
		},
		"regional_summary": "ignored"
	}`))
	if err != nil {
		t.Fatalf("ParseSelections: %v", err)
	}
	want := []Selection{
		{Headline: "Breaking news", Tier: store.TierMustKnow, Summary: "Sum", Links: []string{"https://bbc.example/1"}},
		{Headline: "Plain string story", Tier: store.TierShouldKnow},
		{Headline: "Apple ships product", Tier: store.TierQuickSignal, Links: []string{"https://apple.example"}},
		{Headline: "US economy grows 3%", Tier: store.TierBelowFold, Cluster: "americas"},
		{Headline: "EU news", Tier: store.TierBelowFold, Cluster: "europe", Sources: []string{"FT"}, Links: []string{"https://ft.example/eu"}},
	}
	if !reflect.DeepEqual(res.Items, want) {
		t.Fatalf("unexpected items:\n got %+v\nwant %+v", res.Items, want)
	}
}

func TestParseSelections_Invalid(t *testing.T) {
	if _, err := ParseSelections([]byte("not json")); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	res, err := ParseSelections([]byte(`{"must_know": [{"summary": "no headline"}]}`))
	if err != nil {
		t.Fatalf("ParseSelections: %v", err)
	}
	if !errors.Is(res.Validate(), ErrNoSelections) {
		t.Fatalf("expected ErrNoSelections, got %v", res.Validate())
	}
}

func TestResult_Validate(t *testing.T) {
	res := &Result{Items: []Selection{{Headline: "A", Tier: "front_page"}, {Tier: store.TierMustKnow}}}
	err := res.Validate()
	if err == nil || !strings.Contains(err.Error(), "front_page") || !strings.Contains(err.Error(), "missing headline") {
		t.Fatalf("expected both problems reported, got %v", err)
	}
}

func TestCommandCurator(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		wantErr error
		wantN   int
	}{
		{
			name:   "writes selections",
			script: `echo "reading $DIGEST_BATCHES batches"; printf '{"must_know":["Storm hits coast"],"should_know":["Markets slide"]}' > selections.json`,
			wantN:  2,
		},
		{
			name:    "no selections file",
			script:  `echo done`,
			wantErr: ErrNoSelections,
		},
		{
			name:   "command fails",
			script: `echo broken >&2; exit 3`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			// A stale answer from an earlier run must never be used.
			if err := os.WriteFile(filepath.Join(dir, SelectionsFile), []byte(`{"must_know":["Stale"]}`), 0o644); err != nil {
				t.Fatal(err)
			}

			c := NewCommand(CommandConfig{Command: []string{"sh", "-c", tt.script}, Timeout: 10 * time.Second}, quietLogger())
			res, err := c.Curate(context.Background(), Request{RunID: "r1", Dir: dir, Manifest: &batch.Manifest{Batches: 2}})

			switch {
			case tt.wantN > 0:
				if err != nil {
					t.Fatalf("Curate: %v", err)
				}
				if len(res.Items) != tt.wantN {
					t.Fatalf("expected %d selections, got %+v", tt.wantN, res.Items)
				}
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
			default:
				if err == nil {
					t.Fatal("expected error")
				}
			}
		})
	}
}

func TestCommandCurator_Timeout(t *testing.T) {
	c := NewCommand(CommandConfig{Command: []string{"sh", "-c", "exec sleep 5"}, Timeout: 100 * time.Millisecond}, quietLogger())
	start := time.Now()
	_, err := c.Curate(context.Background(), Request{Dir: t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatal("curator was not stopped at the timeout")
	}
}

type fakeLLM struct {
	answers []string
	prompts []string
	finish  string
	err     error
}

func (f *fakeLLM) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.prompts = append(f.prompts, req.Messages[0].Content)
	a := f.answers[0]
	f.answers = f.answers[1:]
	return &llm.Response{Content: a, FinishReason: f.finish}, nil
}

func (f *fakeLLM) GenerateJSON(ctx context.Context, req *llm.Request, out any) error {
	return errors.New("not used")
}
func (f *fakeLLM) Provider() llm.Provider { return "fake" }
func (f *fakeLLM) Close() error           { return nil }

func TestLLMCurator(t *testing.T) {
	client := &fakeLLM{answers: []string{
		"```json\n{\"must_know\": [{\"headline\": \"Storm hits coast\"}]}\n```",
		`{"below_fold": {"asia": ["Festival draws crowds"]}}`,
	}}
	req := Request{
		Batches: []batch.Batch{
			{Index: 1, Rows: []batch.Row{{SourceID: "ap", Title: "Storm hits the coast", URL: "https://ap.example/storm"}}},
			{Index: 2, Rows: []batch.Row{{SourceID: "nhk", Title: "Festival draws crowds", URL: "https://nhk.example/f"}}},
		},
		Blocklist: []store.ShownHeadline{{Headline: "PM calls snap election", Tier: store.TierMustKnow, ShownAt: time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)}},
	}

	res, err := NewLLM(client, quietLogger()).Curate(context.Background(), req)
	if err != nil {
		t.Fatalf("Curate: %v", err)
	}
	if len(res.Items) != 2 || res.Items[1].Cluster != "asia" {
		t.Fatalf("unexpected merged result: %+v", res.Items)
	}
	if len(client.prompts) != 2 {
		t.Fatalf("expected one call per batch, got %d", len(client.prompts))
	}
	if !strings.Contains(client.prompts[0], "2025-01-05 [must_know] PM calls snap election") ||
		!strings.Contains(client.prompts[0], "https://ap.example/storm") {
		t.Fatalf("prompt missing blocklist or articles:\n%s", client.prompts[0])
	}
}

func TestLLMCurator_Truncated(t *testing.T) {
	client := &fakeLLM{answers: []string{`{"must_know": [{"headline": "Storm`}, finish: "max_tokens"}
	_, err := NewLLM(client, quietLogger()).Curate(context.Background(), Request{Batches: []batch.Batch{{Index: 1}}})
	if !errors.Is(err, llm.ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestLLMCurator_Error(t *testing.T) {
	client := &fakeLLM{err: errors.New("upstream down")}
	_, err := NewLLM(client, quietLogger()).Curate(context.Background(), Request{Batches: []batch.Batch{{Index: 1}}})
	if err == nil || !strings.Contains(err.Error(), "upstream down") {
		t.Fatalf("expected client error, got %v", err)
	}
}

func TestWriteSelectionsTool(t *testing.T) {
	dir := t.TempDir()
	tool := NewWriteSelectionsTool(dir)

	out, err := tool.Execute(context.Background(), map[string]any{
		"must_know":   []any{map[string]any{"headline": "Storm hits coast", "sources": []any{"ap"}}},
		"should_know": []any{},
		"below_fold":  map[string]any{"tech": []any{"Chip maker ships new part"}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.Content[0].Text, "1 must_know") || !strings.Contains(out.Content[0].Text, "1 below_fold") {
		t.Fatalf("unexpected tool output: %q", out.Content[0].Text)
	}

	data, err := os.ReadFile(filepath.Join(dir, SelectionsFile))
	if err != nil {
		t.Fatalf("read selections: %v", err)
	}
	res, err := ParseSelections(data)
	if err != nil {
		t.Fatalf("ParseSelections: %v", err)
	}
	if len(res.Items) != 2 || res.Items[1].Cluster != "tech" {
		t.Fatalf("unexpected written selections: %+v", res.Items)
	}

	if _, err := tool.Execute(context.Background(), map[string]any{"must_know": []any{}}); err == nil {
		t.Fatal("expected empty selections to be rejected")
	}
}
