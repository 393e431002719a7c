package batch

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/RobinCoderZhao/news-digest/internal/digest/store"
)

// Manifest describes a written batch set.
type Manifest struct {
	RunID         string   `json:"run_id"`
	Budget        int      `json:"budget"`
	Batches       int      `json:"batches"`
	ItemsPerBatch []int    `json:"items_per_batch"`
	TotalItems    int      `json:"total_items"`
	Oversize      []int    `json:"oversize,omitempty"`
	Files         []string `json:"files"`
	Headlines     int      `json:"previous_headlines"`
}

// NewManifest summarises batches without touching disk.
func NewManifest(runID string, budget int, batches []Batch) *Manifest {
	m := &Manifest{RunID: runID, Budget: budget, Batches: len(batches), ItemsPerBatch: []int{}}
	for _, b := range batches {
		m.ItemsPerBatch = append(m.ItemsPerBatch, len(b.Rows))
		m.TotalItems += len(b.Rows)
		if b.Oversize {
			m.Oversize = append(m.Oversize, b.Index)
		}
	}
	return m
}

// ManifestFile is the manifest's name inside the batch directory.
const ManifestFile = "manifest.json"

// HeadlinesFile holds the previously shown blocklist.
const HeadlinesFile = "headlines.csv"

// Writer writes batches into a directory for the curator.
type Writer struct {
	dir    string
	logger *slog.Logger
}

// NewWriter returns a writer rooted at dir.
func NewWriter(dir string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{dir: dir, logger: logger}
}

// Dir returns the output directory.
func (w *Writer) Dir() string { return w.dir }

// Write clears files left by a previous run, then writes articles_N.csv and
// sources_N.csv per batch, the headlines blocklist and the manifest.
func (w *Writer) Write(runID string, budget int, batches []Batch, blocklist []store.ShownHeadline) (*Manifest, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create batch dir: %w", err)
	}
	if err := w.clean(); err != nil {
		return nil, err
	}

	m := NewManifest(runID, budget, batches)
	m.Headlines = len(blocklist)

	for _, b := range batches {
		articles := fmt.Sprintf("articles_%d.csv", b.Index)
		rows := make([][]string, 0, len(b.Rows))
		for _, r := range b.Rows {
			rows = append(rows, r.Fields())
		}
		if err := writeCSV(filepath.Join(w.dir, articles), Header, rows); err != nil {
			return nil, err
		}

		srcFile := fmt.Sprintf("sources_%d.csv", b.Index)
		srcRows := make([][]string, 0, len(b.Sources))
		for _, s := range b.Sources {
			srcRows = append(srcRows, sourceFields(s))
		}
		if err := writeCSV(filepath.Join(w.dir, srcFile), SourceHeader, srcRows); err != nil {
			return nil, err
		}
		m.Files = append(m.Files, articles, srcFile)

		w.logger.Debug("wrote batch", "index", b.Index, "items", len(b.Rows),
			"sources", len(b.Sources), "estimate", b.Estimate, "oversize", b.Oversize)
	}

	hl := make([][]string, 0, len(blocklist))
	for _, h := range blocklist {
		hl = append(hl, []string{h.ShownAt.UTC().Format("2006-01-02"), h.Headline, string(h.Tier)})
	}
	if err := writeCSV(filepath.Join(w.dir, HeadlinesFile), []string{"date", "headline", "tier"}, hl); err != nil {
		return nil, err
	}
	m.Files = append(m.Files, HeadlinesFile)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.dir, ManifestFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	w.logger.Info("prepared curator input",
		"dir", w.dir, "batches", m.Batches, "items", m.TotalItems, "headlines", len(blocklist))
	return m, nil
}

// ReadManifest loads the manifest from dir.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// clean removes only files this package or the curator produce.
func (w *Writer) clean() error {
	patterns := []string{"articles_*.csv", "sources_*.csv", HeadlinesFile, ManifestFile, "selections.json"}
	for _, p := range patterns {
		matches, err := filepath.Glob(filepath.Join(w.dir, p))
		if err != nil {
			return err
		}
		for _, f := range matches {
			if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove stale %s: %w", filepath.Base(f), err)
			}
		}
	}
	return nil
}

func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	cw := csv.NewWriter(f)
	if err := cw.Write(header); err != nil {
		f.Close()
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
