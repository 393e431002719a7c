// Package batch partitions deduplicated narratives into size-bounded batches
// for the curator and writes them to disk.
package batch

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/RobinCoderZhao/news-digest/internal/digest/dedup"
	"github.com/RobinCoderZhao/news-digest/internal/digest/sources"
	"github.com/RobinCoderZhao/news-digest/pkg/scraper"
)

// DefaultBudget is the per-batch size budget in token-equivalent units.
const DefaultBudget = 10000

// MaxSummary caps the summary column, in runes.
const MaxSummary = 200

// Config controls partitioning.
type Config struct {
	Budget int `yaml:"budget" env:"DIGEST_BATCH_BUDGET"`
}

// SourceLookup resolves source metadata by ID. *sources.Registry satisfies it.
type SourceLookup interface {
	Get(id string) (sources.Source, bool)
}

// Row is one article line in a batch file.
type Row struct {
	SourceID       string
	Title          string
	URL            string
	PublishedAt    string
	Summary        string
	AlsoReportedBy string
	UpdateOf       string
}

// Fields returns the row in column order.
func (r Row) Fields() []string {
	return []string{r.SourceID, r.Title, r.URL, r.PublishedAt, r.Summary, r.AlsoReportedBy, r.UpdateOf}
}

// Header is the article file header, matching Row.Fields.
var Header = []string{"source_id", "title", "url", "published_at", "summary", "also_reported_by", "update_of"}

// SourceHeader is the source metadata file header.
var SourceHeader = []string{"id", "name", "bias", "perspective"}

// Batch is one curator input unit.
type Batch struct {
	Index    int // 1-based
	Rows     []Row
	Sources  []sources.Source // distinct sources referenced, sorted by ID
	Estimate int
	// Oversize marks a single item that alone exceeds the budget.
	Oversize bool
}

// NewRow builds the batch row for a narrative.
func NewRow(n dedup.Narrative) Row {
	r := Row{
		SourceID:       n.SourceID,
		Title:          n.Title,
		URL:            n.URL,
		Summary:        scraper.Truncate(n.Summary, MaxSummary),
		AlsoReportedBy: strings.Join(n.AlsoReportedBy(), ";"),
	}
	if !n.PublishedAt.IsZero() {
		r.PublishedAt = n.PublishedAt.UTC().Format(time.RFC3339)
	}
	if n.UpdateOf != nil {
		r.UpdateOf = n.UpdateOf.Headline
	}
	return r
}

// Estimate approximates the token cost of a record: one unit per three
// characters of its comma-joined fields.
func Estimate(fields []string) int {
	return utf8.RuneCountInString(strings.Join(fields, ",")) / 3
}

func sourceFields(s sources.Source) []string {
	return []string{s.ID, s.Name, s.Bias, s.Perspective}
}

// Partition orders narratives by source, publication time and URL, with
// undated narratives after dated ones as in dedup ordering, then packs them into batches whose estimate stays within budget. Each batch
// pays once for the metadata of every source it references. An item is
// never split; one that cannot fit even alone gets a batch to itself.
func Partition(narratives []dedup.Narrative, lookup SourceLookup, budget int) []Batch {
	if budget <= 0 {
		budget = DefaultBudget
	}

	items := append([]dedup.Narrative(nil), narratives...)
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		if az, bz := a.PublishedAt.IsZero(), b.PublishedAt.IsZero(); az != bz {
			return bz
		}
		if !a.PublishedAt.Equal(b.PublishedAt) {
			return a.PublishedAt.Before(b.PublishedAt)
		}
		return a.URL < b.URL
	})

	var (
		out []Batch
		cur *builder
	)
	flush := func() {
		if cur != nil && len(cur.rows) > 0 {
			out = append(out, cur.build(len(out)+1))
		}
		cur = nil
	}

	for _, n := range items {
		row := NewRow(n)
		ids := n.Sources
		if len(ids) == 0 {
			ids = []string{n.SourceID}
		}

		alone := newBuilder(lookup).cost(row, ids)
		if alone > budget {
			flush()
			b := newBuilder(lookup)
			b.add(row, ids)
			batch := b.build(len(out) + 1)
			batch.Oversize = true
			out = append(out, batch)
			continue
		}

		if cur == nil {
			cur = newBuilder(lookup)
		}
		if len(cur.rows) > 0 && cur.estimate+cur.cost(row, ids) > budget {
			flush()
			cur = newBuilder(lookup)
		}
		cur.add(row, ids)
	}
	flush()
	return out
}

type builder struct {
	lookup   SourceLookup
	rows     []Row
	sources  map[string]sources.Source
	estimate int
}

func newBuilder(lookup SourceLookup) *builder {
	return &builder{lookup: lookup, sources: make(map[string]sources.Source)}
}

func (b *builder) resolve(id string) sources.Source {
	if b.lookup != nil {
		if s, ok := b.lookup.Get(id); ok {
			return s
		}
	}
	return sources.Source{ID: id}
}

// cost is what adding row would add to the batch estimate.
func (b *builder) cost(row Row, ids []string) int {
	c := Estimate(row.Fields())
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := b.sources[id]; ok || seen[id] {
			continue
		}
		seen[id] = true
		c += Estimate(sourceFields(b.resolve(id)))
	}
	return c
}

func (b *builder) add(row Row, ids []string) {
	b.estimate += b.cost(row, ids)
	b.rows = append(b.rows, row)
	for _, id := range ids {
		if _, ok := b.sources[id]; !ok {
			b.sources[id] = b.resolve(id)
		}
	}
}

func (b *builder) build(index int) Batch {
	srcs := make([]sources.Source, 0, len(b.sources))
	for _, s := range b.sources {
		srcs = append(srcs, s)
	}
	sort.Slice(srcs, func(i, j int) bool { return srcs[i].ID < srcs[j].ID })
	return Batch{Index: index, Rows: b.rows, Sources: srcs, Estimate: b.estimate}
}
