// Package dedup folds, clusters and history-filters a run's articles into
// narratives.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/RobinCoderZhao/news-digest/internal/digest/sources"
	"github.com/RobinCoderZhao/news-digest/internal/digest/store"
)

// Reason explains why an article was dropped.
type Reason string

const (
	ReasonExactDuplicate  Reason = "exact_duplicate"
	ReasonCrossSource     Reason = "cross_source_duplicate"
	ReasonPreviouslyShown Reason = "previously_shown"
)

// Config holds the tunable parts of the engine.
type Config struct {
	Threshold float64 `yaml:"threshold" env:"DIGEST_SIMILARITY_THRESHOLD"`
	Metric    string  `yaml:"metric" env:"DIGEST_SIMILARITY_METRIC"`
}

// DefaultThreshold is the similarity at or above which two headlines are
// the same story.
const DefaultThreshold = 0.85

// Narrative is one or more articles about the same event.
type Narrative struct {
	Title       string
	URL         string
	Summary     string
	SourceID    string // source of the representative article
	PublishedAt time.Time
	Articles    []sources.Article // representative first
	Sources     []string          // every attributed source, representative first
	Fingerprint Fingerprint

	// UpdateOf is set when the narrative matches a shown headline but
	// reports a major development.
	UpdateOf    *store.ShownHeadline
	Development string
}

// AlsoReportedBy lists the attributed sources other than the representative's.
func (n *Narrative) AlsoReportedBy() []string {
	if len(n.Sources) <= 1 {
		return nil
	}
	return n.Sources[1:]
}

// Discard is an article removed by the engine.
type Discard struct {
	Article     sources.Article
	Reason      Reason
	DuplicateOf string // URL of the kept article, or the shown headline
	Score       float64
}

// Result is the engine output.
type Result struct {
	Narratives []Narrative
	Discards   []Discard
}

// Counts tallies discards by reason.
func (r *Result) Counts() map[Reason]int {
	out := make(map[Reason]int, 3)
	for _, d := range r.Discards {
		out[d.Reason]++
	}
	return out
}

// Updates returns the narratives tagged as developments of shown headlines.
func (r *Result) Updates() []Narrative {
	var out []Narrative
	for _, n := range r.Narratives {
		if n.UpdateOf != nil {
			out = append(out, n)
		}
	}
	return out
}

// Engine is the deduplication engine.
type Engine struct {
	threshold float64
	metric    Metric
	detector  DevelopmentDetector
	logger    *slog.Logger
}

// Option customises an Engine.
type Option func(*Engine)

// WithMetric overrides the similarity metric.
func WithMetric(m Metric) Option {
	return func(e *Engine) { e.metric = m }
}

// WithDetector overrides the major-development detector.
func WithDetector(d DevelopmentDetector) Option {
	return func(e *Engine) { e.detector = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New builds an engine from cfg. Options are applied after cfg.
func New(cfg Config, opts ...Option) (*Engine, error) {
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("similarity threshold %.2f outside [0, 1]", threshold)
	}
	metric, err := MetricByName(cfg.Metric)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		threshold: threshold,
		metric:    metric,
		detector:  SignalDetector{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Threshold returns the configured similarity threshold.
func (e *Engine) Threshold() float64 { return e.threshold }

// DeduplicateWindow reads the history window from repo and deduplicates
// articles against it.
func (e *Engine) DeduplicateWindow(ctx context.Context, repo store.Repository, w store.Window, articles []sources.Article) (*Result, []store.ShownHeadline, error) {
	history, err := repo.HeadlinesWithin(ctx, w)
	if err != nil {
		return nil, nil, err
	}
	return e.Deduplicate(articles, history), history, nil
}

// group is a set of articles folded on URL, before clustering.
type group struct {
	articles []sources.Article // earliest first
	fp       Fingerprint
}

func (g *group) rep() sources.Article { return g.articles[0] }

// Deduplicate applies exact-URL folding, cross-source clustering and the
// history comparison, in that order. The result depends only on the
// contents of articles and history, not on their order.
func (e *Engine) Deduplicate(articles []sources.Article, history []store.ShownHeadline) *Result {
	res := &Result{}

	sorted := append([]sources.Article(nil), articles...)
	sort.SliceStable(sorted, func(i, j int) bool { return articleLess(sorted[i], sorted[j]) })

	groups := e.foldURLs(sorted, res)
	clusters := e.cluster(groups, res)

	hist := make([]Fingerprint, len(history))
	for i, h := range history {
		hist[i] = NewFingerprint(h.Headline)
	}

	for _, members := range clusters {
		n := buildNarrative(members)
		if match, score, ok := e.bestMatch(members, history, hist); ok {
			reason, major := e.detector.Detect(&n, match)
			if !major {
				res.Discards = append(res.Discards, Discard{
					Article:     members[0].rep(),
					Reason:      ReasonPreviouslyShown,
					DuplicateOf: match.Headline,
					Score:       score,
				})
				e.logger.Debug("suppressed previously shown narrative",
					"title", n.Title, "matched", match.Headline, "score", score)
				continue
			}
			matched := match
			n.UpdateOf = &matched
			n.Development = reason
			e.logger.Debug("kept narrative as update",
				"title", n.Title, "update_of", match.Headline, "score", score, "reason", reason)
		}
		res.Narratives = append(res.Narratives, n)
	}
	return res
}

// foldURLs merges articles whose canonical URL is identical, keeping the
// earliest. Input must already be sorted with articleLess.
func (e *Engine) foldURLs(sorted []sources.Article, res *Result) []*group {
	var groups []*group
	byURL := make(map[string]*group, len(sorted))
	for _, a := range sorted {
		key := CanonicalURL(a.URL)
		if g, ok := byURL[key]; ok {
			g.articles = append(g.articles, a)
			res.Discards = append(res.Discards, Discard{
				Article:     a,
				Reason:      ReasonExactDuplicate,
				DuplicateOf: g.rep().URL,
				Score:       1,
			})
			continue
		}
		g := &group{articles: []sources.Article{a}, fp: NewFingerprint(a.Title)}
		byURL[key] = g
		groups = append(groups, g)
	}
	return groups
}

type link struct {
	i, j  int
	score float64
}

// cluster unions groups from different sources whose titles meet the
// threshold. Links are applied strongest first, and a link that would put
// two stories from the same source into one cluster is skipped, so a chain
// A(s1)~B(s2)~C(s1) cannot fold A and C together. Clusters come back ordered
// by their earliest member.
func (e *Engine) cluster(groups []*group, res *Result) [][]*group {
	var links []link
	for i := 0; i < len(groups); i++ {
		for j := i + 1; j < len(groups); j++ {
			if groups[i].rep().SourceID == groups[j].rep().SourceID {
				continue
			}
			if score := e.metric(groups[i].fp, groups[j].fp); score >= e.threshold {
				links = append(links, link{i, j, score})
			}
		}
	}
	sort.SliceStable(links, func(a, b int) bool { return links[a].score > links[b].score })

	uf := newUnionFind(len(groups))
	for i, g := range groups {
		uf.sources[i] = make(map[string]bool, len(g.articles))
		for _, a := range g.articles {
			uf.sources[i][a.SourceID] = true
		}
	}
	for _, l := range links {
		if !uf.union(l.i, l.j) {
			e.logger.Debug("kept same-source stories apart",
				"a", groups[l.i].rep().URL, "b", groups[l.j].rep().URL, "score", l.score)
		}
	}

	index := make(map[int]int)
	var clusters [][]*group
	for i, g := range groups {
		root := uf.find(i)
		ci, ok := index[root]
		if !ok {
			ci = len(clusters)
			index[root] = ci
			clusters = append(clusters, nil)
		}
		clusters[ci] = append(clusters[ci], g)
	}

	for _, members := range clusters {
		rep := members[0]
		for _, g := range members[1:] {
			res.Discards = append(res.Discards, Discard{
				Article:     g.rep(),
				Reason:      ReasonCrossSource,
				DuplicateOf: rep.rep().URL,
				Score:       e.metric(rep.fp, g.fp),
			})
		}
	}
	return clusters
}

// bestMatch finds the most similar shown headline at or above the
// threshold. Equal scores prefer the most recently shown.
func (e *Engine) bestMatch(members []*group, history []store.ShownHeadline, hist []Fingerprint) (store.ShownHeadline, float64, bool) {
	bestIdx, bestScore := -1, 0.0
	for hi, hfp := range hist {
		score := 0.0
		for _, g := range members {
			score = max(score, e.metric(g.fp, hfp))
		}
		if score < e.threshold {
			continue
		}
		if bestIdx < 0 || score > bestScore ||
			(score == bestScore && history[hi].ShownAt.After(history[bestIdx].ShownAt)) {
			bestIdx, bestScore = hi, score
		}
	}
	if bestIdx < 0 {
		return store.ShownHeadline{}, 0, false
	}
	return history[bestIdx], bestScore, true
}

func buildNarrative(members []*group) Narrative {
	rep := members[0].rep()
	n := Narrative{
		Title:       rep.Title,
		URL:         rep.URL,
		Summary:     rep.Summary,
		SourceID:    rep.SourceID,
		PublishedAt: rep.PublishedAt,
		Fingerprint: members[0].fp,
	}

	seen := map[string]bool{rep.SourceID: true}
	var others []string
	for _, g := range members {
		for _, a := range g.articles {
			n.Articles = append(n.Articles, a)
			if n.Summary == "" && a.Summary != "" {
				n.Summary = a.Summary
			}
			if !a.PublishedAt.IsZero() && (n.PublishedAt.IsZero() || a.PublishedAt.Before(n.PublishedAt)) {
				n.PublishedAt = a.PublishedAt
			}
			if !seen[a.SourceID] {
				seen[a.SourceID] = true
				others = append(others, a.SourceID)
			}
		}
	}
	sort.Strings(others)
	n.Sources = append([]string{rep.SourceID}, others...)
	return n
}

// articleLess orders by publication time (undated last), then source, then URL.
func articleLess(a, b sources.Article) bool {
	az, bz := a.PublishedAt.IsZero(), b.PublishedAt.IsZero()
	if az != bz {
		return bz
	}
	if !a.PublishedAt.Equal(b.PublishedAt) {
		return a.PublishedAt.Before(b.PublishedAt)
	}
	if a.SourceID != b.SourceID {
		return a.SourceID < b.SourceID
	}
	if a.URL != b.URL {
		return a.URL < b.URL
	}
	return a.Title < b.Title
}

// CanonicalURL normalises a URL for exact-match folding: scheme and host
// lower-cased, fragment and utm_* tracking parameters dropped, trailing
// slash trimmed.
func CanonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	if u.RawQuery != "" {
		q := u.Query()
		for k := range q {
			if strings.HasPrefix(strings.ToLower(k), "utm_") {
				q.Del(k)
			}
		}
		u.RawQuery = q.Encode()
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = ""
	return u.String()
}

type unionFind struct {
	parent  []int
	sources []map[string]bool // per root
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p, sources: make([]map[string]bool, n)}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

// union joins the sets of a and b unless they share a source, reporting
// whether a and b now share a set. The smaller index stays root so cluster
// order is stable.
func (u *unionFind) union(a, b int) bool {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return true
	}
	for src := range u.sources[rb] {
		if u.sources[ra][src] {
			return false
		}
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	for src := range u.sources[rb] {
		u.sources[ra][src] = true
	}
	u.sources[rb] = nil
	return true
}
