// Package fetcher retrieves and parses every configured feed concurrently,
// isolating per-source failures behind a bounded retry policy.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/RobinCoderZhao/news-digest/internal/digest/sources"
	"github.com/RobinCoderZhao/news-digest/internal/digest/store"
	"github.com/RobinCoderZhao/news-digest/pkg/retry"
	"github.com/RobinCoderZhao/news-digest/pkg/scraper"
)

const defaultUserAgent = "NewsDigest/1.0 (+https://github.com/RobinCoderZhao/news-digest)"

// Config controls concurrency, retries and limits for a fetch pass.
type Config struct {
	Workers        int           `yaml:"workers" env:"DIGEST_FETCH_WORKERS"`
	PerHost        int           `yaml:"per_host" env:"DIGEST_FETCH_PER_HOST"`
	Attempts       int           `yaml:"attempts" env:"DIGEST_FETCH_ATTEMPTS"`
	Backoff        time.Duration `yaml:"backoff" env:"DIGEST_FETCH_BACKOFF"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" env:"DIGEST_FETCH_ATTEMPT_TIMEOUT"`
	UserAgent      string        `yaml:"user_agent" env:"DIGEST_FETCH_USER_AGENT"`
	MaxSummary     int           `yaml:"max_summary"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
}

// DefaultConfig mirrors the production settings: 10 workers, 2 per host,
// 3 attempts backing off 1s, 2s, 4s, 15s per attempt.
func DefaultConfig() Config {
	return Config{
		Workers:        10,
		PerHost:        2,
		Attempts:       3,
		Backoff:        time.Second,
		AttemptTimeout: 15 * time.Second,
		UserAgent:      defaultUserAgent,
		MaxSummary:     500,
		MaxBodyBytes:   10 << 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.PerHost <= 0 {
		c.PerHost = d.PerHost
	}
	if c.Attempts <= 0 {
		c.Attempts = d.Attempts
	}
	if c.Backoff <= 0 {
		c.Backoff = d.Backoff
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if c.MaxSummary <= 0 {
		c.MaxSummary = d.MaxSummary
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	return c
}

// Outcome records what happened to one source during a fetch pass.
type Outcome struct {
	SourceID string
	Status   string // store.HealthOK, HealthFailed or HealthAbandoned
	Kind     Kind   // empty on success
	Attempts int
	Articles int
	Rejected int // malformed entries quarantined
	Filtered int // entries published before the cutoff
	Duration time.Duration
	Err      error
}

// Result is the union of every successful source plus one outcome per source.
type Result struct {
	Articles []sources.Article
	Outcomes []Outcome
	Partial  bool // the run deadline abandoned at least one source
}

// Failed returns the outcomes that produced no articles because of an error.
func (r *Result) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status != store.HealthOK {
			out = append(out, o)
		}
	}
	return out
}

// Succeeded counts sources fetched without error.
func (r *Result) Succeeded() int {
	return len(r.Outcomes) - len(r.Failed())
}

// Health converts outcomes into store rows stamped with runAt.
func (r *Result) Health(runAt time.Time) []store.SourceHealth {
	rows := make([]store.SourceHealth, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		rows = append(rows, store.SourceHealth{
			SourceID:  o.SourceID,
			RunAt:     runAt,
			Status:    o.Status,
			ErrorKind: string(o.Kind),
			Attempts:  o.Attempts,
			Articles:  o.Articles,
		})
	}
	return rows
}

// Fetcher pulls feeds over HTTP.
type Fetcher struct {
	cfg    Config
	client *http.Client
	sleep  retry.SleepFunc
	logger *slog.Logger
}

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(s retry.SleepFunc) Option {
	return func(f *Fetcher) { f.sleep = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// New creates a Fetcher.
func New(cfg Config, opts ...Option) *Fetcher {
	f := &Fetcher{
		cfg:    cfg.withDefaults(),
		client: &http.Client{},
		sleep:  retry.Sleep,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Cutoffs maps a source ID to the publish time its articles must be newer
// than. Sources without an entry use Default. A zero time disables the cutoff.
type Cutoffs struct {
	Default   time.Time
	PerSource map[string]time.Time
}

// For returns the cutoff for one source.
func (c Cutoffs) For(sourceID string) time.Time {
	if t, ok := c.PerSource[sourceID]; ok {
		return t
	}
	return c.Default
}

// FetchAll fetches every source and returns articles published after since
// (undated articles are kept). A zero since disables the cutoff. When ctx
// ends, sources still pending are abandoned and the result is marked partial.
func (f *Fetcher) FetchAll(ctx context.Context, srcs []sources.Source, since time.Time) *Result {
	return f.FetchEach(ctx, srcs, Cutoffs{Default: since})
}

// FetchEach is FetchAll with a cutoff per source.
func (f *Fetcher) FetchEach(ctx context.Context, srcs []sources.Source, cutoffs Cutoffs) *Result {
	res := &Result{Outcomes: make([]Outcome, len(srcs))}
	if len(srcs) == 0 {
		return res
	}

	workers := min(len(srcs), f.cfg.Workers)
	hostSlots := make(map[string]chan struct{})
	for _, s := range srcs {
		if _, ok := hostSlots[s.Host()]; !ok {
			hostSlots[s.Host()] = make(chan struct{}, f.cfg.PerHost)
		}
	}

	perSource := make([][]sources.Article, len(srcs))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				perSource[i], res.Outcomes[i] = f.fetchSource(ctx, srcs[i], cutoffs.For(srcs[i].ID), hostSlots[srcs[i].Host()])
			}
		}()
	}
	for i := range srcs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for i, o := range res.Outcomes {
		if o.Status == store.HealthAbandoned {
			res.Partial = true
		}
		res.Articles = append(res.Articles, perSource[i]...)
	}

	f.logger.Info("fetch complete",
		"sources", len(srcs),
		"succeeded", res.Succeeded(),
		"failed", len(res.Failed()),
		"articles", len(res.Articles),
		"partial", res.Partial,
	)
	return res
}

func (f *Fetcher) fetchSource(ctx context.Context, src sources.Source, since time.Time, slot chan struct{}) ([]sources.Article, Outcome) {
	start := time.Now()
	out := Outcome{SourceID: src.ID}

	select {
	case slot <- struct{}{}:
		defer func() { <-slot }()
	case <-ctx.Done():
		out.Status, out.Kind, out.Err = store.HealthAbandoned, KindCanceled, ctx.Err()
		f.logger.Warn("fetch abandoned before start", "source", src.ID)
		return nil, out
	}

	policy := retry.Policy{
		MaxAttempts: f.cfg.Attempts,
		BaseDelay:   f.cfg.Backoff,
		Sleep:       f.sleep,
		Retryable:   isTransient,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			f.logger.Warn("feed fetch failed, retrying",
				"source", src.ID, "attempt", attempt, "delay", delay, "error", err)
		},
	}

	var feed *gofeed.Feed
	attempts, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		parsed, err := f.fetchOnce(ctx, src)
		if err != nil {
			return err
		}
		feed = parsed
		return nil
	})
	out.Attempts = attempts
	out.Duration = time.Since(start)

	if err != nil {
		out.Err = err
		out.Status = store.HealthFailed
		var fe *FetchError
		switch {
		case errors.As(err, &fe):
			fe.Attempts = attempts
			out.Kind = fe.Kind
		case ctx.Err() != nil:
			out.Kind = KindCanceled
		default:
			out.Kind = KindNetwork
		}
		if out.Kind == KindCanceled || ctx.Err() != nil {
			out.Status = store.HealthAbandoned
			out.Kind = KindCanceled
		}
		f.logger.Warn("feed fetch failed",
			"source", src.ID, "kind", out.Kind, "attempts", attempts, "error", err)
		return nil, out
	}

	articles, rejected, filtered := f.convert(src, feed, since)
	out.Status = store.HealthOK
	out.Articles = len(articles)
	out.Rejected = rejected
	out.Filtered = filtered
	f.logger.Debug("fetched feed",
		"source", src.ID, "articles", len(articles), "rejected", rejected,
		"filtered", filtered, "attempts", attempts, "duration", out.Duration)
	return articles, out
}

// fetchOnce performs a single GET + parse under the per-attempt timeout.
func (f *Fetcher) fetchOnce(parent context.Context, src sources.Source) (*gofeed.Feed, error) {
	ctx, cancel := context.WithTimeout(parent, f.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.FeedURL, nil)
	if err != nil {
		return nil, &FetchError{SourceID: src.ID, Kind: KindClient, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{SourceID: src.ID, Kind: classifyTransport(parent, err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &FetchError{
			SourceID:   src.ID,
			Kind:       classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return nil, &FetchError{SourceID: src.ID, Kind: classifyTransport(parent, err), Err: fmt.Errorf("read body: %w", err)}
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &FetchError{SourceID: src.ID, Kind: KindParse, Err: err}
	}
	return feed, nil
}

// convert validates feed items, drops repeats and entries older than since.
func (f *Fetcher) convert(src sources.Source, feed *gofeed.Feed, since time.Time) (articles []sources.Article, rejected, filtered int) {
	base, _ := url.Parse(src.FeedURL)
	seen := make(map[string]bool, len(feed.Items))

	for _, item := range feed.Items {
		if item == nil {
			rejected++
			continue
		}
		a := sources.Article{
			SourceID:    src.ID,
			Title:       scraper.ExtractText(item.Title),
			URL:         resolveLink(base, itemLink(item)),
			PublishedAt: itemTime(item),
			Summary:     scraper.Truncate(scraper.ExtractText(firstNonEmpty(item.Description, item.Content)), f.cfg.MaxSummary),
		}
		if err := a.Validate(); err != nil {
			rejected++
			f.logger.Debug("quarantined feed item", "source", src.ID, "error", err)
			continue
		}
		if seen[a.URL] {
			continue
		}
		seen[a.URL] = true

		if !since.IsZero() && !a.PublishedAt.IsZero() && !a.PublishedAt.After(since) {
			filtered++
			continue
		}
		articles = append(articles, a)
	}
	return articles, rejected, filtered
}

func itemLink(item *gofeed.Item) string {
	if link := strings.TrimSpace(item.Link); link != "" {
		return link
	}
	for _, l := range item.Links {
		if l = strings.TrimSpace(l); l != "" {
			return l
		}
	}
	if strings.HasPrefix(item.GUID, "http") {
		return item.GUID
	}
	return ""
}

func itemTime(item *gofeed.Item) time.Time {
	switch {
	case item.PublishedParsed != nil:
		return item.PublishedParsed.UTC()
	case item.UpdatedParsed != nil:
		return item.UpdatedParsed.UTC()
	}
	return time.Time{}
}

func resolveLink(base *url.URL, link string) string {
	if link == "" || base == nil {
		return link
	}
	u, err := url.Parse(link)
	if err != nil || u.IsAbs() {
		return link
	}
	return base.ResolveReference(u).String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
