// Package pipeline runs one digest cycle: fetch, deduplicate, batch, hand
// off to the curator and record what was shown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/RobinCoderZhao/news-digest/internal/digest/batch"
	"github.com/RobinCoderZhao/news-digest/internal/digest/curator"
	"github.com/RobinCoderZhao/news-digest/internal/digest/dedup"
	"github.com/RobinCoderZhao/news-digest/internal/digest/fetcher"
	"github.com/RobinCoderZhao/news-digest/internal/digest/recorder"
	"github.com/RobinCoderZhao/news-digest/internal/digest/sources"
	"github.com/RobinCoderZhao/news-digest/internal/digest/store"
	"github.com/RobinCoderZhao/news-digest/pkg/notify"
)

// Config holds the per-run knobs.
type Config struct {
	OutputDir   string
	DedupWindow time.Duration
	RunDeadline time.Duration
	Budget      int
	DryRun      bool
}

// DefaultConfig returns a 7 day dedup window and a 2 minute fetch deadline.
func DefaultConfig() Config {
	return Config{
		OutputDir:   "data/curator_input",
		DedupWindow: 7 * 24 * time.Hour,
		RunDeadline: 2 * time.Minute,
		Budget:      batch.DefaultBudget,
	}
}

// Skip reasons recorded in Report.Skipped.
const (
	SkipNoSources    = "no sources fetched"
	SkipNoArticles   = "no articles"
	SkipNoNarratives = "no new narratives"
)

// Report summarises a finished run.
type Report struct {
	RunID      string
	RunAt      time.Time
	Since      time.Time // earliest fetch cutoff across sources
	Outcomes   []fetcher.Outcome
	Fetched    int
	Partial    bool
	Discards   map[dedup.Reason]int
	Narratives int
	Updates    int
	Manifest   *batch.Manifest
	Selections *curator.Result
	Recorded   []store.ShownHeadline
	Skipped    string // non-empty when the curator was not invoked
	DryRun     bool
	Duration   time.Duration
}

// SourcesFailed counts sources that produced no articles because of an error.
func (r *Report) SourcesFailed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status != store.HealthOK {
			n++
		}
	}
	return n
}

// Pipeline wires the stages together.
type Pipeline struct {
	cfg      Config
	registry *sources.Registry
	store    store.Store
	fetcher  *fetcher.Fetcher
	engine   *dedup.Engine
	writer   *batch.Writer
	curator  curator.Curator
	recorder *recorder.Recorder
	alerts   notify.Sender
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithFetcher replaces the default fetcher.
func WithFetcher(f *fetcher.Fetcher) Option {
	return func(p *Pipeline) { p.fetcher = f }
}

// WithEngine replaces the default dedup engine.
func WithEngine(e *dedup.Engine) Option {
	return func(p *Pipeline) { p.engine = e }
}

// WithAlerts sends fatal run errors to s.
func WithAlerts(s notify.Sender) Option {
	return func(p *Pipeline) { p.alerts = s }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithRunID sets the run ID generator.
func WithRunID(gen func() string) Option {
	return func(p *Pipeline) { p.newID = gen }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New builds a pipeline over the given registry, store and curator.
func New(cfg Config, reg *sources.Registry, st store.Store, cur curator.Curator, opts ...Option) (*Pipeline, error) {
	if reg == nil || st == nil || cur == nil {
		return nil, errors.New("pipeline: registry, store and curator are required")
	}
	d := DefaultConfig()
	if cfg.OutputDir == "" {
		cfg.OutputDir = d.OutputDir
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = d.DedupWindow
	}
	if cfg.RunDeadline <= 0 {
		cfg.RunDeadline = d.RunDeadline
	}
	if cfg.Budget <= 0 {
		cfg.Budget = d.Budget
	}

	p := &Pipeline{
		cfg:      cfg,
		registry: reg,
		store:    st,
		curator:  cur,
		now:      time.Now,
		newID:    uuid.NewString,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.fetcher == nil {
		p.fetcher = fetcher.New(fetcher.Config{}, fetcher.WithLogger(p.logger))
	}
	if p.engine == nil {
		e, err := dedup.New(dedup.Config{}, dedup.WithLogger(p.logger))
		if err != nil {
			return nil, err
		}
		p.engine = e
	}
	p.writer = batch.NewWriter(cfg.OutputDir, p.logger)
	p.recorder = recorder.New(st, p.logger)
	return p, nil
}

// Run executes one cycle. Per-source fetch failures are reported, not
// returned. A curator failure or a history store failure aborts the run;
// in both cases nothing is recorded.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	rep := &Report{
		RunID:  p.newID(),
		RunAt:  p.now().UTC().Truncate(time.Second),
		DryRun: p.cfg.DryRun,
	}
	log := p.logger.With("run_id", rep.RunID)
	log.Info("starting digest run", "run_at", rep.RunAt.Format(time.RFC3339), "dry_run", rep.DryRun)

	err := p.run(ctx, rep, log)
	rep.Duration = time.Since(start)
	if err != nil {
		log.Error("digest run failed", "error", err, "duration", rep.Duration)
		p.alert(ctx, rep, err, log)
		return rep, err
	}

	log.Info("digest run complete",
		"fetched", rep.Fetched,
		"narratives", rep.Narratives,
		"recorded", len(rep.Recorded),
		"skipped", rep.Skipped,
		"partial", rep.Partial,
		"duration", rep.Duration,
	)
	return rep, nil
}

func (p *Pipeline) run(ctx context.Context, rep *Report, log *slog.Logger) error {
	cutoffs, err := p.cutoffs(ctx, rep.RunAt)
	if err != nil {
		return err
	}
	rep.Since = cutoffs.Default
	for i, src := range p.registry.All() {
		if c := cutoffs.For(src.ID); i == 0 || c.Before(rep.Since) {
			rep.Since = c
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.RunDeadline)
	fetched := p.fetcher.FetchEach(fetchCtx, p.registry.All(), cutoffs)
	cancel()

	rep.Outcomes = fetched.Outcomes
	rep.Fetched = len(fetched.Articles)
	rep.Partial = fetched.Partial

	run := store.DigestRun{
		RunID:           rep.RunID,
		RunAt:           rep.RunAt,
		ArticlesFetched: rep.Fetched,
		SourcesFailed:   rep.SourcesFailed(),
		Partial:         rep.Partial,
	}

	if !p.cfg.DryRun {
		if err := p.store.RecordSourceHealth(ctx, fetched.Health(rep.RunAt)); err != nil {
			log.Warn("failed to record source health", "error", err)
		}
	}

	switch {
	case fetched.Succeeded() == 0:
		return p.skip(ctx, rep, run, SkipNoSources, log)
	case rep.Fetched == 0:
		return p.skip(ctx, rep, run, SkipNoArticles, log)
	}

	window := store.NewWindow(rep.RunAt, p.cfg.DedupWindow)
	deduped, history, err := p.engine.DeduplicateWindow(ctx, p.store, window, fetched.Articles)
	if err != nil {
		return asPersistence("read history", err)
	}
	rep.Discards = deduped.Counts()
	rep.Narratives = len(deduped.Narratives)
	rep.Updates = len(deduped.Updates())
	log.Info("deduplicated articles",
		"articles", rep.Fetched,
		"narratives", rep.Narratives,
		"updates", rep.Updates,
		"history", len(history),
		"discards", rep.Discards,
	)
	if rep.Narratives == 0 {
		return p.skip(ctx, rep, run, SkipNoNarratives, log)
	}

	batches := batch.Partition(deduped.Narratives, p.registry, p.cfg.Budget)
	manifest, err := p.writer.Write(rep.RunID, p.cfg.Budget, batches, history)
	if err != nil {
		return fmt.Errorf("write batches: %w", err)
	}
	rep.Manifest = manifest

	selections, err := p.curator.Curate(ctx, curator.Request{
		RunID:     rep.RunID,
		Dir:       p.writer.Dir(),
		Batches:   batches,
		Manifest:  manifest,
		Blocklist: history,
	})
	if err != nil {
		return fmt.Errorf("curator: %w", err)
	}
	rep.Selections = selections
	log.Info("curator finished", "selections", len(selections.Items))

	if p.cfg.DryRun {
		log.Info("dry run, not recording", "would_record", len(recorder.Headlines(selections.Items, rep.RunAt)))
		return nil
	}
	rep.Recorded, err = p.recorder.Record(ctx, run, selections)
	return err
}

// cutoffs gives each source the time of the last recorded run that fetched
// it successfully. Sources that failed, were abandoned, or belong to a run
// that was never recorded keep their older cutoff. Nothing looks back further
// than one dedup window.
func (p *Pipeline) cutoffs(ctx context.Context, runAt time.Time) (fetcher.Cutoffs, error) {
	floor := runAt.Add(-p.cfg.DedupWindow)
	last, err := p.store.LastFetched(ctx)
	if err != nil {
		return fetcher.Cutoffs{}, asPersistence("read last fetched", err)
	}
	c := fetcher.Cutoffs{Default: floor, PerSource: make(map[string]time.Time, len(last))}
	for id, at := range last {
		if at.After(floor) && at.Before(runAt) {
			c.PerSource[id] = at
		}
	}
	return c, nil
}

// skip records a run that never reached the curator.
func (p *Pipeline) skip(ctx context.Context, rep *Report, run store.DigestRun, reason string, log *slog.Logger) error {
	rep.Skipped = reason
	log.Warn("skipping curator", "reason", reason)
	if p.cfg.DryRun {
		return nil
	}
	_, err := p.recorder.Record(ctx, run, nil)
	return err
}

func (p *Pipeline) alert(ctx context.Context, rep *Report, runErr error, log *slog.Logger) {
	if p.alerts == nil {
		return
	}
	msg := notify.Message{
		Title: "news digest run failed",
		Body:  runErr.Error(),
		Level: notify.LevelError,
		Fields: map[string]string{
			"run_id": rep.RunID,
			"run_at": rep.RunAt.Format(time.RFC3339),
		},
	}
	// The run context may already be done; the alert gets its own budget.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := p.alerts.Send(actx, msg); err != nil {
		log.Warn("failed to send alert", "error", err)
	}
}

func asPersistence(op string, err error) error {
	var perr *store.PersistenceError
	if errors.As(err, &perr) {
		return err
	}
	return &store.PersistenceError{Op: op, Err: err}
}
