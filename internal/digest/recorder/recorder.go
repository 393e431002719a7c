// Package recorder persists a finished run: the headlines the curator chose
// and the run's statistics.
package recorder

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/RobinCoderZhao/news-digest/internal/digest/curator"
	"github.com/RobinCoderZhao/news-digest/internal/digest/store"
)

// DefaultCluster names below-fold selections that arrive without one.
const DefaultCluster = "general"

// Recorder writes runs through a store.Repository.
type Recorder struct {
	repo   store.Repository
	logger *slog.Logger
}

// New returns a Recorder over repo.
func New(repo store.Repository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{repo: repo, logger: logger}
}

// Headlines converts selections into the rows to persist, ordered by tier,
// then below-fold cluster, then the curator's own order. Empty and repeated
// headlines are dropped; the first occurrence wins.
func Headlines(items []curator.Selection, shownAt time.Time) []store.ShownHeadline {
	type ranked struct {
		store.ShownHeadline
		pos int
	}

	seen := make(map[string]bool, len(items))
	rows := make([]ranked, 0, len(items))
	for i, s := range items {
		headline := strings.Join(strings.Fields(s.Headline), " ")
		key := strings.ToLower(headline)
		if headline == "" || seen[key] || !s.Tier.Valid() {
			continue
		}
		seen[key] = true

		h := store.ShownHeadline{Headline: headline, Tier: s.Tier, ShownAt: shownAt}
		if s.Tier == store.TierBelowFold {
			h.Cluster = s.Cluster
			if h.Cluster == "" {
				h.Cluster = DefaultCluster
			}
		}
		rows = append(rows, ranked{ShownHeadline: h, pos: i})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Tier.Rank() != b.Tier.Rank() {
			return a.Tier.Rank() < b.Tier.Rank()
		}
		if a.Cluster != b.Cluster {
			return a.Cluster < b.Cluster
		}
		return a.pos < b.pos
	})

	out := make([]store.ShownHeadline, len(rows))
	for i, r := range rows {
		out[i] = r.ShownHeadline
	}
	return out
}

// Record stores run together with the curator's selections in one
// transaction. NarrativesPresented is set from the selections. A nil result
// records the run with no headlines, which is what a short-circuited run does.
func (r *Recorder) Record(ctx context.Context, run store.DigestRun, res *curator.Result) ([]store.ShownHeadline, error) {
	var shown []store.ShownHeadline
	if res != nil {
		shown = Headlines(res.Items, run.RunAt)
	}
	run.NarrativesPresented = len(shown)

	if err := r.repo.RecordRun(ctx, run, shown); err != nil {
		var perr *store.PersistenceError
		if !errors.As(err, &perr) && !errors.Is(err, store.ErrRunExists) {
			err = &store.PersistenceError{Op: "record run", Err: err}
		}
		r.logger.Error("failed to record run", "run_id", run.RunID, "error", err)
		return nil, err
	}

	r.logger.Info("recorded run",
		"run_id", run.RunID,
		"run_at", run.RunAt.Format(time.RFC3339),
		"articles_fetched", run.ArticlesFetched,
		"narratives_presented", run.NarrativesPresented,
		"partial", run.Partial,
	)
	return shown, nil
}
