package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/RobinCoderZhao/news-digest/pkg/storage"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), storage.Config{
		Driver: storage.SQLite,
		DSN:    filepath.Join(t.TempDir(), "digest.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func day(d int) time.Time {
	return time.Date(2025, 1, d, 12, 0, 0, 0, time.UTC)
}

// both implementations must satisfy the same contract
func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"sqlite": openTestStore(t),
		"memory": NewMemory(),
	}
}

func TestRecordRun_AndHeadlinesWithin(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			runs := []struct {
				at    time.Time
				shown []ShownHeadline
			}{
				{day(1), []ShownHeadline{{Headline: "Old story", Tier: TierMustKnow, ShownAt: day(1)}}},
				{day(5), []ShownHeadline{
					{Headline: "Train crash kills 21", Tier: TierMustKnow, ShownAt: day(5)},
					{Headline: "Rain in Lisbon", Tier: TierBelowFold, Cluster: "europe", ShownAt: day(5)},
				}},
				{day(8), []ShownHeadline{{Headline: "Markets rally", Tier: TierShouldKnow, ShownAt: day(8)}}},
			}
			for _, r := range runs {
				run := DigestRun{RunID: r.at.Format("0102"), RunAt: r.at, ArticlesFetched: 10, NarrativesPresented: len(r.shown)}
				if err := s.RecordRun(ctx, run, r.shown); err != nil {
					t.Fatalf("record run %v: %v", r.at, err)
				}
			}

			got, err := s.HeadlinesWithin(ctx, NewWindow(day(8), 7*24*time.Hour))
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 3 {
				t.Fatalf("expected 3 headlines in window, got %d: %+v", len(got), got)
			}
			if got[0].Headline != "Markets rally" {
				t.Fatalf("expected newest first, got %q", got[0].Headline)
			}
			for _, h := range got {
				if h.Headline == "Old story" {
					t.Fatal("headline at window start must be excluded")
				}
				if h.Headline == "Rain in Lisbon" && h.Cluster != "europe" {
					t.Fatalf("cluster lost: %+v", h)
				}
				if h.Headline == "Train crash kills 21" && !h.ShownAt.Equal(day(5)) {
					t.Fatalf("shown_at round trip: got %v", h.ShownAt)
				}
			}

			last, err := s.LastRun(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if last == nil || !last.RunAt.Equal(day(8)) || last.ArticlesFetched != 10 {
				t.Fatalf("unexpected last run: %+v", last)
			}
		})
	}
}

func TestRecordRun_DuplicateRunAtWritesNothing(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := DigestRun{RunID: "a", RunAt: day(3)}
			first := []ShownHeadline{{Headline: "A", Tier: TierMustKnow, ShownAt: day(3)}}
			if err := s.RecordRun(ctx, run, first); err != nil {
				t.Fatal(err)
			}

			second := []ShownHeadline{{Headline: "B", Tier: TierMustKnow, ShownAt: day(3)}}
			err := s.RecordRun(ctx, DigestRun{RunID: "b", RunAt: day(3)}, second)
			if !errors.Is(err, ErrRunExists) {
				t.Fatalf("expected ErrRunExists, got %v", err)
			}

			got, _ := s.HeadlinesWithin(ctx, NewWindow(day(4), 48*time.Hour))
			if len(got) != 1 || got[0].Headline != "A" {
				t.Fatalf("second run must not write headlines, got %+v", got)
			}
			runs, _ := s.Runs(ctx, 10)
			if len(runs) != 1 {
				t.Fatalf("expected 1 run, got %d", len(runs))
			}
		})
	}
}

func TestRecordRun_AtomicOnDuplicateHeadline(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	shown := []ShownHeadline{
		{Headline: "Same", Tier: TierMustKnow, ShownAt: day(2)},
		{Headline: "Same", Tier: TierShouldKnow, ShownAt: day(2)},
	}
	err := s.RecordRun(ctx, DigestRun{RunID: "x", RunAt: day(2)}, shown)
	if err == nil {
		t.Fatal("expected duplicate (headline, shown_at) to fail")
	}

	runs, _ := s.Runs(ctx, 10)
	if len(runs) != 0 {
		t.Fatalf("run row must roll back with the headlines, got %d runs", len(runs))
	}
	got, _ := s.HeadlinesWithin(ctx, NewWindow(day(3), 72*time.Hour))
	if len(got) != 0 {
		t.Fatalf("expected no headlines after rollback, got %+v", got)
	}
}

func TestMemory_FailNextWrite(t *testing.T) {
	m := NewMemory()
	m.FailNextWrite(errors.New("disk full"))
	err := m.RecordRun(context.Background(), DigestRun{RunAt: day(1)}, nil)
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if err := m.RecordRun(context.Background(), DigestRun{RunAt: day(1)}, nil); err != nil {
		t.Fatalf("second write should succeed: %v", err)
	}
}

func TestRecordSourceHealth(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rows := []SourceHealth{
		{SourceID: "bbc", RunAt: day(2), Status: HealthOK, Attempts: 1, Articles: 12},
		{SourceID: "slow", RunAt: day(2), Status: HealthFailed, ErrorKind: "timeout", Attempts: 3},
	}
	if err := s.RecordSourceHealth(ctx, rows); err != nil {
		t.Fatal(err)
	}
	got, err := s.SourceHealthSince(ctx, day(1))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[1].SourceID != "slow" || got[1].ErrorKind != "timeout" || got[1].Attempts != 3 {
		t.Fatalf("unexpected row: %+v", got[1])
	}
}

func TestLastFetched_OnlyRecordedSuccesses(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			health := []SourceHealth{
				{SourceID: "ap", RunAt: day(1), Status: HealthOK},
				{SourceID: "bbc", RunAt: day(1), Status: HealthOK},
				// day 2 was never recorded (curator failure)
				{SourceID: "ap", RunAt: day(2), Status: HealthOK},
				{SourceID: "ap", RunAt: day(3), Status: HealthFailed, ErrorKind: "server_error"},
				{SourceID: "bbc", RunAt: day(3), Status: HealthOK},
				{SourceID: "nhk", RunAt: day(3), Status: HealthAbandoned, ErrorKind: "canceled"},
			}
			if err := s.RecordSourceHealth(ctx, health); err != nil {
				t.Fatal(err)
			}
			for _, d := range []int{1, 3} {
				if err := s.RecordRun(ctx, DigestRun{RunAt: day(d)}, nil); err != nil {
					t.Fatal(err)
				}
			}

			got, err := s.LastFetched(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 2 || !got["ap"].Equal(day(1)) || !got["bbc"].Equal(day(3)) {
				t.Fatalf("unexpected cutoffs: %v", got)
			}
		})
	}
}

func TestMigrate_LegacySchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := storage.Open(ctx, storage.Config{Driver: storage.SQLite, DSN: path})
	if err != nil {
		t.Fatal(err)
	}
	legacy := `
CREATE TABLE digest_runs (id INTEGER PRIMARY KEY AUTOINCREMENT, run_at DATETIME DEFAULT CURRENT_TIMESTAMP, articles_fetched INTEGER, articles_emailed INTEGER);
CREATE TABLE shown_narratives (id INTEGER PRIMARY KEY AUTOINCREMENT, headline TEXT NOT NULL, tier TEXT, shown_at DATETIME DEFAULT CURRENT_TIMESTAMP);
INSERT INTO digest_runs (run_at, articles_fetched, articles_emailed) VALUES ('2025-01-04 06:00:00', 40, 12);
INSERT INTO shown_narratives (headline, tier, shown_at) VALUES ('Legacy headline', 'must_know', '2025-01-04 06:00:00');
`
	if _, err := db.ExecContext(ctx, legacy); err != nil {
		t.Fatal(err)
	}
	db.Close()

	s, err := Open(ctx, storage.Config{Driver: storage.SQLite, DSN: path})
	if err != nil {
		t.Fatalf("open legacy: %v", err)
	}
	defer s.Close()

	last, err := s.LastRun(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || last.ArticlesFetched != 40 || last.RunAt.Hour() != 6 {
		t.Fatalf("unexpected legacy run: %+v", last)
	}
	got, err := s.HeadlinesWithin(ctx, NewWindow(day(5), 7*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Headline != "Legacy headline" || got[0].Cluster != "" {
		t.Fatalf("unexpected legacy headlines: %+v", got)
	}
}

func TestWindowContains(t *testing.T) {
	w := NewWindow(day(8), 7*24*time.Hour)
	if w.Contains(day(1)) {
		t.Fatal("start is exclusive")
	}
	if !w.Contains(day(8)) {
		t.Fatal("end is inclusive")
	}
	if w.Contains(day(9)) {
		t.Fatal("after end must be excluded")
	}
}
