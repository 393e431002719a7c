// Package store persists digest history: runs, shown headlines, and source health.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Tier is the prominence bucket a curator assigns to a narrative.
type Tier string

const (
	TierMustKnow    Tier = "must_know"
	TierShouldKnow  Tier = "should_know"
	TierQuickSignal Tier = "quick_signal"
	TierBelowFold   Tier = "below_fold"
)

// Tiers lists every tier in display order.
var Tiers = []Tier{TierMustKnow, TierShouldKnow, TierQuickSignal, TierBelowFold}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	for _, known := range Tiers {
		if t == known {
			return true
		}
	}
	return false
}

// Rank is the tier's position in display order, or len(Tiers) if unknown.
func (t Tier) Rank() int {
	for i, known := range Tiers {
		if t == known {
			return i
		}
	}
	return len(Tiers)
}

// ShownHeadline is a headline that appeared in a delivered digest. Never mutated.
type ShownHeadline struct {
	Headline string    `json:"headline"`
	Tier     Tier      `json:"tier"`
	Cluster  string    `json:"cluster,omitempty"` // below_fold only
	ShownAt  time.Time `json:"shown_at"`
}

// DigestRun is one pipeline execution.
type DigestRun struct {
	RunID               string    `json:"run_id"`
	RunAt               time.Time `json:"run_at"`
	ArticlesFetched     int       `json:"articles_fetched"`
	NarrativesPresented int       `json:"narratives_presented"`
	SourcesFailed       int       `json:"sources_failed"`
	Partial             bool      `json:"partial"`
}

// Health statuses for SourceHealth.Status.
const (
	HealthOK        = "ok"
	HealthFailed    = "failed"
	HealthAbandoned = "abandoned"
)

// SourceHealth is one source's fetch outcome for a run.
type SourceHealth struct {
	SourceID  string    `json:"source_id"`
	RunAt     time.Time `json:"run_at"`
	Status    string    `json:"status"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Attempts  int       `json:"attempts"`
	Articles  int       `json:"articles"`
}

// Window is the half-open interval (Start, End].
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow returns the trailing window of the given length ending at end.
func NewWindow(end time.Time, length time.Duration) Window {
	return Window{Start: end.Add(-length), End: end}
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return t.After(w.Start) && !t.After(w.End)
}

// Repository is what the pipeline needs from the history store.
type Repository interface {
	// HeadlinesWithin returns headlines shown inside w, most recent first.
	HeadlinesWithin(ctx context.Context, w Window) ([]ShownHeadline, error)

	// RecordRun writes the run and its headlines atomically.
	RecordRun(ctx context.Context, run DigestRun, shown []ShownHeadline) error
}

// RunHistory exposes past runs.
type RunHistory interface {
	// LastRun returns the most recent run, or nil if none exists.
	LastRun(ctx context.Context) (*DigestRun, error)
	Runs(ctx context.Context, limit int) ([]DigestRun, error)

	// LastFetched returns, per source, the time of the latest recorded run
	// in which that source was fetched successfully. Health rows of runs
	// that were never recorded do not count.
	LastFetched(ctx context.Context) (map[string]time.Time, error)
}

// HealthRecorder stores per-source fetch outcomes.
type HealthRecorder interface {
	RecordSourceHealth(ctx context.Context, rows []SourceHealth) error
}

// Store is the full history store surface.
type Store interface {
	Repository
	RunHistory
	HealthRecorder
	Close() error
}

// ErrRunExists is returned when a run with the same run_at was already recorded.
var ErrRunExists = errors.New("digest run already recorded")

// PersistenceError wraps a failed history write or read.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("history store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// timeLayout matches SQLite CURRENT_TIMESTAMP so stored values sort as text.
const timeLayout = "2006-01-02 15:04:05"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
