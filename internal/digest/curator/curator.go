// Package curator is the boundary to the external agent that picks and
// tiers stories from the prepared batches.
package curator

import (
	"context"
	"errors"
	"fmt"

	"github.com/RobinCoderZhao/news-digest/internal/digest/batch"
	"github.com/RobinCoderZhao/news-digest/internal/digest/store"
)

// ErrNoSelections means the curator finished without choosing anything
// usable. The run must not be recorded.
var ErrNoSelections = errors.New("curator returned no selections")

// Request is everything the curator is given for one run.
type Request struct {
	RunID     string
	Dir       string // batch directory written by batch.Writer
	Batches   []batch.Batch
	Manifest  *batch.Manifest
	Blocklist []store.ShownHeadline
}

// Selection is one story the curator chose to show.
type Selection struct {
	Headline string     `json:"headline"`
	Tier     store.Tier `json:"tier"`
	Cluster  string     `json:"cluster,omitempty"`
	Summary  string     `json:"summary,omitempty"`
	Sources  []string   `json:"sources,omitempty"`
	Links    []string   `json:"links,omitempty"`
	UpdateOf string     `json:"update_of,omitempty"`
}

// Result is the curator's structured answer.
type Result struct {
	Items []Selection `json:"items"`
}

// Count returns the number of selections per tier.
func (r *Result) Count() map[store.Tier]int {
	out := make(map[store.Tier]int, len(store.Tiers))
	for _, s := range r.Items {
		out[s.Tier]++
	}
	return out
}

// Validate checks that every selection has a headline and a known tier.
func (r *Result) Validate() error {
	if r == nil || len(r.Items) == 0 {
		return ErrNoSelections
	}
	var errs []error
	for i, s := range r.Items {
		if s.Headline == "" {
			errs = append(errs, fmt.Errorf("item %d: missing headline", i))
		}
		if !s.Tier.Valid() {
			errs = append(errs, fmt.Errorf("item %d: unknown tier %q", i, s.Tier))
		}
	}
	return errors.Join(errs...)
}

// Curator turns a prepared batch set into selections. It blocks until the
// selections are final.
type Curator interface {
	Curate(ctx context.Context, req Request) (*Result, error)
}

// Func adapts a function to Curator.
type Func func(ctx context.Context, req Request) (*Result, error)

func (f Func) Curate(ctx context.Context, req Request) (*Result, error) { return f(ctx, req) }
