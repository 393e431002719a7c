// Package sources defines feed sources, the articles they produce, and the
// registry loaded once per run.
package sources

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Source is one syndicated feed endpoint with editorial metadata.
type Source struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	FeedURL     string `yaml:"url" json:"url"`
	Bias        string `yaml:"bias" json:"bias"`
	Perspective string `yaml:"perspective" json:"perspective"`
	Disabled    bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// Host returns the lower-cased host[:port] of the feed URL.
func (s Source) Host() string {
	u, err := url.Parse(s.FeedURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// Validate checks that every field is present and the feed URL is http(s).
func (s Source) Validate() error {
	var missing []string
	for _, f := range []struct{ name, val string }{
		{"id", s.ID}, {"name", s.Name}, {"url", s.FeedURL},
		{"bias", s.Bias}, {"perspective", s.Perspective},
	} {
		if strings.TrimSpace(f.val) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Field: strings.Join(missing, ","), Reason: "required", Value: s.ID}
	}
	if !isHTTPURL(s.FeedURL) {
		return &ValidationError{Field: "url", Reason: "must be an absolute http(s) URL", Value: s.FeedURL}
	}
	return nil
}

// Article is a single feed entry produced by the fetcher. It lives for one run.
type Article struct {
	SourceID    string    `json:"source_id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"` // zero when the feed omits it
	Summary     string    `json:"summary,omitempty"`
}

// Validate rejects records missing a title or a usable link.
func (a Article) Validate() error {
	if strings.TrimSpace(a.SourceID) == "" {
		return &ValidationError{Field: "source_id", Reason: "required"}
	}
	if strings.TrimSpace(a.Title) == "" {
		return &ValidationError{Field: "title", Reason: "required", Value: a.URL}
	}
	if !isHTTPURL(a.URL) {
		return &ValidationError{Field: "url", Reason: "must be an absolute http(s) URL", Value: a.URL}
	}
	return nil
}

// ValidationError describes a malformed source or article record.
type ValidationError struct {
	Field  string
	Reason string
	Value  string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// ErrDuplicateID is returned when two sources share an ID.
var ErrDuplicateID = errors.New("duplicate source id")

// Registry holds the validated sources for a run, in load order.
type Registry struct {
	sources []Source
	byID    map[string]int
}

// NewRegistry validates the given sources and builds a registry.
// Disabled sources are kept out of All but still reserve their ID.
func NewRegistry(list []Source) (*Registry, error) {
	r := &Registry{byID: make(map[string]int, len(list))}
	for i, s := range list {
		s.ID = strings.TrimSpace(s.ID)
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("source #%d: %w", i+1, err)
		}
		if _, ok := r.byID[s.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, s.ID)
		}
		r.byID[s.ID] = len(r.sources)
		r.sources = append(r.sources, s)
	}
	return r, nil
}

// All returns the enabled sources.
func (r *Registry) All() []Source {
	out := make([]Source, 0, len(r.sources))
	for _, s := range r.sources {
		if !s.Disabled {
			out = append(out, s)
		}
	}
	return out
}

// Get looks up a source by ID.
func (r *Registry) Get(id string) (Source, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Source{}, false
	}
	return r.sources[i], true
}

// Len returns the number of enabled sources.
func (r *Registry) Len() int {
	return len(r.All())
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
