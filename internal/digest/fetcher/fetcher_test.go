package fetcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RobinCoderZhao/news-digest/internal/digest/sources"
	"github.com/RobinCoderZhao/news-digest/internal/digest/store"
)

const rssTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Test</title>%s</channel></rss>`

func rssItem(title, link, pubDate, desc string) string {
	return fmt.Sprintf(`<item><title>%s</title><link>%s</link><pubDate>%s</pubDate><description><![CDATA[%s]]></description></item>`,
		title, link, pubDate, desc)
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSource(id, url string) sources.Source {
	return sources.Source{ID: id, Name: id, FeedURL: url, Bias: "center", Perspective: "test"}
}

func newTestFetcher(cfg Config, sleeper *recordingSleeper) *Fetcher {
	return New(cfg, WithSleep(sleeper.Sleep), WithLogger(quietLogger()))
}

func TestFetchAll_ParsesFiltersAndDedups(t *testing.T) {
	items := rssItem("Fresh story", "https://news.example/a", "Mon, 06 Jan 2025 10:00:00 GMT", "<p>Some <b>bold</b> text</p>") +
		rssItem("Fresh story again", "https://news.example/a", "Mon, 06 Jan 2025 11:00:00 GMT", "dup url") +
		rssItem("Old story", "https://news.example/old", "Wed, 01 Jan 2025 10:00:00 GMT", "") +
		rssItem("Undated story", "https://news.example/undated", "", "") +
		rssItem("", "https://news.example/untitled", "Mon, 06 Jan 2025 10:00:00 GMT", "") +
		rssItem("Relative link", "/relative", "Mon, 06 Jan 2025 12:00:00 GMT", "")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.UserAgent(), "NewsDigest/") {
			t.Errorf("unexpected user agent %q", r.UserAgent())
		}
		fmt.Fprintf(w, rssTemplate, items)
	}))
	defer srv.Close()

	f := newTestFetcher(Config{}, &recordingSleeper{})
	since := time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)
	res := f.FetchAll(context.Background(), []sources.Source{testSource("a", srv.URL+"/feed")}, since)

	if res.Partial {
		t.Fatal("did not expect a partial result")
	}
	o := res.Outcomes[0]
	if o.Status != store.HealthOK || o.Attempts != 1 {
		t.Fatalf("unexpected outcome: %+v", o)
	}
	if o.Rejected != 1 || o.Filtered != 1 {
		t.Fatalf("expected 1 rejected and 1 filtered, got %+v", o)
	}

	got := map[string]sources.Article{}
	for _, a := range res.Articles {
		got[a.URL] = a
	}
	if len(res.Articles) != 3 {
		t.Fatalf("expected 3 articles, got %d: %+v", len(res.Articles), res.Articles)
	}
	fresh := got["https://news.example/a"]
	if fresh.Title != "Fresh story" || fresh.Summary != "Some bold text" {
		t.Fatalf("unexpected first article: %+v", fresh)
	}
	if !fresh.PublishedAt.Equal(time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected published time: %v", fresh.PublishedAt)
	}
	if _, ok := got["https://news.example/undated"]; !ok {
		t.Fatal("undated articles must be kept")
	}
	if _, ok := got[srv.URL+"/relative"]; !ok {
		t.Fatalf("expected relative link resolved against feed URL, got %v", res.Articles)
	}
}

func TestFetchAll_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		fmt.Fprintf(w, rssTemplate, rssItem("Story", "https://news.example/s", "Mon, 06 Jan 2025 10:00:00 GMT", ""))
	}))
	defer srv.Close()

	sleeper := &recordingSleeper{}
	f := newTestFetcher(Config{}, sleeper)
	res := f.FetchAll(context.Background(), []sources.Source{testSource("flaky", srv.URL)}, time.Time{})

	if calls.Load() != 3 {
		t.Fatalf("expected 3 requests, got %d", calls.Load())
	}
	o := res.Outcomes[0]
	if o.Status != store.HealthOK || o.Attempts != 3 || o.Articles != 1 {
		t.Fatalf("unexpected outcome: %+v", o)
	}
	if len(sleeper.delays) != 2 || sleeper.delays[0] != time.Second || sleeper.delays[1] != 2*time.Second {
		t.Fatalf("expected backoff [1s 2s], got %v", sleeper.delays)
	}
}

func TestFetchAll_TimeoutIsolatedFromOtherSources(t *testing.T) {
	var slowCalls atomic.Int32
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slowCalls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, rssTemplate, rssItem("Good story", "https://good.example/1", "Mon, 06 Jan 2025 10:00:00 GMT", ""))
	}))
	defer good.Close()

	sleeper := &recordingSleeper{}
	f := newTestFetcher(Config{AttemptTimeout: 50 * time.Millisecond}, sleeper)
	res := f.FetchAll(context.Background(), []sources.Source{
		testSource("slow", slow.URL),
		testSource("good", good.URL),
	}, time.Time{})

	if slowCalls.Load() != 3 {
		t.Fatalf("expected 3 attempts against slow source, got %d", slowCalls.Load())
	}
	failed := res.Failed()
	if len(failed) != 1 || failed[0].SourceID != "slow" {
		t.Fatalf("expected only slow to fail, got %+v", failed)
	}
	if failed[0].Kind != KindTimeout || failed[0].Status != store.HealthFailed || failed[0].Attempts != 3 {
		t.Fatalf("unexpected failure outcome: %+v", failed[0])
	}
	if len(res.Articles) != 1 || res.Articles[0].SourceID != "good" {
		t.Fatalf("expected good source articles, got %+v", res.Articles)
	}

	health := res.Health(time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC))
	if health[0].Status != store.HealthFailed || health[0].ErrorKind != "timeout" {
		t.Fatalf("unexpected health row: %+v", health[0])
	}
}

func TestFetchAll_PermanentFailuresNotRetried(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantKind Kind
	}{
		{
			name: "malformed feed",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, "this is not a feed at all")
			},
			wantKind: KindParse,
		},
		{
			name: "not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.NotFound(w, r)
			},
			wantKind: KindClient,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				tt.handler(w, r)
			}))
			defer srv.Close()

			sleeper := &recordingSleeper{}
			res := newTestFetcher(Config{}, sleeper).FetchAll(context.Background(), []sources.Source{testSource("x", srv.URL)}, time.Time{})
			o := res.Outcomes[0]
			if calls.Load() != 1 || o.Attempts != 1 {
				t.Fatalf("expected a single attempt, got calls=%d outcome=%+v", calls.Load(), o)
			}
			if o.Kind != tt.wantKind || o.Status != store.HealthFailed {
				t.Fatalf("expected %s failure, got %+v", tt.wantKind, o)
			}
			if len(sleeper.delays) != 0 {
				t.Fatalf("expected no backoff, got %v", sleeper.delays)
			}
		})
	}
}

func TestFetchAll_CanceledContextAbandons(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected after cancellation")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := newTestFetcher(Config{}, &recordingSleeper{}).FetchAll(ctx, []sources.Source{
		testSource("a", srv.URL+"/a"),
		testSource("b", srv.URL+"/b"),
	}, time.Time{})

	if !res.Partial {
		t.Fatal("expected partial result")
	}
	for _, o := range res.Outcomes {
		if o.Status != store.HealthAbandoned || o.Kind != KindCanceled {
			t.Fatalf("expected abandoned outcome, got %+v", o)
		}
	}
}

func TestFetchAll_PerHostCap(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		fmt.Fprintf(w, rssTemplate, "")
	}))
	defer srv.Close()

	var srcs []sources.Source
	for i := 0; i < 6; i++ {
		srcs = append(srcs, testSource(fmt.Sprintf("s%d", i), fmt.Sprintf("%s/%d", srv.URL, i)))
	}
	res := newTestFetcher(Config{Workers: 6, PerHost: 2}, &recordingSleeper{}).FetchAll(context.Background(), srcs, time.Time{})

	if res.Succeeded() != 6 {
		t.Fatalf("expected all sources to succeed, got %+v", res.Outcomes)
	}
	if peak.Load() > 2 {
		t.Fatalf("per-host cap exceeded: %d concurrent requests", peak.Load())
	}
}

func TestFetchEach_PerSourceCutoff(t *testing.T) {
	items := rssItem("Monday story", "https://news.example/mon", "Mon, 06 Jan 2025 09:00:00 GMT", "") +
		rssItem("Sunday story", "https://news.example/sun", "Sun, 05 Jan 2025 09:00:00 GMT", "")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, rssTemplate, items)
	}))
	defer srv.Close()

	cutoffs := Cutoffs{
		Default:   time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC),
		PerSource: map[string]time.Time{"behind": time.Date(2025, 1, 4, 0, 0, 0, 0, time.UTC)},
	}
	res := newTestFetcher(Config{}, &recordingSleeper{}).FetchEach(context.Background(), []sources.Source{
		testSource("current", srv.URL+"/a"),
		testSource("behind", srv.URL+"/b"),
	}, cutoffs)

	got := map[string]int{}
	for _, a := range res.Articles {
		got[a.SourceID]++
	}
	if got["current"] != 1 || got["behind"] != 2 {
		t.Fatalf("expected 1 article from current and 2 from behind, got %v", got)
	}
}
