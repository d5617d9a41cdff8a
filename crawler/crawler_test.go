package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aluiziolira/go-feed-acquire/config"
	"github.com/aluiziolira/go-feed-acquire/fetcher"
	"github.com/aluiziolira/go-feed-acquire/models"
	"github.com/aluiziolira/go-feed-acquire/parser"
	"github.com/aluiziolira/go-feed-acquire/stream"
	"github.com/aluiziolira/go-feed-acquire/validator"
)

// fakeFetcher serves canned page bodies keyed by URL.
type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	fails map[string]int
	gen   func(target string) (string, bool)
	calls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, target string, kind validator.Kind, _ stream.ProgressFunc) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, target)

	if kind != validator.KindSyndication {
		return "", fmt.Errorf("unexpected kind %s", kind)
	}
	if n := f.fails[target]; n > 0 {
		f.fails[target] = n - 1
		return "", errors.New("relay down")
	}
	if body, ok := f.pages[target]; ok {
		return body, nil
	}
	if f.gen != nil {
		if body, ok := f.gen(target); ok {
			return body, nil
		}
	}
	return "", &fetcher.AggregateFailure{
		Target:   target,
		Attempts: []fetcher.AttemptFailure{{Relay: "Direct", Err: errors.New("not found")}},
	}
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

type item struct{ title, link string }

func rssPage(title, next string, items ...item) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><rss version="2.0" xmlns:atom="http://www.w3.org/2005/Atom"><channel>`)
	fmt.Fprintf(&b, "<title>%s</title><description>%s feed</description>", title, title)
	if next != "" {
		fmt.Fprintf(&b, `<atom:link rel="next" href="%s"/>`, next)
	}
	for _, it := range items {
		fmt.Fprintf(&b, "<item><title>%s</title><link>%s</link><description>about %s</description></item>", it.title, it.link, it.title)
	}
	b.WriteString("</channel></rss>")
	return b.String()
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 0
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = time.Millisecond
	return cfg
}

func newTestCrawler(f fetcher.Fetcher, cfg *config.Config) *Crawler {
	c := New(f, cfg, fetcher.NewMetrics())
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func links(items []models.RssItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Link
	}
	return out
}

func TestCrawlFollowsRelativeNextLinksAndDedupes(t *testing.T) {
	f := &fakeFetcher{pages: map[string]string{
		"https://blog.test/feed": rssPage("Blog", "/feed/page/2",
			item{"A", "https://x/a"}, item{"B", "https://x/b"}),
		"https://blog.test/feed/page/2": rssPage("Page two", "3",
			item{"A again", "https://x/a"}, item{"C", "https://x/c"}),
		"https://blog.test/feed/page/3": rssPage("Page three", "",
			item{"D", "https://x/d"}),
	}}

	feed, err := newTestCrawler(f, testConfig()).Crawl(context.Background(), "https://blog.test/feed")
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}

	if feed.Title != "Blog" || feed.Description != "Blog feed" {
		t.Fatalf("title=%q description=%q, want first page values", feed.Title, feed.Description)
	}
	if got, want := links(feed.Items), []string{"https://x/a", "https://x/b", "https://x/c", "https://x/d"}; fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("links=%v, want %v", got, want)
	}
	if feed.Items[0].Title != "A" {
		t.Fatalf("duplicate kept %q, want first occurrence", feed.Items[0].Title)
	}
	if feed.Pages != 3 || feed.StopReason != StopNoNextLink {
		t.Fatalf("pages=%d stop=%q, want 3/%s", feed.Pages, feed.StopReason, StopNoNextLink)
	}
	if feed.URL != "https://blog.test/feed" {
		t.Fatalf("url=%q", feed.URL)
	}
}

func TestCrawlStopsOnCycleBackToFirstPage(t *testing.T) {
	f := &fakeFetcher{pages: map[string]string{
		"https://blog.test/feed?a=1&b=2": rssPage("Blog", "/feed/next", item{"A", "https://x/a"}),
		"https://blog.test/feed/next":    rssPage("Next", "https://BLOG.test/feed?b=2&a=1#top", item{"B", "https://x/b"}),
	}}

	feed, err := newTestCrawler(f, testConfig()).Crawl(context.Background(), "https://blog.test/feed?a=1&b=2")
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	if feed.StopReason != StopCycle {
		t.Fatalf("stop=%q, want %s", feed.StopReason, StopCycle)
	}
	if len(feed.Items) != 2 || feed.Pages != 2 {
		t.Fatalf("items=%d pages=%d, want 2/2", len(feed.Items), feed.Pages)
	}
	if calls := f.Calls(); len(calls) != 2 {
		t.Fatalf("fetches=%v, want each page once", calls)
	}
}

func TestCrawlSelfLinkTerminates(t *testing.T) {
	f := &fakeFetcher{pages: map[string]string{
		"https://blog.test/feed": rssPage("Blog", "https://blog.test/feed", item{"A", "https://x/a"}),
	}}

	feed, err := newTestCrawler(f, testConfig()).Crawl(context.Background(), "https://blog.test/feed")
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	if feed.StopReason != StopCycle || len(feed.Items) != 1 {
		t.Fatalf("stop=%q items=%d, want cycle with 1 item", feed.StopReason, len(feed.Items))
	}
}

func TestCrawlRespectsPageCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPages = 5

	// Every page links to a fresh page, forever.
	f := &fakeFetcher{gen: func(target string) (string, bool) {
		var n int
		if _, err := fmt.Sscanf(target, "https://blog.test/p/%d", &n); err != nil {
			return "", false
		}
		return rssPage("Endless", fmt.Sprintf("/p/%d", n+1), item{fmt.Sprintf("I%d", n), fmt.Sprintf("https://x/%d", n)}), true
	}}

	feed, err := newTestCrawler(f, cfg).Crawl(context.Background(), "https://blog.test/p/1")
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	if feed.Pages != 5 || len(f.Calls()) != 5 {
		t.Fatalf("pages=%d fetches=%d, want 5", feed.Pages, len(f.Calls()))
	}
	if feed.StopReason != StopPageLimit || len(feed.Items) != 5 {
		t.Fatalf("stop=%q items=%d, want page_limit with 5 items", feed.StopReason, len(feed.Items))
	}
}

func TestCrawlFirstPageFailureIsFatal(t *testing.T) {
	f := &fakeFetcher{pages: map[string]string{}}

	_, err := newTestCrawler(f, testConfig()).Crawl(context.Background(), "https://blog.test/feed")
	var agg *fetcher.AggregateFailure
	if !errors.As(err, &agg) {
		t.Fatalf("err=%v, want *fetcher.AggregateFailure", err)
	}
}

func TestCrawlFirstPageParseFailureIsFatal(t *testing.T) {
	f := &fakeFetcher{pages: map[string]string{
		"https://blog.test/feed": `<yml_catalog><shop/></yml_catalog>`,
	}}

	_, err := newTestCrawler(f, testConfig()).Crawl(context.Background(), "https://blog.test/feed")
	var se *parser.StructuralError
	if !errors.As(err, &se) {
		t.Fatalf("err=%v, want *parser.StructuralError", err)
	}
}

func TestCrawlLaterPageFailureTruncates(t *testing.T) {
	f := &fakeFetcher{pages: map[string]string{
		"https://blog.test/feed": rssPage("Blog", "/feed/page/2", item{"A", "https://x/a"}),
	}}
	c := newTestCrawler(f, testConfig())

	feed, err := c.Crawl(context.Background(), "https://blog.test/feed")
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	if feed.StopReason != StopPageFailed || feed.Pages != 1 || len(feed.Items) != 1 {
		t.Fatalf("stop=%q pages=%d items=%d, want page_failed/1/1", feed.StopReason, feed.Pages, len(feed.Items))
	}
	if got := testutil.ToFloat64(c.metrics.PagesTotal.WithLabelValues("failed")); got != 1 {
		t.Fatalf("failed pages=%v, want 1", got)
	}
}

func TestCrawlRetriesFailedPage(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	f := &fakeFetcher{
		pages: map[string]string{"https://blog.test/feed": rssPage("Blog", "", item{"A", "https://x/a"})},
		fails: map[string]int{"https://blog.test/feed": 2},
	}
	c := newTestCrawler(f, cfg)

	feed, err := c.Crawl(context.Background(), "https://blog.test/feed")
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	if len(feed.Items) != 1 || len(f.Calls()) != 3 {
		t.Fatalf("items=%d fetches=%d, want 1 item after 3 fetches", len(feed.Items), len(f.Calls()))
	}
	if got := testutil.ToFloat64(c.metrics.RetriesTotal); got != 2 {
		t.Fatalf("retries=%v, want 2", got)
	}
}

func TestCrawlEmptyFeed(t *testing.T) {
	t.Run("no items", func(t *testing.T) {
		f := &fakeFetcher{pages: map[string]string{"https://blog.test/feed": rssPage("Blog", "")}}
		_, err := newTestCrawler(f, testConfig()).Crawl(context.Background(), "https://blog.test/feed")
		var empty *parser.EmptyError
		if !errors.As(err, &empty) {
			t.Fatalf("err=%v, want *parser.EmptyError", err)
		}
		var guard *GuardError
		if errors.As(err, &guard) {
			t.Fatalf("no guard fired, got %v", guard)
		}
	})

	t.Run("cycle with no items", func(t *testing.T) {
		f := &fakeFetcher{pages: map[string]string{"https://blog.test/feed": rssPage("Blog", "/feed")}}
		_, err := newTestCrawler(f, testConfig()).Crawl(context.Background(), "https://blog.test/feed")
		var empty *parser.EmptyError
		if !errors.As(err, &empty) {
			t.Fatalf("err=%v, want *parser.EmptyError", err)
		}
		var guard *GuardError
		if !errors.As(err, &guard) || guard.Reason != StopCycle {
			t.Fatalf("err=%v, want cycle guard cause", err)
		}
	})
}

func TestCrawlAtomThenRSS(t *testing.T) {
	atom := `<feed xmlns="http://www.w3.org/2005/Atom"><title>Mixed</title>
<link rel="next" href="rss"/>
<entry><title>Atom entry</title><link href="https://x/atom"/></entry></feed>`

	f := &fakeFetcher{pages: map[string]string{
		"https://blog.test/feeds/atom": atom,
		"https://blog.test/feeds/rss":  rssPage("Ignored", "", item{"RSS item", "https://x/rss"}),
	}}

	feed, err := newTestCrawler(f, testConfig()).Crawl(context.Background(), "https://blog.test/feeds/atom")
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	if feed.Title != "Mixed" {
		t.Fatalf("title=%q, want Mixed", feed.Title)
	}
	if got := links(feed.Items); fmt.Sprint(got) != "[https://x/atom https://x/rss]" {
		t.Fatalf("links=%v", got)
	}
}

func TestCrawlInvalidSeed(t *testing.T) {
	_, err := newTestCrawler(&fakeFetcher{}, testConfig()).Crawl(context.Background(), "not a url")
	if err == nil || !strings.Contains(err.Error(), "invalid feed url") {
		t.Fatalf("err=%v, want invalid feed url", err)
	}
}

func TestCrawlThroughRelayRace(t *testing.T) {
	cfg := testConfig()
	cfg.Relays = []config.RelayConfig{
		{Name: "Relay", Template: "https://relay.test/raw?url={url}", Shape: config.ShapeStream},
		{Name: "Direct", Template: "{raw}", Shape: config.ShapeStream},
	}
	d, err := fetcher.NewDownloader(cfg)
	if err != nil {
		t.Fatalf("new downloader: %v", err)
	}
	transport := httpmock.NewMockTransport()
	d.WithTransport(transport)

	transport.RegisterResponder("GET", "https://relay.test/raw", httpmock.NewStringResponder(http.StatusBadGateway, ""))
	transport.RegisterResponder("GET", "https://blog.test/feed",
		httpmock.NewStringResponder(200, rssPage("Blog", "/feed/2", item{"A", "https://x/a"})))
	transport.RegisterResponder("GET", "https://blog.test/feed/2",
		httpmock.NewStringResponder(200, rssPage("Two", "", item{"B", "https://x/b"})))

	feed, err := New(d, cfg, d.Metrics).Crawl(context.Background(), "https://blog.test/feed")
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	if got := links(feed.Items); fmt.Sprint(got) != "[https://x/a https://x/b]" {
		t.Fatalf("links=%v", got)
	}
	if got := testutil.ToFloat64(d.Metrics.PagesTotal.WithLabelValues("ok")); got != 2 {
		t.Fatalf("ok pages=%v, want 2", got)
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		same bool
	}{
		{name: "param order", a: "https://x.test/feed?b=2&a=1", b: "https://x.test/feed?a=1&b=2", same: true},
		{name: "host case and fragment", a: "HTTPS://X.test/feed#frag", b: "https://x.test/feed", same: true},
		{name: "empty query", a: "https://x.test/feed?", b: "https://x.test/feed", same: true},
		{name: "different value", a: "https://x.test/feed?page=2", b: "https://x.test/feed?page=3", same: false},
		{name: "different path", a: "https://x.test/feed/2", b: "https://x.test/feed", same: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			na, err := NormalizeURL(tt.a)
			if err != nil {
				t.Fatalf("normalize %q: %v", tt.a, err)
			}
			nb, err := NormalizeURL(tt.b)
			if err != nil {
				t.Fatalf("normalize %q: %v", tt.b, err)
			}
			if (na == nb) != tt.same {
				t.Fatalf("%q vs %q: same=%v, want %v", na, nb, na == nb, tt.same)
			}
		})
	}

	if _, err := NormalizeURL("/relative/path"); err == nil {
		t.Fatalf("relative url should be rejected")
	}
}

func TestBackoffCapped(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBackoff = 200 * time.Millisecond
	cfg.RetryBackoffMax = 500 * time.Millisecond

	if got := backoff(cfg, 1); got != 200*time.Millisecond {
		t.Fatalf("first delay=%v, want 200ms", got)
	}
	if got := backoff(cfg, 4); got != cfg.RetryBackoffMax {
		t.Fatalf("delay %v, want capped at %v", got, cfg.RetryBackoffMax)
	}
}
