// Package crawler assembles a syndication feed by following rel="next"
// links page by page until the chain ends, loops, or hits the page ceiling.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/go-feed-acquire/config"
	"github.com/aluiziolira/go-feed-acquire/fetcher"
	"github.com/aluiziolira/go-feed-acquire/models"
	"github.com/aluiziolira/go-feed-acquire/parser"
)

// Reasons a crawl stopped, reported in RssFeedData.StopReason.
const (
	StopNoNextLink  = "no_next_link"
	StopCycle       = "cycle"
	StopPageLimit   = "page_limit"
	StopPageFailed  = "page_failed"
	StopInvalidNext = "invalid_next_link"
)

// GuardError reports that the visited-URL or page-count guard ended a crawl.
// It is only returned, wrapped in *parser.EmptyError, when nothing was collected.
type GuardError struct {
	Reason string
	URL    string
	Pages  int
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("crawl stopped by %s guard at %s after %d pages", e.Reason, e.URL, e.Pages)
}

// Crawler follows pagination links of RSS and Atom feeds.
type Crawler struct {
	fetcher fetcher.Fetcher
	cfg     *config.Config
	metrics *fetcher.Metrics
	sleep   func(context.Context, time.Duration) error
}

// New returns a crawler that retrieves every page through f. metrics may be nil.
func New(f fetcher.Fetcher, cfg *config.Config, metrics *fetcher.Metrics) *Crawler {
	return &Crawler{
		fetcher: f,
		cfg:     cfg,
		metrics: metrics,
		sleep:   sleepContext,
	}
}

// crawlState is owned by a single Crawl call.
type crawlState struct {
	visited map[string]struct{}
	pages   int

	page     *parser.Page
	next     string
	parseErr error
}

// Crawl retrieves seed and every page reachable through rel="next" links.
// Title and description come from the first page; items from all pages are
// merged in page order and de-duplicated by link, first occurrence winning.
// A first page that cannot be retrieved or parsed is fatal; a later one
// truncates the result. A crawl that collects no items returns
// *parser.EmptyError.
func (c *Crawler) Crawl(ctx context.Context, seed string) (*models.RssFeedData, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	state := &crawlState{visited: make(map[string]struct{})}
	collector := c.newCollector(ctx, state)
	feed := &models.RssFeedData{URL: seed}

	var (
		items   []models.RssItem
		guard   *GuardError
		current = seed
	)

	for {
		key, err := NormalizeURL(current)
		if err != nil {
			if state.pages == 0 {
				return nil, fmt.Errorf("invalid feed url: %w", err)
			}
			feed.StopReason = StopInvalidNext
			slog.Warn("invalid next page link", slog.String("url", current), slog.Any("error", err))
			break
		}
		if _, seen := state.visited[key]; seen {
			feed.StopReason = StopCycle
			guard = &GuardError{Reason: StopCycle, URL: current, Pages: feed.Pages}
			break
		}
		if state.pages >= c.cfg.MaxPages {
			feed.StopReason = StopPageLimit
			guard = &GuardError{Reason: StopPageLimit, URL: current, Pages: feed.Pages}
			break
		}
		state.visited[key] = struct{}{}
		state.pages++

		page, next, err := c.fetchPage(ctx, collector, state, current)
		if err != nil {
			c.metrics.IncPage("failed")
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if state.pages == 1 {
				return nil, fmt.Errorf("first page %s: %w", current, err)
			}
			feed.StopReason = StopPageFailed
			slog.Warn("pagination truncated",
				slog.String("url", current),
				slog.Int("pages", feed.Pages),
				slog.Any("error", err),
			)
			break
		}
		c.metrics.IncPage("ok")
		feed.Pages++

		if feed.Pages == 1 {
			feed.Title = page.Title
			feed.Description = page.Description
		}
		items = append(items, page.Items...)

		if page.Next == "" {
			feed.StopReason = StopNoNextLink
			break
		}
		if next == "" {
			feed.StopReason = StopInvalidNext
			slog.Warn("unusable next page link", slog.String("href", page.Next), slog.String("page", current))
			break
		}
		current = next
	}

	feed.Items = dedupeByLink(items)
	slog.Info("feed crawl finished",
		slog.String("url", seed),
		slog.Int("pages", feed.Pages),
		slog.Int("items", len(feed.Items)),
		slog.String("stop_reason", feed.StopReason),
	)

	if len(feed.Items) == 0 {
		empty := &parser.EmptyError{What: "feed items"}
		if guard != nil {
			empty.Err = guard
		}
		return nil, empty
	}
	return feed, nil
}

func (c *Crawler) newCollector(ctx context.Context, state *crawlState) *colly.Collector {
	collector := colly.NewCollector(
		colly.UserAgent(c.cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(0),
	)
	// Each page is a full relay race, so the collector must outwait it.
	collector.SetRequestTimeout(c.cfg.RelayTimeout + 5*time.Second)
	collector.WithTransport(&relayTransport{ctx: ctx, fetcher: c.fetcher})

	collector.OnRequest(func(r *colly.Request) {
		slog.Debug("feed page requested",
			slog.String("url", r.URL.String()),
			slog.Int("page", state.pages),
		)
	})

	collector.OnResponse(func(r *colly.Response) {
		page, err := parser.ParsePage(string(r.Body))
		if err != nil {
			state.parseErr = err
			return
		}
		state.page = page
		if page.Next != "" {
			state.next = r.Request.AbsoluteURL(page.Next)
		}
	})

	return collector
}

// fetchPage visits url, retrying failed visits with capped exponential
// backoff. It returns the parsed page and its resolved next link.
func (c *Crawler) fetchPage(ctx context.Context, collector *colly.Collector, state *crawlState, url string) (*parser.Page, string, error) {
	for attempt := 0; ; attempt++ {
		state.page, state.next, state.parseErr = nil, "", nil

		err := collector.Visit(url)
		if err == nil && state.parseErr != nil {
			err = state.parseErr
		}
		if err == nil && state.page == nil {
			err = errors.New("no response body")
		}
		if err == nil {
			return state.page, state.next, nil
		}

		if attempt >= c.cfg.MaxRetries || ctx.Err() != nil {
			return nil, "", err
		}
		delay := backoff(c.cfg, attempt+1)
		c.metrics.IncRetries()
		slog.Debug("retrying feed page",
			slog.String("url", url),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, "", err
		}
	}
}

func backoff(cfg *config.Config, attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// dedupeByLink keeps the first item for every link, preserving order. Items
// without a link share the empty key.
func dedupeByLink(items []models.RssItem) []models.RssItem {
	seen := make(map[string]struct{}, len(items))
	out := make([]models.RssItem, 0, len(items))
	for _, it := range items {
		if _, dup := seen[it.Link]; dup {
			continue
		}
		seen[it.Link] = struct{}{}
		out = append(out, it)
	}
	return out
}
