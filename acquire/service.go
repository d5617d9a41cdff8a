// Package acquire is the entry point for callers that want a parsed feed
// rather than raw text: catalogs over the relay race or from a local file,
// and syndication feeds with pagination.
package acquire

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aluiziolira/go-feed-acquire/config"
	"github.com/aluiziolira/go-feed-acquire/crawler"
	"github.com/aluiziolira/go-feed-acquire/fetcher"
	"github.com/aluiziolira/go-feed-acquire/models"
	"github.com/aluiziolira/go-feed-acquire/parser"
	"github.com/aluiziolira/go-feed-acquire/stream"
	"github.com/aluiziolira/go-feed-acquire/validator"
)

// Service acquires and parses feeds. It holds no per-call state and is safe
// for concurrent use.
type Service struct {
	fetcher fetcher.Fetcher
	crawler *crawler.Crawler
}

// New builds a Service over f. metrics may be nil.
func New(f fetcher.Fetcher, cfg *config.Config, metrics *fetcher.Metrics) *Service {
	return &Service{
		fetcher: f,
		crawler: crawler.New(f, cfg, metrics),
	}
}

// NewFromConfig builds a Service backed by a relay race downloader.
func NewFromConfig(cfg *config.Config) (*Service, *fetcher.Downloader, error) {
	d, err := fetcher.NewDownloader(cfg)
	if err != nil {
		return nil, nil, err
	}
	return New(d, cfg, d.Metrics), d, nil
}

// Catalog retrieves the YML catalog at url and parses it. Retrieval failures
// surface as *fetcher.AggregateFailure, whose message suggests CatalogFile.
func (s *Service) Catalog(ctx context.Context, url string, onProgress stream.ProgressFunc) (*models.ProductFeedData, error) {
	start := time.Now()
	text, err := s.fetcher.Fetch(ctx, url, validator.KindCatalog, onProgress)
	if err != nil {
		return nil, err
	}

	feed, err := parser.ParseCatalog(text)
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", url, err)
	}
	logCatalog(url, feed, time.Since(start))
	return feed, nil
}

// CatalogFile parses a catalog the user saved locally, for when no relay
// can reach the merchant.
func (s *Service) CatalogFile(path string, onProgress stream.ProgressFunc) (*models.ProductFeedData, error) {
	start := time.Now()
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog file: %w", err)
	}
	defer f.Close()

	meta := stream.Meta{}
	if info, err := f.Stat(); err == nil {
		meta.Length = info.Size()
	}

	text, err := stream.Decode(f, meta, onProgress)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}

	feed, err := parser.ParseCatalog(text)
	if err != nil {
		return nil, fmt.Errorf("parse catalog file %s: %w", path, err)
	}
	logCatalog(path, feed, time.Since(start))
	return feed, nil
}

// Syndication crawls the RSS or Atom feed at url across its pages.
func (s *Service) Syndication(ctx context.Context, url string) (*models.RssFeedData, error) {
	return s.crawler.Crawl(ctx, url)
}

func logCatalog(source string, feed *models.ProductFeedData, took time.Duration) {
	slog.Info("catalog acquired",
		slog.String("source", source),
		slog.String("shop", feed.ShopName),
		slog.Int("offers", len(feed.Offers)),
		slog.Int("categories", len(feed.Categories)),
		slog.Duration("duration", took),
	)
}
