package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-feed-acquire/acquire"
	"github.com/aluiziolira/go-feed-acquire/config"
	"github.com/aluiziolira/go-feed-acquire/fetcher"
	"github.com/aluiziolira/go-feed-acquire/models"
	"github.com/aluiziolira/go-feed-acquire/pipeline"
	"github.com/aluiziolira/go-feed-acquire/stream"
)

const (
	kindCatalog = "catalog"
	kindRSS     = "rss"
)

type options struct {
	url         string
	kind        string
	file        string
	configPath  string
	output      string
	format      string
	timeout     time.Duration
	maxPages    int
	metricsAddr string
	verbose     bool
}

func main() {
	opts := options{}
	flag.StringVar(&opts.url, "url", "", "Feed URL to acquire")
	flag.StringVar(&opts.kind, "kind", kindCatalog, "Feed kind: catalog or rss")
	flag.StringVar(&opts.file, "file", "", "Parse a locally saved catalog instead of fetching -url")
	flag.StringVar(&opts.configPath, "config", "", "Optional YAML config file")
	flag.StringVar(&opts.output, "output", "", "Output file path")
	flag.StringVar(&opts.format, "format", "", "Output format: csv, json, or dual")
	flag.DurationVar(&opts.timeout, "timeout", 0, "Per-relay attempt timeout")
	flag.IntVar(&opts.maxPages, "max-pages", 0, "Maximum feed pages to follow")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
	flag.BoolVar(&opts.verbose, "v", false, "Enable verbose logging")
	flag.Parse()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, opts)

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := checkOptions(opts); err != nil {
		slog.Error("invalid arguments", slog.Any("error", err))
		flag.Usage()
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	svc, downloader, err := acquire.NewFromConfig(cfg)
	if err != nil {
		slog.Error("initialising downloader", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, cancelling in-flight requests")
	}()

	metricsServer := startMetricsServer(cfg.MetricsAddr, downloader.Metrics)

	startTime := time.Now()
	var (
		result summary
		runErr error
	)
	switch opts.kind {
	case kindCatalog:
		result, runErr = runCatalog(ctx, svc, cfg, opts)
	case kindRSS:
		result, runErr = runSyndication(ctx, svc, cfg, opts)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	if runErr != nil {
		logFailure(runErr)
		os.Exit(1)
	}

	result.duration = time.Since(startTime)
	result.output = cfg.OutputFile
	printSummary(result)
}

func checkOptions(opts options) error {
	switch opts.kind {
	case kindCatalog:
		if opts.url == "" && opts.file == "" {
			return errors.New("catalog needs -url or -file")
		}
	case kindRSS:
		if opts.url == "" {
			return errors.New("rss needs -url")
		}
		if opts.file != "" {
			return errors.New("-file is only supported for catalogs")
		}
	default:
		return fmt.Errorf("unknown kind %q", opts.kind)
	}
	return nil
}

// applyFlags lets explicitly set flags override file and environment values.
func applyFlags(cfg *config.Config, opts options) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "output":
			cfg.OutputFile = opts.output
		case "format":
			cfg.OutputFormat = strings.ToLower(opts.format)
		case "timeout":
			cfg.RelayTimeout = opts.timeout
		case "max-pages":
			cfg.MaxPages = opts.maxPages
		case "metrics-addr":
			cfg.MetricsAddr = opts.metricsAddr
		case "v":
			cfg.Verbose = opts.verbose
		}
	})
}

type summary struct {
	title     string
	records   int
	pages     int
	stop      string
	pipeline  map[string]interface{}
	duration  time.Duration
	output    string
	fromFile  bool
	shopDate  string
	itemsKind string
}

func runCatalog(ctx context.Context, svc *acquire.Service, cfg *config.Config, opts options) (summary, error) {
	progress := progressLogger()

	var (
		feed *models.ProductFeedData
		err  error
	)
	if opts.file != "" {
		slog.Info("reading local catalog", slog.String("file", opts.file))
		feed, err = svc.CatalogFile(opts.file, progress)
	} else {
		slog.Info("acquiring catalog", slog.String("url", opts.url), slog.Int("relays", len(cfg.Relays)))
		feed, err = svc.Catalog(ctx, opts.url, progress)
	}
	if err != nil {
		return summary{}, err
	}

	metrics, err := export(ctx, cfg, feed.Offers, pipeline.OfferStage)
	if err != nil {
		return summary{}, err
	}
	return summary{
		title:     feed.ShopName,
		records:   len(feed.Offers),
		pipeline:  metrics,
		fromFile:  opts.file != "",
		shopDate:  feed.Date,
		itemsKind: "offers",
	}, nil
}

func runSyndication(ctx context.Context, svc *acquire.Service, cfg *config.Config, opts options) (summary, error) {
	slog.Info("crawling feed", slog.String("url", opts.url), slog.Int("max_pages", cfg.MaxPages))
	feed, err := svc.Syndication(ctx, opts.url)
	if err != nil {
		return summary{}, err
	}

	metrics, err := export(ctx, cfg, feed.Items, pipeline.ItemStage)
	if err != nil {
		return summary{}, err
	}
	return summary{
		title:     feed.Title,
		records:   len(feed.Items),
		pages:     feed.Pages,
		stop:      feed.StopReason,
		pipeline:  metrics,
		itemsKind: "items",
	}, nil
}

// export streams records through the pipeline into the configured writer.
func export[T pipeline.Record](ctx context.Context, cfg *config.Config, records []T, stage pipeline.Stage[T]) (map[string]interface{}, error) {
	writer, err := pipeline.NewWriter[T](cfg.OutputFormat, cfg.OutputFile)
	if err != nil {
		return nil, fmt.Errorf("creating writer: %w", err)
	}

	p := pipeline.NewPipeline(ctx, writer, cfg, stage)
	p.Start(cfg.Workers)
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	processErr := p.Process(records...)
	closeErr := p.Close()
	writerErr := writer.Close()
	if err := errors.Join(processErr, closeErr, writerErr); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if err := writer.Validate(); err != nil {
		return nil, fmt.Errorf("output validation: %w", err)
	}
	return p.GetMetrics(), nil
}

func startMetricsServer(addr string, metrics *fetcher.Metrics) *http.Server {
	if addr == "" || metrics == nil {
		return nil
	}
	server := &http.Server{
		Addr:    addr,
		Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", addr))
	return server
}

// progressLogger reports download progress at every tenth of the declared
// length, or every mebibyte when the length is unknown.
func progressLogger() stream.ProgressFunc {
	var (
		mu   sync.Mutex
		last int64 = -1
	)
	return func(p stream.Progress) {
		step := p.Loaded >> 20
		pct, known := p.Percent()
		if known {
			step = int64(pct) / 10
		}

		mu.Lock()
		defer mu.Unlock()
		if step <= last {
			return
		}
		last = step
		if known {
			slog.Info("download progress", slog.Int64("loaded", p.Loaded), slog.String("percent", fmt.Sprintf("%.0f%%", pct)))
			return
		}
		slog.Info("download progress", slog.Int64("loaded", p.Loaded))
	}
}

func logFailure(err error) {
	var agg *fetcher.AggregateFailure
	if errors.As(err, &agg) {
		for _, line := range agg.Detail() {
			slog.Error("relay failed", slog.String("detail", line))
		}
		slog.Error("acquisition failed",
			slog.String("url", agg.Target),
			slog.String("hint", fetcher.ManualUploadHint),
		)
		return
	}
	if errors.Is(err, context.Canceled) {
		slog.Error("acquisition cancelled")
		return
	}
	slog.Error("acquisition failed", slog.Any("error", err))
}

func printSummary(s summary) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Acquisition complete")

	if s.title != "" {
		fmt.Printf("  Feed:          %s\n", s.title)
	}
	if s.shopDate != "" {
		fmt.Printf("  Catalog date:  %s\n", s.shopDate)
	}
	if s.fromFile {
		fmt.Println("  Source:        local file")
	}
	fmt.Printf("  Total %-8s %d\n", s.itemsKind+":", s.records)
	if s.pages > 0 {
		fmt.Printf("  Pages:         %d\n", s.pages)
		fmt.Printf("  Stop reason:   %s\n", s.stop)
	}
	if processed, ok := s.pipeline["processed_records"].(int64); ok {
		fmt.Printf("  Exported:      %d\n", processed)
	}
	if valErrors, ok := s.pipeline["validation_errors"].(map[string]int); ok && len(valErrors) > 0 {
		fmt.Printf("  Validation:    %v\n", valErrors)
	}
	fmt.Printf("  Duration:      %v\n", s.duration)
	fmt.Printf("  Output file:   %s\n", s.output)
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	replaceAttrs := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			if source, ok := a.Value.Any().(*slog.Source); ok {
				source.File = filepath.Base(source.File)
			}
		}
		return a
	}

	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			AddSource:   verbose,
			Level:       level,
			ReplaceAttr: replaceAttrs,
			TimeFormat:  time.Kitchen,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			AddSource:   verbose,
			Level:       level,
			ReplaceAttr: replaceAttrs,
		})
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
