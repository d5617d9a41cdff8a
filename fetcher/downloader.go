// Package fetcher retrieves feed text by racing a fixed set of relays and
// keeping the first body that passes validation.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/aluiziolira/go-feed-acquire/config"
	"github.com/aluiziolira/go-feed-acquire/stream"
	"github.com/aluiziolira/go-feed-acquire/validator"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const acceptHeader = "application/xml, text/xml, application/rss+xml, application/atom+xml, application/json;q=0.9, */*;q=0.8"

// Fetcher retrieves the text of one feed document.
type Fetcher interface {
	Fetch(ctx context.Context, target string, kind validator.Kind, onProgress stream.ProgressFunc) (string, error)
}

// Downloader races every configured relay for a target and returns the first
// validated body. It is safe for concurrent use.
type Downloader struct {
	client     *http.Client
	strategies []Strategy
	timeout    time.Duration
	userAgent  string
	now        func() time.Time
	Metrics    *Metrics
}

// NewDownloader builds a downloader from cfg.
func NewDownloader(cfg *config.Config) (*Downloader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Downloader{
		client:     &http.Client{Transport: transport},
		strategies: strategiesFrom(cfg.Relays),
		timeout:    cfg.RelayTimeout,
		userAgent:  cfg.UserAgent,
		now:        time.Now,
		Metrics:    NewMetrics(),
	}, nil
}

// WithTransport replaces the HTTP transport used by every relay attempt.
func (d *Downloader) WithTransport(rt http.RoundTripper) {
	d.client.Transport = rt
}

// Strategies returns a copy of the relay strategies in race order.
func (d *Downloader) Strategies() []Strategy {
	out := make([]Strategy, len(d.strategies))
	copy(out, d.strategies)
	return out
}

// Fetch retrieves target through all relays at once. The first body that
// passes validator.Check for kind wins and the remaining attempts are
// cancelled. When every relay fails the error is an *AggregateFailure with
// one entry per relay. onProgress may be nil; it never observes a byte count
// lower than one it has already seen and is never called concurrently.
func (d *Downloader) Fetch(ctx context.Context, target string, kind validator.Kind, onProgress stream.ProgressFunc) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	busted := CacheBust(target, d.now())
	monitor := &progressMonitor{fn: onProgress}
	start := time.Now()

	text, winner, errs := raceFirst(ctx, len(d.strategies), func(ctx context.Context, i int) (string, error) {
		return d.attempt(ctx, d.strategies[i], busted, kind, monitor)
	})
	if winner >= 0 {
		d.Metrics.IncRace("won")
		slog.Info("relay race won",
			slog.String("relay", d.strategies[winner].Name),
			slog.String("url", target),
			slog.Int("bytes", len(text)),
			slog.Duration("elapsed", time.Since(start)),
		)
		return text, nil
	}

	if err := ctx.Err(); err != nil {
		d.Metrics.IncRace("canceled")
		return "", err
	}

	failure := &AggregateFailure{Target: target, Attempts: make([]AttemptFailure, len(d.strategies))}
	for i, s := range d.strategies {
		failure.Attempts[i] = AttemptFailure{Relay: s.Name, Err: errs[i]}
	}
	d.Metrics.IncRace("failed")
	return "", failure
}

func (d *Downloader) attempt(parent context.Context, s Strategy, target string, kind validator.Kind, monitor *progressMonitor) (text string, err error) {
	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()

	relayURL := s.Wrap(target)
	started := time.Now()
	var received int64

	slog.Debug("relay attempt started", slog.String("relay", s.Name), slog.String("url", relayURL))
	defer func() {
		d.Metrics.ObserveDuration(time.Since(started))
		d.Metrics.AddBytes(received)
		switch {
		case err == nil:
			d.Metrics.IncAttempt(s.Name, "success")
		case errors.Is(parent.Err(), context.Canceled):
			// Another relay won or the caller gave up.
			d.Metrics.IncAttempt(s.Name, "canceled")
			slog.Debug("relay attempt cancelled", slog.String("relay", s.Name))
		default:
			category := errorTypeLabel(err)
			d.Metrics.IncAttempt(s.Name, "failed")
			d.Metrics.IncError(category)
			slog.Warn("relay attempt failed",
				slog.String("relay", s.Name),
				slog.String("category", category),
				slog.Duration("elapsed", time.Since(started)),
				slog.Any("error", err),
			)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, relayURL, nil)
	if err != nil {
		return "", &TransportError{Relay: s.Name, Stage: StageRequest, Err: err}
	}
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept", acceptHeader)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", &TransportError{Relay: s.Name, Stage: StageRequest, Err: classifyError(withDeadline(ctx, err), 0)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", &TransportError{Relay: s.Name, Stage: StageStatus, Err: classifyError(nil, resp.StatusCode)}
	}

	body, err := stream.Decode(resp.Body, stream.MetaFromResponse(resp), func(p stream.Progress) {
		received = p.Loaded
		monitor.report(p)
	})
	if err != nil {
		return "", &TransportError{Relay: s.Name, Stage: StageRead, Err: classifyError(withDeadline(ctx, err), 0)}
	}

	if s.Shape == config.ShapeJSON {
		if body, err = unwrapEnvelope(body); err != nil {
			return "", &TransportError{Relay: s.Name, Stage: StageEnvelope, Err: err}
		}
	}

	verdict := validator.Check(body, kind)
	if !verdict.Accepted {
		return "", &ValidationError{Relay: s.Name, Reason: verdict.Reason, Snippet: verdict.Snippet}
	}
	if verdict.Warning != "" {
		slog.Warn("accepted content without expected root",
			slog.String("relay", s.Name),
			slog.String("kind", kind.String()),
			slog.String("warning", verdict.Warning),
		)
	}
	return body, nil
}

// envelope is the JSON body returned by relays that wrap the target response.
type envelope struct {
	Contents *string `json:"contents"`
	Status   struct {
		HTTPCode int `json:"http_code"`
	} `json:"status"`
}

func unwrapEnvelope(body string) (string, error) {
	var env envelope
	if err := json.UnmarshalFromString(body, &env); err != nil {
		return "", fmt.Errorf("decode json envelope: %w", err)
	}
	if code := env.Status.HTTPCode; code >= http.StatusBadRequest {
		return "", classifyError(nil, code)
	}
	if env.Contents == nil || *env.Contents == "" {
		return "", errors.New("json envelope has no contents")
	}
	return *env.Contents, nil
}

// withDeadline makes a read or dial error caused by the attempt timeout
// recognisable as a timeout.
func withDeadline(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

// progressMonitor merges progress from concurrent attempts into a single
// non-decreasing sequence.
type progressMonitor struct {
	mu   sync.Mutex
	fn   stream.ProgressFunc
	best int64
}

func (m *progressMonitor) report(p stream.Progress) {
	if m.fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Loaded <= m.best {
		return
	}
	m.best = p.Loaded
	m.fn(p)
}
