// Package collyfetcher implements harvest.Fetcher over plain HTTP using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/map-harvester/internal/fetcher"
	"github.com/JakeFAU/map-harvester/internal/harvest"
	"github.com/JakeFAU/map-harvester/internal/headless/detector"
)

const defaultTimeout = 15 * time.Second

// Fetcher implements harvest.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           fetcher.Config
	extractor     *fetcher.Extractor
	transport     http.RoundTripper
	baseCollector *colly.Collector
	logger        *zap.Logger

	// Optional: result pages that look client-rendered are re-fetched here.
	fallback harvest.Fetcher
	detector *detector.Heuristic
}

var _ harvest.Fetcher = (*Fetcher)(nil)

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type page struct {
	url    string
	status int
	body   []byte
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithFallback promotes map-shell and consent-wall result pages to next,
// typically the headless fetcher.
func WithFallback(next harvest.Fetcher, h *detector.Heuristic) Option {
	return func(f *Fetcher) {
		f.fallback = next
		f.detector = h
	}
}

// WithLogger sets the fetcher's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New builds a Fetcher.
func New(cfg fetcher.Config, opts ...Option) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	extractor, err := fetcher.NewExtractor(cfg)
	if err != nil {
		return nil, err
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())

	transport := http.RoundTripper(newHTTPTransport())
	if cfg.RespectRobots {
		transport = newRobotsCache(transport)
	}
	c.WithTransport(transport)

	f := &Fetcher{
		cfg:           cfg,
		extractor:     extractor,
		transport:     transport,
		baseCollector: c,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.detector == nil {
		f.detector = detector.NewHeuristic(0)
	}
	return f, nil
}

// Fetch queries the provider for one unit and extracts its listings.
func (f *Fetcher) Fetch(ctx context.Context, req harvest.FetchRequest) ([]harvest.RawListing, error) {
	target, err := fetcher.BuildURL(f.cfg.URLTemplate, req)
	if err != nil {
		return nil, err
	}
	var (
		result   page
		fetchErr error
	)
	collector := f.buildCollector(f.timeout(req), &result, &fetchErr)
	if err := f.runCollector(ctx, collector, target, &fetchErr); err != nil {
		return nil, err
	}
	if err := fetcher.ClassifyStatus(result.status); err != nil {
		return nil, err
	}
	listings, err := f.extractor.Extract(result.body, result.url)
	if err != nil {
		return nil, err
	}
	verdict := f.detector.Classify(detector.Page{
		StatusCode: result.status,
		Body:       result.body,
		Listings:   len(listings),
	})
	switch {
	case verdict.Decision == detector.Blocked:
		// An empty Done here would silently lose the unit's listings.
		return nil, harvest.Transient(fmt.Errorf("%w at %s (%s)", fetcher.ErrCaptcha, result.url, verdict.Reason))
	case verdict.Decision == detector.Promote && f.fallback != nil:
		f.logger.Debug("promoting to headless",
			zap.String("run_id", req.RunID),
			zap.Int64("unit", req.Ordinal),
			zap.String("url", result.url),
			zap.String("reason", verdict.Reason),
		)
		return f.fallback.Fetch(ctx, req)
	}
	return listings, nil
}

func (f *Fetcher) timeout(req harvest.FetchRequest) time.Duration {
	switch {
	case req.Timeout > 0:
		return req.Timeout
	case f.cfg.Timeout > 0:
		return f.cfg.Timeout
	default:
		return defaultTimeout
	}
}

func (f *Fetcher) buildCollector(timeout time.Duration, result *page, fetchErr *error) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(f.transport)

	f.configureCollectorHooks(collector, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, result *page, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*result = page{
			url:    r.Request.URL.String(),
			status: r.StatusCode,
			body:   append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			if classified := fetcher.ClassifyStatus(r.StatusCode); classified != nil {
				*fetchErr = classified
				return
			}
		}
		*fetchErr = classifyTransportError(err)
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return harvest.Transient(fmt.Errorf("colly fetch canceled: %w", ctx.Err()))
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return classifyTransportError(fmt.Errorf("colly visit failed: %w", err))
		}
		return nil
	}
}

func classifyTransportError(err error) error {
	if errors.Is(err, colly.ErrRobotsTxtBlocked) || errors.Is(err, colly.ErrForbiddenURL) {
		return harvest.Permanent(err)
	}
	return harvest.Transient(err)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
