// Package headless fetches result pages that need JavaScript by rendering
// them in headless Chrome.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/map-harvester/internal/fetcher"
	"github.com/JakeFAU/map-harvester/internal/harvest"
)

const defaultNavTimeout = 45 * time.Second

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	// SettleDelay gives client-side rendering time after the body is ready.
	SettleDelay time.Duration `mapstructure:"settle_delay"`
}

// Fetcher implements harvest.Fetcher using chromedp.
type Fetcher struct {
	cfg         Config
	page        fetcher.Config
	extractor   *fetcher.Extractor
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

var _ harvest.Fetcher = (*Fetcher)(nil)

// NewChromedp creates a headless fetcher. Chrome starts lazily on first fetch.
func NewChromedp(page fetcher.Config, cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, harvest.NewConfigurationError("fetcher.headless.max_parallel must be >= 0")
	}
	if err := page.Validate(); err != nil {
		return nil, err
	}
	extractor, err := fetcher.NewExtractor(page)
	if err != nil {
		return nil, err
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		page:        page,
		extractor:   extractor,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() error {
	f.allocCancel()
	return nil
}

// Fetch renders the unit's result page and extracts listings from the DOM.
func (f *Fetcher) Fetch(ctx context.Context, req harvest.FetchRequest) ([]harvest.RawListing, error) {
	target, err := fetcher.BuildURL(f.page.URLTemplate, req)
	if err != nil {
		return nil, err
	}
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()
	// The browser context is detached from ctx, so follow ctx by hand.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.navTimeout(req))
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	html, finalURL, err := f.render(taskCtx, target)
	if err != nil {
		if ctx.Err() != nil {
			return nil, harvest.Transient(fmt.Errorf("headless fetch canceled: %w", ctx.Err()))
		}
		return nil, harvest.Transient(err)
	}
	status, pageURL := meta.snapshotWithFallbacks(target, finalURL)
	if err := fetcher.ClassifyStatus(status); err != nil {
		return nil, err
	}
	return f.extractor.Extract([]byte(html), pageURL)
}

func (f *Fetcher) render(ctx context.Context, target string) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.page.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.page.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return harvest.Transient(fmt.Errorf("headless slot wait canceled: %w", ctx.Err()))
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

// navTimeout is the tighter of the unit's fetch timeout and the configured
// navigation timeout.
func (f *Fetcher) navTimeout(req harvest.FetchRequest) time.Duration {
	nav := f.cfg.NavigationTimeout
	if nav <= 0 {
		nav = defaultNavTimeout
	}
	if req.Timeout > 0 && req.Timeout < nav {
		return req.Timeout
	}
	return nav
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// snapshotWithFallbacks prefers the last document response, then the final
// location, then the requested URL. A page with no observed response is 200.
func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case finalURL != "":
		url = finalURL
	case url == "":
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}
