// Package fetcher holds the provider-independent half of the Fetcher
// capability: URL templating, HTML listing extraction, and failure
// classification. The transports live in fetcher/colly and fetcher/headless.
package fetcher

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/map-harvester/internal/harvest"
)

// ErrCaptcha is wrapped into a transient FetchError when the provider serves
// a challenge page instead of results.
var ErrCaptcha = errors.New("captcha page")

// Selectors are CSS selectors evaluated relative to each listing container.
type Selectors struct {
	Listing string `mapstructure:"listing"`
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`
	Phone   string `mapstructure:"phone"`
	Website string `mapstructure:"website"`
	Rating  string `mapstructure:"rating"`
	Reviews string `mapstructure:"reviews"`
	Link    string `mapstructure:"link"`
}

// Config describes how to query the provider and read its result page.
type Config struct {
	// URLTemplate may contain {city}, {request} and {category}.
	URLTemplate string    `mapstructure:"url_template"`
	UserAgent   string    `mapstructure:"user_agent"`
	Selectors   Selectors `mapstructure:"selectors"`
	// IDPattern's first capture group extracts the provider id from a listing link.
	IDPattern     string `mapstructure:"id_pattern"`
	CaptchaMarker string `mapstructure:"captcha_marker"`
	RespectRobots bool   `mapstructure:"respect_robots"`
	// Timeout caps a fetch when the request carries none.
	Timeout time.Duration `mapstructure:"timeout"`
}

// Validate reports configuration problems before any fetch runs.
func (c Config) Validate() error {
	if strings.TrimSpace(c.URLTemplate) == "" {
		return harvest.NewConfigurationError("fetcher.url_template is required")
	}
	if !strings.Contains(c.URLTemplate, "{request}") {
		return harvest.NewConfigurationError("fetcher.url_template must contain {request}")
	}
	if c.Selectors.Listing == "" || c.Selectors.Name == "" {
		return harvest.NewConfigurationError("fetcher.selectors.listing and fetcher.selectors.name are required")
	}
	if c.IDPattern != "" {
		re, err := regexp.Compile(c.IDPattern)
		if err != nil {
			return harvest.NewConfigurationError("fetcher.id_pattern: %v", err)
		}
		if re.NumSubexp() < 1 {
			return harvest.NewConfigurationError("fetcher.id_pattern needs a capture group")
		}
	}
	return nil
}

// BuildURL fills the template for one unit. Values are query-escaped.
func BuildURL(template string, req harvest.FetchRequest) (string, error) {
	r := strings.NewReplacer(
		"{city}", url.QueryEscape(req.City),
		"{request}", url.QueryEscape(req.Request),
		"{category}", url.QueryEscape(req.Category),
	)
	raw := r.Replace(template)
	u, err := url.Parse(raw)
	if err != nil {
		return "", harvest.Permanent(fmt.Errorf("build url: %w", err))
	}
	if u.Scheme == "" || u.Host == "" {
		return "", harvest.Permanent(fmt.Errorf("build url: %q is not absolute", raw))
	}
	return u.String(), nil
}

// ClassifyStatus maps an HTTP status to nil, a transient, or a permanent error.
func ClassifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return harvest.Transient(fmt.Errorf("HTTP %d", code))
	default:
		return harvest.Permanent(fmt.Errorf("HTTP %d", code))
	}
}

// Classify leaves classified errors alone and marks everything else transient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var fe *harvest.FetchError
	if errors.As(err, &fe) {
		return err
	}
	return harvest.Transient(err)
}

// Extractor turns a result page into raw listings.
type Extractor struct {
	sel     Selectors
	id      *regexp.Regexp
	captcha string
}

// NewExtractor compiles cfg's selectors and id pattern.
func NewExtractor(cfg Config) (*Extractor, error) {
	if cfg.Selectors.Listing == "" || cfg.Selectors.Name == "" {
		return nil, harvest.NewConfigurationError("fetcher.selectors.listing and fetcher.selectors.name are required")
	}
	e := &Extractor{sel: cfg.Selectors, captcha: cfg.CaptchaMarker}
	if cfg.IDPattern != "" {
		re, err := regexp.Compile(cfg.IDPattern)
		if err != nil {
			return nil, harvest.NewConfigurationError("fetcher.id_pattern: %v", err)
		}
		e.id = re
	}
	return e, nil
}

// Extract parses body, fetched from pageURL, into listings. A captcha page is
// a transient failure; an empty result page is not an error.
func (e *Extractor) Extract(body []byte, pageURL string) ([]harvest.RawListing, error) {
	if isCaptchaURL(pageURL) {
		return nil, harvest.Transient(fmt.Errorf("%w at %s", ErrCaptcha, pageURL))
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, harvest.Transient(fmt.Errorf("parse result page: %w", err))
	}
	if e.isCaptcha(doc) {
		return nil, harvest.Transient(fmt.Errorf("%w at %s", ErrCaptcha, pageURL))
	}
	base, _ := url.Parse(pageURL)

	var listings []harvest.RawListing
	doc.Find(e.sel.Listing).Each(func(_ int, s *goquery.Selection) {
		listing := harvest.RawListing{
			Name:    text(s, e.sel.Name),
			Address: text(s, e.sel.Address),
			Phone:   text(s, e.sel.Phone),
			Rating:  text(s, e.sel.Rating),
			Reviews: text(s, e.sel.Reviews),
			Website: href(s, e.sel.Website, nil),
			URL:     href(s, e.sel.Link, base),
		}
		if e.id != nil && listing.URL != "" {
			if m := e.id.FindStringSubmatch(listing.URL); len(m) > 1 {
				listing.ProviderID = m[1]
			}
		}
		if listing.Name == "" && listing.ProviderID == "" {
			return
		}
		listings = append(listings, listing)
	})
	return listings, nil
}

func (e *Extractor) isCaptcha(doc *goquery.Document) bool {
	if e.captcha != "" && doc.Find(e.captcha).Length() > 0 {
		return true
	}
	title := strings.ToLower(doc.Find("title").First().Text())
	return strings.Contains(title, "captcha")
}

func isCaptchaURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(u.Host+u.Path), "captcha")
}

func text(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.Join(strings.Fields(s.Find(selector).First().Text()), " ")
}

func href(s *goquery.Selection, selector string, base *url.URL) string {
	if selector == "" {
		return ""
	}
	node := s.Find(selector).First()
	raw, ok := node.Attr("href")
	if !ok {
		return strings.TrimSpace(node.Text())
	}
	raw = strings.TrimSpace(raw)
	if base == nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}
