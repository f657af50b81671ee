// Package detector classifies a provider's result page when plain HTTP
// extraction found no listings: a genuine empty search, a client-rendered
// map shell that needs a browser, or an interstitial that blocked the query.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Page is what the HTTP fetcher saw for one unit.
type Page struct {
	StatusCode int
	Body       []byte
	// Listings is the number of listings extracted from Body.
	Listings int
}

// Decision is what the fetcher should do with a page.
type Decision int

// Decisions.
const (
	// Keep accepts the extracted listings, possibly none.
	Keep Decision = iota
	// Promote re-fetches the unit in a headless browser.
	Promote
	// Blocked fails the attempt; the provider served a challenge instead of results.
	Blocked
)

func (d Decision) String() string {
	switch d {
	case Keep:
		return "keep"
	case Promote:
		return "promote"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Verdict is a Decision with the signal that produced it.
type Verdict struct {
	Decision Decision
	Reason   string
}

// Heuristic classifies pages by marker strings and, for small pages, by
// how little visible text survives once scripts are stripped.
type Heuristic struct {
	// ShellBytes bounds the page size considered for the visible-text test.
	ShellBytes int
}

// NewHeuristic creates a detector; shellBytes 0 means 2048.
func NewHeuristic(shellBytes int) *Heuristic {
	if shellBytes == 0 {
		shellBytes = 2048
	}
	return &Heuristic{ShellBytes: shellBytes}
}

// Marker sets are matched case-insensitively against the raw body.
var (
	challengeMarkers = []string{
		"g-recaptcha",
		"h-captcha",
		"smartcaptcha",
		"cf-challenge",
		"/sorry/index",
		"unusual traffic from your computer",
		"are you a robot",
	}
	consentMarkers = []string{
		"consent.google.",
		"id=\"consent-bump\"",
		"before you continue to google",
		"cookie-consent",
		"gdpr-consent",
	}
	emptyMarkers = []string{
		"no results found",
		"nothing found",
		"did not match any",
		"ничего не найдено",
	}
	shellMarkers = []string{
		"window.app_initialization_state",
		"__next_data__",
		"id=\"__next\"",
		"data-reactroot",
		"id=\"root\"",
		"id=\"app\"",
		"ymaps.ready",
		"mapboxgl.map",
	}
)

// minVisibleText is the visible text, in bytes, a rendered result list has at least.
const minVisibleText = 64

// Classify decides what to do with page. Pages that yielded listings or a
// non-200 status are kept as they are; status classification happens upstream.
func (h *Heuristic) Classify(page Page) Verdict {
	if page.Listings > 0 {
		return Verdict{Keep, "listings extracted"}
	}
	if page.StatusCode != http.StatusOK {
		return Verdict{Keep, "non-200 status"}
	}
	if len(bytes.TrimSpace(page.Body)) == 0 {
		return Verdict{Promote, "empty body"}
	}

	lower := bytes.ToLower(page.Body)
	if m, ok := firstMarker(lower, challengeMarkers); ok {
		return Verdict{Blocked, "challenge page: " + m}
	}
	if m, ok := firstMarker(lower, consentMarkers); ok {
		return Verdict{Promote, "consent wall: " + m}
	}
	if m, ok := firstMarker(lower, emptyMarkers); ok {
		return Verdict{Keep, "provider reported no results: " + m}
	}
	if m, ok := firstMarker(lower, shellMarkers); ok {
		return Verdict{Promote, "map app shell: " + m}
	}
	if len(page.Body) < h.ShellBytes && visibleText(page.Body) < minVisibleText {
		return Verdict{Promote, "script-only page"}
	}
	return Verdict{Keep, "static page without listings"}
}

// ShouldPromote reports whether page needs a headless re-fetch.
func (h *Heuristic) ShouldPromote(page Page) bool {
	return h.Classify(page).Decision == Promote
}

func firstMarker(body []byte, markers []string) (string, bool) {
	for _, m := range markers {
		if bytes.Contains(body, []byte(m)) {
			return m, true
		}
	}
	return "", false
}

// visibleText counts the body text left once script, style, and template
// content is removed.
func visibleText(body []byte) int {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return len(body)
	}
	doc.Find("script, style, noscript, template").Remove()
	return len(strings.Join(strings.Fields(doc.Find("body").Text()), " "))
}
