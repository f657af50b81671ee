package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(512)
	filler := "<p>" + strings.Repeat("Open until 22:00 · Coffee shop · ", 20) + "</p>"
	cases := []struct {
		name   string
		page   Page
		want   Decision
		reason string
	}{
		{name: "has listings", page: Page{StatusCode: 200, Listings: 3, Body: []byte(`g-recaptcha`)}, want: Keep},
		{name: "not found", page: Page{StatusCode: 404, Body: []byte("not found")}, want: Keep},
		{name: "empty body", page: Page{StatusCode: 200, Body: []byte("  \n")}, want: Promote, reason: "empty body"},
		{
			name:   "recaptcha interstitial",
			page:   Page{StatusCode: 200, Body: []byte(`<form id="captcha-form"><div class="g-recaptcha"></div></form>` + filler)},
			want:   Blocked,
			reason: "g-recaptcha",
		},
		{
			name:   "unusual traffic notice",
			page:   Page{StatusCode: 200, Body: []byte(`<p>Our systems have detected Unusual Traffic from your computer network.</p>`)},
			want:   Blocked,
			reason: "unusual traffic",
		},
		{
			name:   "consent wall",
			page:   Page{StatusCode: 200, Body: []byte(`<form action="https://consent.google.com/save">` + filler + `</form>`)},
			want:   Promote,
			reason: "consent wall",
		},
		{
			name:   "provider says nothing matched",
			page:   Page{StatusCode: 200, Body: []byte(`<div id="app"><h2>No results found for "vegan bakery"</h2></div>`)},
			want:   Keep,
			reason: "no results",
		},
		{
			name:   "map app shell",
			page:   Page{StatusCode: 200, Body: []byte(`<script>window.APP_INITIALIZATION_STATE=[[[]]]</script>` + filler)},
			want:   Promote,
			reason: "map app shell",
		},
		{
			name:   "script only",
			page:   Page{StatusCode: 200, Body: []byte(`<html><body><script src="/bundle.js"></script><p>Loading…</p></body></html>`)},
			want:   Promote,
			reason: "script-only",
		},
		{
			name: "static page without listings",
			page: Page{StatusCode: 200, Body: []byte(`<html><body>` + filler + `</body></html>`)},
			want: Keep,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			v := h.Classify(tc.page)
			require.Equal(t, tc.want, v.Decision, v.Reason)
			require.Contains(t, v.Reason, tc.reason)
			require.Equal(t, tc.want == Promote, h.ShouldPromote(tc.page))
		})
	}
}

func TestChallengeBeatsEmptyMarker(t *testing.T) {
	t.Parallel()

	// A challenge page that also says "nothing found" must not be recorded as an empty search.
	v := NewHeuristic(0).Classify(Page{StatusCode: 200, Body: []byte(`<div class="h-captcha"></div><p>Nothing found</p>`)})
	require.Equal(t, Blocked, v.Decision)
}

func TestSmallPagesWithTextAreKept(t *testing.T) {
	t.Parallel()

	body := []byte(`<html><body><script>track()</script><p>` + strings.Repeat("Pharmacy on Bauman street ", 4) + `</p></body></html>`)
	require.Equal(t, Keep, NewHeuristic(0).Classify(Page{StatusCode: 200, Body: body}).Decision)
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	require.Equal(t, 2048, NewHeuristic(0).ShellBytes)
	require.Equal(t, "blocked", Blocked.String())
	require.Equal(t, "unknown", Decision(9).String())
}
