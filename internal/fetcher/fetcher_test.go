package fetcher

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/map-harvester/internal/harvest"
)

const resultPage = `<html><head><title>Coffee in Austin</title></head><body>
<ul>
  <li class="card">
    <a class="title" href="/org/houndstooth/1234567/">Houndstooth   Coffee</a>
    <span class="addr">401 Congress Ave</span>
    <span class="phone">+1 512 555 0100</span>
    <a class="site" href="https://houndstooth.example">site</a>
    <span class="rating">4.7</span><span class="reviews">812</span>
  </li>
  <li class="card">
    <a class="title" href="/org/jos/7654321/">Jo's Coffee</a>
    <span class="addr">1300 S Congress</span>
  </li>
  <li class="card"><span class="addr">no name, no link</span></li>
</ul></body></html>`

func testConfig() Config {
	return Config{
		URLTemplate: "https://maps.example/search?text={request}+{category}&city={city}",
		Selectors: Selectors{
			Listing: "li.card",
			Name:    "a.title",
			Address: ".addr",
			Phone:   ".phone",
			Website: "a.site",
			Rating:  ".rating",
			Reviews: ".reviews",
			Link:    "a.title",
		},
		IDPattern:     `/org/[^/]+/(\d+)`,
		CaptchaMarker: "form#checkbox-captcha-form",
	}
}

func TestExtract(t *testing.T) {
	t.Parallel()

	e, err := NewExtractor(testConfig())
	require.NoError(t, err)

	listings, err := e.Extract([]byte(resultPage), "https://maps.example/search?text=coffee")
	require.NoError(t, err)
	require.Len(t, listings, 2)

	first := listings[0]
	require.Equal(t, "1234567", first.ProviderID)
	require.Equal(t, "Houndstooth Coffee", first.Name)
	require.Equal(t, "401 Congress Ave", first.Address)
	require.Equal(t, "+1 512 555 0100", first.Phone)
	require.Equal(t, "https://houndstooth.example", first.Website)
	require.Equal(t, "4.7", first.Rating)
	require.Equal(t, "812", first.Reviews)
	require.Equal(t, "https://maps.example/org/houndstooth/1234567/", first.URL)

	require.Equal(t, "7654321", listings[1].ProviderID)
	require.Empty(t, listings[1].Phone)
}

func TestExtractEmptyPage(t *testing.T) {
	t.Parallel()

	e, err := NewExtractor(testConfig())
	require.NoError(t, err)
	listings, err := e.Extract([]byte("<html><body><p>Nothing found</p></body></html>"), "https://maps.example/")
	require.NoError(t, err)
	require.Empty(t, listings)
}

func TestExtractCaptcha(t *testing.T) {
	t.Parallel()

	e, err := NewExtractor(testConfig())
	require.NoError(t, err)

	cases := map[string]struct {
		body string
		url  string
	}{
		"marker": {body: `<form id="checkbox-captcha-form"></form>`, url: "https://maps.example/search"},
		"title":  {body: `<title>SmartCaptcha</title>`, url: "https://maps.example/search"},
		"url":    {body: `<p>hi</p>`, url: "https://maps.example/showcaptcha?retpath=x"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := e.Extract([]byte(tc.body), tc.url)
			require.ErrorIs(t, err, ErrCaptcha)
			require.False(t, harvest.IsPermanent(err))
		})
	}
}

func TestBuildURL(t *testing.T) {
	t.Parallel()

	got, err := BuildURL(testConfig().URLTemplate, harvest.FetchRequest{
		City: "San José", Request: "coffee & tea", Category: "cafe",
	})
	require.NoError(t, err)
	require.Equal(t, "https://maps.example/search?text=coffee+%26+tea+cafe&city=San+Jos%C3%A9", got)

	_, err = BuildURL("/relative?q={request}", harvest.FetchRequest{Request: "x"})
	require.True(t, harvest.IsPermanent(err))
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.NoError(t, ClassifyStatus(http.StatusOK))
	for _, code := range []int{408, 429, 500, 502, 503} {
		err := ClassifyStatus(code)
		require.Error(t, err, code)
		require.False(t, harvest.IsPermanent(err), code)
	}
	for _, code := range []int{400, 401, 403, 404, 410} {
		require.True(t, harvest.IsPermanent(ClassifyStatus(code)), code)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	require.NoError(t, Classify(nil))
	perm := harvest.Permanent(errors.New("bad"))
	require.Same(t, perm, Classify(perm))
	require.False(t, harvest.IsPermanent(Classify(context.DeadlineExceeded)))

	var fe *harvest.FetchError
	require.ErrorAs(t, Classify(errors.New("connection reset")), &fe)
	require.Equal(t, harvest.FetchTransient, fe.Kind)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, testConfig().Validate())

	cfg := testConfig()
	cfg.URLTemplate = ""
	require.ErrorIs(t, cfg.Validate(), harvest.ErrConfiguration)

	cfg = testConfig()
	cfg.URLTemplate = "https://maps.example/search"
	require.ErrorIs(t, cfg.Validate(), harvest.ErrConfiguration)

	cfg = testConfig()
	cfg.IDPattern = `/org/\d+`
	require.ErrorIs(t, cfg.Validate(), harvest.ErrConfiguration)

	cfg = testConfig()
	cfg.Selectors.Name = ""
	require.ErrorIs(t, cfg.Validate(), harvest.ErrConfiguration)
	_, err := NewExtractor(cfg)
	require.ErrorIs(t, err, harvest.ErrConfiguration)
}
