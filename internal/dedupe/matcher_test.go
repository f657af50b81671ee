package dedupe

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/map-harvester/internal/harvest"
	"github.com/JakeFAU/map-harvester/internal/hash/sha256"
)

func TestMatchers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mode    ExcludeMode
		phrases []string
		text    string
		want    bool
	}{
		{"substring hit", ExcludeSubstring, []string{"Star"}, "STARBUCKS", true},
		{"substring miss", ExcludeSubstring, []string{"dunkin"}, "Starbucks", false},
		{"blank phrases ignored", ExcludeSubstring, []string{"", "  "}, "anything", false},
		{"default mode is substring", "", []string{"bucks"}, "Starbucks", true},
		{"token whole word", ExcludeToken, []string{"star"}, "Starbucks", false},
		{"token all words", ExcludeToken, []string{"coffee house"}, "The House of Coffee", true},
		{"token partial phrase", ExcludeToken, []string{"coffee house"}, "Coffee Bar", false},
		{"regex", ExcludeRegex, []string{`^mc\w+`}, "McDonald's", true},
		{"regex miss", ExcludeRegex, []string{`^mc\w+`}, "Big Mac", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m, err := CompileExcludes(tc.mode, tc.phrases)
			require.NoError(t, err)
			require.Equal(t, tc.want, m.Match(tc.text))
		})
	}
}

func TestCompileExcludesErrors(t *testing.T) {
	t.Parallel()

	_, err := CompileExcludes(ExcludeRegex, []string{"[a-"})
	require.ErrorIs(t, err, harvest.ErrConfiguration)

	_, err = CompileExcludes("glob", nil)
	require.ErrorIs(t, err, harvest.ErrConfiguration)
}

func TestNormalizeText(t *testing.T) {
	t.Parallel()

	require.Equal(t, "blue bottle coffee", NormalizeText("  Blue   Bottle (Downtown) Coffee [2nd floor] "))
	require.Equal(t, "", NormalizeText("(only brackets)"))
	require.Equal(t, "a b", NormalizeText("A)\tB"))
}

func TestIdentityModes(t *testing.T) {
	t.Parallel()

	provider, err := NewIdentifier(IdentityProvider, sha256.New())
	require.NoError(t, err)
	byName, err := NewIdentifier(IdentityNameAddress, sha256.New())
	require.NoError(t, err)

	a := harvest.RawListing{ProviderID: " ABC ", Name: "Blue Bottle", Address: "1 Main St"}
	b := harvest.RawListing{ProviderID: "xyz", Name: "blue  bottle (new)", Address: "1 MAIN ST"}

	idA, ok, err := provider.Identity(a)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "id:abc", idA)

	hashA, _, err := byName.Identity(a)
	require.NoError(t, err)
	hashB, _, err := byName.Identity(b)
	require.NoError(t, err)
	require.Equal(t, hashA, hashB)

	_, ok, err = provider.Identity(harvest.RawListing{Address: "1 Main St"})
	require.NoError(t, err)
	require.False(t, ok)
}
