package matrix

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/map-harvester/internal/harvest"
)

const sampleYAML = `
default_exclude_set: global
exclude_sets:
  - name: global
    phrases: ["permanently closed"]
  - name: chains
    phrases: ["starbucks", "costa"]
cities:
  - name: Kazan
  - name: Samara
    enabled: false
  - name: Perm
requests:
  - query: coffee
    exclude_set: chains
categories:
  - name: cafe
  - name: bakery
    enabled: true
  - name: bar
    enabled: false
`

func TestLoadDropsDisabledRows(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "matrix.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	m, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []harvest.City{{Name: "Kazan"}, {Name: "Perm"}}, m.Cities)
	require.Equal(t, []harvest.Request{{Query: "coffee", ExcludeSet: "chains"}}, m.Requests)
	require.Equal(t, []harvest.Category{{Name: "cafe"}, {Name: "bakery"}}, m.Categories)
	require.Equal(t, "global", m.DefaultExcludeSet)
	require.Equal(t, 4, m.Size())

	set, ok := m.ExcludeSet("chains")
	require.True(t, ok)
	require.Equal(t, []string{"starbucks", "costa"}, set.Phrases)
}

func TestReadJSON(t *testing.T) {
	t.Parallel()

	body := `{"cities":[{"name":"A"}],"requests":[{"query":"q"}],"categories":[{"name":"c"}]}`
	m, err := Read(strings.NewReader(body), "json")
	require.NoError(t, err)
	require.Equal(t, 1, m.Size())
}

func TestLoadValidates(t *testing.T) {
	t.Parallel()

	body := `
cities: [{name: A}]
requests: [{query: q, exclude_set: missing}]
categories: [{name: c}]
`
	_, err := Read(strings.NewReader(body), "yaml")
	require.ErrorIs(t, err, harvest.ErrConfiguration)

	allDisabled := `
cities: [{name: A, enabled: false}]
requests: [{query: q}]
categories: [{name: c}]
`
	_, err = Read(strings.NewReader(allDisabled), "yaml")
	require.ErrorIs(t, err, harvest.ErrConfiguration)
}

func TestLoadRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Load("")
	require.ErrorIs(t, err, harvest.ErrConfiguration)

	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
