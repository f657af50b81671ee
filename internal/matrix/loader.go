// Package matrix loads the city, request and category dimensions of a harvest
// from a YAML, JSON or TOML file.
package matrix

import (
	"fmt"
	"io"

	"github.com/spf13/viper"

	"github.com/JakeFAU/map-harvester/internal/harvest"
)

// fileRow carries the per-row enabled flag that never reaches harvest.Matrix.
type fileRow struct {
	Name       string `mapstructure:"name"`
	Query      string `mapstructure:"query"`
	ExcludeSet string `mapstructure:"exclude_set"`
	Enabled    *bool  `mapstructure:"enabled"`
}

func (r fileRow) enabled() bool {
	return r.Enabled == nil || *r.Enabled
}

type fileMatrix struct {
	Cities            []fileRow            `mapstructure:"cities"`
	Requests          []fileRow            `mapstructure:"requests"`
	Categories        []fileRow            `mapstructure:"categories"`
	ExcludeSets       []harvest.ExcludeSet `mapstructure:"exclude_sets"`
	DefaultExcludeSet string               `mapstructure:"default_exclude_set"`
}

// Load reads and validates the matrix at path. The extension picks the format.
func Load(path string) (harvest.Matrix, error) {
	if path == "" {
		return harvest.Matrix{}, harvest.NewConfigurationError("matrix.path is required")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return harvest.Matrix{}, fmt.Errorf("read matrix: %w", err)
	}
	return decode(v)
}

// Read parses a matrix of the given format ("yaml", "json", "toml") from r.
func Read(r io.Reader, format string) (harvest.Matrix, error) {
	v := viper.New()
	v.SetConfigType(format)
	if err := v.ReadConfig(r); err != nil {
		return harvest.Matrix{}, fmt.Errorf("read matrix: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (harvest.Matrix, error) {
	var raw fileMatrix
	if err := v.Unmarshal(&raw); err != nil {
		return harvest.Matrix{}, fmt.Errorf("unmarshal matrix: %w", err)
	}
	m := harvest.Matrix{
		ExcludeSets:       raw.ExcludeSets,
		DefaultExcludeSet: raw.DefaultExcludeSet,
	}
	for _, row := range raw.Cities {
		if row.enabled() {
			m.Cities = append(m.Cities, harvest.City{Name: row.Name})
		}
	}
	for _, row := range raw.Requests {
		if row.enabled() {
			m.Requests = append(m.Requests, harvest.Request{Query: row.Query, ExcludeSet: row.ExcludeSet})
		}
	}
	for _, row := range raw.Categories {
		if row.enabled() {
			m.Categories = append(m.Categories, harvest.Category{Name: row.Name, ExcludeSet: row.ExcludeSet})
		}
	}
	if err := m.Validate(); err != nil {
		return harvest.Matrix{}, err
	}
	return m, nil
}
