// Package uuid generates run ids and lease owner ids.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUIDv7 strings, which sort by creation time.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NewOwner returns a lease owner id of the form "<prefix>-<uuid7>".
func (g Generator) NewOwner(prefix string) (string, error) {
	id, err := g.NewID()
	if err != nil {
		return "", err
	}
	if prefix == "" {
		return id, nil
	}
	return prefix + "-" + id, nil
}
