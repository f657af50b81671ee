package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/map-harvester/internal/harvest"
)

func TestAttributes(t *testing.T) {
	t.Parallel()

	attrs := Attributes(harvest.UnitCommitted{RunID: "r1", Ordinal: 12, City: "Austin", Category: "cafe"})
	require.Equal(t, map[string]string{
		"run_id":   "r1",
		"ordinal":  "12",
		"city":     "Austin",
		"category": "cafe",
	}, attrs)
}

func TestNewRequiresProject(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.ErrorIs(t, err, harvest.ErrConfiguration)
}

func TestPublishWithoutClient(t *testing.T) {
	t.Parallel()

	p := &Publisher{}
	_, err := p.Publish(context.Background(), "units", harvest.UnitCommitted{})
	require.ErrorContains(t, err, "not configured")
	require.NoError(t, p.Close())
}
