package manual

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clk := New(start)
	require.Equal(t, start, clk.Now())

	clk.Advance(90 * time.Second)
	require.Equal(t, start.Add(90*time.Second), clk.Now())

	clk.Set(start)
	require.Equal(t, start, clk.Now())
}
