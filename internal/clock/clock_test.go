package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/tollgate/internal/clock"
)

func TestManual(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("should advance only when told", func(t *testing.T) {
		c := clock.NewManual(start)
		require.Equal(t, start, c.Now())

		c.Advance(90 * time.Second)
		require.Equal(t, start.Add(90*time.Second), c.Now())

		c.Set(start)
		require.Equal(t, start, c.Now())
	})

	t.Run("fixed clock never moves", func(t *testing.T) {
		c := clock.NewFixed(start)
		require.Equal(t, c.Now(), c.Now())
		require.Equal(t, start, c.Now())
	})
}
