package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTime(t *testing.T) {
	now := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

	t.Run("natural language", func(t *testing.T) {
		got, err := parseTime("in 2 hours", now)
		require.NoError(t, err)
		assert.WithinDuration(t, now.Add(2*time.Hour), got, time.Minute)
	})

	t.Run("duration", func(t *testing.T) {
		got, err := parseTime("90m", now)
		require.NoError(t, err)
		assert.Equal(t, now.Add(90*time.Minute), got)
	})

	t.Run("rfc3339", func(t *testing.T) {
		got, err := parseTime("2025-04-01T09:30:00Z", now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 4, 1, 9, 30, 0, 0, time.UTC), got)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := parseTime("qwerty zxcv", now)
		assert.Error(t, err)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := parseTime("  ", now)
		assert.Error(t, err)
	})
}
