package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatIterations(t *testing.T) {
	assert.Equal(t, "2/5", FormatIterations(2, 5))
	assert.Equal(t, "0/1", FormatIterations(0, 1))
}

func TestFormatBudget(t *testing.T) {
	tests := []struct {
		name     string
		used     int
		max      int
		expected float64
	}{
		{"half", 2, 4, 0.5},
		{"none", 0, 3, 0},
		{"exhausted", 3, 3, 1},
		{"over", 5, 3, 1},
		{"no_budget", 0, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, FormatBudget(tt.used, tt.max), 1e-9)
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		seconds  int64
		expected string
	}{
		{"zero", 0, "0m"},
		{"minutes", 600, "10m"},
		{"hours", 8100, "2h 15m"},
		{"exact_hour", 3600, "1h 0m"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatDuration(tt.seconds))
		})
	}
}

func TestFormatAge(t *testing.T) {
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "1h 30m", FormatAge(start, start.Add(90*time.Minute)))
	assert.Equal(t, "0m", FormatAge(time.Time{}, start))
	assert.Equal(t, "0m", FormatAge(start, start.Add(-time.Hour)))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "regress…", Truncate("regression introduced", 8))
	assert.Equal(t, "…", Truncate("abc", 1))
	assert.Equal(t, "abc", Truncate("abc", 0))
}
