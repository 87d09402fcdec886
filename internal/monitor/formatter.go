package monitor

import (
	"fmt"
	"time"
)

// FormatIterations formats attempt usage as "used/max".
func FormatIterations(used, max int) string {
	return fmt.Sprintf("%d/%d", used, max)
}

// FormatBudget returns the used share of the iteration budget, in [0, 1].
func FormatBudget(used, max int) float64 {
	if max <= 0 {
		return 1
	}
	r := float64(used) / float64(max)
	if r > 1 {
		r = 1
	}
	return r
}

// FormatAge formats the time elapsed since start as "Xh Ym" or "Xm".
func FormatAge(start, now time.Time) string {
	if start.IsZero() || now.Before(start) {
		return "0m"
	}
	return FormatDuration(int64(now.Sub(start).Seconds()))
}

// FormatDuration formats duration in seconds to "Xh Ym" or "Xm"
func FormatDuration(seconds int64) string {
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// Truncate shortens s to at most n runes, marking the cut with "…".
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}
