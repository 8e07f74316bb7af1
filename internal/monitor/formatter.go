package monitor

import (
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
)

// FormatLatency formats latency in seconds as "X.Xms" or "X.Xs"
func FormatLatency(latencySeconds float64) string {
	if latencySeconds < 1.0 {
		return fmt.Sprintf("%.1fms", latencySeconds*1000)
	}
	return fmt.Sprintf("%.1fs", latencySeconds)
}

// FormatCount formats a counter value with thousands separators.
func FormatCount(v float64) string {
	return humanize.Comma(int64(math.Round(v)))
}

// FormatLastRun formats a retention run time relative to now.
func FormatLastRun(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}
