package eta

import (
	"fmt"
	"math"
	"strings"
)

// FormatMinutes renders a duration in minutes for people, e.g. 80 -> "1 hr 20 mins".
// Negative input renders as zero.
func FormatMinutes(mins float64) string {
	m := max(0, int(math.Round(mins)))
	h, r := m/60, m%60
	var parts []string
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%d %s", h, plural(h, "hr", "hrs")))
	}
	if r > 0 || h == 0 {
		parts = append(parts, fmt.Sprintf("%d %s", r, plural(r, "min", "mins")))
	}
	return strings.Join(parts, " ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
