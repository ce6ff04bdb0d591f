// Package timeutil parses the compact duration strings used in event and
// retention windows ("1d", "7d", "1M", "1d 12h").
package timeutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var unitSeconds = map[byte]int64{
	's': 1,
	'm': 60,
	'h': 3600,
	'd': 86400,
	'w': 7 * 86400,
	'M': 30 * 86400,
	'y': 365 * 86400,
}

// ParseTimeString converts a space-separated duration string into a
// time.Duration. Each part is a number followed by a single unit suffix:
// s, m, h, d, w, M (30 days), y (365 days).
func ParseTimeString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty time string")
	}

	var total int64
	for _, part := range strings.Fields(s) {
		unit := part[len(part)-1]
		secs, ok := unitSeconds[unit]
		if !ok {
			return 0, fmt.Errorf("unknown time unit %q in %q", string(unit), s)
		}
		n, err := strconv.ParseInt(part[:len(part)-1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid time part %q: %w", part, err)
		}
		total += n * secs
	}
	return time.Duration(total) * time.Second, nil
}

// TimeAgo resolves a duration string relative to now, e.g. "1M" returns the
// instant one month in the past. Errors fall back to now so a bad window
// never widens a query.
func TimeAgo(s string) (time.Time, error) {
	d, err := ParseTimeString(s)
	if err != nil {
		return time.Now(), err
	}
	return time.Now().Add(-d), nil
}
