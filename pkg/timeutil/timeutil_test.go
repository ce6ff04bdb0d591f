package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeString(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"24h", 24 * time.Hour},
		{"1d", 24 * time.Hour},
		{"7d", 7 * 24 * time.Hour},
		{"2w", 14 * 24 * time.Hour},
		{"1M", 30 * 24 * time.Hour},
		{"1y", 365 * 24 * time.Hour},
		{"1d 12h", 36 * time.Hour},
		{"1h 30m 15s", time.Hour + 30*time.Minute + 15*time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimeString(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTimeStringErrors(t *testing.T) {
	for _, in := range []string{"", "10x", "d", "ten days", "1d 2q"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseTimeString(in)
			assert.Error(t, err)
		})
	}
}

func TestTimeAgo(t *testing.T) {
	got, err := TimeAgo("1h")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), got, 2*time.Second)
}
