package output

import (
	"fmt"
	"time"
)

var speedUnits = []string{"bps", "Kbps", "Mbps", "Gbps", "Tbps"}

// PrettySpeed renders bits per second with a binary-scaled unit and two
// decimals.
func PrettySpeed(bps float64) string {
	unit := 0
	for bps >= 1024 && unit < len(speedUnits)-1 {
		bps /= 1024
		unit++
	}
	return fmt.Sprintf("%0.2f %s", bps, speedUnits[unit])
}

// BitsPerSecond converts a byte count moved over elapsed into bits per
// second. A non-positive window yields 0.
func BitsPerSecond(bytes int64, elapsed time.Duration) float64 {
	ms := float64(elapsed) / float64(time.Millisecond)
	if ms <= 0 {
		return 0
	}
	return float64(bytes) * 8000 / ms
}
