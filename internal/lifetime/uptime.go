package lifetime

import (
	"fmt"
	"time"
)

// FormatUptime renders d as "HH:MM:SS hours", or "N day(s) HH:MM:SS hours"
// once it exceeds 24 hours.
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	m := (total % 3600) / 60
	s := total % 60

	if total > 86400 {
		days := total / 86400
		h := (total % 86400) / 3600
		return fmt.Sprintf("%d day(s) %02d:%02d:%02d hours", days, h, m, s)
	}
	return fmt.Sprintf("%02d:%02d:%02d hours", total/3600, m, s)
}
