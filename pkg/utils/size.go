package utils

import (
	"fmt"
	"time"
)

var units = []string{"B", "KB", "MB", "GB", "TB", "PB"}

// FormatSize renders a byte count like 1.50 MB.
func FormatSize(size int64) string {
	show := float64(size)
	idx := 0
	for show >= 1024 && idx < len(units)-1 {
		show = show / 1024
		idx++
	}
	return fmt.Sprintf("%.2f %s", show, units[idx])
}

// SizePercentFormat renders the rate of size bytes moved since lastTime.
func SizePercentFormat(lastTime time.Time, size int64) string {
	s := time.Since(lastTime).Seconds()
	if s <= 0 {
		return FormatSize(0) + " / s"
	}
	return FormatSize(int64(float64(size)/s)) + " / s"
}
