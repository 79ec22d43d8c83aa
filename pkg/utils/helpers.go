package utils

import (
	"time"
)

// ParseDuration safely parses a duration string like "5m", falling back on
// an empty or malformed value
func ParseDuration(d string, fallback time.Duration) time.Duration {
	if d == "" {
		return fallback
	}
	duration, err := time.ParseDuration(d)
	if err != nil || duration <= 0 {
		return fallback
	}
	return duration
}
