package domain

import (
	"fmt"
	"time"
)

// DurationMinutes converts a closed interval to whole minutes, truncated
// toward zero. End must be strictly after start; a zero or negative interval
// is a validation error and must never be persisted.
func DurationMinutes(start, end time.Time) (int, error) {
	if !end.After(start) {
		return 0, fmt.Errorf("%w: end_time must be after start_time", ErrValidation)
	}
	return int(end.Sub(start) / time.Minute), nil
}

// ElapsedMinutes derives the live elapsed time of a running entry for display
// projections only. It is never written to storage.
func ElapsedMinutes(start, now time.Time) int {
	if now.Before(start) {
		return 0
	}
	return int(now.Sub(start) / time.Minute)
}
