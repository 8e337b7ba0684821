package scheduler

import (
	"time"

	"github.com/Slade66/media-tracker/pkg/job"
)

// Cadence maps a job status to its polling interval.
type Cadence struct {
	Initial time.Duration
	Normal  time.Duration
}

// For returns the interval for status, or false when the status is not polled.
func (c Cadence) For(status job.Status) (time.Duration, bool) {
	switch {
	case status == job.StatusPending:
		return c.Initial, true
	case status.IsWorking():
		return c.Normal, true
	default:
		return 0, false
	}
}
