package retry

import (
	"github.com/cockroachdb/errors"

	"github.com/Slade66/media-tracker/internal/client"
	"github.com/Slade66/media-tracker/pkg/job"
)

type Kind int

const (
	// Reset means the poll succeeded and the failure counter goes back to zero.
	Reset Kind = iota
	// Retry means the poll failed transiently and will be retried on the next tick.
	Retry
	// GiveUp means the failure budget is spent and the job moves to error.
	GiveUp
	// NotFound means the server no longer knows the job.
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Reset:
		return "reset"
	case Retry:
		return "retry"
	case GiveUp:
		return "give_up"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

const notFoundMessage = "Request not found on server"

// Decision is the outcome of one poll attempt. Status and Message are only set
// for GiveUp and NotFound.
type Decision struct {
	Kind     Kind
	Failures int
	Status   job.Status
	Message  string
}

// Terminal reports whether the job stops being polled.
func (d Decision) Terminal() bool {
	return d.Kind == GiveUp || d.Kind == NotFound
}

type Policy struct {
	MaxFailures int
}

// Decide classifies a poll result given the current consecutive failure count.
func (p Policy) Decide(failures int, err error) Decision {
	switch {
	case err == nil:
		return Decision{Kind: Reset, Failures: 0}
	case errors.Is(err, client.ErrPollNotFound):
		return Decision{
			Kind:     NotFound,
			Failures: failures,
			Status:   job.StatusNotFound,
			Message:  notFoundMessage,
		}
	}

	failures++
	if failures >= p.MaxFailures {
		return Decision{
			Kind:     GiveUp,
			Failures: failures,
			Status:   job.StatusError,
			Message:  "Polling failed: " + err.Error(),
		}
	}
	return Decision{Kind: Retry, Failures: failures}
}
