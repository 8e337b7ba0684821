package job

import (
	"github.com/cockroachdb/errors"
)

// Status is the server-driven lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusUploading  Status = "uploading"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusNotFound   Status = "not_found"
	StatusError      Status = "error"
)

var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusPending:    true,
		StatusProcessing: true,
		StatusUploading:  true,
		StatusComplete:   true,
		StatusFailed:     true,
		StatusNotFound:   true,
		StatusError:      true,
	},
	StatusProcessing: {
		StatusProcessing: true,
		StatusUploading:  true,
		StatusComplete:   true,
		StatusFailed:     true,
		StatusNotFound:   true,
		StatusError:      true,
	},
	StatusUploading: {
		StatusProcessing: true,
		StatusUploading:  true,
		StatusComplete:   true,
		StatusFailed:     true,
		StatusNotFound:   true,
		StatusError:      true,
	},
	StatusComplete: {},
	StatusFailed:   {},
	StatusNotFound: {},
	StatusError:    {},
}

// ParseStatus validates a status string reported by the server.
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if _, ok := allowedTransitions[status]; !ok {
		return "", errors.Newf("unknown job status %q", s)
	}
	return status, nil
}

// String returns the string representation of Status
func (s Status) String() string {
	return string(s)
}

// IsActive reports whether a job in this status should be polled.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusProcessing || s == StatusUploading
}

// IsWorking reports whether the server has measurably started the work.
func (s Status) IsWorking() bool {
	return s == StatusProcessing || s == StatusUploading
}

// IsTerminal reports whether no further transition can leave this status.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusNotFound || s == StatusError
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}
