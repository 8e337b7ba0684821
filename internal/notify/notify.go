// internal/notify/notify.go
package notify

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/samber/lo"

	"github.com/Slade66/media-tracker/pkg/job"
)

// Notification describes a job that reached a final server state.
type Notification struct {
	JobID       string        `json:"job_id"`
	Title       string        `json:"title"`
	MediaType   job.MediaType `json:"type"`
	Status      job.Status    `json:"status"`
	Message     string        `json:"message"`
	DownloadURL string        `json:"download_url,omitempty"`
}

// FromJob builds the notification for a job's current state.
func FromJob(j job.DownloadJob) Notification {
	return Notification{
		JobID:       j.ID,
		Title:       j.DisplayTitle(),
		MediaType:   j.DisplayType(),
		Status:      j.Status,
		Message:     j.Message,
		DownloadURL: j.DownloadURL,
	}
}

// Text returns the user-facing body of the notification.
func (n Notification) Text() string {
	if n.Status == job.StatusComplete {
		return "Download complete! Click to open link."
	}
	return "Download failed: " + n.Message
}

// Notifier delivers notifications. Notify must not block the caller for long
// and never reports failure.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notification)

func (f Func) Notify(ctx context.Context, n Notification) {
	f(ctx, n)
}

type multi []Notifier

// Multi fans a notification out to every non-nil notifier in order.
func Multi(notifiers ...Notifier) Notifier {
	return multi(lo.Filter(notifiers, func(n Notifier, _ int) bool {
		return n != nil
	}))
}

func (m multi) Notify(ctx context.Context, n Notification) {
	for _, notifier := range m {
		notifier.Notify(ctx, n)
	}
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	log logr.Logger
}

func NewLogNotifier(log logr.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) {
	l.log.Info(n.Text(),
		"title", n.Title,
		"type", n.MediaType,
		"id", n.JobID,
		"status", n.Status,
		"url", n.DownloadURL,
	)
}
