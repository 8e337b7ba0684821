// pkg/job/job.go
package job

import (
	"time"
)

// MediaType is the kind of artifact the server produces for a job.
type MediaType string

const (
	MediaVideo MediaType = "video"
	MediaAudio MediaType = "audio"
)

// DownloadJob is one tracked download request. It is what the store persists and
// what the status snapshot hands to the view layer.
type DownloadJob struct {
	// Server-assigned request identifier. Never reused.
	ID string `json:"id"`

	Status  Status `json:"status"`
	Message string `json:"message"`

	// Caller metadata, fixed at submission.
	Title     string    `json:"title"`
	MediaType MediaType `json:"type,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`

	// Submission time, drives garbage collection.
	CreatedAt time.Time `json:"created_at"`

	// Only set once the job is complete.
	DownloadURL string `json:"download_url,omitempty"`
	// Only set on terminal states.
	FileSizeMB *float64 `json:"file_size_mb,omitempty"`

	ConsecutivePollFailures int `json:"consecutive_poll_failures"`

	// Polling reports whether the scheduler owns a live timer for this job.
	// It is cleared whenever the record is loaded from storage.
	Polling bool `json:"polling"`
}

// Clone returns a copy that shares no pointers with j.
func (j DownloadJob) Clone() DownloadJob {
	if j.FileSizeMB != nil {
		size := *j.FileSizeMB
		j.FileSizeMB = &size
	}
	return j
}

// DisplayTitle returns the title used in user-facing messages.
func (j DownloadJob) DisplayTitle() string {
	if j.Title == "" {
		return "Content Download"
	}
	return j.Title
}

// DisplayType returns the media type, defaulting to video.
func (j DownloadJob) DisplayType() MediaType {
	if j.MediaType == "" {
		return MediaVideo
	}
	return j.MediaType
}
