// internal/manager/manager.go
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"github.com/samber/mo"

	"github.com/Slade66/media-tracker/internal/client"
	"github.com/Slade66/media-tracker/internal/clock"
	"github.com/Slade66/media-tracker/internal/notify"
	"github.com/Slade66/media-tracker/internal/retry"
	"github.com/Slade66/media-tracker/internal/scheduler"
	"github.com/Slade66/media-tracker/internal/store"
	"github.com/Slade66/media-tracker/pkg/job"
)

// DefaultEndpoint is used when a submission names no endpoint.
const DefaultEndpoint = "download_video"

const (
	audioEndpoint  = "download_audio"
	pendingMessage = "Request sent, waiting for server..."
)

// StatusClient is the remote media server.
type StatusClient interface {
	Submit(ctx context.Context, endpoint string, payload any) (client.SubmitResult, error)
	Poll(ctx context.Context, jobID string) (client.StatusUpdate, error)
	DeleteArtifact(ctx context.Context, filename string) error
	Health(ctx context.Context) error
}

// Timers keeps at most one repeating poll timer per job.
type Timers interface {
	Start(id string, interval time.Duration, onTick scheduler.TickFunc) scheduler.Handle
	Reschedule(id string, interval time.Duration) mo.Option[scheduler.Handle]
	Stop(id string) bool
	Active(id string) mo.Option[scheduler.Handle]
	StopAll()
}

type Deps struct {
	Client   StatusClient
	Store    *store.Store
	Timers   Timers
	Notifier notify.Notifier
	Clock    clock.Clock
	Log      logr.Logger
}

type Options struct {
	Cadence   scheduler.Cadence
	Retry     retry.Policy
	Retention time.Duration
	// GCInterval of zero collects only at startup.
	GCInterval time.Duration
	// ExternallyHosted disables server-side artifact deletion on clear.
	ExternallyHosted bool
}

// SubmitResponse is returned to the view layer for a submission.
type SubmitResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"requestId,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClearResponse is returned to the view layer for a clear request.
type ClearResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Manager owns the job map. Every mutation happens under mu and ends with a
// store write issued under the same lock; network calls happen outside it.
type Manager struct {
	client   StatusClient
	store    *store.Store
	timers   Timers
	notifier notify.Notifier
	clock    clock.Clock
	log      logr.Logger
	opts     Options

	mu   sync.Mutex
	jobs map[string]job.DownloadJob

	// ctx bounds in-flight polls; bgCtx outlives it for saves and notifications.
	ctx    context.Context
	bgCtx  context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(deps Deps, opts Options) *Manager {
	if deps.Notifier == nil {
		deps.Notifier = notify.Func(func(context.Context, notify.Notification) {})
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewClock()
	}
	return &Manager{
		client:   deps.Client,
		store:    deps.Store,
		timers:   deps.Timers,
		notifier: deps.Notifier,
		clock:    deps.Clock,
		log:      deps.Log,
		opts:     opts,
		jobs:     make(map[string]job.DownloadJob),
		ctx:      context.Background(),
		bgCtx:    context.Background(),
		cancel:   func() {},
	}
}

// Start loads persisted jobs, drops expired ones and resumes polling for every
// job that is still active.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.bgCtx = context.WithoutCancel(ctx)

	m.jobs = m.store.Load(ctx)
	m.collectLocked()
	resumed := m.reconcileLocked()
	m.mu.Unlock()

	m.log.Info("manager started", "jobs", len(m.jobs), "resumed", resumed)

	runCtx := m.ctx
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.client.Health(runCtx); err != nil {
			if runCtx.Err() != nil {
				return
			}
			m.log.Error(err, "media server is not reachable, jobs will retry on the next poll")
			return
		}
		m.log.V(1).Info("media server is reachable")
	}()

	if m.opts.GCInterval > 0 {
		m.wg.Add(1)
		go m.gcLoop(runCtx)
	}
}

// Shutdown stops every timer and waits for background loops. In-flight poll
// results are discarded.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.cancel()
	m.timers.StopAll()
	m.mu.Unlock()

	m.wg.Wait()
	m.log.Info("manager stopped")
}

func (m *Manager) gcLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunGC(ctx)
		}
	}
}

// SubmitJob sends a new download request and starts tracking it.
func (m *Manager) SubmitJob(ctx context.Context, endpoint string, payload map[string]any) SubmitResponse {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	res, err := m.client.Submit(ctx, endpoint, payload)
	if err != nil {
		m.log.Error(err, "submission failed", "endpoint", endpoint)
		return SubmitResponse{Success: false, Message: submissionMessage(err)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// A known id keeps its record, finished or not.
	if existing, tracked := m.jobs[res.JobID]; tracked {
		m.log.V(1).Info("job already tracked", "id", res.JobID, "status", existing.Status)
		return SubmitResponse{Success: true, JobID: res.JobID, Message: res.Message}
	}

	j := job.DownloadJob{
		ID:        res.JobID,
		Status:    job.StatusPending,
		Message:   pendingMessage,
		Title:     stringField(payload, "title"),
		MediaType: mediaType(endpoint, payload),
		Endpoint:  endpoint,
		CreatedAt: m.clock.Now(),
	}
	m.startPollingLocked(&j, m.opts.Cadence.Initial)
	m.jobs[j.ID] = j
	m.store.Upsert(m.bgCtx, j)

	m.log.Info("job submitted", "id", j.ID, "endpoint", endpoint, "title", j.Title)
	return SubmitResponse{Success: true, JobID: res.JobID, Message: res.Message}
}

// Snapshot returns a deep copy of every tracked job.
func (m *Manager) Snapshot() map[string]job.DownloadJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.MapValues(m.jobs, func(j job.DownloadJob, _ string) job.DownloadJob {
		return j.Clone()
	})
}

// Get returns one tracked job.
func (m *Manager) Get(id string) (job.DownloadJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return j.Clone(), ok
}

// Degraded reports whether persistence has failed during this process.
func (m *Manager) Degraded() bool {
	return m.store.Degraded()
}

// ClearJob stops tracking a job. For a completed job whose artifact lives on
// the media server, the server is asked to delete it; that request is best
// effort and its failure does not fail the clear.
func (m *Manager) ClearJob(ctx context.Context, id string) ClearResponse {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return ClearResponse{Success: false, Message: "Download not found"}
	}
	m.timers.Stop(id)
	delete(m.jobs, id)
	m.store.Remove(m.bgCtx, id)
	m.mu.Unlock()

	m.log.Info("job cleared", "id", id, "status", j.Status)

	if j.Status == job.StatusComplete && j.DownloadURL != "" && !m.opts.ExternallyHosted {
		if filename := ArtifactFilename(j.DownloadURL); filename != "" {
			if err := m.client.DeleteArtifact(ctx, filename); err != nil {
				m.log.Error(err, "server failed to delete artifact", "id", id, "filename", filename)
			}
		}
	}
	return ClearResponse{Success: true, Message: "Download cleared."}
}

// RunGC removes every job older than the retention window, whatever its status,
// and returns how many were removed.
func (m *Manager) RunGC(_ context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collectLocked()
}

func (m *Manager) collectLocked() int {
	cutoff := m.clock.Now().Add(-m.opts.Retention)
	expired := lo.Filter(lo.Keys(m.jobs), func(id string, _ int) bool {
		created := m.jobs[id].CreatedAt
		return !created.IsZero() && created.Before(cutoff)
	})
	if len(expired) == 0 {
		return 0
	}

	for _, id := range expired {
		m.timers.Stop(id)
		delete(m.jobs, id)
	}
	m.store.Save(m.bgCtx, m.jobs)
	m.log.Info("expired jobs removed", "count", len(expired), "cutoff", cutoff)
	return len(expired)
}

func (m *Manager) reconcileLocked() int {
	resumed := 0
	for id, j := range m.jobs {
		if !j.Status.IsActive() {
			continue
		}
		m.startPollingLocked(&j, m.opts.Cadence.Initial)
		m.jobs[id] = j
		resumed++
	}
	if resumed > 0 {
		m.store.Save(m.bgCtx, m.jobs)
	}
	return resumed
}

// startPollingLocked arms the job's timer. The first poll runs right away.
func (m *Manager) startPollingLocked(j *job.DownloadJob, interval time.Duration) {
	m.timers.Start(j.ID, interval, m.poll)
	j.Polling = true
}

func (m *Manager) stopPollingLocked(j *job.DownloadJob) {
	m.timers.Stop(j.ID)
	j.Polling = false
}

// currentLocked reports whether token belongs to the job's live timer.
func (m *Manager) currentLocked(id string, token uint64) bool {
	h, ok := m.timers.Active(id).Get()
	return ok && h.Token == token
}

func (m *Manager) pollableLocked(id string, token uint64) bool {
	j, ok := m.jobs[id]
	return ok && j.Status.IsActive() && m.currentLocked(id, token)
}

// poll is the timer callback: one status request and, if the job is still
// tracked under the same timer, one state transition.
func (m *Manager) poll(id string, token uint64) {
	m.mu.Lock()
	if !m.pollableLocked(id, token) {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.mu.Unlock()

	update, err := m.client.Poll(ctx, id)
	if ctx.Err() != nil {
		return
	}

	if n, ok := m.apply(id, token, update, err).Get(); ok {
		m.notifier.Notify(m.bgCtx, n)
	}
}

func (m *Manager) apply(id string, token uint64, update client.StatusUpdate, pollErr error) mo.Option[notify.Notification] {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.pollableLocked(id, token) {
		m.log.V(1).Info("dropping stale poll result", "id", id, "token", token)
		return mo.None[notify.Notification]()
	}

	j := m.jobs[id]
	decision := m.opts.Retry.Decide(j.ConsecutivePollFailures, pollErr)
	note := mo.None[notify.Notification]()

	switch decision.Kind {
	case retry.Reset:
		note = m.applyUpdateLocked(&j, update)
	case retry.Retry:
		j.ConsecutivePollFailures = decision.Failures
		m.log.Info("poll failed, will retry", "id", id, "failures", decision.Failures, "error", pollErr.Error())
	case retry.GiveUp, retry.NotFound:
		j.ConsecutivePollFailures = decision.Failures
		j.Status = decision.Status
		j.Message = decision.Message
		m.stopPollingLocked(&j)
		m.log.Info("polling stopped", "id", id, "status", j.Status, "reason", decision.Kind.String())
	}

	m.jobs[id] = j
	m.store.Upsert(m.bgCtx, j)
	return note
}

func (m *Manager) applyUpdateLocked(j *job.DownloadJob, update client.StatusUpdate) mo.Option[notify.Notification] {
	prev := j.Status
	next := update.Status
	if !job.CanTransition(prev, next) {
		m.log.V(1).Info("ignoring status regression", "id", j.ID, "from", prev, "to", next)
		next = prev
	}

	j.Status = next
	j.Message = update.Message
	j.DownloadURL = ""
	if next == job.StatusComplete {
		j.DownloadURL = update.DownloadURL
	}
	j.FileSizeMB = nil
	if next.IsTerminal() {
		j.FileSizeMB = update.FileSizeMB.ToPointer()
	}
	if update.MediaType != "" {
		j.MediaType = update.MediaType
	}
	j.ConsecutivePollFailures = 0

	if next != prev {
		m.log.Info("job status changed", "id", j.ID, "from", prev, "to", next)
	}

	switch {
	case next.IsWorking():
		if h, ok := m.timers.Active(j.ID).Get(); ok && h.Interval != m.opts.Cadence.Normal {
			m.timers.Reschedule(j.ID, m.opts.Cadence.Normal)
		}
	case next.IsTerminal():
		m.stopPollingLocked(j)
		if next == job.StatusComplete || next == job.StatusFailed {
			return mo.Some(notify.FromJob(*j))
		}
	}
	return mo.None[notify.Notification]()
}

func submissionMessage(err error) string {
	var se *client.SubmissionError
	if errors.As(err, &se) {
		return se.Message
	}
	return err.Error()
}

func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

func mediaType(endpoint string, payload map[string]any) job.MediaType {
	switch job.MediaType(stringField(payload, "type")) {
	case job.MediaAudio:
		return job.MediaAudio
	case job.MediaVideo:
		return job.MediaVideo
	}
	if endpoint == audioEndpoint {
		return job.MediaAudio
	}
	return job.MediaVideo
}
