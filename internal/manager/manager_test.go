package manager

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Slade66/media-tracker/internal/client"
	"github.com/Slade66/media-tracker/internal/clock"
	"github.com/Slade66/media-tracker/internal/retry"
	"github.com/Slade66/media-tracker/internal/scheduler"
	"github.com/Slade66/media-tracker/internal/store"
	"github.com/Slade66/media-tracker/pkg/job"
)

const (
	initialCadence = 2 * time.Second
	normalCadence  = 5 * time.Second
	retention      = 7 * 24 * time.Hour
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testOptions() Options {
	return Options{
		Cadence:   scheduler.Cadence{Initial: initialCadence, Normal: normalCadence},
		Retry:     retry.Policy{MaxFailures: 3},
		Retention: retention,
	}
}

var _ = Describe("Manager", func() {
	var (
		ctx       context.Context
		server    *mediaServer
		backend   *store.MemoryBackend
		timers    *manualTimers
		notes     *notifications
		fakeClock *clock.FakeClock
		opts      Options
		m         *Manager
	)

	newManager := func() *Manager {
		mgr := New(Deps{
			Client:   client.New(server.URL, client.Options{Timeout: 2 * time.Second}),
			Store:    store.New(backend, logr.Discard()),
			Timers:   timers,
			Notifier: notes,
			Clock:    fakeClock,
			Log:      logr.Discard(),
		}, opts)
		mgr.Start(ctx)
		DeferCleanup(mgr.Shutdown)
		return mgr
	}

	persisted := func() map[string]job.DownloadJob {
		return store.New(backend, logr.Discard()).Load(ctx)
	}

	submit := func() string {
		resp := m.SubmitJob(ctx, "", map[string]any{"videoId": "abc", "title": "Clip"})
		Expect(resp.Success).To(BeTrue(), resp.Message)
		Expect(resp.JobID).NotTo(BeEmpty())
		return resp.JobID
	}

	current := func(id string) job.DownloadJob {
		j, ok := m.Get(id)
		Expect(ok).To(BeTrue(), "job %s should be tracked", id)
		return j
	}

	tick := func(id string) {
		Expect(timers.fire(id)).To(BeTrue(), "job %s should have a live timer", id)
	}

	expectPollingInvariant := func() {
		for id, j := range m.Snapshot() {
			live := timers.Active(id).IsPresent()
			Expect(j.Polling).To(Equal(live), "polling flag of %s", id)
			Expect(live).To(Equal(j.Status.IsActive()), "timer of %s in status %s", id, j.Status)
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		server = newMediaServer()
		DeferCleanup(server.Close)
		backend = store.NewMemoryBackend()
		timers = newManualTimers()
		notes = &notifications{}
		fakeClock = clock.NewFakeClock(epoch)
		opts = testOptions()
		m = newManager()
	})

	Context("submission", func() {
		It("tracks a new job as pending at the initial cadence", func() {
			id := submit()

			j := current(id)
			Expect(j.Status).To(Equal(job.StatusPending))
			Expect(j.Message).To(Equal("Request sent, waiting for server..."))
			Expect(j.Title).To(Equal("Clip"))
			Expect(j.MediaType).To(Equal(job.MediaVideo))
			Expect(j.Endpoint).To(Equal(DefaultEndpoint))
			Expect(j.CreatedAt).To(Equal(epoch))
			Expect(j.Polling).To(BeTrue())

			h, ok := timers.Active(id).Get()
			Expect(ok).To(BeTrue())
			Expect(h.Interval).To(Equal(initialCadence))

			Expect(persisted()).To(HaveKey(id))
			expectPollingInvariant()
		})

		It("infers audio from the endpoint", func() {
			resp := m.SubmitJob(ctx, "download_audio", map[string]any{"videoId": "abc"})
			Expect(resp.Success).To(BeTrue())

			j := current(resp.JobID)
			Expect(j.MediaType).To(Equal(job.MediaAudio))
			Expect(j.DisplayTitle()).To(Equal("Content Download"))
		})

		It("keeps the live job when the server repeats an id", func() {
			server.fixedID = "repeated-id"
			id := submit()
			server.setStatus(id, "processing", nil)
			tick(id)
			before := current(id)

			resp := m.SubmitJob(ctx, "download_audio", map[string]any{"videoId": "other", "title": "Other"})
			Expect(resp.Success).To(BeTrue())
			Expect(resp.JobID).To(Equal(id))

			Expect(timers.startCount()).To(Equal(1))
			Expect(current(id)).To(Equal(before))
			Expect(m.Snapshot()).To(HaveLen(1))
		})

		It("never turns a finished job back into a pending one", func() {
			server.fixedID = "finished-id"
			id := submit()
			server.setStatus(id, "complete", map[string]any{"download_url": server.URL + "/downloads/a.mp4"})
			tick(id)
			before := current(id)

			resp := m.SubmitJob(ctx, "", map[string]any{"videoId": "abc", "title": "Again"})
			Expect(resp.Success).To(BeTrue())

			Expect(current(id)).To(Equal(before))
			Expect(current(id).Status).To(Equal(job.StatusComplete))
			Expect(timers.Active(id).IsAbsent()).To(BeTrue())
			Expect(timers.startCount()).To(Equal(1))
			Expect(persisted()[id].Status).To(Equal(job.StatusComplete))
		})

		It("reports a rejected submission without tracking anything", func() {
			server.reject = "Invalid videoId format"

			resp := m.SubmitJob(ctx, "download_video", map[string]any{"videoId": "!"})
			Expect(resp.Success).To(BeFalse())
			Expect(resp.Message).To(Equal("HTTP 400: Invalid videoId format"))
			Expect(m.Snapshot()).To(BeEmpty())
			Expect(timers.startCount()).To(BeZero())
		})
	})

	Context("polling", func() {
		var id string

		BeforeEach(func() {
			id = submit()
		})

		It("switches to the normal cadence once work starts", func() {
			server.setStatus(id, "processing", nil)
			tick(id)

			j := current(id)
			Expect(j.Status).To(Equal(job.StatusProcessing))
			h, _ := timers.Active(id).Get()
			Expect(h.Interval).To(Equal(normalCadence))
			Expect(persisted()[id].Status).To(Equal(job.StatusProcessing))

			server.setStatus(id, "uploading", nil)
			tick(id)
			Expect(current(id).Status).To(Equal(job.StatusUploading))
			again, _ := timers.Active(id).Get()
			Expect(again.Token).To(Equal(h.Token), "already at normal cadence, no reschedule")
			expectPollingInvariant()
		})

		It("keeps the download url and size off a job that is still working", func() {
			server.setStatus(id, "processing", map[string]any{"download_url": "http://x/partial.mp4", "file_size_mb": 3.0})
			tick(id)

			j := current(id)
			Expect(j.Status).To(Equal(job.StatusProcessing))
			Expect(j.DownloadURL).To(BeEmpty())
			Expect(j.FileSizeMB).To(BeNil())
			Expect(persisted()[id].DownloadURL).To(BeEmpty())
		})

		It("reports the size of a failed download without a url", func() {
			server.setStatus(id, "failed", map[string]any{"download_url": "http://x/broken.mp4", "file_size_mb": 1.5})
			tick(id)

			j := current(id)
			Expect(j.Status).To(Equal(job.StatusFailed))
			Expect(j.DownloadURL).To(BeEmpty())
			Expect(j.FileSizeMB).NotTo(BeNil())
			Expect(*j.FileSizeMB).To(Equal(1.5))
		})

		It("stops and notifies once when the download completes", func() {
			url := server.URL + "/downloads/My%20Clip.mp4"
			server.setStatus(id, "complete", map[string]any{"download_url": url, "file_size_mb": 12.5, "type": "video"})
			tick(id)

			j := current(id)
			Expect(j.Status).To(Equal(job.StatusComplete))
			Expect(j.DownloadURL).To(Equal(url))
			Expect(j.FileSizeMB).NotTo(BeNil())
			Expect(*j.FileSizeMB).To(Equal(12.5))
			Expect(j.Polling).To(BeFalse())
			Expect(timers.Active(id).IsAbsent()).To(BeTrue())
			Expect(timers.fire(id)).To(BeFalse())

			Expect(notes.all()).To(HaveLen(1))
			n := notes.all()[0]
			Expect(n.JobID).To(Equal(id))
			Expect(n.Title).To(Equal("Clip"))
			Expect(n.Text()).To(Equal("Download complete! Click to open link."))

			Expect(persisted()[id].Status).To(Equal(job.StatusComplete))
			expectPollingInvariant()
		})

		It("notifies a server-side failure with its message", func() {
			server.setStatus(id, "failed", map[string]any{"message": "Video unavailable"})
			tick(id)

			Expect(current(id).Status).To(Equal(job.StatusFailed))
			Expect(notes.all()).To(HaveLen(1))
			Expect(notes.all()[0].Text()).To(Equal("Download failed: Video unavailable"))
		})

		It("gives up after three consecutive transient failures", func() {
			server.setCode(id, http.StatusInternalServerError)

			tick(id)
			Expect(current(id).ConsecutivePollFailures).To(Equal(1))
			Expect(current(id).Status).To(Equal(job.StatusPending))
			tick(id)
			Expect(current(id).ConsecutivePollFailures).To(Equal(2))
			Expect(persisted()[id].ConsecutivePollFailures).To(Equal(2))
			tick(id)

			j := current(id)
			Expect(j.Status).To(Equal(job.StatusError))
			Expect(j.Message).To(HavePrefix("Polling failed: "))
			Expect(j.ConsecutivePollFailures).To(Equal(3))
			Expect(j.Polling).To(BeFalse())

			polls := server.pollCount(id)
			Expect(timers.fire(id)).To(BeFalse())
			Expect(server.pollCount(id)).To(Equal(polls))
			Expect(notes.all()).To(BeEmpty())
			expectPollingInvariant()
		})

		It("resets the failure counter on a successful poll", func() {
			server.setCode(id, http.StatusBadGateway)
			tick(id)
			tick(id)
			Expect(current(id).ConsecutivePollFailures).To(Equal(2))

			server.setStatus(id, "pending", nil)
			tick(id)
			Expect(current(id).ConsecutivePollFailures).To(BeZero())

			server.setCode(id, http.StatusBadGateway)
			tick(id)
			tick(id)
			Expect(current(id).Status).To(Equal(job.StatusPending))
		})

		It("marks a job the server forgot as not found regardless of failures", func() {
			server.setCode(id, http.StatusInternalServerError)
			tick(id)
			tick(id)

			server.setCode(id, http.StatusNotFound)
			tick(id)

			j := current(id)
			Expect(j.Status).To(Equal(job.StatusNotFound))
			Expect(j.Message).To(Equal("Request not found on server"))
			Expect(j.ConsecutivePollFailures).To(Equal(2))
			Expect(timers.Active(id).IsAbsent()).To(BeTrue())
			Expect(notes.all()).To(BeEmpty())
			expectPollingInvariant()
		})

		It("keeps the current status when the server reports a regression", func() {
			server.setStatus(id, "processing", nil)
			tick(id)
			server.setStatus(id, "pending", nil)
			tick(id)

			j := current(id)
			Expect(j.Status).To(Equal(job.StatusProcessing))
			Expect(j.Message).To(Equal("Pending"))
		})

		It("treats an unknown status as a transient failure", func() {
			server.setStatus(id, "downloading", nil)
			tick(id)

			j := current(id)
			Expect(j.Status).To(Equal(job.StatusPending))
			Expect(j.ConsecutivePollFailures).To(Equal(1))
		})
	})

	Context("stale poll results", func() {
		var id string

		BeforeEach(func() {
			id = submit()
		})

		It("ignores a tick from a replaced timer", func() {
			old, _ := timers.Active(id).Get()
			timers.Reschedule(id, normalCadence)

			m.poll(id, old.Token)
			Expect(server.pollCount(id)).To(BeZero())
		})

		It("drops a response that arrives after the job was cleared", func() {
			release := server.hold(id)
			server.setStatus(id, "complete", map[string]any{"download_url": server.URL + "/downloads/a.mp4"})

			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				tick(id)
			}()
			Eventually(func() int { return server.pollCount(id) }).Should(Equal(1))

			Expect(m.ClearJob(ctx, id).Success).To(BeTrue())
			release()
			Eventually(done).Should(BeClosed())

			_, ok := m.Get(id)
			Expect(ok).To(BeFalse())
			Expect(persisted()).NotTo(HaveKey(id))
			Expect(notes.all()).To(BeEmpty())
		})

		It("drops a response that arrives after the timer was replaced", func() {
			release := server.hold(id)
			server.setStatus(id, "processing", nil)

			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				tick(id)
			}()
			Eventually(func() int { return server.pollCount(id) }).Should(Equal(1))

			timers.Reschedule(id, initialCadence)
			release()
			Eventually(done).Should(BeClosed())

			Expect(current(id).Status).To(Equal(job.StatusPending))
		})
	})

	Context("clearing", func() {
		It("asks the server to delete a completed artifact", func() {
			id := submit()
			server.setStatus(id, "complete", map[string]any{"download_url": server.URL + "/downloads/My%20Clip.mp4"})
			tick(id)

			resp := m.ClearJob(ctx, id)
			Expect(resp).To(Equal(ClearResponse{Success: true, Message: "Download cleared."}))
			Expect(server.deletedFiles()).To(Equal([]string{"My Clip.mp4"}))
			Expect(m.Snapshot()).NotTo(HaveKey(id))
			Expect(persisted()).NotTo(HaveKey(id))
		})

		It("clears even when the server cannot delete the artifact", func() {
			server.deleteErr = true
			id := submit()
			server.setStatus(id, "complete", map[string]any{"download_url": server.URL + "/downloads/a.mp4"})
			tick(id)

			Expect(m.ClearJob(ctx, id).Success).To(BeTrue())
			Expect(server.deletedFiles()).To(Equal([]string{"a.mp4"}))
			Expect(m.Snapshot()).To(BeEmpty())
		})

		It("stops the timer of an active job without deleting anything", func() {
			id := submit()

			Expect(m.ClearJob(ctx, id).Success).To(BeTrue())
			Expect(timers.Active(id).IsAbsent()).To(BeTrue())
			Expect(server.deletedFiles()).To(BeEmpty())
		})

		It("leaves externally hosted artifacts alone", func() {
			opts.ExternallyHosted = true
			m = newManager()
			id := submit()
			server.setStatus(id, "complete", map[string]any{"download_url": "https://file.io/abc"})
			tick(id)

			Expect(m.ClearJob(ctx, id).Success).To(BeTrue())
			Expect(server.deletedFiles()).To(BeEmpty())
		})

		It("reports an unknown job", func() {
			Expect(m.ClearJob(ctx, "nope")).To(Equal(ClearResponse{Success: false, Message: "Download not found"}))
		})
	})

	Context("garbage collection", func() {
		It("removes expired jobs whatever their status and stops their timers", func() {
			old := submit()
			fakeClock.Advance(6 * 24 * time.Hour)
			fresh := submit()

			fakeClock.Advance(2 * 24 * time.Hour)
			Expect(m.RunGC(ctx)).To(Equal(1))

			Expect(m.Snapshot()).NotTo(HaveKey(old))
			Expect(m.Snapshot()).To(HaveKey(fresh))
			Expect(timers.Active(old).IsAbsent()).To(BeTrue())
			Expect(persisted()).NotTo(HaveKey(old))
			Expect(m.RunGC(ctx)).To(BeZero())
		})

		It("collects at startup before resuming polling", func() {
			s := store.New(backend, logr.Discard())
			s.Save(ctx, map[string]job.DownloadJob{
				"stale": {ID: "stale", Status: job.StatusPending, CreatedAt: epoch.Add(-8 * 24 * time.Hour)},
			})

			timers = newManualTimers()
			m = newManager()

			Expect(m.Snapshot()).To(BeEmpty())
			Expect(timers.startCount()).To(BeZero())
			Expect(persisted()).To(BeEmpty())
		})
	})

	Context("restart", func() {
		It("reloads every job and resumes polling only for active ones", func() {
			active := submit()
			server.setStatus(active, "processing", nil)
			tick(active)

			done := submit()
			server.setStatus(done, "complete", map[string]any{"download_url": server.URL + "/downloads/d.mp4", "file_size_mb": 1.5})
			tick(done)

			before := m.Snapshot()
			m.Shutdown()

			timers = newManualTimers()
			m = newManager()
			after := m.Snapshot()

			Expect(after).To(HaveLen(2))
			for id, j := range before {
				j.Polling = after[id].Polling
				Expect(after[id]).To(Equal(j))
			}

			Expect(after[active].Polling).To(BeTrue())
			h, ok := timers.Active(active).Get()
			Expect(ok).To(BeTrue())
			Expect(h.Interval).To(Equal(initialCadence))
			Expect(after[done].Polling).To(BeFalse())
			Expect(timers.startCount()).To(Equal(1))
			expectPollingInvariant()
		})

		It("does not start a second timer for a job that is already polled", func() {
			id := submit()
			j := current(id)

			m.mu.Lock()
			m.startPollingLocked(&j, initialCadence)
			m.mu.Unlock()

			Expect(timers.startCount()).To(Equal(1))
		})
	})

	Context("degraded persistence", func() {
		It("keeps working in memory when saves fail", func() {
			backend.SetWriteErr(errors.New("quota exceeded"))

			id := submit()
			server.setStatus(id, "processing", nil)
			tick(id)

			Expect(m.Degraded()).To(BeTrue())
			Expect(current(id).Status).To(Equal(job.StatusProcessing))
			Expect(persisted()).To(BeEmpty())
		})
	})
})

var _ = Describe("Manager with the real scheduler", func() {
	It("follows a job from submission to completion", func() {
		ctx := context.Background()
		server := newMediaServer()
		DeferCleanup(server.Close)

		notes := &notifications{}
		timers := scheduler.New(logr.Discard())
		m := New(Deps{
			Client:   client.New(server.URL, client.Options{Timeout: time.Second}),
			Store:    store.New(store.NewMemoryBackend(), logr.Discard()),
			Timers:   timers,
			Notifier: notes,
			Log:      logr.Discard(),
		}, Options{
			Cadence:   scheduler.Cadence{Initial: 10 * time.Millisecond, Normal: 20 * time.Millisecond},
			Retry:     retry.Policy{MaxFailures: 3},
			Retention: retention,
		})
		m.Start(ctx)
		DeferCleanup(m.Shutdown)

		resp := m.SubmitJob(ctx, "download_audio", map[string]any{"videoId": "abc", "title": "Song"})
		Expect(resp.Success).To(BeTrue())
		id := resp.JobID
		Eventually(func() int { return server.pollCount(id) }).Should(BeNumerically(">=", 1))

		server.setStatus(id, "processing", nil)
		Eventually(func() time.Duration {
			h, _ := timers.Active(id).Get()
			return h.Interval
		}).Should(Equal(20 * time.Millisecond))

		server.setStatus(id, "complete", map[string]any{"download_url": server.URL + "/downloads/song.mp3", "type": "audio"})
		Eventually(func() job.Status {
			j, _ := m.Get(id)
			return j.Status
		}).Should(Equal(job.StatusComplete))

		Expect(timers.Len()).To(BeZero())
		Consistently(func() int { return len(notes.all()) }, 100*time.Millisecond).Should(Equal(1))
		Expect(notes.all()[0].MediaType).To(Equal(job.MediaAudio))
	})

	It("collects expired jobs periodically while running", func() {
		ctx := context.Background()
		server := newMediaServer()
		DeferCleanup(server.Close)

		fakeClock := clock.NewFakeClock(epoch)
		backend := store.NewMemoryBackend()
		timers := scheduler.New(logr.Discard())
		m := New(Deps{
			Client: client.New(server.URL, client.Options{Timeout: time.Second}),
			Store:  store.New(backend, logr.Discard()),
			Timers: timers,
			Clock:  fakeClock,
			Log:    logr.Discard(),
		}, Options{
			Cadence:    scheduler.Cadence{Initial: 10 * time.Millisecond, Normal: 20 * time.Millisecond},
			Retry:      retry.Policy{MaxFailures: 3},
			Retention:  retention,
			GCInterval: 10 * time.Millisecond,
		})
		m.Start(ctx)
		DeferCleanup(m.Shutdown)

		resp := m.SubmitJob(ctx, "", map[string]any{"videoId": "abc"})
		Expect(resp.Success).To(BeTrue())
		id := resp.JobID
		Consistently(func() bool {
			_, ok := m.Get(id)
			return ok
		}, 50*time.Millisecond).Should(BeTrue())

		fakeClock.Advance(retention + time.Hour)
		Eventually(func() bool {
			_, ok := m.Get(id)
			return ok
		}).Should(BeFalse())
		Expect(timers.Len()).To(BeZero())
		Expect(store.New(backend, logr.Discard()).Load(ctx)).NotTo(HaveKey(id))
	})
})
