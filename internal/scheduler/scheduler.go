// internal/scheduler/scheduler.go
package scheduler

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/mo"
)

// TickFunc is invoked on every tick with the token of the timer that fired.
type TickFunc func(id string, token uint64)

// Handle identifies one armed timer. A new token is minted on every start or
// reschedule, so a tick carrying an old token belongs to a replaced timer.
type Handle struct {
	Token    uint64
	Interval time.Duration
}

type entry struct {
	handle Handle
	first  time.Duration
	onTick TickFunc
	stop   chan struct{}
}

// Scheduler owns at most one repeating timer per job id.
type Scheduler struct {
	log logr.Logger

	mu     sync.Mutex
	timers map[string]*entry
	token  uint64
}

func New(log logr.Logger) *Scheduler {
	return &Scheduler{
		log:    log,
		timers: make(map[string]*entry),
	}
}

// Start arms a repeating timer for id whose first tick fires immediately. If
// one already exists it is left untouched and its handle is returned.
func (s *Scheduler) Start(id string, interval time.Duration, onTick TickFunc) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.timers[id]; ok {
		return e.handle
	}
	return s.arm(id, interval, 0, onTick)
}

// Reschedule replaces the timer for id with one at the new interval, keeping
// its callback. The next tick comes one full interval later. It returns None
// when no timer exists.
func (s *Scheduler) Reschedule(id string, interval time.Duration) mo.Option[Handle] {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.timers[id]
	if !ok {
		return mo.None[Handle]()
	}
	close(e.stop)
	delete(s.timers, id)
	return mo.Some(s.arm(id, interval, interval, e.onTick))
}

// Stop cancels the timer for id. It reports whether a timer was running and
// does not wait for a callback that is already executing.
func (s *Scheduler) Stop(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.timers[id]
	if !ok {
		return false
	}
	close(e.stop)
	delete(s.timers, id)
	s.log.V(1).Info("timer stopped", "id", id, "token", e.handle.Token)
	return true
}

// Active returns the handle of the live timer for id.
func (s *Scheduler) Active(id string) mo.Option[Handle] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.timers[id]; ok {
		return mo.Some(e.handle)
	}
	return mo.None[Handle]()
}

// Len returns the number of live timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// StopAll cancels every timer.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.timers {
		close(e.stop)
		delete(s.timers, id)
	}
}

// arm must be called with s.mu held.
func (s *Scheduler) arm(id string, interval, first time.Duration, onTick TickFunc) Handle {
	s.token++
	e := &entry{
		handle: Handle{Token: s.token, Interval: interval},
		first:  first,
		onTick: onTick,
		stop:   make(chan struct{}),
	}
	s.timers[id] = e
	s.log.V(1).Info("timer armed", "id", id, "interval", interval, "token", e.handle.Token)

	go s.run(id, e)
	return e.handle
}

func (s *Scheduler) run(id string, e *entry) {
	timer := time.NewTimer(e.first)
	defer timer.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-timer.C:
		}
		select {
		case <-e.stop:
			return
		default:
		}

		e.onTick(id, e.handle.Token)

		select {
		case <-e.stop:
			return
		default:
		}
		timer.Reset(e.handle.Interval)
	}
}
