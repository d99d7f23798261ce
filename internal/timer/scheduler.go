// Package timer keeps one deferred callback per tracked event and fires it a
// lead interval before the event's expected time.
//
// Timers live only in memory. After a restart they are rebuilt from the
// store through Reload, which re-derives every delay from the current clock.
package timer

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"mvpbot/internal/eventbus"
	"mvpbot/pkg/logx"
)

// Event is a scheduled occurrence. It must not be mutated after Start.
type Event struct {
	ID     string
	Name   string
	FireAt time.Time
	Meta   map[string]string
}

// Handle is a snapshot of a pending timer.
type Handle struct {
	EventID string
	Name    string
	FireAt  time.Time
	// Due is when the callback runs (FireAt minus the lead interval).
	Due time.Time
}

// FireFunc performs the reminder for ev. Errors are logged by the Scheduler
// and never cause a retry.
type FireFunc func(ctx context.Context, ev Event) error

// UpcomingSource lists unresolved events whose fire time is at or after now,
// ordered by fire time.
type UpcomingSource interface {
	ListUpcoming(ctx context.Context, now time.Time) ([]Event, error)
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

func WithBus(bus eventbus.Bus) Option {
	return func(s *Scheduler) {
		if bus != nil {
			s.bus = bus
		}
	}
}

// WithBaseContext sets the context handed to FireFunc for deferred fires.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Scheduler) {
		if ctx != nil {
			s.base = ctx
		}
	}
}

type entry struct {
	ev    Event
	due   time.Time
	timer clockwork.Timer
}

// Scheduler owns the timer map. All mutation goes through its methods.
type Scheduler struct {
	clock clockwork.Clock
	fire  FireFunc
	log   logx.Logger
	bus   eventbus.Bus
	base  context.Context

	mu      sync.Mutex
	entries map[string]*entry
}

func New(clock clockwork.Clock, fire FireFunc, opts ...Option) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Scheduler{
		clock:   clock,
		fire:    fire,
		log:     logx.Nop(),
		bus:     eventbus.Nop{},
		base:    context.Background(),
		entries: map[string]*entry{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start arms a timer for ev that fires lead before ev.FireAt. When that
// moment is already reached the fire action runs inline, in the caller's
// goroutine, and no handle is registered. A pending timer for the same ID is
// stopped first. Start reports whether a handle was registered.
func (s *Scheduler) Start(ctx context.Context, ev Event, lead time.Duration) bool {
	delay := (ev.FireAt.Sub(s.clock.Now()) - lead).Truncate(time.Millisecond)
	if delay <= 0 {
		s.log.Debug("event inside lead window, firing inline", logx.String("event", ev.ID), logx.Duration("delay", delay))
		s.Cancel(ev.ID)
		s.run(ctx, ev)
		return false
	}

	s.mu.Lock()
	if old, ok := s.entries[ev.ID]; ok {
		old.timer.Stop()
		delete(s.entries, ev.ID)
		s.log.Warn("replacing pending timer", logx.String("event", ev.ID), logx.Time("old_fire_at", old.ev.FireAt))
	}
	e := &entry{ev: ev, due: s.clock.Now().Add(delay)}
	e.timer = s.clock.AfterFunc(delay, func() { s.onFire(e) })
	s.entries[ev.ID] = e
	s.mu.Unlock()

	s.log.Info("timer started", logx.String("event", ev.ID), logx.String("name", ev.Name), logx.Duration("delay", delay))
	s.publish(eventbus.TimerStarted, ev)
	return true
}

// Cancel stops the pending timer for id. Unknown ids are a no-op.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		e.timer.Stop()
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if ok {
		s.log.Info("timer canceled", logx.String("event", id))
		s.publish(eventbus.TimerCanceled, e.ev)
	}
	return ok
}

// CancelAll stops every pending timer and returns how many there were.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	n := len(s.entries)
	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
	s.mu.Unlock()

	s.log.Info("all timers canceled", logx.Int("count", n))
	return n
}

// Reload starts a timer for every event src reports as upcoming, in the
// order returned. It returns the number of events processed.
func (s *Scheduler) Reload(ctx context.Context, src UpcomingSource, lead time.Duration) (int, error) {
	events, err := src.ListUpcoming(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("list upcoming: %w", err)
	}
	for _, ev := range events {
		s.Start(ctx, ev, lead)
	}
	s.log.Info("timers reloaded", logx.Int("events", len(events)), logx.Int("pending", s.Len()))
	return len(events), nil
}

// ListActive returns an unordered snapshot of pending timers.
func (s *Scheduler) ListActive() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handle, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.handle())
	}
	return out
}

func (s *Scheduler) Get(id string) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Handle{}, false
	}
	return e.handle(), true
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (e *entry) handle() Handle {
	return Handle{EventID: e.ev.ID, Name: e.ev.Name, FireAt: e.ev.FireAt, Due: e.due}
}

// onFire runs on the clock's goroutine. A callback whose entry was replaced
// or canceled after the clock already released it is dropped.
func (s *Scheduler) onFire(e *entry) {
	s.mu.Lock()
	cur, ok := s.entries[e.ev.ID]
	if !ok || cur != e {
		s.mu.Unlock()
		return
	}
	delete(s.entries, e.ev.ID)
	s.mu.Unlock()

	s.run(s.base, e.ev)
}

func (s *Scheduler) run(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("fire action panicked", logx.String("event", ev.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	s.publish(eventbus.TimerFired, ev)
	if s.fire == nil {
		return
	}
	if err := s.fire(ctx, ev); err != nil {
		s.log.Error("fire action failed", logx.String("event", ev.ID), logx.String("name", ev.Name), logx.Err(err))
	}
}

func (s *Scheduler) publish(topic string, ev Event) {
	s.bus.Publish(eventbus.Event{
		Type: topic,
		Data: map[string]string{
			"id":      ev.ID,
			"name":    ev.Name,
			"fire_at": ev.FireAt.UTC().Format(time.RFC3339),
		},
	})
}
