package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"vehicle-guard/internal/metrics"
	"vehicle-guard/internal/models"
	"vehicle-guard/pkg/log"
)

var (
	// ErrSlowConsumer closes a session whose queue is full of events that may not be dropped.
	ErrSlowConsumer = errors.New("session closed: consumer too slow")
	ErrUnsubscribed = errors.New("session closed: unsubscribed")
)

type EventKind string

const (
	KindState   EventKind = "state"
	KindAlert   EventKind = "alert"
	KindCommand EventKind = "command"
)

// Event is one fan-out item. Exactly one of State, Alert or Command is set,
// matching Kind.
type Event struct {
	Kind        EventKind            `json:"type"`
	VehicleID   string               `json:"vehicleId"`
	State       *models.VehicleState `json:"state,omitempty"`
	Alert       *models.AlertEvent   `json:"alert,omitempty"`
	Command     *models.Command      `json:"command,omitempty"`
	PublishedAt time.Time            `json:"publishedAt"`
}

func StateEvent(st *models.VehicleState) Event {
	return Event{Kind: KindState, VehicleID: st.VehicleID, State: st}
}

func AlertEvent(a *models.AlertEvent) Event {
	return Event{Kind: KindAlert, VehicleID: a.VehicleID, Alert: a}
}

func CommandEvent(c *models.Command) Event {
	return Event{Kind: KindCommand, VehicleID: c.VehicleID, Command: c}
}

// supersedable events may be dropped under backpressure; a later snapshot replaces them.
func (e Event) supersedable() bool {
	return e.Kind == KindState
}

// Scope is the set of vehicles a viewer may see. All grants every vehicle.
type Scope struct {
	All        bool
	VehicleIDs []string
}

type Config struct {
	QueueSize int
}

// Broadcaster fans events out to subscribed sessions without blocking the publisher.
type Broadcaster struct {
	cfg    Config
	logger log.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewBroadcaster(cfg Config, logger log.Logger) *Broadcaster {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Broadcaster{
		cfg:      cfg,
		logger:   logger.WithName("broadcast"),
		sessions: make(map[string]*Session),
	}
}

// Subscribe opens a session that receives events published from now on.
func (b *Broadcaster) Subscribe(scope Scope) *Session {
	s := newSession(uuid.NewString(), scope, b.cfg.QueueSize)

	b.mu.Lock()
	b.sessions[s.ID] = s
	count := len(b.sessions)
	b.mu.Unlock()

	metrics.ActiveSessions.Inc()
	b.logger.Info("Session subscribed", "sessionId", s.ID, "all", scope.All, "vehicles", len(scope.VehicleIDs), "sessions", count)
	return s
}

// Unsubscribe closes the session. Calling it twice is harmless.
func (b *Broadcaster) Unsubscribe(s *Session) {
	b.remove(s, ErrUnsubscribed)
}

func (b *Broadcaster) remove(s *Session, reason error) {
	b.mu.Lock()
	_, ok := b.sessions[s.ID]
	delete(b.sessions, s.ID)
	b.mu.Unlock()

	s.close(reason)
	if ok {
		metrics.ActiveSessions.Dec()
		b.logger.Debug("Session closed", "sessionId", s.ID, "reason", reason.Error())
	}
}

// Publish enqueues ev on every interested session and returns immediately.
func (b *Broadcaster) Publish(ev Event) {
	if ev.PublishedAt.IsZero() {
		ev.PublishedAt = time.Now().UTC()
	}

	var slow []*Session

	b.mu.RLock()
	for _, s := range b.sessions {
		if !s.Interested(ev.VehicleID) {
			continue
		}
		if !s.enqueue(ev) {
			slow = append(slow, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range slow {
		metrics.BroadcastDropped.WithLabelValues("disconnect").Inc()
		b.logger.Warn("Disconnecting slow consumer", "sessionId", s.ID, "vehicleId", ev.VehicleID, "event", ev.Kind)
		b.remove(s, ErrSlowConsumer)
	}
}

func (b *Broadcaster) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Close ends every session.
func (b *Broadcaster) Close() {
	b.mu.RLock()
	all := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		all = append(all, s)
	}
	b.mu.RUnlock()

	for _, s := range all {
		b.remove(s, ErrUnsubscribed)
	}
}

// Session is one subscriber's ordered, bounded event queue.
type Session struct {
	ID string

	scope    map[string]struct{}
	all      bool
	capacity int

	mu     sync.Mutex
	filter map[string]struct{}
	queue  []Event
	closed error

	notify chan struct{}
	done   chan struct{}
}

func newSession(id string, scope Scope, capacity int) *Session {
	s := &Session{
		ID:       id,
		all:      scope.All,
		scope:    make(map[string]struct{}, len(scope.VehicleIDs)),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, id := range scope.VehicleIDs {
		s.scope[id] = struct{}{}
	}
	return s
}

// Interested reports whether events for vehicleID reach this session.
func (s *Session) Interested(vehicleID string) bool {
	if !s.all {
		if _, ok := s.scope[vehicleID]; !ok {
			return false
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filter == nil {
		return true
	}
	_, ok := s.filter[vehicleID]
	return ok
}

// SetFilter narrows the session to ids. Ids outside the session's scope are
// ignored; an empty list restores the full scope. It returns the ids kept.
func (s *Session) SetFilter(ids []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(ids) == 0 {
		s.filter = nil
		return nil
	}
	s.filter = make(map[string]struct{}, len(ids))
	kept := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.scope[id]; ok || s.all {
			s.filter[id] = struct{}{}
			kept = append(kept, id)
		}
	}
	return kept
}

// Next blocks until an event is available, the session closes or ctx ends.
func (s *Session) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if s.closed != nil {
			err := s.closed
			s.mu.Unlock()
			return Event{}, err
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session ended, nil while open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Pending reports the queue length.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// enqueue returns false when ev could not be queued and may not be dropped.
func (s *Session) enqueue(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed != nil {
		return true
	}

	if len(s.queue) >= s.capacity {
		victim := -1
		for i := range s.queue {
			if s.queue[i].supersedable() {
				victim = i
				break
			}
		}
		switch {
		case victim >= 0:
			s.queue = append(s.queue[:victim], s.queue[victim+1:]...)
			metrics.BroadcastDropped.WithLabelValues("snapshot").Inc()
		case ev.supersedable():
			metrics.BroadcastDropped.WithLabelValues("snapshot").Inc()
			return true
		default:
			return false
		}
	}

	s.queue = append(s.queue, ev)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *Session) close(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed != nil {
		return
	}
	s.closed = reason
	s.queue = nil
	close(s.done)
}
