package broadcast

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"quiztime-live/internal/domain"
)

const defaultBufferSize = 64

// Mirror receives every public session event after local fan-out (e.g. a message bus).
// Host-only events are never mirrored.
type Mirror interface {
	Mirror(sessionID int64, event domain.Event)
}

// Subscriber is one connection's outbound queue. Messages are delivered in enqueue order.
type Subscriber struct {
	ID     string
	UserID int64

	mu     sync.Mutex
	closed bool
	send   chan []byte

	// sessions is guarded by the router lock.
	sessions map[int64]struct{}
}

// Messages yields encoded events until the subscriber is closed.
func (s *Subscriber) Messages() <-chan []byte {
	return s.send
}

// Deliver sends event to this subscriber only.
func (s *Subscriber) Deliver(event domain.Event) bool {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("event_type", event.Type).Msg("failed to marshal event")
		return false
	}
	return s.enqueue(data)
}

func (s *Subscriber) enqueue(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// Router delivers session-scoped events to exactly the connections subscribed to that session.
type Router struct {
	mu         sync.RWMutex
	sessions   map[int64]map[*Subscriber]struct{}
	mirror     Mirror
	bufferSize int
}

// NewRouter builds a router. mirror may be nil.
func NewRouter(mirror Mirror) *Router {
	return &Router{
		sessions:   make(map[int64]map[*Subscriber]struct{}),
		mirror:     mirror,
		bufferSize: defaultBufferSize,
	}
}

// NewSubscriber creates a queue for a connection authenticated as userID.
func (r *Router) NewSubscriber(userID int64) *Subscriber {
	return &Subscriber{
		ID:       uuid.New().String(),
		UserID:   userID,
		send:     make(chan []byte, r.bufferSize),
		sessions: make(map[int64]struct{}),
	}
}

// Subscribe adds sub to a session's set and reports whether it was not subscribed yet.
func (r *Router) Subscribe(sessionID int64, sub *Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub.mu.Lock()
	closed := sub.closed
	sub.mu.Unlock()
	if closed {
		return false
	}
	if _, ok := sub.sessions[sessionID]; ok {
		return false
	}
	if r.sessions[sessionID] == nil {
		r.sessions[sessionID] = make(map[*Subscriber]struct{})
	}
	r.sessions[sessionID][sub] = struct{}{}
	sub.sessions[sessionID] = struct{}{}

	log.Debug().
		Str("connection_id", sub.ID).
		Int64("session_id", sessionID).
		Int("subscribers", len(r.sessions[sessionID])).
		Msg("connection subscribed")
	return true
}

// Unsubscribe removes sub from one session.
func (r *Router) Unsubscribe(sessionID int64, sub *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked(sessionID, sub)
}

func (r *Router) unsubscribeLocked(sessionID int64, sub *Subscriber) {
	delete(sub.sessions, sessionID)
	if subs, ok := r.sessions[sessionID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(r.sessions, sessionID)
		}
	}
}

// Close removes sub from every session and closes its queue. Safe to call repeatedly.
func (r *Router) Close(sub *Subscriber) {
	r.mu.Lock()
	for sessionID := range sub.sessions {
		r.unsubscribeLocked(sessionID, sub)
	}
	r.mu.Unlock()
	sub.close()
}

// Publish delivers event to every connection subscribed to sessionID.
func (r *Router) Publish(sessionID int64, event domain.Event) {
	r.publish(sessionID, event, func(*Subscriber) bool { return true })
	if r.mirror != nil {
		r.mirror.Mirror(sessionID, event)
	}
}

// PublishTo delivers event only to userID's connections subscribed to sessionID.
func (r *Router) PublishTo(sessionID, userID int64, event domain.Event) {
	r.publish(sessionID, event, func(s *Subscriber) bool { return s.UserID == userID })
}

func (r *Router) publish(sessionID int64, event domain.Event, match func(*Subscriber) bool) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("event_type", event.Type).Msg("failed to marshal event for broadcast")
		return
	}

	var slow []*Subscriber
	delivered := 0
	r.mu.RLock()
	for sub := range r.sessions[sessionID] {
		if !match(sub) {
			continue
		}
		if sub.enqueue(data) {
			delivered++
		} else {
			slow = append(slow, sub)
		}
	}
	r.mu.RUnlock()

	for _, sub := range slow {
		log.Warn().
			Str("connection_id", sub.ID).
			Int64("user_id", sub.UserID).
			Msg("connection send buffer full, closing connection")
		r.Close(sub)
	}

	log.Debug().
		Str("event_type", event.Type).
		Int64("session_id", sessionID).
		Int("connections", delivered).
		Msg("event broadcasted")
}

// Forget drops a retired session's subscriber set. Connections stay open.
func (r *Router) Forget(sessionID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sub := range r.sessions[sessionID] {
		delete(sub.sessions, sessionID)
	}
	delete(r.sessions, sessionID)
}

// Subscribers counts the connections subscribed to sessionID.
func (r *Router) Subscribers(sessionID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionID])
}
