package redis

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"quiztime-live/internal/app"
)

const sequenceKey = "quiz:session:seq"

// SessionStore is a Redis-aware implementation of SessionRepository.
// Notes:
//   - Session state stays in a local map; timers and connections are process-local.
//   - Redis allocates session ids (INCR) so several instances never hand out the same id.
//   - Each live session gets a liveness key that is cleared when the session retires.
//     The key expires after ttl without traffic; Touch extends it at most every ttl/2.
type SessionStore struct {
	client    *redis.Client
	ttl       time.Duration
	clock     func() time.Time
	mu        sync.RWMutex
	sessions  map[int64]*app.Session
	refreshed map[int64]time.Time
}

func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{
		client:    client,
		ttl:       ttl,
		clock:     time.Now,
		sessions:  make(map[int64]*app.Session),
		refreshed: make(map[int64]time.Time),
	}
}

func (s *SessionStore) NextID(ctx context.Context) (int64, error) {
	return s.client.Incr(ctx, sequenceKey).Result()
}

func (s *SessionStore) Put(session *app.Session) {
	s.mu.Lock()
	s.sessions[session.ID()] = session
	s.refreshed[session.ID()] = s.clock()
	s.mu.Unlock()
	// best-effort liveness marker
	if err := s.client.Set(context.Background(), s.key(session.ID()), session.QuizID(), s.ttl).Err(); err != nil {
		log.Warn().Err(err).Int64("session_id", session.ID()).Msg("mark session live")
	}
}

func (s *SessionStore) Get(sessionID int64) (*app.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	return session, ok
}

// Touch extends the liveness key of a session that is still referenced.
func (s *SessionStore) Touch(sessionID int64) {
	if s.ttl <= 0 {
		return
	}
	now := s.clock()
	s.mu.Lock()
	last, ok := s.refreshed[sessionID]
	if !ok || now.Sub(last) < s.ttl/2 {
		s.mu.Unlock()
		return
	}
	s.refreshed[sessionID] = now
	s.mu.Unlock()

	if err := s.client.Expire(context.Background(), s.key(sessionID), s.ttl).Err(); err != nil {
		log.Warn().Err(err).Int64("session_id", sessionID).Msg("refresh session marker")
	}
}

func (s *SessionStore) Delete(sessionID int64) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	delete(s.refreshed, sessionID)
	s.mu.Unlock()
	if err := s.client.Del(context.Background(), s.key(sessionID)).Err(); err != nil {
		log.Warn().Err(err).Int64("session_id", sessionID).Msg("clear session marker")
	}
}

func (s *SessionStore) All() []*app.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*app.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	return out
}

func (s *SessionStore) key(sessionID int64) string {
	return "quiz:session:" + strconv.FormatInt(sessionID, 10)
}
