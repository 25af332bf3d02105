package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quiztime-live/internal/domain"
)

// RegistryConfig tunes session lifecycles. Zero values fall back to defaults.
type RegistryConfig struct {
	DefaultTimeLimit int
	LoadTimeout      time.Duration
	NameTimeout      time.Duration
	// RetireAfter is how long a completed session stays addressable after the last
	// message referencing it. Zero keeps completed sessions until removed explicitly.
	RetireAfter time.Duration
	Clock       clockwork.Clock
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.DefaultTimeLimit <= 0 || c.DefaultTimeLimit > domain.MaxTimeLimit {
		c.DefaultTimeLimit = domain.DefaultTimeLimit
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 5 * time.Second
	}
	if c.NameTimeout <= 0 {
		c.NameTimeout = 3 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Registry creates, finds and retires sessions. It is the only entry point the
// transport layer uses to reach a session.
type Registry struct {
	sessions  SessionRepository
	quizzes   QuizStore
	recorder  SnapshotRecorder
	publisher Publisher
	cfg       RegistryConfig
}

func NewRegistry(sessions SessionRepository, quizzes QuizStore, recorder SnapshotRecorder, publisher Publisher, cfg RegistryConfig) *Registry {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Registry{
		sessions:  sessions,
		quizzes:   quizzes,
		recorder:  recorder,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
	}
}

// Create allocates a session and starts loading its quiz in the background.
// It returns as soon as the identifier is assigned.
func (r *Registry) Create(ctx context.Context, hostID, quizID int64, timeLimit int) (int64, error) {
	if quizID <= 0 {
		return 0, fmt.Errorf("%w: quizId is required", domain.ErrInvalidMessage)
	}
	if timeLimit > domain.MaxTimeLimit {
		return 0, fmt.Errorf("%w: timeLimit must be at most %d seconds", domain.ErrInvalidMessage, domain.MaxTimeLimit)
	}
	if timeLimit <= 0 {
		timeLimit = r.cfg.DefaultTimeLimit
	}

	id, err := r.sessions.NextID(ctx)
	if err != nil {
		return 0, fmt.Errorf("allocate session id: %w", err)
	}

	session := newSession(sessionParams{
		id:          id,
		quizID:      quizID,
		hostID:      hostID,
		timeLimit:   timeLimit,
		clock:       r.cfg.Clock,
		store:       r.quizzes,
		recorder:    r.recorder,
		publisher:   r.publisher,
		nameTimeout: r.cfg.NameTimeout,
		onComplete:  r.scheduleRetire,
	})
	r.sessions.Put(session)
	go session.load(context.Background(), r.cfg.LoadTimeout)

	log.Info().Int64("session_id", id).Int64("quiz_id", quizID).Int64("host_id", hostID).
		Int("time_limit", timeLimit).Msg("session created")
	return id, nil
}

// Find looks a session up and marks it as referenced.
func (r *Registry) Find(sessionID int64) (*Session, error) {
	session, ok := r.sessions.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrSessionNotFound, sessionID)
	}
	session.touch()
	r.sessions.Touch(sessionID)
	return session, nil
}

// List returns lobby summaries ordered by session identifier.
func (r *Registry) List() []domain.SessionSummary {
	sessions := r.sessions.All()
	out := make([]domain.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Remove tears a session down immediately and persists its final snapshot if it was started.
func (r *Registry) Remove(sessionID int64) bool {
	session, ok := r.sessions.Get(sessionID)
	if !ok {
		return false
	}
	r.retire(session, func(results domain.SessionResults) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
			defer cancel()
			r.recordResults(ctx, results)
		}()
	})
	return true
}

// Shutdown retires every session, persisting snapshots synchronously within ctx.
func (r *Registry) Shutdown(ctx context.Context) {
	for _, session := range r.sessions.All() {
		r.retire(session, func(results domain.SessionResults) {
			r.recordResults(ctx, results)
		})
	}
}

func (r *Registry) retire(session *Session, persist func(domain.SessionResults)) {
	if current, ok := r.sessions.Get(session.id); !ok || current != session {
		return
	}
	results, started, ok := session.retire()
	if !ok {
		return
	}
	r.sessions.Delete(session.id)
	r.publisher.Forget(session.id)

	log.Info().Int64("session_id", session.id).Msg("session retired")
	if started {
		persist(results)
	}
}

func (r *Registry) recordResults(ctx context.Context, results domain.SessionResults) {
	if err := r.recorder.RecordSessionResults(ctx, results); err != nil {
		log.Warn().Err(err).Int64("session_id", results.SessionID).Msg("record session results failed")
	}
}

// scheduleRetire runs when a session completes. Called with the session lock held, so it
// only arms a timer.
func (r *Registry) scheduleRetire(session *Session) {
	if r.cfg.RetireAfter <= 0 {
		return
	}
	r.cfg.Clock.AfterFunc(r.cfg.RetireAfter, func() { r.retireIfIdle(session) })
}

func (r *Registry) retireIfIdle(session *Session) {
	idle := r.cfg.Clock.Since(session.idleSince())
	if idle < r.cfg.RetireAfter {
		r.cfg.Clock.AfterFunc(r.cfg.RetireAfter-idle, func() { r.retireIfIdle(session) })
		return
	}
	r.retire(session, func(results domain.SessionResults) {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		defer cancel()
		r.recordResults(ctx, results)
	})
}
