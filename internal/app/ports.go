package app

import (
	"context"

	"quiztime-live/internal/domain"
)

// QuizStore fetches quiz content and account names (relational store, cache, etc).
type QuizStore interface {
	FetchQuestions(ctx context.Context, quizID int64) ([]domain.Question, error)
	FetchQuizTitle(ctx context.Context, quizID int64) (string, error)
	FetchUsername(ctx context.Context, userID int64) (string, error)
}

// SnapshotRecorder persists session snapshots. Calls are fire-and-forget from the session's point of view.
type SnapshotRecorder interface {
	RecordSessionStart(ctx context.Context, start domain.SessionStart) error
	RecordSessionResults(ctx context.Context, results domain.SessionResults) error
}

// SessionRepository abstracts where live sessions are kept (in-memory, Redis-aware, etc).
// NextID must hand out strictly increasing identifiers under concurrent callers.
// Touch is called whenever a message references the session.
type SessionRepository interface {
	NextID(ctx context.Context) (int64, error)
	Put(session *Session)
	Get(sessionID int64) (*Session, bool)
	Touch(sessionID int64)
	Delete(sessionID int64)
	All() []*Session
}

// Publisher fans session events out to subscribed connections.
// Implementations must not block: sessions publish while holding their lock so that
// delivery order matches commit order.
type Publisher interface {
	Publish(sessionID int64, event domain.Event)
	PublishTo(sessionID, userID int64, event domain.Event)
	Forget(sessionID int64)
}

type nopRecorder struct{}

func (nopRecorder) RecordSessionStart(context.Context, domain.SessionStart) error     { return nil }
func (nopRecorder) RecordSessionResults(context.Context, domain.SessionResults) error { return nil }

type nopPublisher struct{}

func (nopPublisher) Publish(int64, domain.Event)          {}
func (nopPublisher) PublishTo(int64, int64, domain.Event) {}
func (nopPublisher) Forget(int64)                         {}
