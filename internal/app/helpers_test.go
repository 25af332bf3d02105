package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"quiztime-live/internal/domain"
)

const testHost int64 = 1

type fakeStore struct {
	questions []domain.Question
	title     string
	names     map[int64]string
	// gate blocks FetchQuestions until closed.
	gate chan struct{}
	// nameGates block FetchUsername for a given user until closed.
	nameGates map[int64]chan struct{}
}

func (s *fakeStore) FetchQuestions(ctx context.Context, quizID int64) ([]domain.Question, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.questions == nil {
		return nil, fmt.Errorf("%w: %d", domain.ErrQuizNotFound, quizID)
	}
	return s.questions, nil
}

func (s *fakeStore) FetchQuizTitle(_ context.Context, quizID int64) (string, error) {
	if s.title == "" {
		return "", fmt.Errorf("%w: %d", domain.ErrQuizNotFound, quizID)
	}
	return s.title, nil
}

func (s *fakeStore) FetchUsername(ctx context.Context, userID int64) (string, error) {
	if gate, ok := s.nameGates[userID]; ok {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	name, ok := s.names[userID]
	if !ok {
		return "", fmt.Errorf("%w: %d", domain.ErrUserNotFound, userID)
	}
	return name, nil
}

type published struct {
	to    int64 // zero for session-wide broadcasts
	event domain.Event
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(_ int64, event domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{event: event})
}

func (p *recordingPublisher) PublishTo(_ int64, userID int64, event domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{to: userID, event: event})
}

func (p *recordingPublisher) Forget(int64) {}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

func (p *recordingPublisher) ofType(eventType string) []published {
	var out []published
	for _, e := range p.all() {
		if e.event.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type sessionFixture struct {
	session   *Session
	clock     *clockwork.FakeClock
	store     *fakeStore
	publisher *recordingPublisher
	completed chan struct{}
}

func twoQuestions() []domain.Question {
	return []domain.Question{
		{Position: 1, Text: "2 + 2?", Choices: [4]string{"3", "4", "5", "6"}, Correct: 1},
		{Position: 2, Text: "Largest planet?", Choices: [4]string{"Mars", "Venus", "Earth", "Jupiter"}, Correct: 3},
	}
}

// newFixture builds an unloaded session. Call load to move it to the lobby.
func newFixture(t *testing.T, questions []domain.Question) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		clock: clockwork.NewFakeClock(),
		store: &fakeStore{
			questions: questions,
			title:     "General knowledge",
			names:     map[int64]string{testHost: "Host", 2: "Alice", 3: "Bob", 4: "Carol"},
		},
		publisher: &recordingPublisher{},
		completed: make(chan struct{}, 1),
	}
	f.session = newSession(sessionParams{
		id:          7,
		quizID:      70,
		hostID:      testHost,
		timeLimit:   30,
		clock:       f.clock,
		store:       f.store,
		recorder:    nopRecorder{},
		publisher:   f.publisher,
		nameTimeout: time.Second,
		onComplete:  func(*Session) { f.completed <- struct{}{} },
	})
	t.Cleanup(func() { f.session.retire() })
	return f
}

func (f *sessionFixture) load(t *testing.T) {
	t.Helper()
	f.session.load(context.Background(), time.Second)
	st, _ := f.session.State()
	require.Equal(t, domain.StateLobby, st)
}

func (f *sessionFixture) join(t *testing.T, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		_, err := f.session.Join(id)
		require.NoError(t, err)
	}
}

// expire advances the fake clock until the open answer window closes.
func (f *sessionFixture) expire(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.clock.Advance(time.Second)
		st, _ := f.session.State()
		return st != domain.StateAsking
	}, 2*time.Second, time.Millisecond)
}
