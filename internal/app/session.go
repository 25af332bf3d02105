package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"quiztime-live/internal/domain"
)

const snapshotTimeout = 10 * time.Second

// Session is one live run of a quiz. All state below mu is mutated only while mu is held;
// collaborator calls (quiz store, recorder) run outside the lock and commit under it.
type Session struct {
	id        int64
	quizID    int64
	hostID    int64
	createdAt time.Time

	clock       clockwork.Clock
	store       QuizStore
	recorder    SnapshotRecorder
	publisher   Publisher
	nameTimeout time.Duration
	onComplete  func(*Session)
	logger      zerolog.Logger

	loaded   chan struct{}
	lastSeen atomic.Int64

	mu        sync.Mutex
	state     domain.State
	hostName  string
	quizName  string
	questions []domain.Question
	timeLimit int
	current   int
	timeLeft  int
	roster    *roster
	answers   *answerLog
	timer     *questionTimer
	// loadErr is set when the question set could not be loaded; host controls report it.
	loadErr error
	// resolving counts display-name lookups still in flight.
	resolving int
	started   bool
	retired   bool
}

type sessionParams struct {
	id          int64
	quizID      int64
	hostID      int64
	timeLimit   int
	clock       clockwork.Clock
	store       QuizStore
	recorder    SnapshotRecorder
	publisher   Publisher
	nameTimeout time.Duration
	onComplete  func(*Session)
}

func newSession(p sessionParams) *Session {
	if p.timeLimit <= 0 {
		p.timeLimit = domain.DefaultTimeLimit
	}
	s := &Session{
		id:          p.id,
		quizID:      p.quizID,
		hostID:      p.hostID,
		createdAt:   p.clock.Now(),
		clock:       p.clock,
		store:       p.store,
		recorder:    p.recorder,
		publisher:   p.publisher,
		nameTimeout: p.nameTimeout,
		onComplete:  p.onComplete,
		logger:      log.With().Int64("session_id", p.id).Int64("quiz_id", p.quizID).Logger(),
		loaded:      make(chan struct{}),
		state:       domain.StateLoading,
		timeLimit:   p.timeLimit,
		current:     -1,
		roster:      newRoster(),
		answers:     newAnswerLog(),
	}
	s.touch()
	return s
}

func (s *Session) ID() int64            { return s.id }
func (s *Session) QuizID() int64        { return s.quizID }
func (s *Session) HostID() int64        { return s.hostID }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Loaded is closed once the quiz content has been fetched (or given up on).
func (s *Session) Loaded() <-chan struct{} {
	return s.loaded
}

// State returns the lifecycle state and the current question index.
func (s *Session) State() (domain.State, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.current
}

// TimeLimit is the per-question countdown in seconds.
func (s *Session) TimeLimit() int {
	return s.timeLimit
}

// TimeLeft returns the remaining seconds of the active question.
func (s *Session) TimeLeft() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeLeft
}

// Participants returns the roster in join order.
func (s *Session) Participants() []domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roster.snapshot()
}

// Answers returns a copy of the answer log.
func (s *Session) Answers() []domain.AnswerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answers.snapshot()
}

// Summary is the lobby-listing view of the session.
func (s *Session) Summary() domain.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.SessionSummary{
		SessionID:        s.id,
		QuizID:           s.quizID,
		QuizName:         s.quizName,
		ParticipantCount: s.roster.len(),
		HostName:         s.hostName,
		State:            s.state.String(),
	}
}

func (s *Session) touch() {
	s.lastSeen.Store(s.clock.Now().UnixNano())
}

func (s *Session) idleSince() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// load fetches questions, quiz title and host name concurrently, waiting at most timeout.
// Failed fetches leave their field unset; a missing question set is kept as the load error
// that host controls report.
func (s *Session) load(ctx context.Context, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu           sync.Mutex
		questions    []domain.Question
		questionsErr error
		questionsIn  bool
		title        string
		hostName     string
	)
	var g errgroup.Group
	g.Go(func() error {
		q, err := s.store.FetchQuestions(ctx, s.quizID)
		mu.Lock()
		questions, questionsErr, questionsIn = q, err, true
		mu.Unlock()
		if err != nil {
			s.logger.Warn().Err(err).Msg("fetch questions failed")
		}
		return err
	})
	g.Go(func() error {
		t, err := s.store.FetchQuizTitle(ctx, s.quizID)
		if err != nil {
			s.logger.Warn().Err(err).Msg("fetch quiz title failed")
			return err
		}
		mu.Lock()
		title = t
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		n, err := s.store.FetchUsername(ctx, s.hostID)
		if err != nil {
			s.logger.Warn().Err(err).Int64("host_id", s.hostID).Msg("fetch host name failed")
			return err
		}
		mu.Lock()
		hostName = n
		mu.Unlock()
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			s.logger.Warn().Err(err).Msg("quiz load incomplete")
		}
	case <-ctx.Done():
		s.logger.Warn().Err(fmt.Errorf("%w: %v", domain.ErrLoadTimeout, ctx.Err())).Msg("quiz load incomplete")
	}

	mu.Lock()
	defer mu.Unlock()
	var loadErr error
	switch {
	case !questionsIn || errors.Is(questionsErr, context.DeadlineExceeded):
		loadErr = fmt.Errorf("%w: %w", domain.ErrNotReady, domain.ErrLoadTimeout)
	case errors.Is(questionsErr, domain.ErrQuizNotFound):
		loadErr = questionsErr
	case questionsErr != nil:
		loadErr = fmt.Errorf("%w: questions unavailable: %v", domain.ErrNotReady, questionsErr)
	case len(questions) == 0:
		loadErr = fmt.Errorf("%w: quiz %d has no questions", domain.ErrQuizNotFound, s.quizID)
	}
	s.finishLoad(questions, title, hostName, loadErr)
}

func (s *Session) finishLoad(questions []domain.Question, title, hostName string, loadErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer close(s.loaded)

	if s.state != domain.StateLoading || s.retired {
		return
	}
	s.questions = append([]domain.Question(nil), questions...)
	s.quizName = title
	s.hostName = hostName
	s.loadErr = loadErr
	s.state = domain.StateLobby
	if loadErr != nil {
		s.logger.Warn().Err(loadErr).Msg("session has no playable questions")
	} else {
		s.logger.Info().Int("questions", len(s.questions)).Str("quiz_name", title).Msg("session loaded")
	}

	if s.roster.len() > 0 && s.resolving == 0 {
		s.publisher.Publish(s.id, s.rosterEventLocked())
	}
}

// Join adds a participant and reports whether they were new. Repeated joins are no-ops.
// The roster-changed event is published once the display name has been resolved.
func (s *Session) Join(participantID int64) (bool, error) {
	s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLiveLocked(); err != nil {
		return false, err
	}
	if s.state == domain.StateCompleted {
		return false, fmt.Errorf("%w: quiz already completed", domain.ErrInvalidTransition)
	}
	if !s.roster.add(participantID, s.clock.Now()) {
		return false, nil
	}
	s.resolving++
	s.logger.Debug().Int64("participant_id", participantID).Msg("participant joined")
	go s.resolveName(participantID)
	return true, nil
}

func (s *Session) resolveName(participantID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.nameTimeout)
	defer cancel()

	name, err := s.store.FetchUsername(ctx, participantID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("participant_id", participantID).Msg("resolve display name failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolving--
	if s.retired || !s.roster.has(participantID) {
		return
	}
	if err == nil {
		s.roster.setName(participantID, name)
	}
	s.publisher.Publish(s.id, s.rosterEventLocked())
}

// Leave removes a participant from the roster. Their recorded answers stay in the log.
func (s *Session) Leave(participantID int64) error {
	s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLiveLocked(); err != nil {
		return err
	}
	if !s.roster.remove(participantID) {
		return domain.ErrParticipantNotFound
	}
	s.publisher.Publish(s.id, domain.Event{Type: domain.EventPlayerLeft, Payload: domain.PlayerLeftPayload{
		PlayerID: participantID,
		Players:  s.roster.snapshot(),
	}})
	if s.state == domain.StateAsking {
		s.closeIfAllAnsweredLocked()
	}
	return nil
}

// RosterEvent returns the current playerJoined snapshot.
func (s *Session) RosterEvent() domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rosterEventLocked()
}

func (s *Session) rosterEventLocked() domain.Event {
	return domain.Event{Type: domain.EventPlayerJoined, Payload: domain.RosterPayload{
		HostName: s.hostName,
		QuizName: s.quizName,
		Players:  s.roster.snapshot(),
	}}
}

// HostJoin re-sends the roster snapshot to the host's connections.
func (s *Session) HostJoin(callerID int64) error {
	s.touch()
	if err := s.requireHost(callerID, "rejoin as host"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLiveLocked(); err != nil {
		return err
	}
	s.publisher.PublishTo(s.id, s.hostID, s.rosterEventLocked())
	return nil
}

// Start announces the quiz start. It does not reveal a question.
func (s *Session) Start(callerID int64) error {
	s.touch()
	if err := s.requireHost(callerID, "start the quiz"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLiveLocked(); err != nil {
		return err
	}
	switch s.state {
	case domain.StateLoading:
		return domain.ErrNotReady
	case domain.StateLobby:
		if s.loadErr != nil {
			return s.loadErr
		}
	default:
		return fmt.Errorf("%w: quiz already started", domain.ErrInvalidTransition)
	}
	s.markStartedLocked()
	s.publisher.Publish(s.id, domain.Event{Type: domain.EventServerStarted, Payload: domain.ServerPayload{ServerID: s.id}})
	return nil
}

func (s *Session) markStartedLocked() {
	if s.started {
		return
	}
	s.started = true
	start := domain.SessionStart{
		SessionID:      s.id,
		HostID:         s.hostID,
		QuizID:         s.quizID,
		ParticipantIDs: s.roster.ids(),
		Status:         "active",
		StartedAt:      s.clock.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		defer cancel()
		if err := s.recorder.RecordSessionStart(ctx, start); err != nil {
			s.logger.Warn().Err(err).Msg("record session start failed")
		}
	}()
}

// Advance moves to the next question, or completes the quiz when none is left.
func (s *Session) Advance(callerID int64) error {
	s.touch()
	if err := s.requireHost(callerID, "advance the quiz"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLiveLocked(); err != nil {
		return err
	}
	if s.loadErr != nil && s.state == domain.StateLobby {
		return s.loadErr
	}
	if s.checkInvariantsLocked() {
		return fmt.Errorf("%w: quiz already completed", domain.ErrInvalidTransition)
	}
	switch s.state {
	case domain.StateLoading:
		return domain.ErrNotReady
	case domain.StateLobby, domain.StateClosed:
	case domain.StateAsking:
		return fmt.Errorf("%w: question %d is still open", domain.ErrInvalidTransition, s.current)
	default:
		return fmt.Errorf("%w: quiz already completed", domain.ErrInvalidTransition)
	}

	s.markStartedLocked()
	s.timer.stop()
	s.timer = nil

	next := s.current + 1
	if next >= len(s.questions) {
		s.current = len(s.questions)
		s.completeLocked()
		return nil
	}

	s.current = next
	s.state = domain.StateAsking
	s.timeLeft = s.timeLimit
	s.timer = startQuestionTimer(s.clock, next, time.Duration(s.timeLimit)*time.Second, s.onTick)

	q := s.questions[next]
	s.publisher.Publish(s.id, domain.Event{Type: domain.EventQuestion, Payload: domain.QuestionPayload{
		Question:  q.Public(next),
		TimeLimit: s.timeLimit,
	}})
	s.publisher.PublishTo(s.id, s.hostID, domain.Event{Type: domain.EventHostQuestion, Payload: domain.HostQuestionPayload{
		NumberOfQuestions: len(s.questions),
		CurQuestionIndex:  next,
		Question:          q,
	}})
	s.logger.Debug().Int("question", next).Msg("question revealed")
	return nil
}

func (s *Session) completeLocked() {
	s.state = domain.StateCompleted
	s.timeLeft = 0
	s.timer.stop()
	s.timer = nil
	s.publisher.Publish(s.id, domain.Event{Type: domain.EventResult, Payload: domain.ServerPayload{ServerID: s.id}})
	s.logger.Info().Int("participants", s.roster.len()).Msg("quiz completed")
	if s.onComplete != nil {
		s.onComplete(s)
	}
}

// checkInvariantsLocked trips a corrupted session into Completed and reports whether it did.
func (s *Session) checkInvariantsLocked() bool {
	if s.state == domain.StateCompleted {
		return false
	}
	corrupt := s.current > len(s.questions) ||
		((s.state == domain.StateAsking || s.state == domain.StateClosed) && (s.current < 0 || s.current >= len(s.questions)))
	if !corrupt {
		return false
	}
	s.logger.Error().Int("current", s.current).Int("questions", len(s.questions)).Str("state", s.state.String()).
		Msg("session invariant violated, completing session")
	if s.current > len(s.questions) {
		s.current = len(s.questions)
	}
	s.completeLocked()
	return true
}

// onTick runs on every timer tick and reports whether the timer should stop.
func (s *Session) onTick(t *questionTimer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != t || s.state != domain.StateAsking || s.current != t.question {
		return true
	}
	s.timeLeft = t.remaining(s.clock.Now())
	if s.timeLeft > 0 {
		return false
	}
	s.closeLocked()
	return true
}

// closeLocked records a no-answer for everyone who did not answer and enters Closed.
func (s *Session) closeLocked() {
	now := s.clock.Now()
	for _, id := range s.roster.ids() {
		s.answers.record(domain.AnswerRecord{
			Question:      s.current,
			ParticipantID: id,
			Choice:        domain.NoAnswer,
			SubmittedAt:   now,
		})
	}
	s.state = domain.StateClosed
	s.timeLeft = 0
	s.timer.stop()
	s.timer = nil
	s.publisher.Publish(s.id, domain.Event{Type: domain.EventQuestionClosed, Payload: domain.QuestionClosedPayload{
		ServerID:         s.id,
		CurQuestionIndex: s.current,
	}})
	s.logger.Debug().Int("question", s.current).Msg("answer window closed")
}

func (s *Session) closeIfAllAnsweredLocked() {
	if s.roster.len() == 0 {
		return
	}
	for _, id := range s.roster.ids() {
		if !s.answers.has(s.current, id) {
			return
		}
	}
	s.closeLocked()
}

// SubmitAnswer records the first answer of a participant to the open question.
func (s *Session) SubmitAnswer(participantID int64, choice int) error {
	s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLiveLocked(); err != nil {
		return err
	}
	switch s.state {
	case domain.StateLoading:
		return domain.ErrNotReady
	case domain.StateAsking:
	default:
		return fmt.Errorf("%w: no question is open", domain.ErrInvalidTransition)
	}
	if !s.roster.has(participantID) {
		return domain.ErrParticipantNotFound
	}
	if !domain.ValidChoice(choice) {
		return fmt.Errorf("%w: %d", domain.ErrInvalidAnswer, choice)
	}
	if !s.answers.record(domain.AnswerRecord{
		Question:      s.current,
		ParticipantID: participantID,
		Choice:        choice,
		SubmittedAt:   s.clock.Now(),
	}) {
		return fmt.Errorf("%w: question %d", domain.ErrDuplicateAnswer, s.current)
	}

	s.publisher.Publish(s.id, domain.Event{Type: domain.EventAnswerReceived, Payload: domain.AnswerReceivedPayload{
		PlayerID: participantID,
		Answer:   choice,
	}})
	s.closeIfAllAnsweredLocked()
	return nil
}

// ActiveQuestion returns the open question, if any.
func (s *Session) ActiveQuestion() (domain.QuestionPayload, bool) {
	s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StateAsking {
		return domain.QuestionPayload{}, false
	}
	return domain.QuestionPayload{
		Question:  s.questions[s.current].Public(s.current),
		TimeLimit: s.timeLimit,
	}, true
}

// AnnounceTime broadcasts the remaining seconds of the active question.
func (s *Session) AnnounceTime() int {
	s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher.Publish(s.id, domain.Event{Type: domain.EventCurTime, Payload: domain.CurTimePayload{TimeLeft: s.timeLeft}})
	return s.timeLeft
}

// Results ranks the roster. Before completion only closed questions are scored.
func (s *Session) Results() ([]domain.ResultEntry, error) {
	s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == domain.StateLoading {
		return nil, domain.ErrNotReady
	}
	return Score(s.scoredQuestionsLocked(), s.answers.records, s.roster.snapshot()), nil
}

func (s *Session) scoredQuestionsLocked() []domain.Question {
	switch s.state {
	case domain.StateAsking:
		return s.questions[:s.current]
	case domain.StateClosed:
		return s.questions[:s.current+1]
	case domain.StateCompleted:
		return s.questions
	default:
		return nil
	}
}

// Retired reports whether the session has been torn down.
func (s *Session) Retired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retired
}

// checkLiveLocked rejects operations that raced with retirement.
func (s *Session) checkLiveLocked() error {
	if s.retired {
		return fmt.Errorf("%w: %d", domain.ErrSessionNotFound, s.id)
	}
	return nil
}

func (s *Session) requireHost(callerID int64, action string) error {
	if callerID != s.hostID {
		return fmt.Errorf("%w: only the host can %s", domain.ErrUnauthorized, action)
	}
	return nil
}

// retire stops the timer and returns the final snapshot and whether the quiz was ever
// started. ok is false if the session was already retired. Later async completions are dropped.
func (s *Session) retire() (results domain.SessionResults, started bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retired {
		return domain.SessionResults{}, false, false
	}
	s.retired = true
	s.timer.stop()
	s.timer = nil
	return domain.SessionResults{
		SessionID:  s.id,
		HostID:     s.hostID,
		QuizID:     s.quizID,
		Results:    Score(s.scoredQuestionsLocked(), s.answers.records, s.roster.snapshot()),
		Answers:    s.answers.snapshot(),
		FinishedAt: s.clock.Now(),
	}, s.started, true
}
