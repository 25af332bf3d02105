package domain

import "time"

// ChoiceCount is the number of choices every question carries.
const ChoiceCount = 4

// NoAnswer is recorded for a participant whose answer window closed without a submission.
// It is never a valid choice index.
const NoAnswer = -1

// DefaultTimeLimit is the per-question countdown in seconds when the host does not pick one.
const DefaultTimeLimit = 30

// MaxTimeLimit caps the per-question countdown a host may request, in seconds.
const MaxTimeLimit = 3600

// Question is one single-choice question of a quiz. Immutable once loaded.
type Question struct {
	Position int                 `json:"position"`
	Text     string              `json:"text"`
	Choices  [ChoiceCount]string `json:"choices"`
	Correct  int                 `json:"correct"`
}

// ValidChoice reports whether choice addresses one of the four choices.
func ValidChoice(choice int) bool {
	return choice >= 0 && choice < ChoiceCount
}

// Quiz is a quiz definition as authored in the quiz store.
type Quiz struct {
	ID        int64      `json:"id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// Participant is a joined user. Name stays empty until it has been resolved.
type Participant struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joinedAt"`
}

// AnswerRecord is the single authoritative answer of a participant to a question.
type AnswerRecord struct {
	Question      int       `json:"question"`
	ParticipantID int64     `json:"playerId"`
	Choice        int       `json:"answer"`
	SubmittedAt   time.Time `json:"submittedAt"`
}

// Answered reports whether the record holds a real choice rather than the NoAnswer sentinel.
func (a AnswerRecord) Answered() bool {
	return a.Choice != NoAnswer
}

// ResultEntry is a leaderboard row.
type ResultEntry struct {
	ParticipantID int64  `json:"playerId"`
	Name          string `json:"name"`
	Correct       int    `json:"correct"`
}

// SessionSummary is the lobby-browsing view of a live session.
type SessionSummary struct {
	SessionID        int64  `json:"serverId"`
	QuizID           int64  `json:"quizId"`
	QuizName         string `json:"quizName"`
	ParticipantCount int    `json:"players"`
	HostName         string `json:"hostname"`
	State            string `json:"state"`
}

// SessionStart is persisted when the host starts a session.
type SessionStart struct {
	SessionID      int64
	HostID         int64
	QuizID         int64
	ParticipantIDs []int64
	Status         string
	StartedAt      time.Time
}

// SessionResults is persisted when a completed session is retired.
type SessionResults struct {
	SessionID  int64
	HostID     int64
	QuizID     int64
	Results    []ResultEntry
	Answers    []AnswerRecord
	FinishedAt time.Time
}

// State is the lifecycle state of a session.
type State int

const (
	StateLoading State = iota
	StateLobby
	StateAsking
	StateClosed
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLobby:
		return "lobby"
	case StateAsking:
		return "asking"
	case StateClosed:
		return "closed"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}
