package domain

// Outbound event types.
const (
	EventServerCreated  = "serverCreated"
	EventPlayerJoined   = "playerJoined"
	EventPlayerLeft     = "playerLeft"
	EventServerStarted  = "serverStarted"
	EventQuestion       = "question"
	EventHostQuestion   = "hostQuestion"
	EventQuestionClosed = "questionClosed"
	EventResult         = "result"
	EventAnswerReceived = "answerReceived"
	EventCurTime        = "curTime"
	EventResults        = "results"
	EventError          = "error"
)

// Event is a session-scoped message delivered to subscribed connections.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// PublicQuestion is a question as shown to participants, without the correct index.
type PublicQuestion struct {
	Index   int                 `json:"index"`
	Text    string              `json:"text"`
	Choices [ChoiceCount]string `json:"choices"`
}

// ServerCreatedPayload answers createServer.
type ServerCreatedPayload struct {
	ServerID int64 `json:"serverId"`
}

// RosterPayload carries the roster snapshot after joins.
type RosterPayload struct {
	HostName string        `json:"hostname"`
	QuizName string        `json:"quizName"`
	Players  []Participant `json:"players"`
}

// PlayerLeftPayload announces a participant leaving.
type PlayerLeftPayload struct {
	PlayerID int64         `json:"playerId"`
	Players  []Participant `json:"players"`
}

// ServerPayload carries just the session identifier.
type ServerPayload struct {
	ServerID int64 `json:"serverId"`
}

// QuestionPayload reveals a question to every participant.
type QuestionPayload struct {
	Question  PublicQuestion `json:"question"`
	TimeLimit int            `json:"timeLimit"`
}

// HostQuestionPayload is the host-only variant. It carries the correct index.
type HostQuestionPayload struct {
	NumberOfQuestions int      `json:"numberOfQuestions"`
	CurQuestionIndex  int      `json:"curQuestionIndex"`
	Question          Question `json:"question"`
}

// QuestionClosedPayload announces the end of an answer window.
type QuestionClosedPayload struct {
	ServerID         int64 `json:"serverId"`
	CurQuestionIndex int   `json:"curQuestionIndex"`
}

// AnswerReceivedPayload acknowledges a submission without revealing correctness.
type AnswerReceivedPayload struct {
	PlayerID int64 `json:"playerId"`
	Answer   int   `json:"answer"`
}

// CurTimePayload reports the remaining seconds of the active question.
type CurTimePayload struct {
	TimeLeft int `json:"timeLeft"`
}

// ResultsPayload carries the ranked leaderboard.
type ResultsPayload struct {
	Results []ResultEntry `json:"results"`
}

// ErrorPayload reports a recoverable error to the originating connection.
type ErrorPayload struct {
	ServerID int64     `json:"serverId,omitempty"`
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
}

// NewErrorEvent classifies err for the wire.
func NewErrorEvent(serverID int64, err error) Event {
	return Event{Type: EventError, Payload: ErrorPayload{
		ServerID: serverID,
		Kind:     KindOf(err),
		Message:  err.Error(),
	}}
}

// Public returns the participant-facing view of q.
func (q Question) Public(index int) PublicQuestion {
	return PublicQuestion{Index: index, Text: q.Text, Choices: q.Choices}
}
