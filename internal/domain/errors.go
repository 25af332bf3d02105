package domain

import "errors"

var (
	// ErrSessionNotFound is returned when no live session has the requested identifier.
	ErrSessionNotFound = errors.New("quiz session not found")
	// ErrParticipantNotFound is returned when a user tries to act before joining.
	ErrParticipantNotFound = errors.New("participant not found in session")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrUserNotFound indicates a user identifier is unknown to the account store.
	ErrUserNotFound = errors.New("user not found")
	// ErrNotReady is returned for actions attempted while the session is still loading.
	ErrNotReady = errors.New("session not ready")
	// ErrDuplicateAnswer rejects a second answer to the same question.
	ErrDuplicateAnswer = errors.New("answer already recorded")
	// ErrInvalidTransition rejects an action the current session state does not allow.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrUnauthorized rejects host-only actions from other users and identity mismatches.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidAnswer rejects choices outside the four valid indices.
	ErrInvalidAnswer = errors.New("invalid answer choice")
	// ErrInvalidMessage rejects malformed session-control messages.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrLoadTimeout is logged when the quiz store does not answer within the load budget.
	ErrLoadTimeout = errors.New("quiz load timed out")
)

// ErrorKind is the wire-level classification of an error.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "NotFound"
	KindNotReady          ErrorKind = "NotReady"
	KindDuplicate         ErrorKind = "Duplicate"
	KindInvalidTransition ErrorKind = "InvalidTransition"
	KindUnauthorized      ErrorKind = "Unauthorized"
	KindInvalidArgument   ErrorKind = "InvalidArgument"
	KindInternal          ErrorKind = "Internal"
)

// KindOf maps err onto the error taxonomy reported to clients.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrParticipantNotFound),
		errors.Is(err, ErrQuizNotFound),
		errors.Is(err, ErrUserNotFound):
		return KindNotFound
	case errors.Is(err, ErrNotReady), errors.Is(err, ErrLoadTimeout):
		return KindNotReady
	case errors.Is(err, ErrDuplicateAnswer):
		return KindDuplicate
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrInvalidAnswer), errors.Is(err, ErrInvalidMessage):
		return KindInvalidArgument
	default:
		return KindInternal
	}
}
