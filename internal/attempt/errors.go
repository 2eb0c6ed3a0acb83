package attempt

import "errors"

// Errors returned by Session. ErrAttemptsExhausted, ErrAlreadySubmitted and
// ErrSubmitInProgress are also produced by Service implementations to report
// the matching server-side rejection.
var (
	ErrAttemptsExhausted = errors.New("attempts exhausted")
	ErrAlreadySubmitted  = errors.New("attempt already submitted")
	ErrSubmitInProgress  = errors.New("submission already in progress")

	ErrNotStarted      = errors.New("attempt not started")
	ErrAlreadyStarted  = errors.New("attempt already started")
	ErrStartInFlight   = errors.New("start already in flight")
	ErrNotInProgress   = errors.New("attempt is not in progress")
	ErrTimeUp          = errors.New("time is up")
	ErrUnknownQuestion = errors.New("unknown question")
	ErrInvalidAnswer   = errors.New("invalid answer")
	ErrClosed          = errors.New("session closed")
)
