package matching

import "errors"

var (
	ErrUnknownSession   = errors.New("matching: unknown session")
	ErrSessionExists    = errors.New("matching: session already open")
	ErrAlreadySearching = errors.New("matching: request already pending")
	ErrAlreadyMatched   = errors.New("matching: session already matched")
	ErrQueueFull        = errors.New("matching: queue full")
	ErrExpired          = errors.New("matching: request expired")
)

// Describe maps an engine error to the title and message shown to the
// client.
func Describe(err error) (title, message string) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return "Invalid criteria", verr.Error()
	case errors.Is(err, ErrAlreadySearching):
		return "Already searching", "A match request is already pending on this connection."
	case errors.Is(err, ErrAlreadyMatched):
		return "Already matched", "This connection has already been matched. Open a new connection to match again."
	case errors.Is(err, ErrQueueFull):
		return "Queue full", "Too many users are waiting right now. Please try again shortly."
	case errors.Is(err, ErrExpired):
		return "Matching timed out", "No partner was found in time. Please submit your request again."
	case errors.Is(err, ErrNoQuestion):
		return "No question available", "No question satisfies both your criteria and your partner's. You remain in the queue."
	case errors.Is(err, ErrUnrecoverable):
		return "Matching unavailable", "Matching is temporarily unavailable. Please submit your request again."
	default:
		return "Room creation failed", "A room could not be created for your match. You remain in the queue."
	}
}
