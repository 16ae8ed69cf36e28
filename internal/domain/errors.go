package domain

import "errors"

var (
	// ErrSessionNotFound is returned for an unknown live duel session.
	ErrSessionNotFound = errors.New("duel session not found")
	// ErrMatchNotFound is returned for an unknown async match.
	ErrMatchNotFound = errors.New("async match not found")
	// ErrChallengeNotFound is returned for an unknown or already-resolved challenge.
	ErrChallengeNotFound = errors.New("challenge not found")
	// ErrParticipantNotFound is returned when a referenced participant does not exist.
	ErrParticipantNotFound = errors.New("participant not found")
	// ErrInvalidSubmission rejects malformed or out-of-window answers without mutating state.
	ErrInvalidSubmission = errors.New("invalid submission")
	// ErrNotParticipant is returned when the caller is not a side of the match.
	ErrNotParticipant = errors.New("not a participant of this match")
	// ErrMatchTerminal is returned for moves against a completed, resigned, or expired match.
	ErrMatchTerminal = errors.New("match already in a terminal state")
	// ErrGenerationUnavailable indicates the question source and its fallback are both exhausted.
	ErrGenerationUnavailable = errors.New("question generation unavailable")
	// ErrInvalidQuestion rejects generated content that violates the question contract.
	ErrInvalidQuestion = errors.New("invalid question")
	// ErrChallengeExpired is returned when responding to a challenge past its TTL.
	ErrChallengeExpired = errors.New("challenge expired")
	// ErrTargetOffline fails a challenge to a participant with no connected session.
	ErrTargetOffline = errors.New("challenge target not connected")
)
