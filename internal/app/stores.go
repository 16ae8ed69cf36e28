package app

import (
	"context"
	"time"

	"quizduel-service/internal/domain"
)

// ParticipantStore abstracts durable participant records. Update must apply
// the mutation atomically with respect to other writers of the same row.
type ParticipantStore interface {
	Get(ctx context.Context, id string) (domain.Participant, error)
	GetByUsername(ctx context.Context, username string) (domain.Participant, error)
	// Ensure creates the participant at first authenticated use.
	Ensure(ctx context.Context, id, username, displayName string) (domain.Participant, error)
	Update(ctx context.Context, id string, mutate func(*domain.Participant) error) (domain.Participant, error)
	TopByPoints(ctx context.Context, n int) ([]domain.Participant, error)
}

// AttemptStore persists the append-only attempt audit log. InsertIfAbsent is
// atomic on the (participant, match, question) key across concurrent callers.
type AttemptStore interface {
	InsertIfAbsent(ctx context.Context, rec domain.AttemptRecord) (bool, error)
}

// MatchRepository stores async matches.
type MatchRepository interface {
	Create(ctx context.Context, m *domain.AsyncMatch) error
	Get(ctx context.Context, id string) (*domain.AsyncMatch, error)
	Update(ctx context.Context, m *domain.AsyncMatch) error
	ListForParticipant(ctx context.Context, participantID string) ([]*domain.AsyncMatch, error)
	// ListInactiveSince returns non-terminal matches with no activity since cutoff.
	ListInactiveSince(ctx context.Context, cutoff time.Time) ([]*domain.AsyncMatch, error)
}

// StandingsCache holds the read-optimized top-N projection.
type StandingsCache interface {
	Put(ctx context.Context, s domain.Standings) error
	Get(ctx context.Context) (domain.Standings, bool, error)
}
