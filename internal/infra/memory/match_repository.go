package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"quizduel-service/internal/domain"
)

// MatchRepository is an in-memory implementation of app.MatchRepository.
type MatchRepository struct {
	mu      sync.RWMutex
	matches map[string]*domain.AsyncMatch
}

func NewMatchRepository() *MatchRepository {
	return &MatchRepository{matches: make(map[string]*domain.AsyncMatch)}
}

func (r *MatchRepository) Create(_ context.Context, m *domain.AsyncMatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matches[m.ID] = cloneMatch(m)
	return nil
}

func (r *MatchRepository) Get(_ context.Context, id string) (*domain.AsyncMatch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.matches[id]
	if !ok {
		return nil, domain.ErrMatchNotFound
	}
	return cloneMatch(m), nil
}

func (r *MatchRepository) Update(_ context.Context, m *domain.AsyncMatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.matches[m.ID]; !ok {
		return domain.ErrMatchNotFound
	}
	r.matches[m.ID] = cloneMatch(m)
	return nil
}

func (r *MatchRepository) ListForParticipant(_ context.Context, participantID string) ([]*domain.AsyncMatch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.AsyncMatch
	for _, m := range r.matches {
		if m.PlayerIndex(participantID) >= 0 {
			out = append(out, cloneMatch(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

func (r *MatchRepository) ListInactiveSince(_ context.Context, cutoff time.Time) ([]*domain.AsyncMatch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.AsyncMatch
	for _, m := range r.matches {
		if !m.Terminal() && m.LastActivity.Before(cutoff) {
			out = append(out, cloneMatch(m))
		}
	}
	return out, nil
}

func cloneMatch(m *domain.AsyncMatch) *domain.AsyncMatch {
	out := *m
	out.Rounds = make([]domain.AsyncRound, len(m.Rounds))
	for i, round := range m.Rounds {
		cloned := round
		for side, ans := range round.Answers {
			if ans != nil {
				copied := *ans
				cloned.Answers[side] = &copied
			}
		}
		out.Rounds[i] = cloned
	}
	return &out
}
