package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	"quizduel-service/internal/domain"
)

// ParticipantStore is an in-memory implementation of app.ParticipantStore.
// Useful for redis/postgres-less runs and tests.
type ParticipantStore struct {
	clock clockwork.Clock

	mu         sync.RWMutex
	byID       map[string]*domain.Participant
	byUsername map[string]string
}

func NewParticipantStore(clock clockwork.Clock) *ParticipantStore {
	return &ParticipantStore{
		clock:      clock,
		byID:       make(map[string]*domain.Participant),
		byUsername: make(map[string]string),
	}
}

func (s *ParticipantStore) Get(_ context.Context, id string) (domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	return cloneParticipant(p), nil
}

func (s *ParticipantStore) GetByUsername(_ context.Context, username string) (domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byUsername[username]
	if !ok {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	return cloneParticipant(s.byID[id]), nil
}

func (s *ParticipantStore) Ensure(_ context.Context, id, username, displayName string) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.byID[id]; ok {
		p.DisplayName = displayName
		return cloneParticipant(p), nil
	}
	p := &domain.Participant{
		ID:          id,
		Username:    username,
		DisplayName: displayName,
		Level:       1,
		Active:      true,
		Mastery:     make(map[string]map[string]domain.TopicMastery),
		CreatedAt:   s.clock.Now(),
	}
	s.byID[id] = p
	s.byUsername[username] = id
	return cloneParticipant(p), nil
}

func (s *ParticipantStore) Update(_ context.Context, id string, mutate func(*domain.Participant) error) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	updated := cloneParticipant(p)
	if err := mutate(&updated); err != nil {
		return domain.Participant{}, err
	}
	s.byID[id] = &updated
	return cloneParticipant(&updated), nil
}

func (s *ParticipantStore) TopByPoints(_ context.Context, n int) ([]domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]domain.Participant, 0, len(s.byID))
	for _, p := range s.byID {
		if !p.Active {
			continue
		}
		all = append(all, cloneParticipant(p))
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Points != all[j].Points {
			return all[i].Points > all[j].Points
		}
		return all[i].Username < all[j].Username
	})
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}

func cloneParticipant(p *domain.Participant) domain.Participant {
	out := *p
	out.Mastery = make(map[string]map[string]domain.TopicMastery, len(p.Mastery))
	for subject, topics := range p.Mastery {
		clone := make(map[string]domain.TopicMastery, len(topics))
		for topic, tm := range topics {
			clone[topic] = tm
		}
		out.Mastery[subject] = clone
	}
	return out
}
