package memory

import (
	"context"
	"sync"

	"quizduel-service/internal/domain"
)

// AttemptStore is an in-memory implementation of app.AttemptStore. The
// check-and-insert is atomic under the store mutex.
type AttemptStore struct {
	mu      sync.Mutex
	keys    map[string]struct{}
	records []domain.AttemptRecord
}

func NewAttemptStore() *AttemptStore {
	return &AttemptStore{keys: make(map[string]struct{})}
}

func (s *AttemptStore) InsertIfAbsent(_ context.Context, rec domain.AttemptRecord) (bool, error) {
	key := rec.ParticipantID + "|" + rec.MatchID + "|" + rec.QuestionID
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key]; exists {
		return false, nil
	}
	s.keys[key] = struct{}{}
	s.records = append(s.records, rec)
	return true, nil
}

// Records returns a snapshot of the audit log, oldest first.
func (s *AttemptStore) Records() []domain.AttemptRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AttemptRecord, len(s.records))
	copy(out, s.records)
	return out
}
