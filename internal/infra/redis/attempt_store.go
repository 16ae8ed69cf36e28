package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"quizduel-service/internal/domain"
)

// AttemptStore backs the idempotency contract with Redis. SET NX on the
// composite key is the atomic check-and-insert; the marshalled record is the
// value, so the key doubles as the audit entry.
type AttemptStore struct {
	client *redis.Client
}

func NewAttemptStore(client *redis.Client) *AttemptStore {
	return &AttemptStore{client: client}
}

func (s *AttemptStore) InsertIfAbsent(ctx context.Context, rec domain.AttemptRecord) (bool, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal attempt: %w", err)
	}
	inserted, err := s.client.SetNX(ctx, s.key(rec), payload, 0).Result()
	if err != nil {
		return false, fmt.Errorf("insert attempt: %w", err)
	}
	return inserted, nil
}

func (s *AttemptStore) key(rec domain.AttemptRecord) string {
	return "attempt:" + rec.ParticipantID + ":" + rec.MatchID + ":" + rec.QuestionID
}
