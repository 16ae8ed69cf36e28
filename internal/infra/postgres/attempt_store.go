package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"quizduel-service/internal/domain"
)

type attemptRow struct {
	bun.BaseModel `bun:"table:attempts,alias:a"`

	ID            string        `bun:"id,pk"`
	ParticipantID string        `bun:"participant_id,notnull"`
	MatchID       string        `bun:"match_id,notnull"`
	QuestionID    string        `bun:"question_id,notnull"`
	Subject       string        `bun:"subject,notnull"`
	Subtopic      string        `bun:"subtopic,notnull"`
	Correct       bool          `bun:"correct,notnull"`
	ResponseMs    int64         `bun:"response_ms,notnull"`
	MasteryDelta  float64       `bun:"mastery_delta,notnull"`
	CreatedAt     time.Time     `bun:"created_at,notnull"`
}

// AttemptStore is the bun-backed implementation of app.AttemptStore. The
// unique index on (participant_id, match_id, question_id) plus
// ON CONFLICT DO NOTHING makes the check-and-insert atomic.
type AttemptStore struct {
	db *bun.DB
}

func NewAttemptStore(db *bun.DB) *AttemptStore {
	return &AttemptStore{db: db}
}

func (s *AttemptStore) InsertIfAbsent(ctx context.Context, rec domain.AttemptRecord) (bool, error) {
	row := attemptRow{
		ID:            rec.ID,
		ParticipantID: rec.ParticipantID,
		MatchID:       rec.MatchID,
		QuestionID:    rec.QuestionID,
		Subject:       rec.Subject,
		Subtopic:      rec.Subtopic,
		Correct:       rec.Correct,
		ResponseMs:    rec.ResponseTime.Milliseconds(),
		MasteryDelta:  rec.MasteryDelta,
		CreatedAt:     rec.CreatedAt,
	}
	res, err := s.db.NewInsert().Model(&row).
		On("CONFLICT (participant_id, match_id, question_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("insert attempt: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert attempt result: %w", err)
	}
	return affected > 0, nil
}
