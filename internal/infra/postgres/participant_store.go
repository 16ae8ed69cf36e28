package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"quizduel-service/internal/domain"
)

type participantRow struct {
	bun.BaseModel `bun:"table:participants,alias:p"`

	ID           string          `bun:"id,pk"`
	Username     string          `bun:"username,notnull"`
	DisplayName  string          `bun:"display_name,notnull"`
	Points       int             `bun:"points,notnull"`
	XP           int             `bun:"xp,notnull"`
	Level        int             `bun:"level,notnull"`
	Wins         int             `bun:"wins,notnull"`
	Losses       int             `bun:"losses,notnull"`
	Draws        int             `bun:"draws,notnull"`
	Streak       int             `bun:"streak,notnull"`
	StreakShield bool            `bun:"streak_shield,notnull"`
	Active       bool            `bun:"active,notnull"`
	Mastery      json.RawMessage `bun:"mastery,type:jsonb"`
	CreatedAt    time.Time       `bun:"created_at,notnull"`
}

func (r participantRow) toDomain() (domain.Participant, error) {
	p := domain.Participant{
		ID:           r.ID,
		Username:     r.Username,
		DisplayName:  r.DisplayName,
		Points:       r.Points,
		XP:           r.XP,
		Level:        r.Level,
		Wins:         r.Wins,
		Losses:       r.Losses,
		Draws:        r.Draws,
		Streak:       r.Streak,
		StreakShield: r.StreakShield,
		Active:       r.Active,
		Mastery:      make(map[string]map[string]domain.TopicMastery),
		CreatedAt:    r.CreatedAt,
	}
	if len(r.Mastery) > 0 {
		if err := json.Unmarshal(r.Mastery, &p.Mastery); err != nil {
			return domain.Participant{}, fmt.Errorf("unmarshal mastery: %w", err)
		}
	}
	return p, nil
}

func rowFromParticipant(p domain.Participant) (participantRow, error) {
	mastery, err := json.Marshal(p.Mastery)
	if err != nil {
		return participantRow{}, fmt.Errorf("marshal mastery: %w", err)
	}
	return participantRow{
		ID:           p.ID,
		Username:     p.Username,
		DisplayName:  p.DisplayName,
		Points:       p.Points,
		XP:           p.XP,
		Level:        p.Level,
		Wins:         p.Wins,
		Losses:       p.Losses,
		Draws:        p.Draws,
		Streak:       p.Streak,
		StreakShield: p.StreakShield,
		Active:       p.Active,
		Mastery:      mastery,
		CreatedAt:    p.CreatedAt,
	}, nil
}

// ParticipantStore is the durable bun-backed implementation of
// app.ParticipantStore. Update runs inside a transaction with a row lock so
// concurrent writers never lose increments.
type ParticipantStore struct {
	db *bun.DB
}

func NewParticipantStore(db *bun.DB) *ParticipantStore {
	return &ParticipantStore{db: db}
}

func (s *ParticipantStore) Get(ctx context.Context, id string) (domain.Participant, error) {
	var row participantRow
	err := s.db.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("load participant: %w", err)
	}
	return row.toDomain()
}

func (s *ParticipantStore) GetByUsername(ctx context.Context, username string) (domain.Participant, error) {
	var row participantRow
	err := s.db.NewSelect().Model(&row).Where("username = ?", username).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("load participant: %w", err)
	}
	return row.toDomain()
}

func (s *ParticipantStore) Ensure(ctx context.Context, id, username, displayName string) (domain.Participant, error) {
	row := participantRow{
		ID:          id,
		Username:    username,
		DisplayName: displayName,
		Level:       1,
		Active:      true,
		Mastery:     json.RawMessage(`{}`),
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.NewInsert().Model(&row).
		On("CONFLICT (id) DO UPDATE").
		Set("display_name = EXCLUDED.display_name").
		Exec(ctx)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("ensure participant: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *ParticipantStore) Update(ctx context.Context, id string, mutate func(*domain.Participant) error) (domain.Participant, error) {
	var out domain.Participant
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var row participantRow
		err := tx.NewSelect().Model(&row).Where("id = ?", id).For("UPDATE").Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrParticipantNotFound
		}
		if err != nil {
			return fmt.Errorf("lock participant: %w", err)
		}
		p, err := row.toDomain()
		if err != nil {
			return err
		}
		if err := mutate(&p); err != nil {
			return err
		}
		updated, err := rowFromParticipant(p)
		if err != nil {
			return err
		}
		if _, err := tx.NewUpdate().Model(&updated).WherePK().Exec(ctx); err != nil {
			return fmt.Errorf("update participant: %w", err)
		}
		out = p
		return nil
	})
	if err != nil {
		return domain.Participant{}, err
	}
	return out, nil
}

func (s *ParticipantStore) TopByPoints(ctx context.Context, n int) ([]domain.Participant, error) {
	var rows []participantRow
	err := s.db.NewSelect().Model(&rows).
		Where("active").
		OrderExpr("points DESC, username ASC").
		Limit(n).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("load standings: %w", err)
	}
	out := make([]domain.Participant, 0, len(rows))
	for _, row := range rows {
		p, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
