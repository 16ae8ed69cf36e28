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

type matchRow struct {
	bun.BaseModel `bun:"table:async_matches,alias:m"`

	ID           string          `bun:"id,pk"`
	PlayerA      string          `bun:"player_a,notnull"`
	PlayerB      string          `bun:"player_b,notnull"`
	Subject      string          `bun:"subject,notnull"`
	Rounds       json.RawMessage `bun:"rounds,type:jsonb"`
	RoundLimit   int             `bun:"round_limit,notnull"`
	Status       string          `bun:"status,notnull"`
	ScoreA       int             `bun:"score_a,notnull"`
	ScoreB       int             `bun:"score_b,notnull"`
	WinnerIdx    int             `bun:"winner_idx,notnull"`
	UnreadA      bool            `bun:"unread_a,notnull"`
	UnreadB      bool            `bun:"unread_b,notnull"`
	CreatedAt    time.Time       `bun:"created_at,notnull"`
	LastActivity time.Time       `bun:"last_activity,notnull"`
}

func (r matchRow) toDomain() (*domain.AsyncMatch, error) {
	m := &domain.AsyncMatch{
		ID:           r.ID,
		Players:      [2]string{r.PlayerA, r.PlayerB},
		Subject:      r.Subject,
		RoundLimit:   r.RoundLimit,
		Status:       domain.AsyncStatus(r.Status),
		Scores:       [2]int{r.ScoreA, r.ScoreB},
		WinnerIdx:    r.WinnerIdx,
		Unread:       [2]bool{r.UnreadA, r.UnreadB},
		CreatedAt:    r.CreatedAt,
		LastActivity: r.LastActivity,
	}
	if len(r.Rounds) > 0 {
		if err := json.Unmarshal(r.Rounds, &m.Rounds); err != nil {
			return nil, fmt.Errorf("unmarshal rounds: %w", err)
		}
	}
	return m, nil
}

func rowFromMatch(m *domain.AsyncMatch) (matchRow, error) {
	rounds, err := json.Marshal(m.Rounds)
	if err != nil {
		return matchRow{}, fmt.Errorf("marshal rounds: %w", err)
	}
	return matchRow{
		ID:           m.ID,
		PlayerA:      m.Players[0],
		PlayerB:      m.Players[1],
		Subject:      m.Subject,
		Rounds:       rounds,
		RoundLimit:   m.RoundLimit,
		Status:       string(m.Status),
		ScoreA:       m.Scores[0],
		ScoreB:       m.Scores[1],
		WinnerIdx:    m.WinnerIdx,
		UnreadA:      m.Unread[0],
		UnreadB:      m.Unread[1],
		CreatedAt:    m.CreatedAt,
		LastActivity: m.LastActivity,
	}, nil
}

// MatchRepository is the bun-backed implementation of app.MatchRepository.
// Rounds travel as a JSONB document; the append-only discipline is enforced
// by the async manager, not the store.
type MatchRepository struct {
	db *bun.DB
}

func NewMatchRepository(db *bun.DB) *MatchRepository {
	return &MatchRepository{db: db}
}

func (r *MatchRepository) Create(ctx context.Context, m *domain.AsyncMatch) error {
	row, err := rowFromMatch(m)
	if err != nil {
		return err
	}
	if _, err := r.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return fmt.Errorf("insert match: %w", err)
	}
	return nil
}

func (r *MatchRepository) Get(ctx context.Context, id string) (*domain.AsyncMatch, error) {
	var row matchRow
	err := r.db.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load match: %w", err)
	}
	return row.toDomain()
}

func (r *MatchRepository) Update(ctx context.Context, m *domain.AsyncMatch) error {
	row, err := rowFromMatch(m)
	if err != nil {
		return err
	}
	res, err := r.db.NewUpdate().Model(&row).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("update match: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return domain.ErrMatchNotFound
	}
	return nil
}

func (r *MatchRepository) ListForParticipant(ctx context.Context, participantID string) ([]*domain.AsyncMatch, error) {
	var rows []matchRow
	err := r.db.NewSelect().Model(&rows).
		Where("player_a = ? OR player_b = ?", participantID, participantID).
		OrderExpr("last_activity DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	return rowsToMatches(rows)
}

func (r *MatchRepository) ListInactiveSince(ctx context.Context, cutoff time.Time) ([]*domain.AsyncMatch, error) {
	var rows []matchRow
	err := r.db.NewSelect().Model(&rows).
		Where("status IN (?)", bun.In([]string{string(domain.AsyncPending), string(domain.AsyncActive)})).
		Where("last_activity < ?", cutoff).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stale matches: %w", err)
	}
	return rowsToMatches(rows)
}

func rowsToMatches(rows []matchRow) ([]*domain.AsyncMatch, error) {
	out := make([]*domain.AsyncMatch, 0, len(rows))
	for _, row := range rows {
		m, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
