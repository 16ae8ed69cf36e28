package memory

import (
	"context"
	"testing"
	"time"

	"quizduel-service/internal/domain"
)

func sampleMatch(id string, lastActivity time.Time) *domain.AsyncMatch {
	return &domain.AsyncMatch{
		ID:           id,
		Players:      [2]string{"u1", "u2"},
		Subject:      "math",
		Rounds:       []domain.AsyncRound{{Question: domain.Question{ID: "q1", Prompt: "First question?"}}},
		RoundLimit:   5,
		Status:       domain.AsyncPending,
		WinnerIdx:    -1,
		CreatedAt:    lastActivity,
		LastActivity: lastActivity,
	}
}

func TestMatchRepositoryCloneIsolation(t *testing.T) {
	ctx := context.Background()
	repo := NewMatchRepository()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := repo.Create(ctx, sampleMatch("m1", base)); err != nil {
		t.Fatalf("create: %v", err)
	}

	m, err := repo.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	m.Rounds[0].Answers[0] = &domain.AsyncAnswer{Choice: 2}
	m.Status = domain.AsyncCompleted

	fresh, _ := repo.Get(ctx, "m1")
	if fresh.Rounds[0].Answers[0] != nil || fresh.Status != domain.AsyncPending {
		t.Fatalf("caller mutation leaked into repository: %+v", fresh)
	}
}

func TestMatchRepositoryListInactiveSince(t *testing.T) {
	ctx := context.Background()
	repo := NewMatchRepository()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	stale := sampleMatch("stale", base.Add(-80*time.Hour))
	fresh := sampleMatch("fresh", base.Add(-time.Hour))
	finished := sampleMatch("finished", base.Add(-90*time.Hour))
	finished.Status = domain.AsyncCompleted

	for _, m := range []*domain.AsyncMatch{stale, fresh, finished} {
		if err := repo.Create(ctx, m); err != nil {
			t.Fatalf("create %s: %v", m.ID, err)
		}
	}

	out, err := repo.ListInactiveSince(ctx, base.Add(-72*time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 1 || out[0].ID != "stale" {
		t.Fatalf("expected only the stale open match, got %v", out)
	}
}

func TestMatchRepositoryUpdateUnknown(t *testing.T) {
	repo := NewMatchRepository()
	err := repo.Update(context.Background(), sampleMatch("ghost", time.Now()))
	if err != domain.ErrMatchNotFound {
		t.Fatalf("expected ErrMatchNotFound, got %v", err)
	}
}
