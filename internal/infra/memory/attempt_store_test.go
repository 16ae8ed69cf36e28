package memory

import (
	"context"
	"testing"

	"quizduel-service/internal/domain"
)

func TestAttemptStoreInsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := NewAttemptStore()

	rec := domain.AttemptRecord{ID: "a1", ParticipantID: "u1", MatchID: "m1", QuestionID: "q1", Correct: true}
	inserted, err := store.InsertIfAbsent(ctx, rec)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}

	// Same key with a different record ID still collides.
	dup := rec
	dup.ID = "a2"
	inserted, err = store.InsertIfAbsent(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if inserted {
		t.Fatalf("duplicate key must not insert")
	}

	other := rec
	other.ID = "a3"
	other.QuestionID = "q2"
	inserted, _ = store.InsertIfAbsent(ctx, other)
	if !inserted {
		t.Fatalf("distinct key must insert")
	}

	if got := len(store.Records()); got != 2 {
		t.Fatalf("expected 2 records, got %d", got)
	}
}
