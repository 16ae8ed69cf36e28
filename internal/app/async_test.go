package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"quizduel-service/internal/app"
	"quizduel-service/internal/domain"
	"quizduel-service/internal/infra/memory"
)

func newAsyncManager(t *testing.T) (*app.AsyncManager, *memory.ParticipantStore, *memory.AttemptStore, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	participants := memory.NewParticipantStore(clock)
	seedParticipant(t, participants, "u1", "alice")
	seedParticipant(t, participants, "u2", "bob")
	attempts := memory.NewAttemptStore()
	ledger := app.NewLedger(participants, attempts, app.DefaultLedgerConfig(), clock)
	cfg := app.AsyncConfig{Rounds: 2, Difficulty: 3, Expiry: 72 * time.Hour, SweepInterval: 10 * time.Minute}
	return app.NewAsyncManager(memory.NewMatchRepository(), participants, &seqSource{}, ledger, cfg, clock), participants, attempts, clock
}

func TestAsyncMatchLifecycle(t *testing.T) {
	ctx := context.Background()
	am, participants, _, _ := newAsyncManager(t)

	m, err := am.CreateMatch(ctx, "u1", "math", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Status != domain.AsyncPending || len(m.Rounds) != 1 {
		t.Fatalf("new match must be pending with round 1 attached: %+v", m)
	}
	if !m.Unread[1] || m.Unread[0] {
		t.Fatalf("creation must flag the opponent, got %v", m.Unread)
	}

	// Initiator answers round 1 correctly.
	m, delta, err := am.SubmitAnswer(ctx, m.ID, "u1", 0, 3*time.Second)
	if err != nil {
		t.Fatalf("u1 answer: %v", err)
	}
	if delta == nil || delta.PointsGained != 10 {
		t.Fatalf("expected immediate progress delta, got %+v", delta)
	}
	if m.Status != domain.AsyncPending {
		t.Fatalf("initiator moves do not accept the match: %s", m.Status)
	}

	// The opponent's first move flips the match active and closes round 1.
	m, _, err = am.SubmitAnswer(ctx, m.ID, "u2", 1, 5*time.Second)
	if err != nil {
		t.Fatalf("u2 answer: %v", err)
	}
	if m.Status != domain.AsyncActive {
		t.Fatalf("expected active after opponent's move, got %s", m.Status)
	}
	if m.Scores != [2]int{1, 0} {
		t.Fatalf("expected 1-0 after round 1, got %v", m.Scores)
	}
	if len(m.Rounds) != 2 {
		t.Fatalf("round 2 should be attached once round 1 closes, got %d rounds", len(m.Rounds))
	}
	if m.Rounds[1].Question.Fingerprint() == m.Rounds[0].Question.Fingerprint() {
		t.Fatalf("repeated question across rounds")
	}

	// Round 2: both answer correctly; the match completes 2-1.
	if _, _, err := am.SubmitAnswer(ctx, m.ID, "u1", 0, time.Second); err != nil {
		t.Fatalf("u1 round 2: %v", err)
	}
	m, _, err = am.SubmitAnswer(ctx, m.ID, "u2", 0, time.Second)
	if err != nil {
		t.Fatalf("u2 round 2: %v", err)
	}
	if m.Status != domain.AsyncCompleted || m.WinnerIdx != 0 {
		t.Fatalf("expected completed with initiator winning, got status=%s winner=%d", m.Status, m.WinnerIdx)
	}

	winner, _ := participants.Get(ctx, "u1")
	loser, _ := participants.Get(ctx, "u2")
	if winner.Wins != 1 || loser.Losses != 1 {
		t.Fatalf("outcome bookkeeping wrong: winner=%+v loser=%+v", winner, loser)
	}

	// Terminal matches refuse further moves.
	if _, _, err := am.SubmitAnswer(ctx, m.ID, "u1", 0, time.Second); err != domain.ErrMatchTerminal {
		t.Fatalf("expected ErrMatchTerminal, got %v", err)
	}
}

func TestAsyncDuplicateAnswerIsNoOp(t *testing.T) {
	ctx := context.Background()
	am, _, attempts, _ := newAsyncManager(t)

	m, err := am.CreateMatch(ctx, "u1", "math", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := am.SubmitAnswer(ctx, m.ID, "u1", 0, time.Second); err != nil {
		t.Fatalf("first answer: %v", err)
	}

	m2, delta, err := am.SubmitAnswer(ctx, m.ID, "u1", 3, time.Second)
	if err != nil {
		t.Fatalf("duplicate answer: %v", err)
	}
	if delta != nil {
		t.Fatalf("duplicate answer must not yield a delta")
	}
	if got := m2.Rounds[0].Answers[0]; got.Choice != 0 {
		t.Fatalf("first answer must stick, got choice %d", got.Choice)
	}
	if len(attempts.Records()) != 1 {
		t.Fatalf("expected one audit record, got %d", len(attempts.Records()))
	}
}

func TestAsyncSelfChallengeRejected(t *testing.T) {
	am, _, _, _ := newAsyncManager(t)
	if _, err := am.CreateMatch(context.Background(), "u1", "math", "alice"); err != domain.ErrInvalidSubmission {
		t.Fatalf("expected ErrInvalidSubmission, got %v", err)
	}
}

func TestAsyncResignIdempotent(t *testing.T) {
	ctx := context.Background()
	am, participants, _, _ := newAsyncManager(t)

	m, err := am.CreateMatch(ctx, "u1", "math", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m, err = am.ResignMatch(ctx, m.ID, "u1")
	if err != nil {
		t.Fatalf("resign: %v", err)
	}
	if m.Status != domain.AsyncResigned || m.WinnerIdx != 1 {
		t.Fatalf("expected resigned with opponent winning, got %+v", m)
	}

	p, _ := participants.Get(ctx, "u2")
	winsAfterFirst := p.Wins

	// Resigning again changes nothing.
	if _, err := am.ResignMatch(ctx, m.ID, "u1"); err != nil {
		t.Fatalf("second resign: %v", err)
	}
	p, _ = participants.Get(ctx, "u2")
	if p.Wins != winsAfterFirst {
		t.Fatalf("second resign double-applied outcomes")
	}
}

func TestAsyncExpiryFavorsTheSideThatMoved(t *testing.T) {
	ctx := context.Background()
	am, participants, _, clock := newAsyncManager(t)

	m, err := am.CreateMatch(ctx, "u1", "math", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := am.SubmitAnswer(ctx, m.ID, "u1", 0, time.Second); err != nil {
		t.Fatalf("answer: %v", err)
	}

	clock.Advance(73 * time.Hour)
	if err := am.ExpireStale(ctx); err != nil {
		t.Fatalf("expire: %v", err)
	}

	got, err := am.GetMatch(ctx, m.ID, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.AsyncExpired || got.WinnerIdx != 0 {
		t.Fatalf("expected expiry win for the mover, got status=%s winner=%d", got.Status, got.WinnerIdx)
	}

	mover, _ := participants.Get(ctx, "u1")
	idler, _ := participants.Get(ctx, "u2")
	if mover.Wins != 1 || idler.Losses != 1 {
		t.Fatalf("expiry outcomes wrong: mover=%+v idler=%+v", mover, idler)
	}
}

func TestAsyncExpiryWithNoMovesIsLossForBoth(t *testing.T) {
	ctx := context.Background()
	am, participants, _, clock := newAsyncManager(t)

	m, err := am.CreateMatch(ctx, "u1", "math", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	clock.Advance(73 * time.Hour)
	if err := am.ExpireStale(ctx); err != nil {
		t.Fatalf("expire: %v", err)
	}

	got, err := am.GetMatch(ctx, m.ID, "u2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.AsyncExpired || got.WinnerIdx != -1 {
		t.Fatalf("expected winnerless expiry, got %+v", got)
	}
	a, _ := participants.Get(ctx, "u1")
	b, _ := participants.Get(ctx, "u2")
	if a.Losses != 1 || b.Losses != 1 {
		t.Fatalf("both idle sides take the loss: %+v %+v", a, b)
	}
}

func TestAsyncFreshMatchSurvivesSweep(t *testing.T) {
	ctx := context.Background()
	am, _, _, clock := newAsyncManager(t)

	m, err := am.CreateMatch(ctx, "u1", "math", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(time.Hour)
	if err := am.ExpireStale(ctx); err != nil {
		t.Fatalf("expire: %v", err)
	}
	got, _ := am.GetMatch(ctx, m.ID, "u1")
	if got.Status != domain.AsyncPending {
		t.Fatalf("fresh match must survive the sweep, got %s", got.Status)
	}
}

func TestAsyncGetClearsUnread(t *testing.T) {
	ctx := context.Background()
	am, _, _, _ := newAsyncManager(t)

	m, _ := am.CreateMatch(ctx, "u1", "math", "bob")
	got, err := am.GetMatch(ctx, m.ID, "u2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Unread[1] {
		t.Fatalf("read should clear the reader's flag")
	}
	again, _ := am.GetMatch(ctx, m.ID, "u2")
	if again.Unread[1] {
		t.Fatalf("unread flag resurrected")
	}
}

func TestAsyncListOrdersByActivity(t *testing.T) {
	ctx := context.Background()
	am, _, _, clock := newAsyncManager(t)

	first, _ := am.CreateMatch(ctx, "u1", "math", "bob")
	clock.Advance(time.Minute)
	second, _ := am.CreateMatch(ctx, "u1", "science", "bob")

	list, err := am.ListMatches(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("expected newest first, got %v", []string{list[0].ID, list[1].ID})
	}
}
