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

type broadcasterFixture struct {
	broadcaster  *app.Broadcaster
	matchmaker   *app.Matchmaker
	registry     *app.Registry
	participants *memory.ParticipantStore
	clock        *clockwork.FakeClock
}

func newBroadcasterFixture(t *testing.T) *broadcasterFixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	participants := memory.NewParticipantStore(clock)
	seedParticipant(t, participants, "u1", "alice")
	seedParticipant(t, participants, "u2", "bob")
	ledger := app.NewLedger(participants, memory.NewAttemptStore(), app.DefaultLedgerConfig(), clock)
	registry := app.NewRegistry()
	mm := app.NewMatchmaker(app.MatchmakerConfig{
		BotWait: 3 * time.Second,
		Session: app.SessionConfig{Rounds: 3, RoundDuration: 30 * time.Second, Difficulty: 3},
	}, registry, participants, &seqSource{}, ledger, clock)
	t.Cleanup(mm.Close)

	b := app.NewBroadcaster(participants, memory.NewStandingsCache(), mm, app.BroadcasterConfig{
		TopN:            5,
		RefreshInterval: 30 * time.Second,
		ChallengeTTL:    60 * time.Second,
	}, clock)
	return &broadcasterFixture{broadcaster: b, matchmaker: mm, registry: registry, participants: participants, clock: clock}
}

func nextNotice(t *testing.T, ch <-chan app.Notice) app.Notice {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for notice")
		return app.Notice{}
	}
}

func TestChallengeAcceptStartsDuelForBoth(t *testing.T) {
	ctx := context.Background()
	f := newBroadcasterFixture(t)

	aliceCh, cancelAlice := f.broadcaster.Register("u1")
	defer cancelAlice()
	bobCh, cancelBob := f.broadcaster.Register("u2")
	defer cancelBob()

	challenge, err := f.broadcaster.CreateChallenge(ctx, "u1", "alice", "bob", "math")
	if err != nil {
		t.Fatalf("create challenge: %v", err)
	}

	invite := nextNotice(t, bobCh)
	if invite.Type != app.NoticeChallengeInvite || invite.Challenge.ID != challenge.ID {
		t.Fatalf("expected invite for bob, got %+v", invite)
	}

	session, err := f.broadcaster.RespondToChallenge(ctx, challenge.ID, "u2", true)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if session == nil {
		t.Fatalf("accept must return the live session")
	}

	resultNotice := nextNotice(t, aliceCh)
	if resultNotice.Type != app.NoticeChallengeResult || resultNotice.Reason != app.ChallengeAccepted {
		t.Fatalf("expected accepted notice for alice, got %+v", resultNotice)
	}
	if resultNotice.SessionID != session.ID {
		t.Fatalf("notice must carry the session ID")
	}
	if _, err := f.registry.Get(session.ID); err != nil {
		t.Fatalf("session not registered: %v", err)
	}
}

func TestChallengeDeclineNotifiesChallenger(t *testing.T) {
	ctx := context.Background()
	f := newBroadcasterFixture(t)

	aliceCh, cancelAlice := f.broadcaster.Register("u1")
	defer cancelAlice()
	_, cancelBob := f.broadcaster.Register("u2")
	defer cancelBob()

	challenge, err := f.broadcaster.CreateChallenge(ctx, "u1", "alice", "bob", "math")
	if err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	session, err := f.broadcaster.RespondToChallenge(ctx, challenge.ID, "u2", false)
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if session != nil {
		t.Fatalf("decline must not start a session")
	}
	n := nextNotice(t, aliceCh)
	if n.Type != app.NoticeChallengeResult || n.Reason != app.ChallengeDeclined {
		t.Fatalf("expected declined notice, got %+v", n)
	}
}

func TestChallengeExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	f := newBroadcasterFixture(t)

	aliceCh, cancelAlice := f.broadcaster.Register("u1")
	defer cancelAlice()
	_, cancelBob := f.broadcaster.Register("u2")
	defer cancelBob()

	challenge, err := f.broadcaster.CreateChallenge(ctx, "u1", "alice", "bob", "math")
	if err != nil {
		t.Fatalf("create challenge: %v", err)
	}

	f.clock.Advance(61 * time.Second)

	n := nextNotice(t, aliceCh)
	if n.Type != app.NoticeChallengeResult || n.Reason != app.ChallengeExpired || n.ChallengeID != challenge.ID {
		t.Fatalf("expected expiry notice, got %+v", n)
	}

	// Late responses find nothing to act on.
	if _, err := f.broadcaster.RespondToChallenge(ctx, challenge.ID, "u2", true); err != domain.ErrChallengeNotFound {
		t.Fatalf("expected ErrChallengeNotFound, got %v", err)
	}
}

func TestChallengeRequiresConnectedTarget(t *testing.T) {
	ctx := context.Background()
	f := newBroadcasterFixture(t)

	if _, err := f.broadcaster.CreateChallenge(ctx, "u1", "alice", "bob", "math"); err != domain.ErrTargetOffline {
		t.Fatalf("expected ErrTargetOffline, got %v", err)
	}
	if _, err := f.broadcaster.CreateChallenge(ctx, "u1", "alice", "nobody", "math"); err != domain.ErrParticipantNotFound {
		t.Fatalf("expected ErrParticipantNotFound, got %v", err)
	}
}

func TestChallengeOnlyTargetMayRespond(t *testing.T) {
	ctx := context.Background()
	f := newBroadcasterFixture(t)
	_, cancelBob := f.broadcaster.Register("u2")
	defer cancelBob()

	challenge, err := f.broadcaster.CreateChallenge(ctx, "u1", "alice", "bob", "math")
	if err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	if _, err := f.broadcaster.RespondToChallenge(ctx, challenge.ID, "u1", true); err != domain.ErrNotParticipant {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestStandingsRanksByPoints(t *testing.T) {
	ctx := context.Background()
	f := newBroadcasterFixture(t)

	_, err := f.participants.Update(ctx, "u2", func(p *domain.Participant) error {
		p.Points = 120
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	_, err = f.participants.Update(ctx, "u1", func(p *domain.Participant) error {
		p.Points = 80
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	standings, err := f.broadcaster.RefreshStandings(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(standings.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(standings.Entries))
	}
	if standings.Entries[0].ParticipantID != "u2" || standings.Entries[0].Rank != 1 {
		t.Fatalf("expected bob first, got %+v", standings.Entries[0])
	}
	if standings.Entries[1].Rank != 2 {
		t.Fatalf("ranks must be dense, got %+v", standings.Entries[1])
	}

	// Cached snapshot serves subsequent reads.
	cached, err := f.broadcaster.Standings(ctx)
	if err != nil {
		t.Fatalf("standings: %v", err)
	}
	if cached.UpdatedAt != standings.UpdatedAt {
		t.Fatalf("expected cached snapshot, got %+v", cached)
	}
}

func TestStandingsLoopPushesToConnected(t *testing.T) {
	f := newBroadcasterFixture(t)

	ch, cancel := f.broadcaster.Register("u1")
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go f.broadcaster.RunStandingsLoop(ctx)

	f.clock.BlockUntil(1)
	f.clock.Advance(30 * time.Second)

	n := nextNotice(t, ch)
	if n.Type != app.NoticeStandings || n.Standings == nil {
		t.Fatalf("expected standings push, got %+v", n)
	}
}
