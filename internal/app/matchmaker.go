package app

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quizduel-service/internal/question"
)

// MatchmakerConfig tunes pairing behavior.
type MatchmakerConfig struct {
	// BotWait is how long to hold out for a human opponent before
	// synthesizing a simulated one. Kept well under the pairing latency
	// target so the fallback path still lands inside it.
	BotWait time.Duration
	Session SessionConfig
}

// DefaultMatchmakerConfig returns the stock pairing policy.
func DefaultMatchmakerConfig() MatchmakerConfig {
	return MatchmakerConfig{BotWait: 3 * time.Second, Session: DefaultSessionConfig()}
}

type waiter struct {
	participantID string
	displayName   string
	sessionCh     chan *DuelSession
}

// Matchmaker pairs waiting participants per subject, or falls back to a
// simulated opponent after a bounded wait.
type Matchmaker struct {
	cfg          MatchmakerConfig
	registry     *Registry
	participants ParticipantStore
	source       question.Source
	ledger       *Ledger
	clock        clockwork.Clock

	mu      sync.Mutex
	waiting map[string][]*waiter // subject -> FIFO
	rnd     *rand.Rand
	closed  bool
}

func NewMatchmaker(cfg MatchmakerConfig, registry *Registry, participants ParticipantStore, source question.Source, ledger *Ledger, clock clockwork.Clock) *Matchmaker {
	return &Matchmaker{
		cfg:          cfg,
		registry:     registry,
		participants: participants,
		source:       source,
		ledger:       ledger,
		clock:        clock,
		waiting:      make(map[string][]*waiter),
		rnd:          rand.New(rand.NewSource(clock.Now().UnixNano())),
	}
}

// RequestMatch pairs the participant with a waiting opponent for the same
// subject, or with a simulated opponent once the bail-out window elapses.
// The returned session has already been started.
func (m *Matchmaker) RequestMatch(ctx context.Context, participantID, displayName, subject string) (*DuelSession, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, context.Canceled
	}
	queue := m.waiting[subject]
	for i, w := range queue {
		if w.participantID == participantID {
			continue
		}
		m.waiting[subject] = append(queue[:i:i], queue[i+1:]...)
		m.mu.Unlock()

		session := m.newSession(ctx, subject,
			Side{ParticipantID: w.participantID, DisplayName: w.displayName},
			Side{ParticipantID: participantID, DisplayName: displayName},
		)
		w.sessionCh <- session
		log.Info().Str("session", session.ID).Str("subject", subject).Msg("human pair matched")
		return session, nil
	}

	w := &waiter{participantID: participantID, displayName: displayName, sessionCh: make(chan *DuelSession, 1)}
	m.waiting[subject] = append(m.waiting[subject], w)
	m.mu.Unlock()

	timer := m.clock.NewTimer(m.cfg.BotWait)
	defer timer.Stop()

	select {
	case session := <-w.sessionCh:
		return session, nil
	case <-timer.Chan():
		if !m.removeWaiter(subject, w) {
			// Lost the race with a pairing: the session is on its way.
			return <-w.sessionCh, nil
		}
		return m.botSession(ctx, participantID, displayName, subject)
	case <-ctx.Done():
		if !m.removeWaiter(subject, w) {
			// Already paired; forfeit what we can no longer play.
			session := <-w.sessionCh
			session.Forfeit(ctx, participantID)
			return nil, ctx.Err()
		}
		return nil, ctx.Err()
	}
}

// StartDuel seats two named participants directly, bypassing the waiting
// pool. Used for accepted challenges.
func (m *Matchmaker) StartDuel(ctx context.Context, subject string, a, b Side) *DuelSession {
	return m.newSession(ctx, subject, a, b)
}

// Close drains the waiting pool. Blocked RequestMatch callers fall through
// to their context/bail-out paths.
func (m *Matchmaker) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.waiting = make(map[string][]*waiter)
}

func (m *Matchmaker) removeWaiter(subject string, target *waiter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.waiting[subject]
	for i, w := range queue {
		if w == target {
			m.waiting[subject] = append(queue[:i:i], queue[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Matchmaker) botSession(ctx context.Context, participantID, displayName, subject string) (*DuelSession, error) {
	wins, losses := 0, 0
	if p, err := m.participants.Get(ctx, participantID); err == nil {
		wins, losses = p.Wins, p.Losses
	}
	m.mu.Lock()
	bot := NewBotProfile(m.rnd, wins, losses)
	m.mu.Unlock()

	session := m.newSession(ctx, subject,
		Side{ParticipantID: participantID, DisplayName: displayName},
		Side{ParticipantID: "bot-" + uuid.NewString(), DisplayName: bot.Name, Bot: bot},
	)
	log.Info().Str("session", session.ID).Str("subject", subject).Float64("botAccuracy", bot.Accuracy).Msg("bot opponent synthesized")
	return session, nil
}

func (m *Matchmaker) newSession(ctx context.Context, subject string, a, b Side) *DuelSession {
	session := NewDuelSession(uuid.NewString(), subject, [2]Side{a, b}, m.cfg.Session, m.source, m.ledger, m.clock)
	m.registry.Add(session)
	session.Start(ctx)
	return session
}
