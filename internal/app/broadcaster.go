package app

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"quizduel-service/internal/domain"
)

// BroadcasterConfig tunes the standings projection and challenge TTL.
type BroadcasterConfig struct {
	TopN            int
	RefreshInterval time.Duration
	ChallengeTTL    time.Duration
}

// DefaultBroadcasterConfig returns the stock broadcast policy.
func DefaultBroadcasterConfig() BroadcasterConfig {
	return BroadcasterConfig{TopN: 20, RefreshInterval: 30 * time.Second, ChallengeTTL: 60 * time.Second}
}

// Notice event types pushed to connected sessions.
const (
	NoticeStandings       = "standings"
	NoticeChallengeInvite = "challengeInvite"
	NoticeChallengeResult = "challengeResult"
)

// Challenge result reasons.
const (
	ChallengeAccepted = "accepted"
	ChallengeDeclined = "declined"
	ChallengeExpired  = "expired"
)

// Notice is an out-of-band push to a connected session.
type Notice struct {
	Type        string            `json:"type"`
	Standings   *domain.Standings `json:"standings,omitempty"`
	Challenge   *domain.Challenge `json:"challenge,omitempty"`
	ChallengeID string            `json:"challengeId,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	SessionID   string            `json:"sessionId,omitempty"`
}

// DuelStarter creates and starts a live session for two named sides.
type DuelStarter interface {
	StartDuel(ctx context.Context, subject string, a, b Side) *DuelSession
}

type challengeEntry struct {
	challenge domain.Challenge
	timer     clockwork.Timer
}

// Broadcaster maintains the cached standings projection and fans out
// standings updates and challenge invitations to connected sessions.
type Broadcaster struct {
	participants ParticipantStore
	cache        StandingsCache
	duels        DuelStarter
	clock        clockwork.Clock
	cfg          BroadcasterConfig
	sf           singleflight.Group

	mu         sync.Mutex
	connected  map[string]map[chan Notice]struct{} // participant ID -> channels
	challenges map[string]*challengeEntry
}

func NewBroadcaster(participants ParticipantStore, cache StandingsCache, duels DuelStarter, cfg BroadcasterConfig, clock clockwork.Clock) *Broadcaster {
	return &Broadcaster{
		participants: participants,
		cache:        cache,
		duels:        duels,
		clock:        clock,
		cfg:          cfg,
		connected:    make(map[string]map[chan Notice]struct{}),
		challenges:   make(map[string]*challengeEntry),
	}
}

// Register wires a connected session into the push channel. The caller must
// invoke the returned cancel function on disconnect.
func (b *Broadcaster) Register(participantID string) (<-chan Notice, func()) {
	ch := make(chan Notice, 8)
	b.mu.Lock()
	if b.connected[participantID] == nil {
		b.connected[participantID] = make(map[chan Notice]struct{})
	}
	b.connected[participantID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if chans, ok := b.connected[participantID]; ok {
			if _, ok := chans[ch]; ok {
				delete(chans, ch)
				close(ch)
			}
			if len(chans) == 0 {
				delete(b.connected, participantID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Connected reports whether the participant has at least one live session.
func (b *Broadcaster) Connected(participantID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.connected[participantID]) > 0
}

// CreateChallenge stores a TTL-bound invitation and pushes it to the target.
// A target with no connected session fails fast rather than queuing.
func (b *Broadcaster) CreateChallenge(ctx context.Context, challengerID, challengerName, targetUsername, subject string) (domain.Challenge, error) {
	target, err := b.participants.GetByUsername(ctx, targetUsername)
	if err != nil {
		return domain.Challenge{}, err
	}
	if target.ID == challengerID {
		return domain.Challenge{}, domain.ErrInvalidSubmission
	}
	if !b.Connected(target.ID) {
		return domain.Challenge{}, domain.ErrTargetOffline
	}

	now := b.clock.Now()
	ch := domain.Challenge{
		ID:             uuid.NewString(),
		ChallengerID:   challengerID,
		ChallengerName: challengerName,
		TargetUsername: targetUsername,
		Subject:        subject,
		CreatedAt:      now,
		ExpiresAt:      now.Add(b.cfg.ChallengeTTL),
	}

	b.mu.Lock()
	entry := &challengeEntry{challenge: ch}
	entry.timer = b.clock.AfterFunc(b.cfg.ChallengeTTL, func() { b.expireChallenge(ch.ID) })
	b.challenges[ch.ID] = entry
	b.mu.Unlock()

	invite := ch
	b.pushTo(target.ID, Notice{Type: NoticeChallengeInvite, Challenge: &invite, ChallengeID: ch.ID})
	log.Info().Str("challenge", ch.ID).Str("target", targetUsername).Str("subject", subject).Msg("challenge created")
	return ch, nil
}

// RespondToChallenge resolves an invitation. Accepting atomically removes it
// and starts a live duel for both named participants; declining notifies the
// challenger. Only the named target may respond.
func (b *Broadcaster) RespondToChallenge(ctx context.Context, challengeID, responderID string, accept bool) (*DuelSession, error) {
	responder, err := b.participants.Get(ctx, responderID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	entry, ok := b.challenges[challengeID]
	if !ok {
		b.mu.Unlock()
		return nil, domain.ErrChallengeNotFound
	}
	ch := entry.challenge
	if responder.Username != ch.TargetUsername {
		b.mu.Unlock()
		return nil, domain.ErrNotParticipant
	}
	if b.clock.Now().After(ch.ExpiresAt) {
		b.mu.Unlock()
		return nil, domain.ErrChallengeExpired
	}
	delete(b.challenges, challengeID)
	entry.timer.Stop()
	b.mu.Unlock()

	if !accept {
		b.pushTo(ch.ChallengerID, Notice{Type: NoticeChallengeResult, ChallengeID: ch.ID, Reason: ChallengeDeclined})
		return nil, nil
	}

	session := b.duels.StartDuel(ctx, ch.Subject,
		Side{ParticipantID: ch.ChallengerID, DisplayName: ch.ChallengerName},
		Side{ParticipantID: responder.ID, DisplayName: responder.DisplayName},
	)
	b.pushTo(ch.ChallengerID, Notice{Type: NoticeChallengeResult, ChallengeID: ch.ID, Reason: ChallengeAccepted, SessionID: session.ID})
	log.Info().Str("challenge", ch.ID).Str("session", session.ID).Msg("challenge accepted")
	return session, nil
}

func (b *Broadcaster) expireChallenge(id string) {
	b.mu.Lock()
	entry, ok := b.challenges[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.challenges, id)
	b.mu.Unlock()

	b.pushTo(entry.challenge.ChallengerID, Notice{Type: NoticeChallengeResult, ChallengeID: id, Reason: ChallengeExpired})
	log.Debug().Str("challenge", id).Msg("challenge expired")
}

// RunStandingsLoop refreshes the projection on a fixed interval and pushes
// it to every connected session. Blocks until ctx is done.
func (b *Broadcaster) RunStandingsLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.clock.After(b.cfg.RefreshInterval):
			standings, err := b.RefreshStandings(ctx)
			if err != nil {
				log.Error().Err(err).Msg("standings refresh failed")
				continue
			}
			b.pushAll(Notice{Type: NoticeStandings, Standings: &standings})
		}
	}
}

// RefreshStandings rebuilds the cached projection from the participant
// store. Concurrent refreshes collapse into one rebuild.
func (b *Broadcaster) RefreshStandings(ctx context.Context) (domain.Standings, error) {
	result, err, _ := b.sf.Do("standings", func() (interface{}, error) {
		top, err := b.participants.TopByPoints(ctx, b.cfg.TopN)
		if err != nil {
			return domain.Standings{}, err
		}
		standings := domain.Standings{
			Entries:   make([]domain.StandingsEntry, 0, len(top)),
			UpdatedAt: b.clock.Now(),
		}
		for i, p := range top {
			standings.Entries = append(standings.Entries, domain.StandingsEntry{
				ParticipantID: p.ID,
				DisplayName:   p.DisplayName,
				Points:        p.Points,
				Level:         p.Level,
				Wins:          p.Wins,
				Losses:        p.Losses,
				Streak:        p.Streak,
				Rank:          i + 1,
			})
		}
		if err := b.cache.Put(ctx, standings); err != nil {
			log.Warn().Err(err).Msg("standings cache put failed")
		}
		return standings, nil
	})
	if err != nil {
		return domain.Standings{}, err
	}
	return result.(domain.Standings), nil
}

// Standings serves the cached snapshot, rebuilding on a cold cache.
func (b *Broadcaster) Standings(ctx context.Context) (domain.Standings, error) {
	cached, ok, err := b.cache.Get(ctx)
	if err == nil && ok {
		return cached, nil
	}
	return b.RefreshStandings(ctx)
}

func (b *Broadcaster) pushTo(participantID string, n Notice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.connected[participantID] {
		deliver(ch, n)
	}
}

func (b *Broadcaster) pushAll(n Notice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, chans := range b.connected {
		for ch := range chans {
			deliver(ch, n)
		}
	}
}

// deliver drops the oldest pending notice so a slow client never blocks.
func deliver(ch chan Notice, n Notice) {
	select {
	case ch <- n:
	default:
		select {
		case <-ch:
		default:
		}
		ch <- n
	}
}
