package app

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quizduel-service/internal/domain"
	"quizduel-service/internal/question"
)

// AsyncConfig tunes the turn-based variant.
type AsyncConfig struct {
	Rounds        int
	Difficulty    int
	Expiry        time.Duration // inactivity bound before a match expires
	SweepInterval time.Duration
}

// DefaultAsyncConfig returns the stock async-match policy.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		Rounds:        5,
		Difficulty:    3,
		Expiry:        72 * time.Hour,
		SweepInterval: 10 * time.Minute,
	}
}

// AsyncManager owns persisted turn-based matches. Mutations to a match are
// serialized through a per-match lock; the rounds list is append-only and
// round k+1's question is never generated before round k is fully scored.
type AsyncManager struct {
	matches      MatchRepository
	participants ParticipantStore
	source       question.Source
	ledger       *Ledger
	clock        clockwork.Clock
	cfg          AsyncConfig

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewAsyncManager(matches MatchRepository, participants ParticipantStore, source question.Source, ledger *Ledger, cfg AsyncConfig, clock clockwork.Clock) *AsyncManager {
	return &AsyncManager{
		matches:      matches,
		participants: participants,
		source:       source,
		ledger:       ledger,
		clock:        clock,
		cfg:          cfg,
		locks:        make(map[string]*sync.Mutex),
	}
}

// CreateMatch starts a pending match against the named opponent, with the
// first round's question already attached so the initiator can answer
// immediately.
func (am *AsyncManager) CreateMatch(ctx context.Context, initiatorID, subject, opponentUsername string) (*domain.AsyncMatch, error) {
	target, err := am.participants.GetByUsername(ctx, opponentUsername)
	if err != nil {
		return nil, err
	}
	if target.ID == initiatorID {
		return nil, domain.ErrInvalidSubmission
	}

	q, err := am.source.Next(ctx, subject, am.cfg.Difficulty, nil)
	if err != nil {
		return nil, err
	}

	now := am.clock.Now()
	m := &domain.AsyncMatch{
		ID:           uuid.NewString(),
		Players:      [2]string{initiatorID, target.ID},
		Subject:      subject,
		Rounds:       []domain.AsyncRound{{Question: q}},
		RoundLimit:   am.cfg.Rounds,
		Status:       domain.AsyncPending,
		WinnerIdx:    -1,
		Unread:       [2]bool{false, true},
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := am.matches.Create(ctx, m); err != nil {
		return nil, err
	}
	log.Info().Str("match", m.ID).Str("subject", subject).Msg("async match created")
	return m, nil
}

// SubmitAnswer records one side's move on the open round. A duplicate answer
// is a no-op returning the current state. Once both sides have answered, the
// round is scored and the next question appended, or the match completed.
func (am *AsyncManager) SubmitAnswer(ctx context.Context, matchID, participantID string, choice int, responseTime time.Duration) (*domain.AsyncMatch, *domain.ProgressDelta, error) {
	unlock := am.lockMatch(matchID)
	defer unlock()

	m, err := am.matches.Get(ctx, matchID)
	if err != nil {
		return nil, nil, err
	}
	idx := m.PlayerIndex(participantID)
	if idx < 0 {
		return nil, nil, domain.ErrNotParticipant
	}
	if m.Terminal() {
		return nil, nil, domain.ErrMatchTerminal
	}
	round := m.CurrentRound()
	if round == nil {
		return nil, nil, domain.ErrInvalidSubmission
	}
	if round.Answers[idx] != nil {
		// First answer sticks; the retry is acknowledged without effect.
		return m, nil, nil
	}
	if choice != domain.NoAnswer && (choice < 0 || choice >= domain.ChoiceCount) {
		return nil, nil, domain.ErrInvalidSubmission
	}

	now := am.clock.Now()
	round.Answers[idx] = &domain.AsyncAnswer{
		Choice:       choice,
		Correct:      choice == round.Question.CorrectIdx,
		ResponseTime: responseTime, // client-reported, advisory only
		SubmittedAt:  now,
	}
	// The opponent's first move is the acceptance.
	if idx == 1 && m.Status == domain.AsyncPending {
		m.Status = domain.AsyncActive
	}
	m.Unread[1-idx] = true
	m.LastActivity = now

	delta, err := am.ledger.RecordAttempt(ctx, Attempt{
		ParticipantID: participantID,
		MatchID:       m.ID,
		QuestionID:    round.Question.ID,
		Subject:       round.Question.Subject,
		Subtopic:      round.Question.Topic,
		Difficulty:    round.Question.Difficulty,
		Correct:       round.Answers[idx].Correct,
		ResponseTime:  responseTime,
	})
	if err != nil {
		log.Error().Err(err).Str("match", m.ID).Str("participant", participantID).Msg("recording async attempt failed")
	}

	if round.Answers[0] != nil && round.Answers[1] != nil {
		am.scoreRound(ctx, m, round)
	}

	if err := am.matches.Update(ctx, m); err != nil {
		return nil, nil, err
	}
	if m.Terminal() {
		am.dropLock(matchID)
	}
	return m, delta, nil
}

// scoreRound closes a fully-answered round and either appends the next
// question or completes the match.
func (am *AsyncManager) scoreRound(ctx context.Context, m *domain.AsyncMatch, round *domain.AsyncRound) {
	for i := range round.Answers {
		if round.Answers[i].Correct {
			m.Scores[i]++
		}
	}

	if len(m.Rounds) >= m.RoundLimit {
		am.complete(ctx, m, false)
		return
	}

	exclude := make(map[string]struct{}, len(m.Rounds))
	for i := range m.Rounds {
		exclude[m.Rounds[i].Question.Fingerprint()] = struct{}{}
	}
	q, err := am.source.Next(ctx, m.Subject, am.cfg.Difficulty, exclude)
	if err != nil {
		// Question source exhausted: settle on what was played rather
		// than leaving the match open.
		log.Warn().Err(err).Str("match", m.ID).Msg("async question issuance failed, completing early")
		am.complete(ctx, m, true)
		return
	}
	m.Rounds = append(m.Rounds, domain.AsyncRound{Question: q})
}

func (am *AsyncManager) complete(ctx context.Context, m *domain.AsyncMatch, partial bool) {
	m.Status = domain.AsyncCompleted
	switch {
	case m.Scores[0] > m.Scores[1]:
		m.WinnerIdx = 0
	case m.Scores[1] > m.Scores[0]:
		m.WinnerIdx = 1
	default:
		m.WinnerIdx = -1
	}
	am.applyOutcomes(ctx, m)
	log.Info().Str("match", m.ID).Ints("scores", m.Scores[:]).Bool("partial", partial).Msg("async match completed")
}

// ResignMatch ends the match as a loss for the resigning side. Calling it on
// an already-terminal match returns the current state without double-applying
// penalties.
func (am *AsyncManager) ResignMatch(ctx context.Context, matchID, participantID string) (*domain.AsyncMatch, error) {
	unlock := am.lockMatch(matchID)
	defer unlock()

	m, err := am.matches.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	idx := m.PlayerIndex(participantID)
	if idx < 0 {
		return nil, domain.ErrNotParticipant
	}
	if m.Terminal() {
		return m, nil
	}

	m.Status = domain.AsyncResigned
	m.WinnerIdx = 1 - idx
	m.LastActivity = am.clock.Now()
	m.Unread[1-idx] = true
	am.applyOutcomes(ctx, m)

	if err := am.matches.Update(ctx, m); err != nil {
		return nil, err
	}
	am.dropLock(matchID)
	log.Info().Str("match", m.ID).Str("participant", participantID).Msg("async match resigned")
	return m, nil
}

// GetMatch returns the match and clears the caller's unread flag.
func (am *AsyncManager) GetMatch(ctx context.Context, matchID, participantID string) (*domain.AsyncMatch, error) {
	unlock := am.lockMatch(matchID)
	defer unlock()

	m, err := am.matches.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	idx := m.PlayerIndex(participantID)
	if idx < 0 {
		return nil, domain.ErrNotParticipant
	}
	if m.Unread[idx] {
		m.Unread[idx] = false
		if err := am.matches.Update(ctx, m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ListMatches returns the participant's inbox, newest activity first.
func (am *AsyncManager) ListMatches(ctx context.Context, participantID string) ([]*domain.AsyncMatch, error) {
	return am.matches.ListForParticipant(ctx, participantID)
}

// RunExpirySweeper periodically expires matches with no activity past the
// bound. Blocks until ctx is done.
func (am *AsyncManager) RunExpirySweeper(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-am.clock.After(am.cfg.SweepInterval):
			if err := am.ExpireStale(ctx); err != nil {
				log.Error().Err(err).Msg("async expiry sweep failed")
			}
		}
	}
}

// ExpireStale transitions every over-age match to expired, scoring it as a
// loss for whichever side has not moved.
func (am *AsyncManager) ExpireStale(ctx context.Context) error {
	cutoff := am.clock.Now().Add(-am.cfg.Expiry)
	stale, err := am.matches.ListInactiveSince(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, candidate := range stale {
		am.expireOne(ctx, candidate.ID)
	}
	return nil
}

func (am *AsyncManager) expireOne(ctx context.Context, matchID string) {
	unlock := am.lockMatch(matchID)
	defer unlock()

	m, err := am.matches.Get(ctx, matchID)
	if err != nil || m.Terminal() {
		return
	}

	m.Status = domain.AsyncExpired
	m.WinnerIdx = am.expiryWinner(m)
	m.Unread = [2]bool{true, true}
	am.applyOutcomes(ctx, m)

	if err := am.matches.Update(ctx, m); err != nil {
		log.Error().Err(err).Str("match", m.ID).Msg("persisting expired match failed")
		return
	}
	am.dropLock(matchID)
	log.Info().Str("match", m.ID).Msg("async match expired")
}

// expiryWinner picks who wins an expired match: the side that answered the
// open round. If neither side moved, nobody wins.
func (am *AsyncManager) expiryWinner(m *domain.AsyncMatch) int {
	round := m.CurrentRound()
	if round == nil {
		return -1
	}
	switch {
	case round.Answers[0] != nil && round.Answers[1] == nil:
		return 0
	case round.Answers[1] != nil && round.Answers[0] == nil:
		return 1
	}
	return -1
}

// applyOutcomes settles the terminal match against the ledger. An expired
// match with no winner counts as a loss for both sides.
func (am *AsyncManager) applyOutcomes(ctx context.Context, m *domain.AsyncMatch) {
	for i, id := range m.Players {
		var outcome domain.Outcome
		switch {
		case m.WinnerIdx == i:
			outcome = domain.OutcomeWin
		case m.WinnerIdx == 1-i:
			outcome = domain.OutcomeLoss
		case m.Status == domain.AsyncExpired:
			outcome = domain.OutcomeLoss
		default:
			outcome = domain.OutcomeDraw
		}
		if _, _, err := am.ledger.ApplyOutcome(ctx, id, outcome); err != nil {
			log.Error().Err(err).Str("match", m.ID).Str("participant", id).Msg("applying async outcome failed")
		}
	}
}

func (am *AsyncManager) lockMatch(id string) func() {
	am.mu.Lock()
	l, ok := am.locks[id]
	if !ok {
		l = &sync.Mutex{}
		am.locks[id] = l
	}
	am.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (am *AsyncManager) dropLock(id string) {
	am.mu.Lock()
	delete(am.locks, id)
	am.mu.Unlock()
}
