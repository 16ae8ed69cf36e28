package app

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quizduel-service/internal/domain"
	"quizduel-service/internal/question"
)

// SessionState is the live duel lifecycle state.
type SessionState string

const (
	StateAwaitingRound SessionState = "awaitingRound"
	StateRoundOpen     SessionState = "roundOpen"
	StateRoundScoring  SessionState = "roundScoring"
	StateFinished      SessionState = "finished"
)

// SessionConfig fixes the shape of a live duel at creation time.
type SessionConfig struct {
	Rounds        int
	RoundDuration time.Duration
	Difficulty    int
}

// DefaultSessionConfig returns the stock live-duel shape.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{Rounds: 10, RoundDuration: 30 * time.Second, Difficulty: 3}
}

// Side is one seat of a duel. Bot is nil for human participants.
type Side struct {
	ParticipantID string
	DisplayName   string
	Bot           *BotProfile
}

// Event types delivered to session subscribers.
const (
	EventRound       = "round"
	EventRoundResult = "roundResult"
	EventFinished    = "finished"
)

// RoundResult reveals a closed round: the answer key is only disclosed here.
type RoundResult struct {
	Round       int              `json:"round"`
	CorrectIdx  int              `json:"correctIdx"`
	Explanation string           `json:"explanation"`
	Answers     [2]domain.Answer `json:"answers"`
	Scores      [2]int           `json:"scores"`
}

// SessionEvent is pushed to subscribers as the duel progresses.
type SessionEvent struct {
	Type     string                 `json:"type"`
	Round    int                    `json:"round"`
	Question *domain.ServedQuestion `json:"question,omitempty"`
	Deadline time.Time              `json:"deadline,omitempty"`
	Result   *RoundResult           `json:"result,omitempty"`
	Final    *domain.DuelResult     `json:"final,omitempty"`
}

// Ack is the response to an answer submission. Rejections (duplicate answer,
// closed round, malformed index) are no-ops, not errors.
type Ack struct {
	Accepted        bool   `json:"accepted"`
	AlreadyAnswered bool   `json:"alreadyAnswered"`
	Reason          string `json:"reason,omitempty"`
}

// DuelSession owns one live duel. All state transitions are serialized by
// the session mutex; different sessions proceed fully independently.
type DuelSession struct {
	ID      string
	Subject string

	cfg    SessionConfig
	source question.Source
	ledger *Ledger
	clock  clockwork.Clock

	mu           sync.Mutex
	sides        [2]Side
	state        SessionState
	roundIdx     int
	rounds       []*domain.Round
	scores       [2]int
	seen         map[string]struct{}
	answered     chan struct{} // closed when both sides answered the open round
	bothSignaled bool
	closed       chan struct{}
	closeOnce    sync.Once
	result       *domain.DuelResult
	subscribers  map[chan SessionEvent]struct{}
	botTimers    []clockwork.Timer
	rnd          *rand.Rand
}

func NewDuelSession(id, subject string, sides [2]Side, cfg SessionConfig, source question.Source, ledger *Ledger, clock clockwork.Clock) *DuelSession {
	return &DuelSession{
		ID:          id,
		Subject:     subject,
		cfg:         cfg,
		source:      source,
		ledger:      ledger,
		clock:       clock,
		sides:       sides,
		state:       StateAwaitingRound,
		seen:        make(map[string]struct{}),
		closed:      make(chan struct{}),
		subscribers: make(map[chan SessionEvent]struct{}),
		rnd:         rand.New(rand.NewSource(clock.Now().UnixNano())),
	}
}

// Start issues the first round.
func (s *DuelSession) Start(ctx context.Context) {
	s.issueRound(ctx, 0)
}

// Sides returns the two seats.
func (s *DuelSession) Sides() [2]Side {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sides
}

// State returns the current lifecycle state.
func (s *DuelSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Result returns the final result once the session is finished.
func (s *DuelSession) Result() (*domain.DuelResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return nil, false
	}
	res := *s.result
	return &res, true
}

// Subscribe returns a channel receiving session events. The caller must
// invoke the returned cancel function to avoid leaks.
func (s *DuelSession) Subscribe() (<-chan SessionEvent, func()) {
	ch := make(chan SessionEvent, 8)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// OpenRound returns the event describing the currently open round, so late
// subscribers can catch up on a round issued before they attached.
func (s *DuelSession) OpenRound() (SessionEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRoundOpen {
		return SessionEvent{}, false
	}
	round := s.rounds[s.roundIdx]
	served := round.Question.Served()
	return SessionEvent{Type: EventRound, Round: s.roundIdx, Question: &served, Deadline: round.Deadline}, true
}

// Submit records one side's answer for the open round. The first answer per
// side sticks; everything else is acknowledged without effect.
func (s *DuelSession) Submit(ctx context.Context, participantID string, choice int) (Ack, error) {
	s.mu.Lock()
	idx := s.sideIndexLocked(participantID)
	if idx < 0 {
		s.mu.Unlock()
		return Ack{}, domain.ErrNotParticipant
	}
	if s.state != StateRoundOpen {
		s.mu.Unlock()
		return Ack{Reason: "no round open"}, nil
	}
	round := s.rounds[s.roundIdx]
	if round.Answers[idx] != nil {
		s.mu.Unlock()
		return Ack{AlreadyAnswered: true, Reason: "answer already recorded"}, nil
	}
	if choice != domain.NoAnswer && (choice < 0 || choice >= domain.ChoiceCount) {
		s.mu.Unlock()
		return Ack{Reason: "choice index out of range"}, nil
	}
	now := s.clock.Now()
	if now.After(round.Deadline) {
		s.mu.Unlock()
		return Ack{Reason: "round deadline passed"}, nil
	}
	round.Answers[idx] = &domain.Answer{
		Choice:       choice,
		SubmittedAt:  now,
		ResponseTime: now.Sub(round.IssuedAt),
		Correct:      choice == round.Question.CorrectIdx,
	}
	if round.Answers[0] != nil && round.Answers[1] != nil && !s.bothSignaled {
		s.bothSignaled = true
		close(s.answered)
	}
	s.mu.Unlock()
	return Ack{Accepted: true}, nil
}

// Forfeit ends the session immediately with a loss for the leaving side.
// Used when a participant's connection closes mid-duel.
func (s *DuelSession) Forfeit(ctx context.Context, participantID string) {
	s.mu.Lock()
	idx := s.sideIndexLocked(participantID)
	finished := s.state == StateFinished
	s.mu.Unlock()
	if idx < 0 || finished {
		return
	}
	var outcomes [2]domain.Outcome
	outcomes[idx] = domain.OutcomeLoss
	outcomes[1-idx] = domain.OutcomeWin
	log.Info().Str("session", s.ID).Str("participant", participantID).Msg("session forfeited")
	s.finish(ctx, &outcomes, true)
}

// Close releases the session's watchers without scoring. Used on shutdown.
func (s *DuelSession) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
	s.stopBotTimers()
}

func (s *DuelSession) sideIndexLocked(participantID string) int {
	for i, side := range s.sides {
		if side.ParticipantID == participantID {
			return i
		}
	}
	return -1
}

func (s *DuelSession) issueRound(ctx context.Context, idx int) {
	s.mu.Lock()
	if s.state == StateFinished {
		s.mu.Unlock()
		return
	}
	s.state = StateAwaitingRound
	exclude := make(map[string]struct{}, len(s.seen))
	for fp := range s.seen {
		exclude[fp] = struct{}{}
	}
	s.mu.Unlock()

	q, err := s.source.Next(ctx, s.Subject, s.cfg.Difficulty, exclude)
	if err != nil {
		// No question and no fallback: end early with a partial result
		// rather than leaving the session hanging.
		log.Warn().Err(err).Str("session", s.ID).Int("round", idx).Msg("question issuance failed, ending session early")
		s.finish(ctx, nil, true)
		return
	}

	s.mu.Lock()
	if s.state == StateFinished {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	round := &domain.Round{
		Question: q,
		IssuedAt: now,
		Deadline: now.Add(s.cfg.RoundDuration),
	}
	s.roundIdx = idx
	s.rounds = append(s.rounds, round)
	s.seen[q.Fingerprint()] = struct{}{}
	s.state = StateRoundOpen
	answered := make(chan struct{})
	s.answered = answered
	s.bothSignaled = false
	timer := s.clock.NewTimer(s.cfg.RoundDuration)
	served := q.Served()
	s.broadcastLocked(SessionEvent{Type: EventRound, Round: idx, Question: &served, Deadline: round.Deadline})
	for i := range s.sides {
		if s.sides[i].Bot != nil {
			s.scheduleBotLocked(ctx, i, q)
		}
	}
	s.mu.Unlock()

	go s.watchRound(ctx, idx, answered, timer)
}

// watchRound races the both-answered event against the round deadline.
func (s *DuelSession) watchRound(ctx context.Context, idx int, answered <-chan struct{}, timer clockwork.Timer) {
	defer timer.Stop()
	select {
	case <-answered:
	case <-timer.Chan():
	case <-s.closed:
		return
	case <-ctx.Done():
		return
	}
	s.closeRound(ctx, idx)
}

// closeRound scores the round exactly once and advances or finishes.
func (s *DuelSession) closeRound(ctx context.Context, idx int) {
	s.mu.Lock()
	if s.state != StateRoundOpen || s.roundIdx != idx {
		s.mu.Unlock()
		return
	}
	s.state = StateRoundScoring
	round := s.rounds[idx]
	var result RoundResult
	for i := range s.sides {
		if round.Answers[i] == nil {
			round.Answers[i] = &domain.Answer{
				Choice:       domain.NoAnswer,
				SubmittedAt:  round.Deadline,
				ResponseTime: s.cfg.RoundDuration,
				TimedOut:     true,
			}
		}
		if round.Answers[i].Correct {
			s.scores[i]++
		}
		result.Answers[i] = *round.Answers[i]
	}
	result.Round = idx
	result.CorrectIdx = round.Question.CorrectIdx
	result.Explanation = round.Question.Explanation
	result.Scores = s.scores
	s.broadcastLocked(SessionEvent{Type: EventRoundResult, Round: idx, Result: &result})
	attempts := s.roundAttemptsLocked(idx)
	advance := idx+1 < s.cfg.Rounds
	s.mu.Unlock()

	for _, a := range attempts {
		if _, err := s.ledger.RecordAttempt(ctx, a); err != nil {
			log.Error().Err(err).Str("session", s.ID).Str("participant", a.ParticipantID).Msg("recording attempt failed")
		}
	}

	if advance {
		s.issueRound(ctx, idx+1)
	} else {
		s.finish(ctx, nil, false)
	}
}

func (s *DuelSession) roundAttemptsLocked(idx int) []Attempt {
	round := s.rounds[idx]
	attempts := make([]Attempt, 0, 2)
	for i := range s.sides {
		if s.sides[i].Bot != nil {
			continue
		}
		ans := round.Answers[i]
		attempts = append(attempts, Attempt{
			ParticipantID: s.sides[i].ParticipantID,
			MatchID:       s.ID,
			QuestionID:    round.Question.ID,
			Subject:       round.Question.Subject,
			Subtopic:      round.Question.Topic,
			Difficulty:    round.Question.Difficulty,
			Correct:       ans.Correct,
			ResponseTime:  ans.ResponseTime,
		})
	}
	return attempts
}

// finish computes the final result at most once. forced outcomes override
// the score comparison (forfeits); partial marks early termination.
func (s *DuelSession) finish(ctx context.Context, forced *[2]domain.Outcome, partial bool) {
	s.mu.Lock()
	if s.state == StateFinished {
		s.mu.Unlock()
		return
	}
	s.state = StateFinished
	scores := s.scores
	var outcomes [2]domain.Outcome
	switch {
	case forced != nil:
		outcomes = *forced
	case scores[0] > scores[1]:
		outcomes = [2]domain.Outcome{domain.OutcomeWin, domain.OutcomeLoss}
	case scores[1] > scores[0]:
		outcomes = [2]domain.Outcome{domain.OutcomeLoss, domain.OutcomeWin}
	default:
		outcomes = [2]domain.Outcome{domain.OutcomeDraw, domain.OutcomeDraw}
	}
	res := &domain.DuelResult{
		MatchID:  s.ID,
		Scores:   scores,
		Outcomes: outcomes,
		Partial:  partial,
	}
	s.result = res
	roundsPlayed := len(s.rounds)
	sides := s.sides
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.closed) })
	s.stopBotTimers()

	cfg := s.ledger.Config()
	for i := range sides {
		base := scores[i] * cfg.PointsPerCorrect
		baseXP := roundsPlayed * cfg.XPPerRound
		var bonus, xpBonus int
		if sides[i].Bot != nil {
			bonus, xpBonus = s.ledger.OutcomeDeltas(outcomes[i], false)
		} else {
			var err error
			bonus, xpBonus, err = s.ledger.ApplyOutcome(ctx, sides[i].ParticipantID, outcomes[i])
			if err != nil {
				log.Error().Err(err).Str("session", s.ID).Str("participant", sides[i].ParticipantID).Msg("applying outcome failed")
			}
		}
		res.PointsDelta[i] = base + bonus
		res.XPDelta[i] = baseXP + xpBonus
	}

	s.mu.Lock()
	final := *res
	s.broadcastLocked(SessionEvent{Type: EventFinished, Round: s.roundIdx, Final: &final})
	s.mu.Unlock()

	log.Info().
		Str("session", s.ID).
		Ints("scores", scores[:]).
		Bool("partial", partial).
		Msg("duel finished")
}

func (s *DuelSession) scheduleBotLocked(ctx context.Context, sideIdx int, q domain.Question) {
	bot := s.sides[sideIdx].Bot
	choice := bot.Choose(s.rnd, q)
	delay := bot.Delay(s.rnd, s.cfg.RoundDuration)
	botID := s.sides[sideIdx].ParticipantID
	timer := s.clock.AfterFunc(delay, func() {
		if _, err := s.Submit(ctx, botID, choice); err != nil {
			log.Debug().Err(err).Str("session", s.ID).Msg("bot submit rejected")
		}
	})
	s.botTimers = append(s.botTimers, timer)
}

func (s *DuelSession) stopBotTimers() {
	s.mu.Lock()
	timers := s.botTimers
	s.botTimers = nil
	s.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
}

func (s *DuelSession) broadcastLocked(ev SessionEvent) {
	for ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			// Drop the oldest update so a slow client never blocks the duel.
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
	}
}
