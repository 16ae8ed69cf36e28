package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quizduel-service/internal/domain"
)

// LedgerConfig tunes the point economy and mastery model.
type LedgerConfig struct {
	PointsPerCorrect int
	WinBonus         int
	LossPenalty      int
	DrawBonus        int
	XPPerRound       int
	XPFinishBonus    int
	// ShieldStreak is the win-streak length at which a streak shield is earned.
	ShieldStreak int
	// BaselineAccuracy is the target accuracy the mastery model converges to.
	BaselineAccuracy float64
	// MinFactor/MaxFactor bound the per-attempt mastery adjustment, scaled by
	// question difficulty.
	MinFactor float64
	MaxFactor float64
}

// DefaultLedgerConfig returns the stock point economy.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		PointsPerCorrect: 10,
		WinBonus:         50,
		LossPenalty:      20,
		DrawBonus:        15,
		XPPerRound:       5,
		XPFinishBonus:    20,
		ShieldStreak:     5,
		BaselineAccuracy: 0.65,
		MinFactor:        4,
		MaxFactor:        12,
	}
}

// Attempt is the input to RecordAttempt.
type Attempt struct {
	ParticipantID string
	MatchID       string
	QuestionID    string
	Subject       string
	Subtopic      string
	Difficulty    int
	Correct       bool
	ResponseTime  time.Duration
}

// Ledger computes point/XP/mastery deltas and guarantees at-most-once
// recording per (participant, match, question) key.
type Ledger struct {
	participants ParticipantStore
	attempts     AttemptStore
	cfg          LedgerConfig
	clock        clockwork.Clock
}

func NewLedger(participants ParticipantStore, attempts AttemptStore, cfg LedgerConfig, clock clockwork.Clock) *Ledger {
	return &Ledger{participants: participants, attempts: attempts, cfg: cfg, clock: clock}
}

// Config exposes the point economy so callers can derive display totals.
func (l *Ledger) Config() LedgerConfig {
	return l.cfg
}

// RecordAttempt appends one audit record and applies the progress mutation.
// A duplicate key is a no-op returning (nil, nil), even under concurrent
/// duplicate submissions: the attempt store's insert is the atomic gate and
// nothing is mutated unless it succeeds.
func (l *Ledger) RecordAttempt(ctx context.Context, a Attempt) (*domain.ProgressDelta, error) {
	now := l.clock.Now()

	before, err := l.participants.Get(ctx, a.ParticipantID)
	if err != nil {
		return nil, err
	}
	factor := l.masteryFactor(a.Difficulty)
	masteryBefore := topicScore(before, a.Subject, a.Subtopic)
	masteryAfter := l.adjustMastery(masteryBefore, factor, a.Correct)

	rec := domain.AttemptRecord{
		ID:            uuid.NewString(),
		ParticipantID: a.ParticipantID,
		MatchID:       a.MatchID,
		QuestionID:    a.QuestionID,
		Subject:       a.Subject,
		Subtopic:      a.Subtopic,
		Correct:       a.Correct,
		ResponseTime:  a.ResponseTime,
		MasteryDelta:  masteryAfter - masteryBefore,
		CreatedAt:     now,
	}
	inserted, err := l.attempts.InsertIfAbsent(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, nil
	}

	var delta domain.ProgressDelta
	_, err = l.participants.Update(ctx, a.ParticipantID, func(p *domain.Participant) error {
		if p.Mastery == nil {
			p.Mastery = make(map[string]map[string]domain.TopicMastery)
		}
		if p.Mastery[a.Subject] == nil {
			p.Mastery[a.Subject] = make(map[string]domain.TopicMastery)
		}
		tm := p.Mastery[a.Subject][a.Subtopic]
		delta.MasteryBefore = tm.Score
		tm.Score = l.adjustMastery(tm.Score, factor, a.Correct)
		tm.Attempts++
		if a.Correct {
			tm.Correct++
		}
		tm.LastSeen = now
		p.Mastery[a.Subject][a.Subtopic] = tm

		if a.Correct {
			delta.PointsGained = l.cfg.PointsPerCorrect
			p.Points += l.cfg.PointsPerCorrect
		}
		delta.XPGained = l.cfg.XPPerRound
		p.XP += l.cfg.XPPerRound
		p.Level = domain.LevelForXP(p.XP)

		delta.MasteryAfter = tm.Score
		delta.Accuracy = float64(tm.Correct) / float64(tm.Attempts)
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug().
		Str("participant", a.ParticipantID).
		Str("match", a.MatchID).
		Str("question", a.QuestionID).
		Bool("correct", a.Correct).
		Float64("mastery", delta.MasteryAfter).
		Msg("attempt recorded")
	return &delta, nil
}

// OutcomeDeltas computes the end-of-duel bonus/penalty for one side without
// touching storage. shielded suppresses the loss penalty.
func (l *Ledger) OutcomeDeltas(outcome domain.Outcome, shielded bool) (points, xp int) {
	switch outcome {
	case domain.OutcomeWin:
		return l.cfg.WinBonus, l.cfg.XPFinishBonus
	case domain.OutcomeDraw:
		return l.cfg.DrawBonus, l.cfg.XPFinishBonus
	case domain.OutcomeLoss:
		if shielded {
			return 0, l.cfg.XPFinishBonus
		}
		return -l.cfg.LossPenalty, l.cfg.XPFinishBonus
	}
	return 0, 0
}

// ApplyOutcome applies a finished duel's win/loss bookkeeping: counters,
// streak, shield consumption, and the outcome bonus/penalty. It returns the
// point and XP deltas actually applied.
func (l *Ledger) ApplyOutcome(ctx context.Context, participantID string, outcome domain.Outcome) (points, xp int, err error) {
	_, err = l.participants.Update(ctx, participantID, func(p *domain.Participant) error {
		shielded := outcome == domain.OutcomeLoss && p.StreakShield
		points, xp = l.OutcomeDeltas(outcome, shielded)

		switch outcome {
		case domain.OutcomeWin:
			p.Wins++
			p.Streak++
			if l.cfg.ShieldStreak > 0 && p.Streak%l.cfg.ShieldStreak == 0 {
				p.StreakShield = true
			}
		case domain.OutcomeLoss:
			p.Losses++
			if shielded {
				// Shield absorbs the loss: streak survives, no penalty.
				p.StreakShield = false
			} else {
				p.Streak = 0
			}
		case domain.OutcomeDraw:
			p.Draws++
		}

		p.Points += points
		if p.Points < 0 {
			points -= p.Points // report the clamped delta
			p.Points = 0
		}
		p.XP += xp
		p.Level = domain.LevelForXP(p.XP)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return points, xp, nil
}

func (l *Ledger) masteryFactor(difficulty int) float64 {
	if difficulty < 1 {
		difficulty = 1
	}
	if difficulty > 5 {
		difficulty = 5
	}
	span := l.cfg.MaxFactor - l.cfg.MinFactor
	return l.cfg.MinFactor + span*float64(difficulty-1)/4
}

func (l *Ledger) adjustMastery(score, factor float64, correct bool) float64 {
	if correct {
		score += factor * (1 - l.cfg.BaselineAccuracy)
	} else {
		score -= factor * l.cfg.BaselineAccuracy
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func topicScore(p domain.Participant, subject, subtopic string) float64 {
	if topics, ok := p.Mastery[subject]; ok {
		return topics[subtopic].Score
	}
	return 0
}

// IsNotFound reports whether err is one of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrParticipantNotFound) ||
		errors.Is(err, domain.ErrMatchNotFound) ||
		errors.Is(err, domain.ErrSessionNotFound) ||
		errors.Is(err, domain.ErrChallengeNotFound)
}
