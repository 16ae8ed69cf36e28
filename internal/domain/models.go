package domain

import "time"

// TopicMastery tracks a participant's running proficiency in one subtopic.
// Score is always clamped to [0,100].
type TopicMastery struct {
	Attempts int       `json:"attempts"`
	Correct  int       `json:"correct"`
	Score    float64   `json:"score"`
	LastSeen time.Time `json:"lastSeen"`
}

// Participant is the durable profile mutated only by the progress ledger.
// Participants are never deleted, only deactivated.
type Participant struct {
	ID           string                             `json:"id"`
	Username     string                             `json:"username"`
	DisplayName  string                             `json:"displayName"`
	Points       int                                `json:"points"`
	XP           int                                `json:"xp"`
	Level        int                                `json:"level"`
	Wins         int                                `json:"wins"`
	Losses       int                                `json:"losses"`
	Draws        int                                `json:"draws"`
	Streak       int                                `json:"streak"`
	StreakShield bool                               `json:"streakShield"`
	Active       bool                               `json:"active"`
	Mastery      map[string]map[string]TopicMastery `json:"mastery"` // subject -> subtopic
	CreatedAt    time.Time                          `json:"createdAt"`
}

// SubjectMastery is the arithmetic mean of the subject's subtopic scores.
func (p *Participant) SubjectMastery(subject string) float64 {
	topics := p.Mastery[subject]
	if len(topics) == 0 {
		return 0
	}
	var sum float64
	for _, tm := range topics {
		sum += tm.Score
	}
	return sum / float64(len(topics))
}

// LevelForXP maps accumulated XP onto a level. Every level costs 100 XP
// more than the previous one.
func LevelForXP(xp int) int {
	level := 1
	cost := 100
	for xp >= cost {
		xp -= cost
		cost += 100
		level++
	}
	return level
}

// Answer records one side's submission inside a round.
type Answer struct {
	Choice       int           `json:"choice"`
	SubmittedAt  time.Time     `json:"submittedAt"`
	ResponseTime time.Duration `json:"responseTime"`
	Correct      bool          `json:"correct"`
	TimedOut     bool          `json:"timedOut"`
}

// Round is one question-and-answer cycle inside a live duel.
// Answers are indexed by the session's side index.
type Round struct {
	Question Question   `json:"question"`
	IssuedAt time.Time  `json:"issuedAt"`
	Deadline time.Time  `json:"deadline"`
	Answers  [2]*Answer `json:"answers"`
}

// Outcome is one side's result of a finished duel.
type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
	OutcomeDraw Outcome = "draw"
)

// DuelResult is the terminal summary of a live session or async match.
type DuelResult struct {
	MatchID     string     `json:"matchId"`
	Scores      [2]int     `json:"scores"`
	Outcomes    [2]Outcome `json:"outcomes"`
	PointsDelta [2]int     `json:"pointsDelta"`
	XPDelta     [2]int     `json:"xpDelta"`
	Partial     bool       `json:"partial"` // ended early (forfeit or exhausted question source)
}

// AttemptRecord is an immutable audit entry, written at most once per
// (participant, match, question) key.
type AttemptRecord struct {
	ID            string        `json:"id"`
	ParticipantID string        `json:"participantId"`
	MatchID       string        `json:"matchId"`
	QuestionID    string        `json:"questionId"`
	Subject       string        `json:"subject"`
	Subtopic      string        `json:"subtopic"`
	Correct       bool          `json:"correct"`
	ResponseTime  time.Duration `json:"responseTime"`
	MasteryDelta  float64       `json:"masteryDelta"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// ProgressDelta is returned from a successful ledger recording for
// immediate display.
type ProgressDelta struct {
	PointsGained  int     `json:"pointsGained"`
	XPGained      int     `json:"xpGained"`
	MasteryBefore float64 `json:"masteryBefore"`
	MasteryAfter  float64 `json:"masteryAfter"`
	Accuracy      float64 `json:"accuracy"` // running accuracy for the subtopic
}

// StandingsEntry is a read-optimized projection row.
type StandingsEntry struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Points        int    `json:"points"`
	Level         int    `json:"level"`
	Wins          int    `json:"wins"`
	Losses        int    `json:"losses"`
	Streak        int    `json:"streak"`
	Rank          int    `json:"rank"`
}

// Standings is the cached top-N snapshot pushed to connected sessions.
type Standings struct {
	Entries   []StandingsEntry `json:"entries"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Challenge is a direct duel invitation with a fixed TTL. In-memory only.
type Challenge struct {
	ID             string    `json:"id"`
	ChallengerID   string    `json:"challengerId"`
	ChallengerName string    `json:"challengerName"`
	TargetUsername string    `json:"targetUsername"`
	Subject        string    `json:"subject"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}
