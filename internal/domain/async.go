package domain

import "time"

// AsyncStatus is the lifecycle state of a turn-based match.
type AsyncStatus string

const (
	AsyncPending   AsyncStatus = "pending"
	AsyncActive    AsyncStatus = "active"
	AsyncCompleted AsyncStatus = "completed"
	AsyncResigned  AsyncStatus = "resigned"
	AsyncExpired   AsyncStatus = "expired"
)

// AsyncAnswer is one side's recorded move in an async round. Unlike live
// rounds the two answers can arrive days apart.
type AsyncAnswer struct {
	Choice       int           `json:"choice"`
	Correct      bool          `json:"correct"`
	ResponseTime time.Duration `json:"responseTime"`
	SubmittedAt  time.Time     `json:"submittedAt"`
}

// AsyncRound holds a question plus each participant's independent answer.
// Rounds are append-only once an answer lands.
type AsyncRound struct {
	Question Question        `json:"question"`
	Answers  [2]*AsyncAnswer `json:"answers"`
}

// AsyncMatch is the persisted turn-based duel. Round k+1's question is never
// attached before round k is scored for both sides.
type AsyncMatch struct {
	ID           string       `json:"id"`
	Players      [2]string    `json:"players"` // participant IDs; index 0 is the initiator
	Subject      string       `json:"subject"`
	Rounds       []AsyncRound `json:"rounds"`
	RoundLimit   int          `json:"roundLimit"`
	Status       AsyncStatus  `json:"status"`
	Scores       [2]int       `json:"scores"`
	WinnerIdx    int          `json:"winnerIdx"` // -1 while undecided or on a draw
	Unread       [2]bool      `json:"unread"`
	CreatedAt    time.Time    `json:"createdAt"`
	LastActivity time.Time    `json:"lastActivity"`
}

// PlayerIndex maps a participant ID to its side index, or -1.
func (m *AsyncMatch) PlayerIndex(participantID string) int {
	for i, id := range m.Players {
		if id == participantID {
			return i
		}
	}
	return -1
}

// Terminal reports whether the match has reached a final status.
func (m *AsyncMatch) Terminal() bool {
	switch m.Status {
	case AsyncCompleted, AsyncResigned, AsyncExpired:
		return true
	}
	return false
}

// CurrentRound returns the open round, or nil when none is open.
func (m *AsyncMatch) CurrentRound() *AsyncRound {
	if len(m.Rounds) == 0 {
		return nil
	}
	last := &m.Rounds[len(m.Rounds)-1]
	if last.Answers[0] != nil && last.Answers[1] != nil {
		return nil
	}
	return last
}
