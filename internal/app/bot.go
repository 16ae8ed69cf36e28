package app

import (
	"math/rand"
	"time"

	"quizduel-service/internal/domain"
)

// BotProfile is the accuracy/latency policy of a simulated opponent. The
// curve is product tuning, not a contract; everything here is configurable.
type BotProfile struct {
	Name     string
	Accuracy float64
	MinDelay time.Duration
	MaxDelay time.Duration
}

var botNames = []string{
	"Quizzard", "Brainiac", "SirAnswersALot", "TriviaTitan",
	"FactFinder", "TheProfessor", "QuickQuill", "NogginKnight",
}

const (
	botBaseAccuracy = 0.60
	botAccuracyStep = 0.03
	botMinAccuracy  = 0.35
	botMaxAccuracy  = 0.85
)

// NewBotProfile synthesizes an opponent nudged toward balanced win
// probability: participants on a losing run face a weaker bot, winners a
// stronger one.
func NewBotProfile(rnd *rand.Rand, wins, losses int) *BotProfile {
	diff := wins - losses
	if diff > 5 {
		diff = 5
	}
	if diff < -5 {
		diff = -5
	}
	accuracy := botBaseAccuracy + botAccuracyStep*float64(diff)
	if accuracy < botMinAccuracy {
		accuracy = botMinAccuracy
	}
	if accuracy > botMaxAccuracy {
		accuracy = botMaxAccuracy
	}
	return &BotProfile{
		Name:     botNames[rnd.Intn(len(botNames))],
		Accuracy: accuracy,
		MinDelay: 2 * time.Second,
		MaxDelay: 12 * time.Second,
	}
}

// Choose picks the bot's answer for a question.
func (b *BotProfile) Choose(rnd *rand.Rand, q domain.Question) int {
	if rnd.Float64() < b.Accuracy {
		return q.CorrectIdx
	}
	wrong := rnd.Intn(domain.ChoiceCount - 1)
	if wrong >= q.CorrectIdx {
		wrong++
	}
	return wrong
}

// Delay picks how long the bot "thinks", always inside the round window.
func (b *BotProfile) Delay(rnd *rand.Rand, roundDuration time.Duration) time.Duration {
	max := b.MaxDelay
	if limit := roundDuration - 2*time.Second; limit < max {
		max = limit
	}
	min := b.MinDelay
	if min >= max {
		return max / 2
	}
	return min + time.Duration(rnd.Int63n(int64(max-min)))
}
