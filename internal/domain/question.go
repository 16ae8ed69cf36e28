package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ChoiceCount is the fixed number of answer choices on every question.
const ChoiceCount = 4

// NoAnswer is the sentinel choice index for a side that never answered.
const NoAnswer = -1

const minChoiceLen = 2

// labelPrefix matches choice text that smuggles in its own letter label ("A) ...", "b. ...").
var labelPrefix = regexp.MustCompile(`^[A-Da-d][\.\)\:]\s`)

// Question is an MCQ item issued into a round. Immutable once issued.
type Question struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	Topic       string    `json:"topic"`
	Prompt      string    `json:"prompt"`
	Choices     []string  `json:"choices"`
	CorrectIdx  int       `json:"correctIdx"`
	Explanation string    `json:"explanation"`
	Difficulty  int       `json:"difficulty"` // 1 (easy) .. 5 (hard)
	CreatedAt   time.Time `json:"createdAt"`
}

// ServedQuestion is the wire shape of a question. It never carries the
// correct index; that is only revealed in round results.
type ServedQuestion struct {
	ID      string   `json:"id"`
	Subject string   `json:"subject"`
	Topic   string   `json:"topic"`
	Prompt  string   `json:"prompt"`
	Choices []string `json:"choices"`
}

// Served strips the answer key for delivery to clients.
func (q Question) Served() ServedQuestion {
	choices := make([]string, len(q.Choices))
	copy(choices, q.Choices)
	return ServedQuestion{
		ID:      q.ID,
		Subject: q.Subject,
		Topic:   q.Topic,
		Prompt:  q.Prompt,
		Choices: choices,
	}
}

// Validate enforces the content contract for generated questions.
func (q Question) Validate() error {
	if strings.TrimSpace(q.Prompt) == "" {
		return fmt.Errorf("%w: empty prompt", ErrInvalidQuestion)
	}
	if len(q.Choices) != ChoiceCount {
		return fmt.Errorf("%w: expected %d choices, got %d", ErrInvalidQuestion, ChoiceCount, len(q.Choices))
	}
	if q.CorrectIdx < 0 || q.CorrectIdx >= ChoiceCount {
		return fmt.Errorf("%w: correct index %d out of range", ErrInvalidQuestion, q.CorrectIdx)
	}
	seen := make(map[string]struct{}, ChoiceCount)
	for i, choice := range q.Choices {
		trimmed := strings.TrimSpace(choice)
		if len(trimmed) < minChoiceLen {
			return fmt.Errorf("%w: choice %d too short", ErrInvalidQuestion, i)
		}
		if labelPrefix.MatchString(trimmed) {
			return fmt.Errorf("%w: choice %d carries a label prefix", ErrInvalidQuestion, i)
		}
		folded := strings.ToLower(trimmed)
		if _, dup := seen[folded]; dup {
			return fmt.Errorf("%w: duplicate choice %q", ErrInvalidQuestion, trimmed)
		}
		seen[folded] = struct{}{}
	}
	return nil
}

// Fingerprint returns a normalized content hash used by per-session seen
// sets to avoid re-issuing the same question under a different ID.
func (q Question) Fingerprint() string {
	normalized := strings.ToLower(strings.Join(strings.Fields(q.Prompt), " "))
	sum := sha1.Sum([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
