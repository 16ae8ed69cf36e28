// Package question is the boundary to the question-generation collaborator.
// It wraps the upstream generator with a bounded timeout and a locally
// cached emergency bank so round issuance never stalls on generation.
package question

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quizduel-service/internal/domain"
)

// Generator produces fresh questions. Implementations are expected to fail
// (timeouts, quotas, malformed output); callers must not depend on success.
type Generator interface {
	Generate(ctx context.Context, subject string, difficulty int) (domain.Question, error)
}

// Source issues questions for rounds. The exclude set holds content
// fingerprints already seen in the requesting session.
type Source interface {
	Next(ctx context.Context, subject string, difficulty int, exclude map[string]struct{}) (domain.Question, error)
}

// FallbackSource tries the generator within a bounded timeout and falls back
// to the cached bank on any failure. Only when the bank is also exhausted
// does it surface ErrGenerationUnavailable.
type FallbackSource struct {
	gen     Generator
	bank    *Bank
	timeout time.Duration
	clock   clockwork.Clock
}

func NewFallbackSource(gen Generator, bank *Bank, timeout time.Duration, clock clockwork.Clock) *FallbackSource {
	return &FallbackSource{gen: gen, bank: bank, timeout: timeout, clock: clock}
}

func (s *FallbackSource) Next(ctx context.Context, subject string, difficulty int, exclude map[string]struct{}) (domain.Question, error) {
	if s.gen != nil {
		q, err := s.generate(ctx, subject, difficulty)
		if err == nil {
			if _, seen := exclude[q.Fingerprint()]; !seen {
				return q, nil
			}
			err = errors.New("generated question already seen")
		}
		log.Debug().Err(err).Str("subject", subject).Msg("generator miss, using bank")
	}
	q, err := s.bank.Pick(ctx, subject, exclude)
	if err != nil {
		return domain.Question{}, err
	}
	return q, nil
}

func (s *FallbackSource) generate(ctx context.Context, subject string, difficulty int) (domain.Question, error) {
	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type genResult struct {
		q   domain.Question
		err error
	}
	resCh := make(chan genResult, 1)
	go func() {
		q, err := s.gen.Generate(genCtx, subject, difficulty)
		resCh <- genResult{q, err}
	}()

	timer := s.clock.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		if res.err != nil {
			return domain.Question{}, res.err
		}
		if err := res.q.Validate(); err != nil {
			return domain.Question{}, err
		}
		return res.q, nil
	case <-timer.Chan():
		return domain.Question{}, errors.New("generation timed out")
	case <-ctx.Done():
		return domain.Question{}, ctx.Err()
	}
}
