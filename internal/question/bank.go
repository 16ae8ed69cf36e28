package question

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"quizduel-service/internal/domain"
)

// BankLoader fetches a subject's emergency question set from a backing store.
type BankLoader interface {
	LoadBank(ctx context.Context, subject string) ([]domain.Question, error)
}

// Bank caches per-subject question sets with TTL to avoid repeated store
// hits; concurrent cache misses for the same subject are collapsed.
type Bank struct {
	loader BankLoader
	ttl    time.Duration
	clock  clockwork.Clock
	sf     singleflight.Group

	mu    sync.RWMutex
	rnd   *rand.Rand
	cache map[string]cachedBank
}

type cachedBank struct {
	questions []domain.Question
	expiresAt time.Time
}

func NewBank(loader BankLoader, ttl time.Duration, clock clockwork.Clock) *Bank {
	return &Bank{
		loader: loader,
		ttl:    ttl,
		clock:  clock,
		rnd:    rand.New(rand.NewSource(clock.Now().UnixNano())),
		cache:  make(map[string]cachedBank),
	}
}

// Pick returns a random question for the subject whose fingerprint is not in
// exclude. An exhausted bank surfaces ErrGenerationUnavailable.
func (b *Bank) Pick(ctx context.Context, subject string, exclude map[string]struct{}) (domain.Question, error) {
	questions, err := b.load(ctx, subject)
	if err != nil {
		return domain.Question{}, domain.ErrGenerationUnavailable
	}

	candidates := make([]domain.Question, 0, len(questions))
	for _, q := range questions {
		if _, seen := exclude[q.Fingerprint()]; seen {
			continue
		}
		candidates = append(candidates, q)
	}
	if len(candidates) == 0 {
		return domain.Question{}, domain.ErrGenerationUnavailable
	}

	b.mu.Lock()
	idx := b.rnd.Intn(len(candidates))
	b.mu.Unlock()
	return candidates[idx], nil
}

func (b *Bank) load(ctx context.Context, subject string) ([]domain.Question, error) {
	now := b.clock.Now()

	b.mu.RLock()
	if entry, ok := b.cache[subject]; ok && entry.expiresAt.After(now) {
		b.mu.RUnlock()
		return entry.questions, nil
	}
	b.mu.RUnlock()

	result, err, _ := b.sf.Do(subject, func() (interface{}, error) {
		now := b.clock.Now()
		b.mu.RLock()
		if entry, ok := b.cache[subject]; ok && entry.expiresAt.After(now) {
			b.mu.RUnlock()
			return entry.questions, nil
		}
		b.mu.RUnlock()

		questions, err := b.loader.LoadBank(ctx, subject)
		if err != nil {
			return nil, err
		}

		ttl := b.ttlWithJitter()
		b.mu.Lock()
		b.cache[subject] = cachedBank{
			questions: questions,
			expiresAt: now.Add(ttl),
		}
		b.mu.Unlock()
		return questions, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

// ttlWithJitter adds up to 10% jitter to spread expirations.
func (b *Bank) ttlWithJitter() time.Duration {
	if b.ttl <= 0 {
		return 0
	}
	jitterMax := int64(b.ttl) / 10
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ttl + time.Duration(b.rnd.Int63n(jitterMax+1))
}

// StaticBankLoader serves question sets from an in-memory map (tests/demos
// and the shipped emergency set).
type StaticBankLoader struct {
	banks map[string][]domain.Question
}

func NewStaticBankLoader(banks map[string][]domain.Question) *StaticBankLoader {
	return &StaticBankLoader{banks: banks}
}

func (l *StaticBankLoader) LoadBank(_ context.Context, subject string) ([]domain.Question, error) {
	if bank, ok := l.banks[subject]; ok && len(bank) > 0 {
		return bank, nil
	}
	return nil, domain.ErrGenerationUnavailable
}
