package memory

import (
	"context"
	"sync"

	"quizduel-service/internal/domain"
)

// StandingsCache is an in-memory implementation of app.StandingsCache.
type StandingsCache struct {
	mu       sync.RWMutex
	snapshot domain.Standings
	filled   bool
}

func NewStandingsCache() *StandingsCache {
	return &StandingsCache{}
}

func (c *StandingsCache) Put(_ context.Context, s domain.Standings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = s
	c.filled = true
	return nil
}

func (c *StandingsCache) Get(_ context.Context) (domain.Standings, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot, c.filled, nil
}
