package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"quizduel-service/internal/domain"
)

const standingsKey = "standings:top"

// StandingsCache stores the rank-ordered snapshot in Redis so multiple
// instances can share the projection.
type StandingsCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStandingsCache(client *redis.Client, ttl time.Duration) *StandingsCache {
	return &StandingsCache{client: client, ttl: ttl}
}

func (c *StandingsCache) Put(ctx context.Context, s domain.Standings) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal standings: %w", err)
	}
	if err := c.client.Set(ctx, standingsKey, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache standings: %w", err)
	}
	return nil
}

func (c *StandingsCache) Get(ctx context.Context) (domain.Standings, bool, error) {
	payload, err := c.client.Get(ctx, standingsKey).Bytes()
	if err == redis.Nil {
		return domain.Standings{}, false, nil
	}
	if err != nil {
		return domain.Standings{}, false, fmt.Errorf("load standings: %w", err)
	}
	var s domain.Standings
	if err := json.Unmarshal(payload, &s); err != nil {
		return domain.Standings{}, false, fmt.Errorf("unmarshal standings: %w", err)
	}
	return s, true, nil
}
