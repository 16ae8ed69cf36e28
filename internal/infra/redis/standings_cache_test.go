package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"quizduel-service/internal/domain"
)

func TestStandingsCacheRoundTripAndTTL(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewStandingsCache(client, time.Minute)

	if _, ok, err := cache.Get(ctx); err != nil || ok {
		t.Fatalf("cold cache should miss: ok=%v err=%v", ok, err)
	}

	snapshot := domain.Standings{
		Entries: []domain.StandingsEntry{
			{ParticipantID: "u1", DisplayName: "Alice", Points: 120, Rank: 1},
			{ParticipantID: "u2", DisplayName: "Bob", Points: 80, Rank: 2},
		},
		UpdatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := cache.Put(ctx, snapshot); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := cache.Get(ctx)
	if err != nil || !ok {
		t.Fatalf("warm cache should hit: ok=%v err=%v", ok, err)
	}
	if len(got.Entries) != 2 || got.Entries[0].ParticipantID != "u1" {
		t.Fatalf("snapshot mangled: %+v", got)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok, _ := cache.Get(ctx); ok {
		t.Fatalf("expected TTL eviction")
	}
}
