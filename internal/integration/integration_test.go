package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"quizduel-service/internal/app"
	"quizduel-service/internal/domain"
	pginfra "quizduel-service/internal/infra/postgres"
	pgmigrations "quizduel-service/internal/infra/postgres/migrations"
	infraredis "quizduel-service/internal/infra/redis"
	"quizduel-service/internal/question"
)

func TestAsyncMatchEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	db := openBun(t, ctx, pgURL)
	defer db.Close()
	seedBank(t, ctx, db, sampleBank())

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}

	clock := clockwork.NewRealClock()
	participants := pginfra.NewParticipantStore(db)
	matches := pginfra.NewMatchRepository(db)
	attempts := infraredis.NewAttemptStore(redisClient)
	standingsCache := infraredis.NewStandingsCache(redisClient, time.Minute)

	bank := question.NewBank(pginfra.NewBankLoader(pool), time.Minute, clock)
	source := question.NewFallbackSource(nil, bank, time.Second, clock)
	ledger := app.NewLedger(participants, attempts, app.DefaultLedgerConfig(), clock)

	if _, err := participants.Ensure(ctx, "u1", "alice", "Alice"); err != nil {
		t.Fatalf("ensure alice: %v", err)
	}
	if _, err := participants.Ensure(ctx, "u2", "bob", "Bob"); err != nil {
		t.Fatalf("ensure bob: %v", err)
	}

	am := app.NewAsyncManager(matches, participants, source, ledger, app.AsyncConfig{
		Rounds: 2, Difficulty: 1, Expiry: 72 * time.Hour, SweepInterval: time.Hour,
	}, clock)

	m, err := am.CreateMatch(ctx, "u1", "math", "bob")
	if err != nil {
		t.Fatalf("create match: %v", err)
	}

	// Alice answers every round correctly, Bob incorrectly: 2-0.
	for round := 0; round < 2; round++ {
		current, err := am.GetMatch(ctx, m.ID, "u1")
		if err != nil {
			t.Fatalf("get match: %v", err)
		}
		correct := current.Rounds[round].Question.CorrectIdx
		wrong := (correct + 1) % domain.ChoiceCount
		if _, _, err := am.SubmitAnswer(ctx, m.ID, "u1", correct, time.Second); err != nil {
			t.Fatalf("round %d alice: %v", round, err)
		}
		if _, _, err := am.SubmitAnswer(ctx, m.ID, "u2", wrong, time.Second); err != nil {
			t.Fatalf("round %d bob: %v", round, err)
		}
	}

	final, err := am.GetMatch(ctx, m.ID, "u1")
	if err != nil {
		t.Fatalf("get final: %v", err)
	}
	if final.Status != domain.AsyncCompleted || final.WinnerIdx != 0 || final.Scores != [2]int{2, 0} {
		t.Fatalf("unexpected final state: %+v", final)
	}

	alice, err := participants.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get alice: %v", err)
	}
	// 2 correct answers plus the win bonus.
	if alice.Points != 2*10+50 || alice.Wins != 1 {
		t.Fatalf("alice settlement wrong: points=%d wins=%d", alice.Points, alice.Wins)
	}

	// Replays of an already-recorded key never double-credit.
	delta, err := ledger.RecordAttempt(ctx, app.Attempt{
		ParticipantID: "u1",
		MatchID:       m.ID,
		QuestionID:    final.Rounds[0].Question.ID,
		Subject:       "math",
		Subtopic:      final.Rounds[0].Question.Topic,
		Difficulty:    1,
		Correct:       true,
		ResponseTime:  time.Second,
	})
	if err != nil {
		t.Fatalf("replay attempt: %v", err)
	}
	if delta != nil {
		t.Fatalf("replayed attempt must be a no-op, got %+v", delta)
	}

	// The standings projection survives in Redis.
	broadcaster := app.NewBroadcaster(participants, standingsCache, nil, app.DefaultBroadcasterConfig(), clock)
	standings, err := broadcaster.RefreshStandings(ctx)
	if err != nil {
		t.Fatalf("refresh standings: %v", err)
	}
	if len(standings.Entries) != 2 || standings.Entries[0].ParticipantID != "u1" {
		t.Fatalf("expected alice on top, got %+v", standings.Entries)
	}
	cached, ok, err := standingsCache.Get(ctx)
	if err != nil || !ok {
		t.Fatalf("cache read: ok=%v err=%v", ok, err)
	}
	if cached.Entries[0].Points != standings.Entries[0].Points {
		t.Fatalf("cached snapshot diverged: %+v", cached.Entries)
	}
}

func openBun(t *testing.T, ctx context.Context, dsn string) *bun.DB {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedBank(t *testing.T, ctx context.Context, db *bun.DB, questions []domain.Question) {
	t.Helper()
	for _, q := range questions {
		data, err := json.Marshal(q)
		if err != nil {
			t.Fatalf("marshal question: %v", err)
		}
		_, err = db.ExecContext(ctx,
			`INSERT INTO question_bank (id, subject, data) VALUES (?, ?, ?::jsonb) ON CONFLICT (id) DO UPDATE SET data=EXCLUDED.data`,
			q.ID, q.Subject, string(data))
		if err != nil {
			t.Fatalf("insert question: %v", err)
		}
	}
}

func sampleBank() []domain.Question {
	return []domain.Question{
		{
			ID:         "q1",
			Subject:    "math",
			Topic:      "arithmetic",
			Prompt:     "What is 2 + 2?",
			Choices:    []string{"three", "four", "five", "six"},
			CorrectIdx: 1,
			Difficulty: 1,
		},
		{
			ID:         "q2",
			Subject:    "math",
			Topic:      "arithmetic",
			Prompt:     "What is 3 + 3?",
			Choices:    []string{"five", "six", "seven", "eight"},
			CorrectIdx: 1,
			Difficulty: 1,
		},
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "duel", "POSTGRES_PASSWORD": "duelpass", "POSTGRES_DB": "dueldb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://duel:duelpass@%s:%s/dueldb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
