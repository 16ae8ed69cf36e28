package cli

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"quizduel-service/internal/app"
	"quizduel-service/internal/config"
	"quizduel-service/internal/domain"
	"quizduel-service/internal/infra/memory"
	pginfra "quizduel-service/internal/infra/postgres"
	redisinfra "quizduel-service/internal/infra/redis"
	"quizduel-service/internal/question"
	transport "quizduel-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz duel server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	clock := clockwork.NewRealClock()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var db *bun.DB
	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Postgres.URL)))
		db = bun.NewDB(sqldb, pgdialect.New())
		defer db.Close()

		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	// Durable stores when postgres is configured, in-process otherwise.
	var participants app.ParticipantStore
	var matches app.MatchRepository
	var attempts app.AttemptStore
	if db != nil {
		participants = pginfra.NewParticipantStore(db)
		matches = pginfra.NewMatchRepository(db)
		attempts = pginfra.NewAttemptStore(db)
	} else {
		participants = memory.NewParticipantStore(clock)
		matches = memory.NewMatchRepository()
		attempts = memory.NewAttemptStore()
	}
	// Redis takes the idempotency gate and the standings snapshot when
	// available so multiple instances agree.
	var standings app.StandingsCache
	if redisClient != nil {
		attempts = redisinfra.NewAttemptStore(redisClient)
		standings = redisinfra.NewStandingsCache(redisClient, config.Duration(cfg.Broadcast.StandingsTTL, 2*time.Minute))
	} else {
		standings = memory.NewStandingsCache()
	}

	var loader question.BankLoader = question.NewStaticBankLoader(sampleBanks())
	if pool != nil {
		loader = pginfra.NewBankLoader(pool)
	}
	bank := question.NewBank(loader, config.Duration(cfg.Questions.BankTTL, 10*time.Minute), clock)
	source := question.NewFallbackSource(nil, bank, config.Duration(cfg.Questions.GeneratorTimeout, 2*time.Second), clock)

	ledger := app.NewLedger(participants, attempts, app.DefaultLedgerConfig(), clock)

	sessionCfg := app.DefaultSessionConfig()
	sessionCfg.Rounds = config.IntOr(cfg.Duel.Rounds, sessionCfg.Rounds)
	sessionCfg.RoundDuration = config.Duration(cfg.Duel.RoundDuration, sessionCfg.RoundDuration)
	sessionCfg.Difficulty = config.IntOr(cfg.Duel.Difficulty, sessionCfg.Difficulty)

	registry := app.NewRegistry()
	matchmaker := app.NewMatchmaker(app.MatchmakerConfig{
		BotWait: config.Duration(cfg.Duel.BotWait, 3*time.Second),
		Session: sessionCfg,
	}, registry, participants, source, ledger, clock)

	asyncCfg := app.DefaultAsyncConfig()
	asyncCfg.Rounds = config.IntOr(cfg.Async.Rounds, asyncCfg.Rounds)
	asyncCfg.Difficulty = config.IntOr(cfg.Async.Difficulty, asyncCfg.Difficulty)
	asyncCfg.Expiry = config.Duration(cfg.Async.Expiry, asyncCfg.Expiry)
	asyncCfg.SweepInterval = config.Duration(cfg.Async.SweepInterval, asyncCfg.SweepInterval)
	asyncManager := app.NewAsyncManager(matches, participants, source, ledger, asyncCfg, clock)

	broadcastCfg := app.DefaultBroadcasterConfig()
	broadcastCfg.TopN = config.IntOr(cfg.Broadcast.TopN, broadcastCfg.TopN)
	broadcastCfg.RefreshInterval = config.Duration(cfg.Broadcast.RefreshInterval, broadcastCfg.RefreshInterval)
	broadcastCfg.ChallengeTTL = config.Duration(cfg.Broadcast.ChallengeTTL, broadcastCfg.ChallengeTTL)
	broadcaster := app.NewBroadcaster(participants, standings, matchmaker, broadcastCfg, clock)

	wsHandler := transport.NewWSHandler(participants, matchmaker, asyncManager, broadcaster, registry)

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	go broadcaster.RunStandingsLoop(loopCtx)
	go asyncManager.RunExpirySweeper(loopCtx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		zlog.Info().Str("port", finalPort).Msg("starting quiz duel service")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Error().Err(err).Msg("failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		zlog.Info().Msg("shutting down server")
	case <-ctx.Done():
		zlog.Info().Msg("context canceled, shutting down server")
	}

	cancelLoops()
	matchmaker.Close()
	registry.Drain()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || cfg.Log.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Pretty {
		zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// sampleBanks provides a minimal emergency question set per subject; the
// postgres-backed loader replaces this in production.
func sampleBanks() map[string][]domain.Question {
	return map[string][]domain.Question{
		"math": {
			{
				ID:          "math-1",
				Subject:     "math",
				Topic:       "arithmetic",
				Prompt:      "What is 7 x 8?",
				Choices:     []string{"54", "56", "63", "48"},
				CorrectIdx:  1,
				Explanation: "7 x 8 = 56.",
				Difficulty:  2,
			},
			{
				ID:          "math-2",
				Subject:     "math",
				Topic:       "fractions",
				Prompt:      "What is 1/2 + 1/4?",
				Choices:     []string{"1/6", "2/6", "3/4", "1/8"},
				CorrectIdx:  2,
				Explanation: "1/2 is 2/4, so the sum is 3/4.",
				Difficulty:  2,
			},
		},
		"science": {
			{
				ID:          "science-1",
				Subject:     "science",
				Topic:       "astronomy",
				Prompt:      "Which planet is closest to the sun?",
				Choices:     []string{"Venus", "Earth", "Mercury", "Mars"},
				CorrectIdx:  2,
				Explanation: "Mercury orbits closest to the sun.",
				Difficulty:  1,
			},
		},
	}
}
