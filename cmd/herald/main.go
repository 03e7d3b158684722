package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/heraldhq/herald/internal/api"
	"github.com/heraldhq/herald/internal/config"
	"github.com/heraldhq/herald/internal/engine"
	"github.com/heraldhq/herald/internal/events"
	"github.com/heraldhq/herald/internal/job"
	"github.com/heraldhq/herald/internal/notify"
	"github.com/heraldhq/herald/internal/ratelimit"
	"github.com/heraldhq/herald/internal/reaper"
	"github.com/heraldhq/herald/internal/retry"
	"github.com/heraldhq/herald/internal/store"
	"github.com/heraldhq/herald/internal/store/memory"
	"github.com/heraldhq/herald/internal/store/postgres"
	"github.com/heraldhq/herald/internal/webhook"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file loaded")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("herald exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backingStore, cleanup, err := setupStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = nats.Connect(cfg.NATSURL, nats.Name("herald"))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer natsConn.Close()
		log.Info().Str("url", cfg.NATSURL).Msg("connected to NATS")
	}
	announcer := events.NewNATSAnnouncer(natsConn)

	limiter := ratelimit.NewLimiter(backingStore, nil,
		ratelimit.BucketConfig{
			MaxTokens:  float64(cfg.Rates.Default.MaxTokens),
			RefillRate: cfg.Rates.Default.RefillPerMinute,
		},
		globalCeilings(cfg.Rates.Global),
	)

	aggregator := job.NewAggregator(backingStore, announcer)
	manager := job.NewManager(backingStore, nil)
	reconciler := webhook.NewReconciler(backingStore, aggregator)

	leaseReaper := reaper.NewReaper(backingStore, reaper.Config{
		Interval: cfg.Reaper.Interval,
		Backoff:  cfg.Reaper.Backoff,
	}, nil)

	deliveryEngine := engine.NewEngine(
		backingStore,
		devSender(),
		nil,
		limiter,
		retry.NewPolicy(),
		aggregator,
		announcer,
		engine.Config{
			NumWorkers:    cfg.Engine.NumWorkers,
			BatchSize:     cfg.Engine.BatchSize,
			PollInterval:  cfg.Engine.PollInterval,
			LeaseDuration: cfg.Engine.LeaseDuration,
			SendTimeout:   cfg.Engine.SendTimeout,
		},
		nil,
	)

	if err := deliveryEngine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start delivery engine: %w", err)
	}
	if err := leaseReaper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start reaper: %w", err)
	}

	server := api.NewServer(cfg.HTTPAddr, api.NewHandlers(manager, reconciler, leaseReaper, limiter, backingStore))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if err := deliveryEngine.Stop(); err != nil {
		log.Error().Err(err).Msg("engine stop failed")
	}
	if err := leaseReaper.Stop(); err != nil {
		log.Error().Err(err).Msg("reaper stop failed")
	}

	log.Info().Msg("herald stopped")
	return nil
}

func setupStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		log.Warn().Msg("using in-memory store: state is lost on restart")
		return memory.NewStore(nil), func() {}, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DB.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to ping database: %w", err)
		}
		log.Info().
			Str("host", cfg.DB.Host).
			Str("database", cfg.DB.Database).
			Msg("connected to database")
		return postgres.NewStore(pool, nil), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func globalCeilings(defs map[string]config.BucketDef) map[string]ratelimit.BucketConfig {
	if len(defs) == 0 {
		return nil
	}
	ceilings := make(map[string]ratelimit.BucketConfig, len(defs))
	for provider, def := range defs {
		ceilings[provider] = ratelimit.BucketConfig{
			MaxTokens:  float64(def.MaxTokens),
			RefillRate: def.RefillPerMinute,
		}
	}
	return ceilings
}

// devSender logs instead of calling a provider. Real deployments plug a
// provider adapter into engine.Sender; the pipeline does not care which.
func devSender() engine.Sender {
	return engine.SenderFunc(func(ctx context.Context, msg *notify.OutboxMessage) (string, error) {
		log.Info().
			Str("message_id", msg.ID.String()).
			Str("recipient", msg.Recipient).
			Str("channel", string(msg.Channel)).
			Str("provider", msg.Provider).
			Msg("dev sender: message accepted")
		return "dev-" + uuid.NewString(), nil
	})
}
