package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/roadassist/internal/assist/domain"
	"github.com/example/roadassist/internal/assist/engine"
	"github.com/example/roadassist/internal/assist/geo"
	"github.com/example/roadassist/internal/assist/guard"
	"github.com/example/roadassist/internal/assist/handler"
	"github.com/example/roadassist/internal/assist/registry"
	"github.com/example/roadassist/internal/assist/repository"
	"github.com/example/roadassist/internal/notify"
	outboxworker "github.com/example/roadassist/internal/outbox"
	"github.com/example/roadassist/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("assist-service")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "assist-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	cfg := loadConfig()
	if cfg.JWTSecret == "" {
		logger.Fatal("JWT_SECRET is required")
	}

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("assistservice")); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	store, err := buildStore(ctx, db)
	if err != nil {
		logger.Fatal("store setup", zap.Error(err))
	}
	index, assignGuard, idem := buildRedisBacked(redisClient, cfg)
	sinks, closeSinks := buildNotifier(db, natsConn, logger, cfg)
	defer closeSinks()
	notifier := notify.NewAsync(sinks, logger, notify.AsyncConfig{
		Buffer:  cfg.NotifyBuffer,
		Workers: cfg.NotifyWorkers,
	})
	defer notifier.Close()

	clock := domain.SystemClock{}
	eng := engine.New(store, assignGuard, notifier, clock, idem, logger, engine.Config{
		MaxRetries: cfg.MaxRetries,
		GuardTTL:   cfg.GuardTTL,
	})
	providers := registry.NewProviderRegistry(store, index, notifier, clock, logger, registry.ProviderConfig{
		DefaultRadiusKM: cfg.NearbyRadiusKM,
		MaxResults:      cfg.NearbyLimit,
		MaxRetries:      cfg.MaxRetries,
	})
	workers := registry.NewWorkerRegistry(store, clock, cfg.MaxRetries)
	assistHTTP := handler.NewHTTP(eng, providers, workers, cfg.JWTSecret, logger)

	r := chi.NewRouter()
	r.Mount("/observability", observability.MetricsRouter())
	r.Mount("/", assistHTTP.Router())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if db != nil && natsConn != nil {
		worker := outboxworker.NewWorker(db, natsConn, logger, outboxworker.WorkerConfig{
			PollInterval: cfg.OutboxPoll,
			BatchSize:    cfg.OutboxBatch,
			RetryMax:     cfg.OutboxRetry,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox worker disabled", zap.Bool("db", db != nil), zap.Bool("nats", natsConn != nil))
	}

	go func() {
		logger.Info("assist service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func buildStore(ctx context.Context, db *sql.DB) (domain.Store, error) {
	if db == nil {
		return repository.NewMemoryStore(), nil
	}
	store := repository.NewPostgresStore(db)
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func buildRedisBacked(client *redis.Client, cfg appConfig) (geo.Index, domain.AssignmentGuard, domain.IdempotencyRepository) {
	if client == nil {
		return geo.NewMemoryIndex(), guard.NewMemoryGuard(), repository.NewMemoryIdempotencyRepo()
	}
	return geo.NewRedisIndex(client, ""),
		guard.NewRedisGuard(client, ""),
		repository.NewRedisIdempotencyRepo(client, cfg.IdempotencyTTL)
}

// buildNotifier always logs. With Postgres and NATS notifications go through the
// outbox; with NATS alone they are published directly. AMQP is added when configured.
func buildNotifier(db *sql.DB, natsConn *nats.Conn, logger *zap.Logger, cfg appConfig) (domain.Notifier, func()) {
	sinks := notify.Fanout{notify.NewLogNotifier(logger)}
	switch {
	case db != nil && natsConn != nil:
		sinks = append(sinks, notify.NewOutboxNotifier(db, cfg.NATSSubject))
	case natsConn != nil:
		sinks = append(sinks, notify.NewNATSNotifier(natsConn, cfg.NATSSubject))
	}
	closeFn := func() {}
	if cfg.AMQPURL != "" {
		publisher, closeAMQP, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Warn("amqp connection failed", zap.Error(err))
		} else {
			sinks = append(sinks, publisher)
			closeFn = func() {
				if err := closeAMQP(); err != nil {
					logger.Warn("amqp close", zap.Error(err))
				}
			}
		}
	}
	return sinks, closeFn
}
