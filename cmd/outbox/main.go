// Command outbox runs the ExternalBusService: the background sweeper that
// drains a relational (or Mongo) outbox table to a broker and marks rows
// dispatched on ack. It is the transactional-outbox half of the dispatcher;
// cmd/pump runs the consuming half against the broker this binary publishes
// to.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/preardon/brighter-go/internal/config"
	"github.com/preardon/brighter-go/internal/health"
	"github.com/preardon/brighter-go/internal/lifecycle"
	"github.com/preardon/brighter-go/internal/message"
	"github.com/preardon/brighter-go/internal/outbox"
	"github.com/preardon/brighter-go/internal/outbox/dialect"
	"github.com/preardon/brighter-go/internal/outbox/mongostore"
	"github.com/preardon/brighter-go/internal/retry"
	"github.com/preardon/brighter-go/internal/sweeper"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if os.Getenv("BRIGHTER_DEV") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	log.Info().
		Str("version", version).
		Str("build_time", buildTime).
		Str("component", "outbox").
		Msg("starting brighter-go outbox sweeper")

	cfg, err := config.Load(os.Getenv("BRIGHTER_CONFIG_FILE"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthChecker := health.NewChecker()

	store, closeStore, err := buildStore(ctx, cfg, healthChecker)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build outbox store")
	}

	producer, err := buildProducer(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build sweeper producer")
	}

	retryPolicy := retry.NewPolicy(retry.DefaultConfig("sweeper-broker"))

	sweepCfg := sweeper.Config{
		Enabled:      true,
		PollInterval: cfg.Sweep.PollInterval,
		Amount:       cfg.Sweep.Amount,
		MinimumAgeMs: cfg.Sweep.MinimumAgeMs,
		Async:        cfg.Sweep.Async,
		Bulk:         cfg.Sweep.Bulk,
		LeaderElection: sweeper.LeaderElectionConfig{
			Enabled:         cfg.Leader.Enabled,
			LockName:        cfg.Leader.LockName,
			TTL:             cfg.Leader.TTL,
			RefreshInterval: cfg.Leader.RefreshInterval,
		},
	}

	s, err := sweeper.New(store, producer, retryPolicy, sweepCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build sweeper")
	}

	var redisClient *redis.Client
	if cfg.Leader.Enabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Leader.RedisURL})
		healthChecker.AddReadinessCheck("redis", health.ChannelCheck(func() error {
			return redisClient.Ping(ctx).Err()
		}))
		elector := sweeper.NewRedisLeaderElector(redisClient, sweepCfg.LeaderElection)
		s = s.WithRedisLeaderElection(elector)
	}

	s.Start()

	log.Info().
		Dur("pollInterval", cfg.Sweep.PollInterval).
		Int("amount", cfg.Sweep.Amount).
		Bool("async", cfg.Sweep.Async).
		Bool("bulk", cfg.Sweep.Bulk).
		Bool("leaderElection", cfg.Leader.Enabled).
		Msg("outbox sweeper started")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/outbox/clear", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			IDs []string `json:"ids"`
		}
		if err := decodeJSONBody(req, &body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.ClearOutbox(req.Context(), body.IDs); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.HTTP.Port).Msg("outbox http server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("outbox http server failed")
		}
	}()

	manager := lifecycle.NewManager()
	manager.RegisterHTTPShutdown("http", server.Shutdown)
	manager.RegisterSweeperShutdown("sweeper", func(context.Context) error {
		s.Stop()
		return nil
	})
	if redisClient != nil {
		manager.RegisterLeaderShutdown("redis", func(context.Context) error {
			return redisClient.Close()
		})
	}
	manager.RegisterDatabaseShutdown("store", func(context.Context) error {
		cancel()
		return closeStore()
	})

	manager.WaitForSignal()
	if err := manager.Execute(); err != nil {
		log.Error().Err(err).Msg("shutdown did not complete cleanly")
	}
	log.Info().Msg("outbox sweeper stopped")
}

// buildStore opens the outbox backing store according to cfg.Outbox.Dialect
// and registers a matching readiness check. On success the returned close
// func releases the underlying connection; on error it is nil.
func buildStore(ctx context.Context, cfg config.Config, hc *health.Checker) (outbox.Store, func() error, error) {
	switch cfg.Outbox.Dialect {
	case "postgres":
		db, err := sql.Open("postgres", cfg.Outbox.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		hc.AddReadinessCheck("outbox-db", health.DatabaseCheck(func() error { return db.PingContext(ctx) }))
		return outbox.NewSQLStore(db, dialect.Postgres{}, cfg.Outbox.Table), db.Close, nil

	case "mysql":
		db, err := sql.Open("mysql", cfg.Outbox.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql: %w", err)
		}
		hc.AddReadinessCheck("outbox-db", health.DatabaseCheck(func() error { return db.PingContext(ctx) }))
		return outbox.NewSQLStore(db, dialect.MySQL{}, cfg.Outbox.Table), db.Close, nil

	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Outbox.DSN))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}
		hc.AddReadinessCheck("outbox-db", health.DatabaseCheck(func() error { return client.Ping(ctx, nil) }))
		return mongostore.New(client.Database(cfg.Outbox.Database)), func() error { return client.Disconnect(context.Background()) }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported outbox dialect %q", cfg.Outbox.Dialect)
	}
}

// buildProducer selects the broker adapter the sweeper publishes dispatched
// rows through. "log" requires no broker connection and is meant for local
// development; production deployments set BRIGHTER_SWEEP_BROKER to sqs or
// nats.
func buildProducer(ctx context.Context, cfg config.Config) (sweeper.Producer, error) {
	switch cfg.Sweep.Broker {
	case "", "log":
		return logProducer{}, nil

	case "sqs":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return sweeper.NewSQSProducer(sqs.NewFromConfig(awsCfg)), nil

	case "nats":
		url := os.Getenv("BRIGHTER_NATS_URL")
		if url == "" {
			url = nats.DefaultURL
		}
		nc, err := nats.Connect(url)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		return sweeper.NewNATSProducer(js), nil

	default:
		return nil, fmt.Errorf("unsupported sweeper broker %q", cfg.Sweep.Broker)
	}
}

// logProducer is the "no real broker configured" stand-in: it logs the
// publish instead of delivering it, matching the sweeper.Producer contract
// so local development can exercise the full sweep/mark-dispatched path
// without standing up SQS or NATS.
type logProducer struct{}

var _ sweeper.Producer = logProducer{}

func (logProducer) Publish(_ context.Context, topic string, m message.Message) error {
	log.Info().Str("topic", topic).Str("messageId", m.Header.MessageId.String()).Msg("log producer: publish")
	return nil
}

func (logProducer) PublishBatch(_ context.Context, topic string, msgs []message.Message) error {
	log.Info().Str("topic", topic).Int("count", len(msgs)).Msg("log producer: publish batch")
	return nil
}

func decodeJSONBody(req *http.Request, v any) error {
	defer req.Body.Close()
	return json.NewDecoder(req.Body).Decode(v)
}
