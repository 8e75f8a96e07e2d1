// Command pump runs the MessagePump side of the dispatcher: it consumes
// from one channel, maps each delivery to a registered request type, and
// dispatches through an in-process command/event registry. A second binary,
// cmd/outbox, runs the ExternalBusService (sweeper) side against the
// relational outbox a handler here would write to in the same transaction
// as its business change.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/preardon/brighter-go/internal/channel"
	"github.com/preardon/brighter-go/internal/channel/memory"
	channelnats "github.com/preardon/brighter-go/internal/channel/nats"
	channelsqs "github.com/preardon/brighter-go/internal/channel/sqs"
	"github.com/preardon/brighter-go/internal/config"
	"github.com/preardon/brighter-go/internal/dispatch"
	"github.com/preardon/brighter-go/internal/health"
	"github.com/preardon/brighter-go/internal/lifecycle"
	"github.com/preardon/brighter-go/internal/mapper"
	"github.com/preardon/brighter-go/internal/message"
	"github.com/preardon/brighter-go/internal/pump"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// OrderCreated is the sample event this binary registers, standing in for a
// host application's own request types. Real deployments replace this
// registration with their own mapper.RegisterSync/RegisterAsync calls.
type OrderCreated struct {
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
	TotalCents int64  `json:"totalCents"`
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if os.Getenv("BRIGHTER_DEV") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	log.Info().
		Str("version", version).
		Str("build_time", buildTime).
		Str("component", "pump").
		Msg("starting brighter-go message pump")

	cfg, err := config.Load(os.Getenv("BRIGHTER_CONFIG_FILE"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthChecker := health.NewChecker()

	ch, err := buildChannel(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build channel")
	}
	healthChecker.AddReadinessCheck("channel", health.ChannelCheck(func() error { return nil }))

	registry := mapper.NewRegistry()
	if err := mapper.RegisterSync[OrderCreated](registry, encodeOrderCreated, decodeOrderCreated); err != nil {
		log.Fatal().Err(err).Msg("failed to register OrderCreated mapper")
	}
	unmarshal := mapper.Bind[OrderCreated](registry)

	processor := dispatch.NewRegistry()
	dispatch.RegisterEvent(processor, handleOrderCreated)

	p := pump.New(ch, unmarshal, processor, pump.Config{
		TimeoutInMilliseconds:    cfg.Pump.TimeoutInMilliseconds,
		RequeueCount:             cfg.Pump.RequeueCount,
		RequeueDelay:             cfg.Pump.RequeueDelay,
		EmptyChannelDelay:        cfg.Pump.EmptyChannelDelay,
		UnacceptableMessageLimit: cfg.Pump.UnacceptableMessageLimit,
		Dispatch:                 pump.DispatchPublish,
	})

	pumpErrCh := make(chan error, 1)
	go func() {
		pumpErrCh <- p.Run(ctx)
	}()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.HTTP.Port).Msg("pump http server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("pump http server failed")
		}
	}()

	manager := lifecycle.NewManager()
	manager.RegisterHTTPShutdown("http", server.Shutdown)
	manager.RegisterPumpShutdown("pump", func(context.Context) error {
		cancel()
		select {
		case <-pumpErrCh:
		case <-time.After(10 * time.Second):
		}
		return ch.Dispose()
	})

	manager.WaitForSignal()
	if err := manager.Execute(); err != nil {
		log.Error().Err(err).Msg("shutdown did not complete cleanly")
	}
	log.Info().Msg("pump stopped")
}

// buildChannel selects the Channel implementation the pump consumes from,
// according to cfg.Pump.Channel. "memory" needs no broker and is the
// zero-config default; sqs/nats require cfg.Pump.Topic (queue URL or
// subject) and, for nats, an existing JetStream stream/consumer pair.
func buildChannel(ctx context.Context, cfg config.Config) (channel.Channel, error) {
	switch cfg.Pump.Channel {
	case "", "memory":
		return memory.New("pump"), nil

	case "sqs":
		if cfg.Pump.Topic == "" {
			return nil, fmt.Errorf("pump: sqs channel requires BRIGHTER_PUMP_TOPIC (queue URL)")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsSQSCredentialsOption())
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := sqs.NewFromConfig(awsCfg)
		return channelsqs.New(client, "pump", channelsqs.Config{QueueURL: cfg.Pump.Topic}, nil), nil

	case "nats":
		if cfg.Pump.Topic == "" || cfg.Pump.NATSStream == "" || cfg.Pump.NATSConsumer == "" {
			return nil, fmt.Errorf("pump: nats channel requires BRIGHTER_PUMP_TOPIC, BRIGHTER_PUMP_NATS_STREAM and BRIGHTER_PUMP_NATS_CONSUMER")
		}
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
		stream, err := js.Stream(ctx, cfg.Pump.NATSStream)
		if err != nil {
			return nil, fmt.Errorf("nats stream %q: %w", cfg.Pump.NATSStream, err)
		}
		consumer, err := stream.Consumer(ctx, cfg.Pump.NATSConsumer)
		if err != nil {
			return nil, fmt.Errorf("nats consumer %q: %w", cfg.Pump.NATSConsumer, err)
		}
		return channelnats.New(consumer, "pump", nil), nil

	default:
		return nil, fmt.Errorf("pump: unsupported channel %q", cfg.Pump.Channel)
	}
}

// awsSQSCredentialsOption lets an operator pin static credentials for local
// testing against a non-AWS SQS-compatible endpoint; in every other case the
// SDK's default credential chain (env, shared config, instance role) applies.
func awsSQSCredentialsOption() func(*awsconfig.LoadOptions) error {
	accessKey := os.Getenv("BRIGHTER_PUMP_SQS_ACCESS_KEY")
	secretKey := os.Getenv("BRIGHTER_PUMP_SQS_SECRET_KEY")
	if accessKey == "" || secretKey == "" {
		return func(*awsconfig.LoadOptions) error { return nil }
	}
	return awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""))
}

func encodeOrderCreated(req OrderCreated, pub mapper.Publication) (message.Message, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return message.Message{}, fmt.Errorf("encode OrderCreated: %w", err)
	}
	m := message.New(pub.Topic, message.MTEvent, message.Body{Value: body, ContentType: "application/json"})
	m.Header.HeaderBag = pub.Headers
	return m, nil
}

func decodeOrderCreated(m message.Message) (OrderCreated, error) {
	var req OrderCreated
	if err := json.Unmarshal(m.Body.Value, &req); err != nil {
		return OrderCreated{}, fmt.Errorf("decode OrderCreated: %w", err)
	}
	return req, nil
}

func handleOrderCreated(_ context.Context, req OrderCreated) error {
	log.Info().Str("orderId", req.OrderID).Str("customerId", req.CustomerID).Int64("totalCents", req.TotalCents).Msg("order created event handled")
	return nil
}
