// Package config loads dispatcher configuration from a base TOML file,
// overlaid by environment variables, following the teacher's
// cmd/outbox/main.go getEnv/getEnvInt/getEnvDuration overlay pattern.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full process configuration: HTTP/health server, the
// dispatcher topology (channel + pump tuning), the outbox DSN and dialect,
// and sweep cadence.
type Config struct {
	HTTP   HTTPConfig   `toml:"http"`
	Pump   PumpConfig   `toml:"pump"`
	Outbox OutboxConfig `toml:"outbox"`
	Sweep  SweepConfig  `toml:"sweep"`
	Leader LeaderConfig `toml:"leader"`
}

// HTTPConfig configures the health/metrics server.
type HTTPConfig struct {
	Port int `toml:"port"`
}

// PumpConfig configures the MessagePump's channel and retry tuning. Topic,
// NATSStream and NATSConsumer are only consulted for the matching Channel
// value: Topic holds the SQS queue URL or the NATS subject the consumer
// filters on, NATSStream/NATSConsumer name the JetStream durable pull
// consumer to bind.
type PumpConfig struct {
	Channel                  string        `toml:"channel"` // "memory", "sqs", "nats"
	Topic                    string        `toml:"topic"`
	NATSStream               string        `toml:"nats_stream"`
	NATSConsumer             string        `toml:"nats_consumer"`
	TimeoutInMilliseconds    int           `toml:"timeout_ms"`
	RequeueCount             int           `toml:"requeue_count"`
	RequeueDelay             time.Duration `toml:"requeue_delay"`
	EmptyChannelDelay        time.Duration `toml:"empty_channel_delay"`
	UnacceptableMessageLimit int           `toml:"unacceptable_message_limit"`
}

// OutboxConfig configures the relational outbox store connection. Database
// is only consulted for the mongo dialect, where it names the database
// within the DSN's cluster the outbox collection lives in.
type OutboxConfig struct {
	Dialect  string `toml:"dialect"` // "postgres", "mysql", "mongo"
	DSN      string `toml:"dsn"`
	Table    string `toml:"table"`
	Database string `toml:"database"`
}

// SweepConfig configures the ExternalBusService's sweep cadence and mode.
type SweepConfig struct {
	Broker       string        `toml:"broker"` // "log", "sqs", "nats"
	Topic        string        `toml:"topic"`  // not read by cmd/outbox: each row is published to its own Header.Topic
	PollInterval time.Duration `toml:"poll_interval"`
	Amount       int           `toml:"amount"`
	MinimumAgeMs int64         `toml:"minimum_age_ms"`
	Async        bool          `toml:"async"`
	Bulk         bool          `toml:"bulk"`
}

// LeaderConfig configures the sweeper's optional Redis-backed leader lock.
type LeaderConfig struct {
	Enabled         bool          `toml:"enabled"`
	RedisURL        string        `toml:"redis_url"`
	LockName        string        `toml:"lock_name"`
	TTL             time.Duration `toml:"ttl"`
	RefreshInterval time.Duration `toml:"refresh_interval"`
}

// Default returns the baseline configuration before any file or
// environment overlay is applied.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{Port: 8080},
		Pump: PumpConfig{
			Channel:                  "memory",
			TimeoutInMilliseconds:    5000,
			RequeueCount:             5,
			RequeueDelay:             time.Second,
			EmptyChannelDelay:        500 * time.Millisecond,
			UnacceptableMessageLimit: 0,
		},
		Outbox: OutboxConfig{
			Dialect: "postgres",
			Table:   "outbox_messages",
		},
		Sweep: SweepConfig{
			Broker:       "log",
			PollInterval: time.Second,
			Amount:       500,
			MinimumAgeMs: 5000,
			Async:        true,
			Bulk:         true,
		},
		Leader: LeaderConfig{
			LockName:        "brighter:sweeper:leader",
			TTL:             30 * time.Second,
			RefreshInterval: 10 * time.Second,
		},
	}
}

// Load builds a Config from Default(), overlaid by path (if non-empty and
// present) and then by environment variables. Environment variables always
// win, matching the teacher's override order.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
			}
		}
	}

	cfg.HTTP.Port = getEnvInt("BRIGHTER_HTTP_PORT", cfg.HTTP.Port)

	cfg.Pump.Channel = getEnv("BRIGHTER_PUMP_CHANNEL", cfg.Pump.Channel)
	cfg.Pump.Topic = getEnv("BRIGHTER_PUMP_TOPIC", cfg.Pump.Topic)
	cfg.Pump.NATSStream = getEnv("BRIGHTER_PUMP_NATS_STREAM", cfg.Pump.NATSStream)
	cfg.Pump.NATSConsumer = getEnv("BRIGHTER_PUMP_NATS_CONSUMER", cfg.Pump.NATSConsumer)
	cfg.Pump.TimeoutInMilliseconds = getEnvInt("BRIGHTER_PUMP_TIMEOUT_MS", cfg.Pump.TimeoutInMilliseconds)
	cfg.Pump.RequeueCount = getEnvInt("BRIGHTER_PUMP_REQUEUE_COUNT", cfg.Pump.RequeueCount)
	cfg.Pump.RequeueDelay = getEnvDuration("BRIGHTER_PUMP_REQUEUE_DELAY", cfg.Pump.RequeueDelay)
	cfg.Pump.EmptyChannelDelay = getEnvDuration("BRIGHTER_PUMP_EMPTY_CHANNEL_DELAY", cfg.Pump.EmptyChannelDelay)
	cfg.Pump.UnacceptableMessageLimit = getEnvInt("BRIGHTER_PUMP_UNACCEPTABLE_LIMIT", cfg.Pump.UnacceptableMessageLimit)

	cfg.Outbox.Dialect = getEnv("BRIGHTER_OUTBOX_DIALECT", cfg.Outbox.Dialect)
	cfg.Outbox.DSN = getEnv("BRIGHTER_OUTBOX_DSN", cfg.Outbox.DSN)
	cfg.Outbox.Table = getEnv("BRIGHTER_OUTBOX_TABLE", cfg.Outbox.Table)
	cfg.Outbox.Database = getEnv("BRIGHTER_OUTBOX_DATABASE", cfg.Outbox.Database)

	cfg.Sweep.Broker = getEnv("BRIGHTER_SWEEP_BROKER", cfg.Sweep.Broker)
	cfg.Sweep.Topic = getEnv("BRIGHTER_SWEEP_TOPIC", cfg.Sweep.Topic)
	cfg.Sweep.PollInterval = getEnvDuration("BRIGHTER_SWEEP_POLL_INTERVAL", cfg.Sweep.PollInterval)
	cfg.Sweep.Amount = getEnvInt("BRIGHTER_SWEEP_AMOUNT", cfg.Sweep.Amount)
	cfg.Sweep.MinimumAgeMs = int64(getEnvInt("BRIGHTER_SWEEP_MINIMUM_AGE_MS", int(cfg.Sweep.MinimumAgeMs)))
	cfg.Sweep.Async = getEnvBool("BRIGHTER_SWEEP_ASYNC", cfg.Sweep.Async)
	cfg.Sweep.Bulk = getEnvBool("BRIGHTER_SWEEP_BULK", cfg.Sweep.Bulk)

	cfg.Leader.Enabled = getEnvBool("BRIGHTER_LEADER_ENABLED", cfg.Leader.Enabled)
	cfg.Leader.RedisURL = getEnv("BRIGHTER_LEADER_REDIS_URL", cfg.Leader.RedisURL)
	cfg.Leader.LockName = getEnv("BRIGHTER_LEADER_LOCK_NAME", cfg.Leader.LockName)
	cfg.Leader.TTL = getEnvDuration("BRIGHTER_LEADER_TTL", cfg.Leader.TTL)
	cfg.Leader.RefreshInterval = getEnvDuration("BRIGHTER_LEADER_REFRESH_INTERVAL", cfg.Leader.RefreshInterval)

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		return value == "true" || value == "1"
	}
	return defaultValue
}
