package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/queue"
)

const envPrefix = "IMGDISPATCH"

// settings is the process configuration, read from IMGDISPATCH_* variables.
type settings struct {
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	Addr string `envconfig:"ADDR" default:":8080"`

	// AuditLog writes one audit record per lifecycle event to the log.
	AuditLog bool `envconfig:"AUDIT_LOG" default:"false"`

	Store       string `envconfig:"STORE" default:"memory"`
	Broker      string `envconfig:"BROKER" default:"memory"`
	RedisURL    string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	PostgresURL string `envconfig:"POSTGRES_URL" default:"postgres://localhost:5432/imgdispatch?sslmode=disable"`
	NatsURL     string `envconfig:"NATS_URL" default:"nats://127.0.0.1:4222"`
	NatsStream  string `envconfig:"NATS_STREAM" default:"IMGDISPATCH"`

	Storage        string `envconfig:"STORAGE" default:"local"`
	LocalRoot      string `envconfig:"LOCAL_ROOT" default:"./data"`
	MinioEndpoint  string `envconfig:"MINIO_ENDPOINT" default:"localhost:9000"`
	MinioBucket    string `envconfig:"MINIO_BUCKET" default:"imgdispatch"`
	MinioAccessKey string `envconfig:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `envconfig:"MINIO_SECRET_KEY"`
	MinioRegion    string `envconfig:"MINIO_REGION"`
	MinioSSL       bool   `envconfig:"MINIO_SSL" default:"false"`

	Concurrency       int           `envconfig:"CONCURRENCY" default:"4"`
	Queues            []string      `envconfig:"QUEUES" default:"high_priority,default"`
	MaxAttempts       int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	RetryBaseDelay    time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
	RetryMaxDelay     time.Duration `envconfig:"RETRY_MAX_DELAY" default:"1m"`
	RetryJitter       bool          `envconfig:"RETRY_JITTER" default:"false"`
	JobTimeout        time.Duration `envconfig:"JOB_TIMEOUT" default:"2m"`
	TickInterval      time.Duration `envconfig:"TICK_INTERVAL" default:"500ms"`
	RedeliverAfter    time.Duration `envconfig:"REDELIVER_AFTER" default:"5m"`
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"10s"`
	StaleJobThreshold time.Duration `envconfig:"STALE_JOB_THRESHOLD" default:"2m"`
	Timezone          string        `envconfig:"TIMEZONE" default:"UTC"`
	MaxImageDimension int           `envconfig:"MAX_IMAGE_DIMENSION" default:"10000"`

	// Per-queue limits applied to every consumed queue. Zero disables.
	QueueMaxConcurrency int     `envconfig:"QUEUE_MAX_CONCURRENCY" default:"0"`
	QueueRateLimit      float64 `envconfig:"QUEUE_RATE_LIMIT" default:"0"`
	QueueRateBurst      int     `envconfig:"QUEUE_RATE_BURST" default:"0"`
}

// loadSettings reads path (when it exists) into the environment and then
// processes the environment. Variables already set win over the file.
func loadSettings(path string) (settings, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return settings{}, fmt.Errorf("load %s: %w", path, err)
		}
	}

	var s settings
	if err := envconfig.Process(envPrefix, &s); err != nil {
		return settings{}, fmt.Errorf("read environment: %w", err)
	}
	return s, nil
}

// config projects the settings onto the engine configuration.
func (s settings) config() (imgdispatch.Config, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return imgdispatch.Config{}, fmt.Errorf("timezone %q: %w", s.Timezone, err)
	}

	cfg := imgdispatch.DefaultConfig()
	cfg.Concurrency = s.Concurrency
	cfg.Queues = s.Queues
	cfg.MaxAttempts = s.MaxAttempts
	cfg.RetryBaseDelay = s.RetryBaseDelay
	cfg.RetryMaxDelay = s.RetryMaxDelay
	cfg.RetryJitter = s.RetryJitter
	cfg.JobTimeout = s.JobTimeout
	cfg.TickInterval = s.TickInterval
	cfg.RedeliverAfter = s.RedeliverAfter
	cfg.ShutdownTimeout = s.ShutdownTimeout
	cfg.HeartbeatInterval = s.HeartbeatInterval
	cfg.StaleJobThreshold = s.StaleJobThreshold
	cfg.Location = loc
	cfg.MaxImageDimension = s.MaxImageDimension
	return cfg, cfg.Validate()
}

// queueConfigs returns the per-queue limits, or nil when none are set.
func (s settings) queueConfigs() []queue.Config {
	if s.QueueMaxConcurrency == 0 && s.QueueRateLimit == 0 {
		return nil
	}
	configs := make([]queue.Config, 0, len(s.Queues))
	for _, name := range s.Queues {
		configs = append(configs, queue.Config{
			Name:           name,
			MaxConcurrency: s.QueueMaxConcurrency,
			RateLimit:      s.QueueRateLimit,
			RateBurst:      s.QueueRateBurst,
		})
	}
	return configs
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(s settings) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", s.LogLevel, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(s.LogFormat) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("log format %q: want text or json", s.LogFormat)
	}
}
