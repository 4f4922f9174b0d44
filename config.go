package conveyor

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Defaults for the tunables in Config.
const (
	DefaultPeriodicInterval = 30 * time.Second
	DefaultResultsMaxAge    = 24 * time.Hour
	DefaultRequestMaxAge    = 5 * time.Minute
	DefaultRequestTimeout   = 60 * time.Second
	DefaultRequestRetries   = 3

	// DefaultOutboxGrace keeps the dispatcher away from rows the post-commit
	// fast path is still racing to publish.
	DefaultOutboxGrace = 5 * time.Second

	// DefaultDispatchBatch bounds one outbox scan.
	DefaultDispatchBatch = 100
)

// Config carries every conveyor tunable. Namespace is required; everything
// else has a default applied by withDefaults.
type Config struct {
	// Namespace isolates this instance's results/outbox rows from other
	// instances sharing the database.
	Namespace string

	// SubjectPrefix is prepended to every queue subject and request path
	// on the wire.
	SubjectPrefix string

	// StreamNamePrefix and ConsumerNamePrefix name the durable stream and
	// consumer backing each queue.
	StreamNamePrefix   string
	ConsumerNamePrefix string

	// InboxAddress is the process-unique reply subject root. Defaults to
	// "inbox.<random uuid>".
	InboxAddress string

	// PeriodicInterval paces the outbox dispatcher and result reaper.
	PeriodicInterval time.Duration

	// ResultsMaxAge bounds how long result rows are kept for idempotency.
	ResultsMaxAge time.Duration

	// RequestMaxAge is the bus-level msgID dedup window for republished
	// requests.
	RequestMaxAge time.Duration

	// OutboxGrace is how old an outbox row must be before the dispatcher
	// considers it (sidestepping the fast-path race).
	OutboxGrace time.Duration

	// DispatchBatch caps rows per dispatcher scan.
	DispatchBatch int

	// RequestTimeout and RequestRetries are the client-call defaults.
	RequestTimeout time.Duration
	RequestRetries int

	// Logger is the root logger; components derive their own with a
	// "component" field. Zero value logs nowhere.
	Logger zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.SubjectPrefix != "" && !strings.HasSuffix(c.SubjectPrefix, ".") {
		c.SubjectPrefix += "."
	}
	if c.InboxAddress == "" {
		c.InboxAddress = "inbox." + uuid.NewString()
	}
	if c.PeriodicInterval <= 0 {
		c.PeriodicInterval = DefaultPeriodicInterval
	}
	if c.ResultsMaxAge <= 0 {
		c.ResultsMaxAge = DefaultResultsMaxAge
	}
	if c.RequestMaxAge <= 0 {
		c.RequestMaxAge = DefaultRequestMaxAge
	}
	if c.OutboxGrace <= 0 {
		c.OutboxGrace = DefaultOutboxGrace
	}
	if c.DispatchBatch <= 0 {
		c.DispatchBatch = DefaultDispatchBatch
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RequestRetries <= 0 {
		c.RequestRetries = DefaultRequestRetries
	}
	return c
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Namespace) == "" {
		return fmt.Errorf("missing Namespace: required to partition results/outbox rows")
	}
	return nil
}

// FromEnv loads a Config from CONVEYOR_* environment variables (reading a
// .env file first when present).
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Namespace:          getEnv("CONVEYOR_NAMESPACE", ""),
		SubjectPrefix:      getEnv("CONVEYOR_SUBJECT_PREFIX", ""),
		StreamNamePrefix:   getEnv("CONVEYOR_STREAM_PREFIX", ""),
		ConsumerNamePrefix: getEnv("CONVEYOR_CONSUMER_PREFIX", ""),
		InboxAddress:       getEnv("CONVEYOR_INBOX_ADDRESS", ""),
		PeriodicInterval:   getDuration("CONVEYOR_PERIODIC_INTERVAL", DefaultPeriodicInterval),
		ResultsMaxAge:      getDuration("CONVEYOR_RESULTS_MAX_AGE", DefaultResultsMaxAge),
		RequestMaxAge:      getDuration("CONVEYOR_REQUEST_MAX_AGE", DefaultRequestMaxAge),
		OutboxGrace:        getDuration("CONVEYOR_OUTBOX_GRACE", DefaultOutboxGrace),
		DispatchBatch:      getInt("CONVEYOR_DISPATCH_BATCH", DefaultDispatchBatch),
		RequestTimeout:     getDuration("CONVEYOR_REQUEST_TIMEOUT", DefaultRequestTimeout),
		RequestRetries:     getInt("CONVEYOR_REQUEST_RETRIES", DefaultRequestRetries),
		Logger:             DefaultLogger(),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultLogger builds a zerolog logger from LOG_LEVEL and LOG_FORMAT
// ("json" or "console", console by default), writing to stdout.
func DefaultLogger() zerolog.Logger {
	return LoggerWithWriter(os.Stdout)
}

// LoggerWithWriter is DefaultLogger with an explicit sink (tests pass
// io.Discard).
func LoggerWithWriter(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}

	if getEnv("LOG_FORMAT", "console") == "json" {
		return zerolog.New(w).With().Timestamp().Logger().Level(level)
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger().Level(level)
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
