// Package config loads the process configuration from environment
// variables (with an optional YAML overlay), following the env-var
// contract fixed by the system's external interface: EVENT_STORE_CONNECTION,
// BUS_*, OUTBOX_*, and LOG_LEVEL.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EventStore names the connection to the Postgres-backed event log and
// outbox.
type EventStore struct {
	Connection string `mapstructure:"connection"`
}

// Bus names the AMQP broker the dispatcher publishes to.
type Bus struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	VHost        string `mapstructure:"vhost"`
	Exchange     string `mapstructure:"exchange"`
	ExchangeType string `mapstructure:"exchange_type"`
}

// URL renders the AMQP connection string for amqp.Dial.
func (b Bus) URL() string {
	vhost := b.VHost
	if vhost == "/" || vhost == "" {
		vhost = ""
	} else if !strings.HasPrefix(vhost, "/") {
		vhost = "/" + vhost
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s", b.User, b.Password, b.Host, b.Port, vhost)
}

// Outbox parameterizes the dispatcher's poll/retry loop.
type Outbox struct {
	PollingIntervalSeconds int `mapstructure:"polling_interval_seconds"`
	BatchSize              int `mapstructure:"batch_size"`
	MaxRetryAttempts       int `mapstructure:"max_retry_attempts"`
	BaseRetryDelaySeconds  int `mapstructure:"base_retry_delay_seconds"`
	MaxRetryDelaySeconds   int `mapstructure:"max_retry_delay_seconds"`
}

func (o Outbox) PollingInterval() time.Duration {
	return time.Duration(o.PollingIntervalSeconds) * time.Second
}

func (o Outbox) BaseRetryDelay() time.Duration {
	return time.Duration(o.BaseRetryDelaySeconds) * time.Second
}

func (o Outbox) MaxRetryDelay() time.Duration {
	return time.Duration(o.MaxRetryDelaySeconds) * time.Second
}

// IdempotencyLedger names the Redis instance backing the projection
// engine's per-projection idempotency ledger.
type IdempotencyLedger struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CircuitBreaker parameterizes the breaker wrapped around the
// dispatcher's bus-publish calls.
type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// HTTP names the bind address for the command/query/health HTTP adapter.
type HTTP struct {
	Addr string `mapstructure:"addr"`
}

type Config struct {
	EventStore        EventStore        `mapstructure:"event_store"`
	Bus                Bus               `mapstructure:"bus"`
	Outbox             Outbox            `mapstructure:"outbox"`
	IdempotencyLedger  IdempotencyLedger `mapstructure:"idempotency_ledger"`
	CircuitBreaker     CircuitBreaker    `mapstructure:"circuit_breaker"`
	HTTP               HTTP              `mapstructure:"http"`
	LogLevel           string            `mapstructure:"log_level"`
}

func defaultConfig() *Config {
	return &Config{
		EventStore: EventStore{
			Connection: "postgres://localhost:5432/waitingroom?sslmode=disable",
		},
		Bus: Bus{
			Host:         "localhost",
			Port:         5672,
			User:         "guest",
			Password:     "guest",
			VHost:        "/",
			Exchange:     "waiting_room_events",
			ExchangeType: "topic",
		},
		Outbox: Outbox{
			PollingIntervalSeconds: 5,
			BatchSize:              100,
			MaxRetryAttempts:       5,
			BaseRetryDelaySeconds:  30,
			MaxRetryDelaySeconds:   3600,
		},
		IdempotencyLedger: IdempotencyLedger{
			Addr: "localhost:6379",
			DB:   0,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       5,
		},
		HTTP: HTTP{
			Addr: ":8080",
		},
		LogLevel: "info",
	}
}

// Load reads configuration from an optional YAML file, then applies the
// EVENT_STORE_CONNECTION / BUS_* / OUTBOX_* / LOG_LEVEL environment
// variables named in the external interface contract, env taking
// precedence over file and both taking precedence over the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("event_store.connection", def.EventStore.Connection)
	v.SetDefault("bus.host", def.Bus.Host)
	v.SetDefault("bus.port", def.Bus.Port)
	v.SetDefault("bus.user", def.Bus.User)
	v.SetDefault("bus.password", def.Bus.Password)
	v.SetDefault("bus.vhost", def.Bus.VHost)
	v.SetDefault("bus.exchange", def.Bus.Exchange)
	v.SetDefault("bus.exchange_type", def.Bus.ExchangeType)
	v.SetDefault("outbox.polling_interval_seconds", def.Outbox.PollingIntervalSeconds)
	v.SetDefault("outbox.batch_size", def.Outbox.BatchSize)
	v.SetDefault("outbox.max_retry_attempts", def.Outbox.MaxRetryAttempts)
	v.SetDefault("outbox.base_retry_delay_seconds", def.Outbox.BaseRetryDelaySeconds)
	v.SetDefault("outbox.max_retry_delay_seconds", def.Outbox.MaxRetryDelaySeconds)
	v.SetDefault("idempotency_ledger.addr", def.IdempotencyLedger.Addr)
	v.SetDefault("idempotency_ledger.db", def.IdempotencyLedger.DB)
	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)
	v.SetDefault("http.addr", def.HTTP.Addr)
	v.SetDefault("log_level", def.LogLevel)

	// Bind the literal env var names the external interface contract
	// fixes, since AutomaticEnv alone only matches the replacer's output
	// and these names don't all round-trip through a "." -> "_" mapping.
	_ = v.BindEnv("event_store.connection", "EVENT_STORE_CONNECTION")
	_ = v.BindEnv("bus.host", "BUS_HOST")
	_ = v.BindEnv("bus.port", "BUS_PORT")
	_ = v.BindEnv("bus.user", "BUS_USER")
	_ = v.BindEnv("bus.password", "BUS_PASSWORD")
	_ = v.BindEnv("bus.vhost", "BUS_VHOST")
	_ = v.BindEnv("bus.exchange", "BUS_EXCHANGE")
	_ = v.BindEnv("bus.exchange_type", "BUS_EXCHANGE_TYPE")
	_ = v.BindEnv("outbox.polling_interval_seconds", "OUTBOX_POLLING_INTERVAL_SECONDS")
	_ = v.BindEnv("outbox.batch_size", "OUTBOX_BATCH_SIZE")
	_ = v.BindEnv("outbox.max_retry_attempts", "OUTBOX_MAX_RETRY_ATTEMPTS")
	_ = v.BindEnv("outbox.base_retry_delay_seconds", "OUTBOX_BASE_RETRY_DELAY_SECONDS")
	_ = v.BindEnv("outbox.max_retry_delay_seconds", "OUTBOX_MAX_RETRY_DELAY_SECONDS")
	_ = v.BindEnv("log_level", "LOG_LEVEL")

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints, matching the bounds implied by
// the external interface's parameter defaults and the dispatcher's
// operating assumptions.
func Validate(cfg *Config) error {
	if cfg.EventStore.Connection == "" {
		return fmt.Errorf("event_store.connection must not be empty")
	}
	if cfg.Outbox.PollingIntervalSeconds <= 0 {
		return fmt.Errorf("outbox.polling_interval_seconds must be > 0")
	}
	if cfg.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox.batch_size must be > 0")
	}
	if cfg.Outbox.MaxRetryAttempts <= 0 {
		return fmt.Errorf("outbox.max_retry_attempts must be > 0")
	}
	if cfg.Outbox.BaseRetryDelaySeconds <= 0 {
		return fmt.Errorf("outbox.base_retry_delay_seconds must be > 0")
	}
	if cfg.Outbox.MaxRetryDelaySeconds < cfg.Outbox.BaseRetryDelaySeconds {
		return fmt.Errorf("outbox.max_retry_delay_seconds must be >= base_retry_delay_seconds")
	}
	if cfg.Bus.Exchange == "" {
		return fmt.Errorf("bus.exchange must not be empty")
	}
	if cfg.CircuitBreaker.FailureThreshold <= 0 || cfg.CircuitBreaker.FailureThreshold > 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be in (0,1]")
	}
	if cfg.CircuitBreaker.MinSamples <= 0 {
		return fmt.Errorf("circuit_breaker.min_samples must be > 0")
	}
	return nil
}
