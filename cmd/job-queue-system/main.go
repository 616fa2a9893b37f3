// Copyright 2025 James Ross
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codeready-toolchain/waitingroom/internal/alerting"
	"github.com/codeready-toolchain/waitingroom/internal/bus"
	"github.com/codeready-toolchain/waitingroom/internal/config"
	"github.com/codeready-toolchain/waitingroom/internal/dispatcher"
	"github.com/codeready-toolchain/waitingroom/internal/events"
	"github.com/codeready-toolchain/waitingroom/internal/eventstore"
	"github.com/codeready-toolchain/waitingroom/internal/handlers"
	"github.com/codeready-toolchain/waitingroom/internal/httpapi"
	"github.com/codeready-toolchain/waitingroom/internal/lag"
	"github.com/codeready-toolchain/waitingroom/internal/obs"
	"github.com/codeready-toolchain/waitingroom/internal/outbox"
	"github.com/codeready-toolchain/waitingroom/internal/projection"
	"github.com/codeready-toolchain/waitingroom/internal/redisclient"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

var version = "dev"

// projectionQueueName is the durable AMQP queue name the projection
// worker binds, stable across restarts so a crashed worker's unacked
// redeliveries land on its replacement (§6 deployment boundary).
const projectionQueueName = "waiting_room_projection"

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: command|dispatcher|projection|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	db, err := sql.Open("postgres", cfg.EventStore.Connection)
	if err != nil {
		logger.Fatal("open event store connection failed", obs.Err(err))
	}
	defer db.Close()

	registry := events.NewRegistry()
	es := eventstore.New(db, registry)
	obStore := outbox.New(db)
	lagTracker := lag.NewTracker(db)
	es.SetLagTracker(lagTracker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	switch role {
	case "command":
		runEnsureSchema(ctx, logger, es.EnsureSchema, lagTracker.EnsureSchema)
		runCommandService(ctx, cfg, es, db, logger)
	case "dispatcher":
		runEnsureSchema(ctx, logger, es.EnsureSchema)
		runDispatcher(ctx, cfg, obStore, lagTracker, logger)
	case "projection":
		pstore := projection.NewStore(db)
		runEnsureSchema(ctx, logger, pstore.EnsureSchema)
		runProjectionWorker(ctx, cfg, es, pstore, lagTracker, logger)
	case "all":
		runEnsureSchema(ctx, logger, es.EnsureSchema, lagTracker.EnsureSchema)
		pstore := projection.NewStore(db)
		runEnsureSchema(ctx, logger, pstore.EnsureSchema)
		go runDispatcher(ctx, cfg, obStore, lagTracker, logger)
		go runProjectionWorker(ctx, cfg, es, pstore, lagTracker, logger)
		runCommandService(ctx, cfg, es, db, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func runEnsureSchema(ctx context.Context, logger *zap.Logger, fns ...func(context.Context) error) {
	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			logger.Fatal("ensure schema failed", obs.Err(err))
		}
	}
}

// runCommandService serves the write-side HTTP adapter plus the
// read-view query routes and health/metrics, all on cfg.HTTP.Addr
// (§6 deployment boundary: command service is one of three processes).
func runCommandService(ctx context.Context, cfg *config.Config, es *eventstore.Store, db *sql.DB, logger *zap.Logger) {
	commands := handlers.NewService(es)
	pstore := projection.NewStore(db)

	redisClient := redisclient.New(cfg.IdempotencyLedger)
	defer redisClient.Close()
	ledger := projection.NewLedger(redisClient, time.Hour)
	engine := projection.NewEngine(pstore, ledger, es, lag.NewTracker(db))

	readiness := func(c context.Context) error {
		return db.PingContext(c)
	}
	api := httpapi.New(commands, pstore, engine, logger, readiness)
	router := mux.NewRouter()
	api.RegisterRoutes(router)

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("command service listening", obs.String("addr", cfg.HTTP.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("command service failed", obs.Err(err))
	}
}

// runDispatcher runs the outbox dispatcher until ctx is cancelled.
func runDispatcher(ctx context.Context, cfg *config.Config, store *outbox.Store, lagTracker *lag.Tracker, logger *zap.Logger) {
	publisher, err := bus.NewAMQPPublisher(bus.Config{
		URL:          cfg.Bus.URL(),
		Exchange:     cfg.Bus.Exchange,
		ExchangeType: cfg.Bus.ExchangeType,
	})
	if err != nil {
		logger.Fatal("dispatcher: connect to bus failed", obs.Err(err))
	}
	defer publisher.Close()

	alerts := alerting.NewNotifier(os.Getenv("ALERT_WEBHOOK_URL"), os.Getenv("ALERT_WEBHOOK_SECRET"))

	d := dispatcher.New(store, publisher, lagTracker, alerts, logger, dispatcher.Config{
		PollInterval:            cfg.Outbox.PollingInterval(),
		BatchSize:               cfg.Outbox.BatchSize,
		MaxRetryAttempts:        cfg.Outbox.MaxRetryAttempts,
		BaseRetryDelay:          cfg.Outbox.BaseRetryDelay(),
		MaxRetryDelay:           cfg.Outbox.MaxRetryDelay(),
		WorkerCount:             4,
		BreakerWindow:           cfg.CircuitBreaker.Window,
		BreakerCooldown:         cfg.CircuitBreaker.CooldownPeriod,
		BreakerFailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		BreakerMinSamples:       cfg.CircuitBreaker.MinSamples,
	})

	if err := d.Run(ctx); err != nil {
		logger.Error("dispatcher stopped with error", obs.Err(err))
	}
}

// runProjectionWorker consumes published events and applies them to
// the read views, reconnecting with backoff whenever the bus
// connection drops (§7: the worker's loop, not Run itself, owns retry).
func runProjectionWorker(ctx context.Context, cfg *config.Config, es *eventstore.Store, pstore *projection.Store, lagTracker *lag.Tracker, logger *zap.Logger) {
	redisClient := redisclient.New(cfg.IdempotencyLedger)
	defer redisClient.Close()
	ledger := projection.NewLedger(redisClient, time.Hour)
	engine := projection.NewEngine(pstore, ledger, es, lagTracker)

	consumer := bus.NewAMQPConsumer(bus.Config{
		URL:          cfg.Bus.URL(),
		Exchange:     cfg.Bus.Exchange,
		ExchangeType: cfg.Bus.ExchangeType,
	}, projectionQueueName)

	registry := events.NewRegistry()
	handle := func(ctx context.Context, d bus.Delivery) error {
		payload, err := registry.Decode(d.EventName, d.Payload)
		if err != nil {
			return fmt.Errorf("projection worker: decode %q: %w", d.EventName, err)
		}
		e := events.Event{
			Name: d.EventName,
			Metadata: events.Metadata{
				EventID:    d.EventID,
				OccurredAt: d.OccurredAt,
			},
			Payload: payload,
		}
		return engine.Process(ctx, d.GlobalSeq, d.AggregateID, e)
	}

	backoffDelay := time.Second
	const maxBackoff = 30 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		logger.Info("projection worker connecting to bus")
		if err := consumer.Run(ctx, handle); err != nil {
			logger.Error("projection worker connection lost, retrying", obs.Err(err), obs.String("backoff", backoffDelay.String()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoffDelay):
			}
			backoffDelay *= 2
			if backoffDelay > maxBackoff {
				backoffDelay = maxBackoff
			}
			continue
		}
		return
	}
}
