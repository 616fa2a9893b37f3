// Copyright 2025 James Ross

// Package dispatcher implements the outbox dispatcher (§4.3): it polls
// Pending outbox rows, publishes each to the bus behind a circuit
// breaker, and records the outcome back onto the outbox row with
// exponential backoff, moving an entry to Failed-Poison and alerting
// once its retries are exhausted.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codeready-toolchain/waitingroom/internal/alerting"
	"github.com/codeready-toolchain/waitingroom/internal/breaker"
	"github.com/codeready-toolchain/waitingroom/internal/bus"
	"github.com/codeready-toolchain/waitingroom/internal/lag"
	"github.com/codeready-toolchain/waitingroom/internal/obs"
	"github.com/codeready-toolchain/waitingroom/internal/outbox"
	"go.uber.org/zap"
)

// Config parameterizes the poll/retry loop. Every field except
// WorkerCount mirrors a field of config.Outbox or config.CircuitBreaker
// so callers can wire it straight off the loaded process config;
// WorkerCount has no config counterpart and is set by the caller.
type Config struct {
	PollInterval     time.Duration
	BatchSize        int
	MaxRetryAttempts int
	BaseRetryDelay   time.Duration
	MaxRetryDelay    time.Duration
	WorkerCount      int

	BreakerWindow           time.Duration
	BreakerCooldown         time.Duration
	BreakerFailureThreshold float64
	BreakerMinSamples       int
}

// Dispatcher polls Config-batch-sized pages of Pending outbox entries
// and publishes them, one aggregate's worth of ordering not required
// since publish order within a batch is not a correctness dependency
// (§4.3: "FIFO by occurredAt within a batch; no strict global ordering
// guarantee across batches").
type Dispatcher struct {
	store     *outbox.Store
	publisher bus.Publisher
	lag       *lag.Tracker
	alerts    *alerting.Notifier
	log       *zap.Logger
	cb        *breaker.PublishBreaker
	cfg       Config
}

func New(store *outbox.Store, publisher bus.Publisher, lagTracker *lag.Tracker, alerts *alerting.Notifier, log *zap.Logger, cfg Config) *Dispatcher {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	cb := breaker.New(cfg.BreakerWindow, cfg.BreakerCooldown, cfg.BreakerFailureThreshold, cfg.BreakerMinSamples)
	return &Dispatcher{store: store, publisher: publisher, lag: lagTracker, alerts: alerts, log: log, cb: cb, cfg: cfg}
}

// Run blocks, polling every PollInterval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("starting outbox dispatcher",
		obs.String("poll_interval", d.cfg.PollInterval.String()),
		obs.Int("batch_size", d.cfg.BatchSize),
		obs.Int("worker_count", d.cfg.WorkerCount))

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	go d.watchBreakerState(ctx)

	for {
		select {
		case <-ctx.Done():
			d.log.Info("outbox dispatcher stopping")
			return nil
		case <-ticker.C:
			if err := d.pollOnce(ctx); err != nil {
				d.log.Error("dispatcher poll cycle failed", obs.Err(err))
			}
		}
	}
}

func (d *Dispatcher) watchBreakerState(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch d.cb.State() {
			case breaker.Closed:
				obs.CircuitBreakerState.Set(0)
			case breaker.HalfOpen:
				obs.CircuitBreakerState.Set(1)
			case breaker.Open:
				obs.CircuitBreakerState.Set(2)
			}
		}
	}
}

// pollOnce fetches one due batch and publishes it concurrently, up to
// WorkerCount at a time, grounded on the worker-pool shape in this
// system's outbox-processor lineage.
func (d *Dispatcher) pollOnce(ctx context.Context) error {
	entries, err := d.store.FetchPending(ctx, time.Now().UTC(), d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("dispatcher: fetch pending: %w", err)
	}
	obs.OutboxDepth.Set(float64(len(entries)))
	if len(entries) == 0 {
		return nil
	}

	workers := d.cfg.WorkerCount
	if workers > len(entries) {
		workers = len(entries)
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(entry outbox.Entry) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			d.publishOne(ctx, entry)
		}(e)
	}
	wg.Wait()
	return nil
}

// publishOne publishes a single entry, allowing the circuit breaker to
// short-circuit the network call while it is Open and recording the
// outcome against it either way.
func (d *Dispatcher) publishOne(ctx context.Context, entry outbox.Entry) {
	if !d.cb.Allow() {
		d.log.Warn("circuit breaker open, deferring publish", obs.String("event_id", entry.EventID))
		return
	}

	start := time.Now()
	err := d.publisher.Publish(ctx, entry)
	d.cb.Record(err == nil)

	if err != nil {
		obs.OutboxFailed.WithLabelValues(entry.EventName).Inc()
		d.handleFailure(ctx, entry, err)
		return
	}

	obs.OutboxDispatched.WithLabelValues(entry.EventName).Inc()
	obs.DispatchLatency.Observe(time.Since(entry.OccurredAt).Seconds())
	if err := d.store.MarkDispatched(ctx, []string{entry.EventID}); err != nil {
		d.log.Error("mark dispatched failed", obs.String("event_id", entry.EventID), obs.Err(err))
		return
	}
	if d.lag != nil {
		if err := d.lag.RecordPublished(ctx, entry.EventID, start); err != nil {
			d.log.Error("record lag published failed", obs.String("event_id", entry.EventID), obs.Err(err))
		}
	}
}

// handleFailure records the failed attempt, computing the exponential
// backoff §4.3 specifies (baseRetryDelay * 2^attempts, capped at
// maxRetryDelay) and poisoning the entry once attempts reaches
// MaxRetryAttempts. A poisoned entry fires a best-effort alert.
func (d *Dispatcher) handleFailure(ctx context.Context, entry outbox.Entry, cause error) {
	retryDelay := d.backoff(entry.Attempts + 1)
	poisoned := entry.Attempts+1 >= d.cfg.MaxRetryAttempts

	if err := d.store.MarkFailed(ctx, entry.EventID, entry.Attempts, d.cfg.MaxRetryAttempts, retryDelay, cause); err != nil {
		d.log.Error("mark failed failed", obs.String("event_id", entry.EventID), obs.Err(err))
		return
	}

	if !poisoned {
		d.log.Warn("publish failed, will retry",
			obs.String("event_id", entry.EventID),
			obs.Int("attempts", entry.Attempts+1),
			obs.Err(cause))
		return
	}

	obs.OutboxPoisoned.WithLabelValues(entry.EventName).Inc()
	d.log.Error("event moved to Failed-Poison, retries exhausted",
		obs.String("event_id", entry.EventID),
		obs.Int("attempts", entry.Attempts+1),
		obs.Err(cause))

	alert := alerting.PoisonAlert{
		EventID:    entry.EventID,
		EventName:  entry.EventName,
		Attempts:   entry.Attempts + 1,
		LastError:  cause.Error(),
		OccurredAt: entry.OccurredAt,
	}
	if err := d.alerts.Notify(ctx, alert); err != nil {
		d.log.Warn("poison alert delivery failed", obs.String("event_id", entry.EventID), obs.Err(err))
	}
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return d.cfg.BaseRetryDelay
	}
	delay := d.cfg.BaseRetryDelay * time.Duration(uint64(1)<<uint(attempts-1))
	if delay > d.cfg.MaxRetryDelay || delay <= 0 {
		return d.cfg.MaxRetryDelay
	}
	return delay
}
