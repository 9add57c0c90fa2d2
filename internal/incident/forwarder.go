package incident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/roach88/vigil/internal/ir"
	"github.com/roach88/vigil/internal/ledger"
	"github.com/roach88/vigil/internal/metrics"
	"github.com/roach88/vigil/internal/retry"
	"github.com/roach88/vigil/internal/store"
)

// Outbox is the queue the forwarder drains. *store.Store implements it.
type Outbox interface {
	DueOutbox(ctx context.Context, now time.Time, limit int) ([]store.OutboxEntry, error)
	MarkOutboxDelivered(ctx context.Context, seq int64, at time.Time) error
	MarkOutboxFailed(ctx context.Context, seq int64, next time.Time, cause string) error
	PendingOutbox(ctx context.Context) (int, error)
}

// ForwarderConfig tunes ledger delivery.
type ForwarderConfig struct {
	PollInterval    time.Duration
	BatchSize       int
	RatePerSecond   float64 // 0 = unlimited
	Burst           int
	Retry           retry.Policy
	BreakerFailures uint32        // consecutive failures that open the breaker
	BreakerTimeout  time.Duration // open -> half-open
}

// DefaultForwarderConfig returns the delivery settings used when none are
// configured.
func DefaultForwarderConfig() ForwarderConfig {
	return ForwarderConfig{
		PollInterval:    5 * time.Second,
		BatchSize:       100,
		RatePerSecond:   20,
		Burst:           5,
		Retry:           retry.Policy{Initial: time.Second, Max: 5 * time.Minute},
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// Forwarder delivers outbox entries to the ledger.
//
// Each entry carries its own idempotency key, so redelivery after a crash
// between the ledger call and MarkOutboxDelivered is harmless.
type Forwarder struct {
	outbox  Outbox
	client  ledger.Client
	cfg     ForwarderConfig
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	wake    chan struct{}
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// WithForwarderClock sets the forwarder's time source.
func WithForwarderClock(now func() time.Time) ForwarderOption {
	return func(f *Forwarder) { f.now = now }
}

// WithForwarderLogger sets the forwarder's logger.
func WithForwarderLogger(l *slog.Logger) ForwarderOption {
	return func(f *Forwarder) { f.logger = l }
}

// WithForwarderMetrics records delivery outcomes.
func WithForwarderMetrics(m *metrics.Metrics) ForwarderOption {
	return func(f *Forwarder) { f.metrics = m }
}

// NewForwarder creates a forwarder draining outbox into client.
func NewForwarder(outbox Outbox, client ledger.Client, cfg ForwarderConfig, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		outbox: outbox,
		client: client,
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	f.limiter = rate.NewLimiter(limit, burst)

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 1
	}
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ledger",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		// A permanent rejection is the ledger answering, not the ledger
		// being down.
		IsSuccessful: func(err error) bool {
			return err == nil || ledger.IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn("ledger breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return f
}

// Notify wakes Run without blocking.
func (f *Forwarder) Notify() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Run drains the outbox on every PollInterval and Notify until ctx is
// cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	interval := f.cfg.PollInterval
	if interval <= 0 {
		interval = DefaultForwarderConfig().PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := f.Drain(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warn("outbox drain failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-f.wake:
		}
	}
}

// Drain makes one delivery pass over due entries and returns how many were
// delivered. An open breaker ends the pass early without error.
func (f *Forwarder) Drain(ctx context.Context) (int, error) {
	entries, err := f.outbox.DueOutbox(ctx, f.now(), f.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("drain outbox: %w", err)
	}

	delivered := 0
	for _, e := range entries {
		if err := f.limiter.Wait(ctx); err != nil {
			return delivered, err
		}

		_, err := f.breaker.Execute(func() (interface{}, error) {
			return nil, f.deliver(ctx, e)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			f.logger.Debug("ledger breaker open, pausing delivery", "pending", len(entries)-delivered)
			break
		}
		f.metrics.ObserveDelivery(e.Kind, err)

		if err != nil {
			next := f.now().Add(f.retryDelay(e, err))
			f.logger.Warn("ledger delivery failed",
				"kind", e.Kind,
				"seq", e.Seq,
				"attempts", e.Attempts+1,
				"next_attempt_at", next,
				"error", err,
			)
			if markErr := f.outbox.MarkOutboxFailed(ctx, e.Seq, next, err.Error()); markErr != nil {
				return delivered, markErr
			}
			continue
		}

		if err := f.outbox.MarkOutboxDelivered(ctx, e.Seq, f.now()); err != nil {
			return delivered, err
		}
		delivered++
	}

	if pending, err := f.outbox.PendingOutbox(ctx); err == nil {
		f.metrics.SetOutboxPending(pending)
	}
	return delivered, nil
}

func (f *Forwarder) retryDelay(e store.OutboxEntry, err error) time.Duration {
	if ledger.IsPermanent(err) {
		return f.cfg.Retry.Max
	}
	return f.cfg.Retry.Delay(e.Attempts + 1)
}

func (f *Forwarder) deliver(ctx context.Context, e store.OutboxEntry) error {
	switch e.Kind {
	case store.OutboxIncident:
		var inc ir.Incident
		if err := json.Unmarshal(e.Payload, &inc); err != nil {
			return &ledger.Error{Op: "decode incident", Permanent: true, Err: err}
		}
		return f.client.SubmitIncident(ctx, e.IdempotencyKey, inc)
	case store.OutboxModule:
		var reg ledger.Registration
		if err := json.Unmarshal(e.Payload, &reg); err != nil {
			return &ledger.Error{Op: "decode registration", Permanent: true, Err: err}
		}
		return f.client.RegisterModule(ctx, e.IdempotencyKey, reg)
	default:
		return &ledger.Error{Op: "deliver", Permanent: true, Err: fmt.Errorf("unknown outbox kind %q", e.Kind)}
	}
}
