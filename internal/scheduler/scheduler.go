// Package scheduler decides when each daemon instance runs and over which
// blocks.
//
// Each tick reads the chain head and, for every idle instance that is due,
// dispatches one run over [cursor, head] to a bounded worker pool. The
// scheduler is the only writer of cursors: a successful run advances the
// cursor to the end of its window, a failed run leaves it untouched and
// puts the instance into exponential backoff. After MaxRetries consecutive
// failures the instance is degraded and waits for an operator
// acknowledgement.
//
// Instance state lives in instance_status. A worker owns its instance's
// status until the run completes; Tick never touches an instance with a
// run in flight. A persisted "running" state with no run in flight means the
// host restarted mid-run, and the instance is treated as idle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/roach88/vigil/internal/chaindata"
	"github.com/roach88/vigil/internal/cursor"
	"github.com/roach88/vigil/internal/ir"
	"github.com/roach88/vigil/internal/logging"
	"github.com/roach88/vigil/internal/metrics"
	"github.com/roach88/vigil/internal/retry"
	"github.com/roach88/vigil/internal/sandbox"
	"github.com/roach88/vigil/internal/store"
)

// ErrorClassInternal marks a host contract violation, such as a cursor
// regression.
const ErrorClassInternal = "internal"

// Store is the host-store surface the scheduler needs. *store.Store
// implements it.
type Store interface {
	ListActiveInstances(ctx context.Context) ([]ir.DaemonInstance, error)
	GetModule(ctx context.Context, id string) (ir.DaemonModule, error)
	GetInstanceStatus(ctx context.Context, instanceID string) (ir.InstanceStatus, error)
	PutInstanceStatus(ctx context.Context, st ir.InstanceStatus) error
	AppendExecution(ctx context.Context, rec ir.ExecutionRecord) error
}

// Cursors reads and advances cursors. *cursor.Store implements it.
type Cursors interface {
	Get(ctx context.Context, instanceID string) (uint64, error)
	Advance(ctx context.Context, instanceID string, newLast uint64) error
}

// Executor runs a job. *sandbox.Runtime implements it.
type Executor interface {
	Run(ctx context.Context, job sandbox.Job, budget sandbox.Budget) ir.ExecutionRecord
}

// ChainHead reports the latest indexed block. chaindata.Source implements
// it.
type ChainHead interface {
	LatestBlock(ctx context.Context) (uint64, error)
}

// Config tunes scheduling.
type Config struct {
	TickInterval    time.Duration
	MaxConcurrency  int64
	MaxRetries      int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	MaxWindowBlocks uint64 // 0 = up to the chain head
	Budget          sandbox.Budget
}

// DefaultConfig returns the scheduler settings used when none are
// configured.
func DefaultConfig() Config {
	return Config{
		TickInterval:    2 * time.Second,
		MaxConcurrency:  8,
		MaxRetries:      5,
		InitialBackoff:  time.Second,
		MaxBackoff:      5 * time.Minute,
		MaxWindowBlocks: 1000,
		Budget:          sandbox.DefaultBudget(),
	}
}

// Scheduler runs daemon instances.
type Scheduler struct {
	store   Store
	cursors Cursors
	exec    Executor
	chain   ChainHead
	cfg     Config
	backoff retry.Policy
	sem     *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
	notify   chan struct{}

	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the scheduler's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the scheduler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics records runs, cursors and instance states.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a scheduler.
func New(st Store, cursors Cursors, exec Executor, chain ChainHead, cfg Config, opts ...Option) *Scheduler {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	s := &Scheduler{
		store:    st,
		cursors:  cursors,
		exec:     exec,
		chain:    chain,
		cfg:      cfg,
		backoff:  retry.Policy{Initial: cfg.InitialBackoff, Max: cfg.MaxBackoff},
		sem:      semaphore.NewWeighted(cfg.MaxConcurrency),
		inflight: make(map[string]bool),
		notify:   make(chan struct{}, 1),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify asks Run to tick now, typically because a new block arrived.
func (s *Scheduler) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Run ticks on TickInterval and on Notify until ctx is cancelled, then
// waits for in-flight runs.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = DefaultConfig().TickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "tick_interval", interval, "max_concurrency", s.cfg.MaxConcurrency)
	for {
		if err := s.Tick(ctx, s.now()); err != nil && ctx.Err() == nil {
			s.logger.Warn("tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		case <-s.notify:
		}
	}
}

// Wait blocks until all dispatched runs have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Tick dispatches every due instance with a non-empty window. It never
// waits for a worker: when the pool is full, the remaining instances are
// picked up by a later tick.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	s.metrics.Tick()

	instances, err := s.store.ListActiveInstances(ctx)
	if err != nil {
		return fmt.Errorf("tick: %w", err)
	}
	latest, err := s.chain.LatestBlock(ctx)
	if errors.Is(err, chaindata.ErrNoBlocks) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("tick: latest block: %w", err)
	}
	s.metrics.SetChainHead(latest)

	states := make(map[ir.InstanceState]int)
	defer func() { s.metrics.SetInstanceStates(states) }()

	for _, inst := range instances {
		if s.isInflight(inst.ID) {
			states[ir.StateRunning]++
			continue
		}

		status, err := s.status(ctx, inst.ID)
		if err != nil {
			return fmt.Errorf("tick: %w", err)
		}
		if !s.due(status, now) {
			states[status.State]++
			continue
		}

		next, err := s.cursors.Get(ctx, inst.ID)
		if err != nil {
			return fmt.Errorf("tick: %w", err)
		}
		window := s.window(next, latest)
		if window.Empty() {
			states[status.State]++
			continue
		}

		if !s.sem.TryAcquire(1) {
			states[status.State]++
			continue
		}
		if err := s.dispatch(ctx, inst, window, status); err != nil {
			s.sem.Release(1)
			return fmt.Errorf("tick: %w", err)
		}
		states[ir.StateRunning]++
	}
	return nil
}

// status returns the persisted status, defaulting to idle.
func (s *Scheduler) status(ctx context.Context, instanceID string) (ir.InstanceStatus, error) {
	st, err := s.store.GetInstanceStatus(ctx, instanceID)
	if errors.Is(err, store.ErrNotFound) {
		return ir.InstanceStatus{InstanceID: instanceID, State: ir.StateIdle}, nil
	}
	return st, err
}

func (s *Scheduler) due(st ir.InstanceStatus, now time.Time) bool {
	switch st.State {
	case ir.StateDegraded:
		return false
	case ir.StateBackoff:
		return st.NextAttemptAt == nil || !now.Before(*st.NextAttemptAt)
	default:
		// idle, or running left over from a restart
		return true
	}
}

func (s *Scheduler) window(next, latest uint64) ir.BlockRange {
	w := ir.BlockRange{Start: next, End: latest}
	if limit := s.cfg.MaxWindowBlocks; limit > 0 && w.Len() > limit {
		w.End = w.Start + limit - 1
	}
	return w
}

func (s *Scheduler) isInflight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[id]
}

func (s *Scheduler) dispatch(ctx context.Context, inst ir.DaemonInstance, window ir.BlockRange, prev ir.InstanceStatus) error {
	mod, err := s.store.GetModule(ctx, inst.ModuleID)
	if err != nil {
		return err
	}

	running := prev
	running.State = ir.StateRunning
	running.NextAttemptAt = nil
	running.UpdatedAt = s.now().UTC()
	if err := s.store.PutInstanceStatus(ctx, running); err != nil {
		return err
	}

	s.mu.Lock()
	s.inflight[inst.ID] = true
	s.mu.Unlock()

	job := sandbox.Job{
		Module:   mod,
		Instance: inst,
		Window:   window,
		Attempt:  prev.Failures + 1,
	}
	s.wg.Add(1)
	go s.work(ctx, job, prev)
	return nil
}

func (s *Scheduler) work(ctx context.Context, job sandbox.Job, prev ir.InstanceStatus) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	defer func() {
		s.mu.Lock()
		delete(s.inflight, job.Instance.ID)
		s.mu.Unlock()
	}()

	logger := logging.InstanceLogger(s.logger, job.Instance.ID, job.Module.ID)
	rec := s.exec.Run(ctx, job, s.cfg.Budget)

	// Persist the outcome even if shutdown started during the run.
	pctx := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		// Interrupted by shutdown: not the module's fault.
		prev.UpdatedAt = s.now().UTC()
		if err := s.store.PutInstanceStatus(pctx, prev); err != nil {
			logger.Error("restore status failed", "error", err)
		}
		return
	}

	if err := s.store.AppendExecution(pctx, rec); err != nil {
		logger.Error("append execution record failed", "execution_id", rec.ID, "error", err)
	}
	s.metrics.ObserveRun(rec)

	next := ir.InstanceStatus{InstanceID: job.Instance.ID, UpdatedAt: s.now().UTC()}
	switch {
	case rec.Status == ir.StatusSuccess:
		err := s.cursors.Advance(pctx, job.Instance.ID, job.Window.End)
		switch {
		case err == nil:
			next.State = ir.StateIdle
			s.metrics.SetCursor(job.Instance.ID, job.Window.End)
			logger.Info("window processed",
				"window_start", job.Window.Start,
				"window_end", job.Window.End,
				"reports", rec.Usage.Reports,
				"accepted", rec.Usage.Accepted,
			)
		case cursor.IsRegression(err):
			logger.Error("cursor regression", "error", err)
			next.State = ir.StateDegraded
			next.Failures = prev.Failures
			next.LastErrorClass = ErrorClassInternal
			next.LastError = err.Error()
		default:
			logger.Error("advance cursor failed", "error", err)
			next = s.failed(prev, ErrorClassInternal, err.Error())
		}
	default:
		next = s.failed(prev, string(rec.Status), rec.Detail)
		logger.Warn("run failed",
			"status", rec.Status,
			"detail", rec.Detail,
			"window_start", job.Window.Start,
			"window_end", job.Window.End,
			"failures", next.Failures,
			"state", next.State,
		)
	}

	if err := s.store.PutInstanceStatus(pctx, next); err != nil {
		logger.Error("persist status failed", "error", err)
	}
}

// failed computes the status after a failed attempt.
func (s *Scheduler) failed(prev ir.InstanceStatus, class, detail string) ir.InstanceStatus {
	now := s.now().UTC()
	next := ir.InstanceStatus{
		InstanceID:     prev.InstanceID,
		Failures:       prev.Failures + 1,
		LastErrorClass: class,
		LastError:      detail,
		UpdatedAt:      now,
	}
	if next.Failures > s.cfg.MaxRetries {
		next.State = ir.StateDegraded
		return next
	}
	at := now.Add(s.backoff.Delay(next.Failures))
	next.State = ir.StateBackoff
	next.NextAttemptAt = &at
	return next
}
