// Package sandbox runs daemon modules under a resource budget.
//
// Every run gets a fresh wazero runtime linked only to the host module
// "vigil" (query and report). There is no WASI and no other import, so a
// guest can observe nothing but the chain data its queries return. Budgets
// are enforced by the host: a context deadline closes the module
// mid-instruction, a host-call ceiling aborts from inside the call, and a
// memory ceiling bounds both the declared minimum and memory.grow.
//
// Run never returns an error. Every outcome, including host-side failures,
// is an ir.ExecutionRecord whose Status tells the scheduler what to do.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/roach88/vigil/internal/deploy"
	"github.com/roach88/vigil/internal/ids"
	"github.com/roach88/vigil/internal/incident"
	"github.com/roach88/vigil/internal/ir"
	"github.com/roach88/vigil/internal/query"
)

const pageSize = 65536

// Querier runs restricted queries. *query.Engine implements it.
type Querier interface {
	Execute(ctx context.Context, text string, scope query.Scope) (*ir.QueryResult, error)
}

// Reporter records incidents. *incident.Pipeline implements it.
type Reporter interface {
	Report(ctx context.Context, instanceID string, window ir.BlockRange, executionID string, draft ir.IncidentDraft) (incident.Outcome, error)
}

// Loader fetches a module binary. *modulestore.Store implements it.
type Loader interface {
	Load(ctx context.Context, m ir.DaemonModule) (ir.DaemonModule, error)
}

// Budget bounds a single run.
type Budget struct {
	Timeout          time.Duration
	MemoryLimitPages uint32
	MaxHostCalls     int // 0 = unlimited
}

// DefaultBudget returns the budget used when none is configured.
func DefaultBudget() Budget {
	return Budget{
		Timeout:          5 * time.Second,
		MemoryLimitPages: deploy.DefaultMaxMemoryPages,
		MaxHostCalls:     10_000,
	}
}

// Job is one invocation of an instance over a window.
type Job struct {
	Module   ir.DaemonModule
	Instance ir.DaemonInstance
	Window   ir.BlockRange
	Attempt  int
}

// Runtime executes jobs.
//
// Thread-safety: Run is safe for concurrent use. Runs share only the
// compilation cache.
type Runtime struct {
	validator *deploy.Validator
	querier   Querier
	reporter  Reporter
	loader    Loader
	cache     wazero.CompilationCache
	ids       ids.Generator
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLoader sets where binaries are fetched from when a job's module has
// none attached.
func WithLoader(l Loader) Option {
	return func(r *Runtime) { r.loader = l }
}

// WithIDs sets the execution ID generator.
func WithIDs(g ids.Generator) Option {
	return func(r *Runtime) { r.ids = g }
}

// WithClock sets the time source for StartedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) { r.now = now }
}

// WithLogger sets the runtime's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// NewRuntime creates a runtime. The validator re-checks every binary
// immediately before it is compiled.
func NewRuntime(v *deploy.Validator, q Querier, rep Reporter, opts ...Option) *Runtime {
	r := &Runtime{
		validator: v,
		querier:   q,
		reporter:  rep,
		cache:     wazero.NewCompilationCache(),
		ids:       ids.UUIDv7{},
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close releases the compilation cache.
func (r *Runtime) Close(ctx context.Context) error {
	return r.cache.Close(ctx)
}

// Run executes job under budget and returns its record. The record is not
// persisted; that is the caller's job.
func (r *Runtime) Run(ctx context.Context, job Job, budget Budget) ir.ExecutionRecord {
	rec := ir.ExecutionRecord{
		ID:         r.ids.New(),
		InstanceID: job.Instance.ID,
		ModuleID:   job.Module.ID,
		Window:     job.Window,
		Attempt:    job.Attempt,
		StartedAt:  r.now().UTC(),
	}
	start := time.Now()

	st := &run{
		runtime: r,
		job:     job,
		budget:  budget,
		execID:  rec.ID,
	}
	rec.Status, rec.Detail = st.execute(ctx)
	rec.Usage = st.usage
	rec.Duration = time.Since(start)

	if st.aborted != nil {
		r.logger.Warn("run aborted by host",
			"instance_id", rec.InstanceID,
			"execution_id", rec.ID,
			"error", st.aborted,
		)
	}

	r.logger.Debug("run finished",
		"instance_id", rec.InstanceID,
		"execution_id", rec.ID,
		"window_start", rec.Window.Start,
		"window_end", rec.Window.End,
		"status", rec.Status,
		"host_calls", rec.Usage.HostCalls,
		"duration", rec.Duration,
	)
	return rec
}

// run is the state of one execution.
type run struct {
	runtime *Runtime
	job     Job
	budget  Budget
	execID  string

	usage   ir.Usage
	aborted *abortError
}

func (st *run) execute(ctx context.Context) (ir.Status, string) {
	r := st.runtime

	mod := st.job.Module
	if len(mod.Binary) == 0 {
		if r.loader == nil {
			return ir.StatusRejected, "module binary not loaded"
		}
		loaded, err := r.loader.Load(ctx, mod)
		if err != nil {
			return ir.StatusRejected, fmt.Sprintf("load module: %v", err)
		}
		mod = loaded
	}
	if ir.ModuleID(mod.Binary) != mod.ID {
		return ir.StatusRejected, "binary does not match module id"
	}

	pages, err := r.validator.Check(mod.Binary)
	if err != nil {
		return ir.StatusRejected, err.Error()
	}
	limit := st.budget.MemoryLimitPages
	if limit > 0 && pages > limit {
		return ir.StatusTimedOut, fmt.Sprintf("memory ceiling: module declares %d pages, limit is %d", pages, limit)
	}

	runCtx := ctx
	if st.budget.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, st.budget.Timeout)
		defer cancel()
	}

	cfg := wazero.NewRuntimeConfig().
		WithCompilationCache(r.cache).
		WithCloseOnContextDone(true)
	if limit > 0 {
		cfg = cfg.WithMemoryLimitPages(limit)
	}
	wr := wazero.NewRuntimeWithConfig(runCtx, cfg)
	defer wr.Close(context.Background())

	if err := st.linkHost(runCtx, wr); err != nil {
		return ir.StatusRejected, fmt.Sprintf("link host module: %v", err)
	}

	compiled, err := wr.CompileModule(runCtx, mod.Binary)
	if err != nil {
		return ir.StatusRejected, fmt.Sprintf("compile: %v", err)
	}

	// Only the module's own start section runs on instantiation.
	guest, err := wr.InstantiateModule(runCtx, compiled, wazero.NewModuleConfig().
		WithName("guest").
		WithStartFunctions())
	if err != nil {
		return st.classify(runCtx, err)
	}
	defer func() {
		if mem := guest.Memory(); mem != nil {
			st.usage.MemoryPages = mem.Size() / pageSize
		}
	}()

	main := guest.ExportedFunction("main")
	if main == nil {
		return ir.StatusRejected, `missing export "main"`
	}
	if _, err := main.Call(runCtx); err != nil {
		return st.classify(runCtx, err)
	}
	if st.aborted != nil {
		return st.aborted.status, st.aborted.detail
	}
	return ir.StatusSuccess, ""
}

// classify maps a guest error to a status. A host-call abort wins over the
// error it caused.
func (st *run) classify(runCtx context.Context, err error) (ir.Status, string) {
	if st.aborted != nil {
		return st.aborted.status, st.aborted.detail
	}

	var exit *sys.ExitError
	if errors.As(err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			return ir.StatusTimedOut, fmt.Sprintf("deadline exceeded after %s", st.budget.Timeout)
		case sys.ExitCodeContextCanceled:
			return ir.StatusTimedOut, "run cancelled"
		}
	}
	if runCtx.Err() != nil {
		return ir.StatusTimedOut, fmt.Sprintf("deadline exceeded after %s", st.budget.Timeout)
	}

	msg, _, _ := strings.Cut(err.Error(), "\n")
	return ir.StatusTrapped, msg
}

// abort records why the run must stop and unwinds the guest. It must be
// called from a host function.
func (st *run) abort(ctx context.Context, mod api.Module, status ir.Status, detail string, err error) {
	if st.aborted == nil {
		st.aborted = &abortError{status: status, detail: detail, err: err}
	}
	_ = mod.CloseWithExitCode(ctx, exitCodeAbort)
	panic(sys.NewExitError(exitCodeAbort))
}
