package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/roach88/vigil/internal/chaindata"
	"github.com/roach88/vigil/internal/cursor"
	"github.com/roach88/vigil/internal/deploy"
	"github.com/roach88/vigil/internal/ids"
	"github.com/roach88/vigil/internal/incident"
	"github.com/roach88/vigil/internal/ir"
	"github.com/roach88/vigil/internal/ledger"
	"github.com/roach88/vigil/internal/logging"
	"github.com/roach88/vigil/internal/modulestore"
	"github.com/roach88/vigil/internal/query"
	"github.com/roach88/vigil/internal/retry"
	"github.com/roach88/vigil/internal/sandbox"
	"github.com/roach88/vigil/internal/scheduler"
	"github.com/roach88/vigil/internal/store"
	"github.com/roach88/vigil/internal/testutil"
	"github.com/roach88/vigil/internal/testutil/wasmbuild"
)

// DefaultTimeout is the run timeout scenarios get unless they set one.
const DefaultTimeout = 2 * time.Second

// Harness is the scenario execution environment.
type Harness struct {
	store     *store.Store
	chain     *chaindata.SQLite
	blobs     *modulestore.Store
	cursors   *cursor.Store
	runtime   *sandbox.Runtime
	forwarder *incident.Forwarder
	exec      *recorder
	sched     *scheduler.Scheduler
	cfg       scheduler.Config
	clock     *testutil.Clock
	logger    *slog.Logger
}

// Run executes a scenario and returns its result. A non-nil error means
// the scenario could not be executed; failed assertions are reported in
// the result.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness(ctx, scenario)
	if err != nil {
		return nil, err
	}
	defer h.close(ctx)

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.step(ctx, i+1, step, result); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Action, err)
		}
	}

	actx := &AssertionContext{Ctx: ctx, Store: h.store, Cursors: h.cursors}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(ctx context.Context, sc *Scenario) (*Harness, error) {
	h := &Harness{
		clock:  testutil.NewClock(time.Time{}),
		logger: logging.Discard(),
	}
	var err error
	if h.store, err = store.Open(":memory:"); err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	if h.chain, err = chaindata.OpenSQLite(":memory:"); err != nil {
		h.close(ctx)
		return nil, fmt.Errorf("failed to create in-memory chain: %w", err)
	}
	if h.blobs, err = modulestore.Open(ctx, "mem://"); err != nil {
		h.close(ctx)
		return nil, fmt.Errorf("failed to create module store: %w", err)
	}
	if err := h.chain.Ingest(ctx, buildFixture(sc.Chain)); err != nil {
		h.close(ctx)
		return nil, fmt.Errorf("failed to ingest chain: %w", err)
	}

	binary, err := moduleBinary(sc.Module)
	if err != nil {
		h.close(ctx)
		return nil, err
	}

	validator := deploy.NewValidator(deploy.WithValidatorClock(h.clock.Now))
	instanceIDs := make([]string, 0, len(sc.Instances))
	specs := make([]deploy.InstanceSpec, 0, len(sc.Instances))
	for _, inst := range sc.Instances {
		instanceIDs = append(instanceIDs, inst.ID)
		specs = append(specs, deploy.InstanceSpec{Chain: inst.Chain, Address: inst.Address, StartBlock: inst.StartBlock})
	}
	deployer := deploy.NewDeployer(validator, h.store, h.blobs,
		deploy.WithIDs(ids.NewFixed(instanceIDs...)),
		deploy.WithClock(h.clock.Now),
		deploy.WithLogger(h.logger),
	)
	meta := deploy.Meta{Owner: sc.Module.Owner, ChainType: sc.Module.ChainType}
	if meta.Owner == "" {
		meta.Owner = "harness"
	}
	if meta.ChainType == "" {
		meta.ChainType = "evm"
	}
	if _, err := deployer.Deploy(ctx, deploy.Request{Binary: binary, Meta: meta, Instances: specs}); err != nil {
		h.close(ctx)
		return nil, fmt.Errorf("failed to deploy module: %w", err)
	}

	h.cursors = cursor.New(h.store, cursor.WithClock(h.clock.Now))
	engine := query.NewEngine(h.chain, query.WithLogger(h.logger))
	pipeline := incident.NewPipeline(h.store,
		incident.WithClock(h.clock.Now),
		incident.WithLogger(h.logger),
	)
	h.runtime = sandbox.NewRuntime(validator, engine, pipeline,
		sandbox.WithLoader(h.blobs),
		sandbox.WithIDs(testutil.NewSequentialIDs("exec")),
		sandbox.WithClock(h.clock.Now),
		sandbox.WithLogger(h.logger),
	)
	h.exec = &recorder{runner: h.runtime}

	fwd := incident.DefaultForwarderConfig()
	fwd.RatePerSecond = 0
	fwd.Retry = retry.Policy{Initial: time.Second, Max: time.Minute}
	h.forwarder = incident.NewForwarder(h.store, ledger.Noop{}, fwd,
		incident.WithForwarderClock(h.clock.Now),
		incident.WithForwarderLogger(h.logger),
	)

	h.cfg = schedulerConfig(sc)
	h.sched = h.newScheduler()
	return h, nil
}

func schedulerConfig(sc *Scenario) scheduler.Config {
	cfg := scheduler.DefaultConfig()
	cfg.MaxWindowBlocks = 0
	cfg.Budget.Timeout = DefaultTimeout
	if b := sc.Budget; b != nil {
		if b.Timeout > 0 {
			cfg.Budget.Timeout = b.Timeout
		}
		if b.MaxHostCalls > 0 {
			cfg.Budget.MaxHostCalls = b.MaxHostCalls
		}
	}
	if s := sc.Scheduler; s != nil {
		if s.MaxRetries != nil {
			cfg.MaxRetries = *s.MaxRetries
		}
		if s.InitialBackoff > 0 {
			cfg.InitialBackoff = s.InitialBackoff
		}
		cfg.MaxWindowBlocks = s.MaxWindowBlocks
	}
	return cfg
}

func (h *Harness) newScheduler() *scheduler.Scheduler {
	return scheduler.New(h.store, h.cursors, h.exec, h.chain, h.cfg,
		scheduler.WithClock(h.clock.Now),
		scheduler.WithLogger(h.logger),
	)
}

func (h *Harness) close(ctx context.Context) {
	if h.runtime != nil {
		_ = h.runtime.Close(ctx)
	}
	if h.blobs != nil {
		_ = h.blobs.Close()
	}
	if h.chain != nil {
		_ = h.chain.Close()
	}
	if h.store != nil {
		_ = h.store.Close()
	}
}

func (h *Harness) step(ctx context.Context, n int, step Step, result *Result) error {
	switch step.Action {
	case StepTick:
		if err := h.sched.Tick(ctx, h.clock.Now()); err != nil {
			return err
		}
		h.sched.Wait()
		h.recordRuns(n, EventRun, result)

	case StepCrash:
		if err := h.crash(ctx); err != nil {
			return err
		}
		h.recordRuns(n, EventCrash, result)

	case StepAck:
		if err := h.store.AcknowledgeInstance(ctx, step.Instance, h.clock.Now()); err != nil {
			return err
		}
		result.add(TraceEvent{Step: n, Action: EventAck, Instance: step.Instance})

	case StepAdvance:
		h.clock.Advance(step.Duration)

	case StepExtend:
		head, err := h.chain.LatestBlock(ctx)
		start := head + 1
		if errors.Is(err, chaindata.ErrNoBlocks) {
			start = 0
		} else if err != nil {
			return err
		}
		r := BlockRangeSpec{Start: start, End: start + step.Blocks - 1}
		if err := h.chain.Ingest(ctx, buildFixture(ChainSpec{Range: &r})); err != nil {
			return err
		}

	case StepDeliver:
		delivered, err := h.forwarder.Drain(ctx)
		if err != nil {
			return err
		}
		result.add(TraceEvent{Step: n, Action: EventDeliver, Delivered: delivered})

	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
	return nil
}

// crash runs every due window the way a tick would, then drops the
// scheduler before the run's outcome is written. Incidents reported
// during the run are durable; the cursor, status and execution record are
// not. The instance is left "running", as a host that died mid-run would
// leave it.
func (h *Harness) crash(ctx context.Context) error {
	latest, err := h.chain.LatestBlock(ctx)
	if errors.Is(err, chaindata.ErrNoBlocks) {
		h.sched = h.newScheduler()
		return nil
	}
	if err != nil {
		return err
	}
	instances, err := h.store.ListActiveInstances(ctx)
	if err != nil {
		return err
	}

	for _, inst := range instances {
		st, err := h.store.GetInstanceStatus(ctx, inst.ID)
		if err != nil {
			return err
		}
		if st.State == ir.StateDegraded {
			continue
		}
		if st.State == ir.StateBackoff && st.NextAttemptAt != nil && h.clock.Now().Before(*st.NextAttemptAt) {
			continue
		}
		next, err := h.cursors.Get(ctx, inst.ID)
		if err != nil {
			return err
		}
		window := ir.BlockRange{Start: next, End: latest}
		if limit := h.cfg.MaxWindowBlocks; limit > 0 && window.Len() > limit {
			window.End = window.Start + limit - 1
		}
		if window.Empty() {
			continue
		}
		mod, err := h.store.GetModule(ctx, inst.ModuleID)
		if err != nil {
			return err
		}

		running := st
		running.State = ir.StateRunning
		running.UpdatedAt = h.clock.Now()
		if err := h.store.PutInstanceStatus(ctx, running); err != nil {
			return err
		}
		h.exec.Run(ctx, sandbox.Job{Module: mod, Instance: inst, Window: window, Attempt: st.Failures + 1}, h.cfg.Budget)
	}

	h.sched = h.newScheduler()
	return nil
}

func (h *Harness) recordRuns(step int, action string, result *Result) {
	for _, rec := range h.exec.drain() {
		result.add(TraceEvent{
			Step:         step,
			Action:       action,
			Instance:     rec.InstanceID,
			Window:       rec.Window.String(),
			Attempt:      rec.Attempt,
			Status:       string(rec.Status),
			Detail:       rec.Detail,
			Reports:      rec.Usage.Reports,
			Accepted:     rec.Usage.Accepted,
			Deduplicated: rec.Usage.Deduplicated,
		})
	}
}

// recorder is a scheduler.Executor that keeps every record it returns.
type recorder struct {
	runner scheduler.Executor

	mu   sync.Mutex
	recs []ir.ExecutionRecord
}

func (r *recorder) Run(ctx context.Context, job sandbox.Job, budget sandbox.Budget) ir.ExecutionRecord {
	rec := r.runner.Run(ctx, job, budget)
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
	return rec
}

// drain returns the records collected since the last drain, ordered by
// instance so concurrent runs trace deterministically.
func (r *recorder) drain() []ir.ExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.recs
	r.recs = nil
	sort.SliceStable(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// buildFixture expands a scenario's chain section into records.
func buildFixture(c ChainSpec) chaindata.Fixture {
	var f chaindata.Fixture
	if r := c.Range; r != nil {
		for n := r.Start; n <= r.End; n++ {
			parent := blockHash(0)
			if n > 0 {
				parent = blockHash(n - 1)
			}
			f.Blocks = append(f.Blocks, chaindata.Block{
				Number:     n,
				Hash:       blockHash(n),
				ParentHash: parent,
				Timestamp:  1_700_000_000 + int64(n)*12,
			})
		}
	}
	f.Blocks = append(f.Blocks, c.Blocks...)
	f.Transactions = append(f.Transactions, c.Transactions...)
	f.Events = append(f.Events, c.Events...)
	return f
}

func blockHash(n uint64) string {
	return fmt.Sprintf("0x%064x", n+1)
}

// moduleBinary returns the binary a scenario's module section names.
func moduleBinary(m ModuleSpec) ([]byte, error) {
	if m.Path != "" {
		data, err := os.ReadFile(m.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read module: %w", err)
		}
		return data, nil
	}
	switch m.Template {
	case TemplateNoop:
		return wasmbuild.Noop(), nil
	case TemplateTrap:
		return wasmbuild.Trap(), nil
	case TemplateSpin:
		return wasmbuild.Spin(), nil
	case TemplateHostCallFlood:
		return wasmbuild.HostCallFlood(), nil
	case TemplateQueryAndReport:
		return wasmbuild.QueryAndReport(m.Query, m.Severity, m.Message), nil
	default:
		return nil, fmt.Errorf("unknown module template %q", m.Template)
	}
}
