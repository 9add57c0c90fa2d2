package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vigil/internal/chaindata"
	"github.com/roach88/vigil/internal/cursor"
	"github.com/roach88/vigil/internal/ir"
	"github.com/roach88/vigil/internal/logging"
	"github.com/roach88/vigil/internal/metrics"
	"github.com/roach88/vigil/internal/sandbox"
	"github.com/roach88/vigil/internal/store"
	"github.com/roach88/vigil/internal/testutil"
)

// fakeExec records jobs and returns the status chosen by outcome.
// Instances listed in hold block until released.
type fakeExec struct {
	mu      sync.Mutex
	jobs    []sandbox.Job
	outcome func(sandbox.Job) ir.Status
	hold    map[string]chan struct{}
	started chan string
}

func (f *fakeExec) Run(ctx context.Context, job sandbox.Job, _ sandbox.Budget) ir.ExecutionRecord {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	n := len(f.jobs)
	ch := f.hold[job.Instance.ID]
	f.mu.Unlock()

	if f.started != nil {
		f.started <- job.Instance.ID
	}
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
		}
	}

	status := ir.StatusSuccess
	if f.outcome != nil {
		status = f.outcome(job)
	}
	rec := ir.ExecutionRecord{
		ID:         fmt.Sprintf("exec-%04d", n),
		InstanceID: job.Instance.ID,
		ModuleID:   job.Module.ID,
		Window:     job.Window,
		Attempt:    job.Attempt,
		Status:     status,
		StartedAt:  testutil.Epoch,
	}
	if status.Failed() {
		rec.Detail = "wasm error: unreachable"
	}
	return rec
}

func (f *fakeExec) windows(instanceID string) []ir.BlockRange {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ir.BlockRange
	for _, j := range f.jobs {
		if j.Instance.ID == instanceID {
			out = append(out, j.Window)
		}
	}
	return out
}

func (f *fakeExec) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type fakeChain struct {
	mu     sync.Mutex
	latest uint64
	empty  bool
}

func (c *fakeChain) LatestBlock(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.empty {
		return 0, chaindata.ErrNoBlocks
	}
	return c.latest, nil
}

func (c *fakeChain) set(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = n
}

type fixture struct {
	store   *store.Store
	cursors *cursor.Store
	exec    *fakeExec
	chain   *fakeChain
	clock   *testutil.Clock
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, instanceIDs ...string) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "vigil.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	_, err = s.InsertModule(ctx, ir.DaemonModule{ID: "mod-1", Owner: "o", ChainType: "evm", BlobKey: "k", MemoryPages: 1, RegisteredAt: testutil.Epoch})
	require.NoError(t, err)
	for _, id := range instanceIDs {
		require.NoError(t, s.InsertInstance(ctx, ir.DaemonInstance{
			ID: id, ModuleID: "mod-1", Chain: "ethereum", Address: "0xsafe", StartBlock: 100, CreatedAt: testutil.Epoch,
		}))
	}

	clock := testutil.NewClock(time.Time{})
	return &fixture{
		store:   s,
		cursors: cursor.New(s, cursor.WithClock(clock.Now)),
		exec:    &fakeExec{hold: map[string]chan struct{}{}},
		chain:   &fakeChain{latest: 110},
		clock:   clock,
		metrics: metrics.New(),
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.InitialBackoff = time.Second
	cfg.MaxBackoff = time.Minute
	cfg.MaxWindowBlocks = 0
	return cfg
}

func (f *fixture) scheduler(cfg Config, cursors Cursors) *Scheduler {
	if cursors == nil {
		cursors = f.cursors
	}
	return New(f.store, cursors, f.exec, f.chain, cfg,
		WithClock(f.clock.Now),
		WithLogger(logging.Discard()),
		WithMetrics(f.metrics),
	)
}

// tick runs one tick and waits for the runs it dispatched.
func tick(t *testing.T, s *Scheduler, f *fixture) {
	t.Helper()
	require.NoError(t, s.Tick(context.Background(), f.clock.Now()))
	s.Wait()
}

func (f *fixture) status(t *testing.T, id string) ir.InstanceStatus {
	t.Helper()
	st, err := f.store.GetInstanceStatus(context.Background(), id)
	require.NoError(t, err)
	return st
}

func (f *fixture) next(t *testing.T, id string) uint64 {
	t.Helper()
	n, err := f.cursors.Get(context.Background(), id)
	require.NoError(t, err)
	return n
}

func TestTick_SuccessAdvancesCursorToWindowEnd(t *testing.T) {
	f := newFixture(t, "inst-1")
	s := f.scheduler(testConfig(), nil)

	tick(t, s, f)

	assert.Equal(t, []ir.BlockRange{{Start: 100, End: 110}}, f.exec.windows("inst-1"))
	assert.Equal(t, uint64(111), f.next(t, "inst-1"))
	st := f.status(t, "inst-1")
	assert.Equal(t, ir.StateIdle, st.State)
	assert.Zero(t, st.Failures)

	recs, err := f.store.ListExecutions(context.Background(), "inst-1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ir.StatusSuccess, recs[0].Status)
	assert.Equal(t, 1, recs[0].Attempt)

	// Nothing new on chain: no run.
	tick(t, s, f)
	assert.Equal(t, 1, f.exec.count())

	f.chain.set(115)
	tick(t, s, f)
	assert.Equal(t, []ir.BlockRange{{Start: 100, End: 110}, {Start: 111, End: 115}}, f.exec.windows("inst-1"))
	assert.Equal(t, uint64(116), f.next(t, "inst-1"))
}

func TestTick_EmptyWindowSkips(t *testing.T) {
	f := newFixture(t, "inst-1")
	f.chain.set(99)
	s := f.scheduler(testConfig(), nil)

	tick(t, s, f)
	assert.Zero(t, f.exec.count())
	assert.Equal(t, ir.StateIdle, f.status(t, "inst-1").State)
}

func TestTick_NoBlocksIsNotAnError(t *testing.T) {
	f := newFixture(t, "inst-1")
	f.chain.empty = true
	s := f.scheduler(testConfig(), nil)

	tick(t, s, f)
	assert.Zero(t, f.exec.count())
}

func TestTick_WindowCappedAtMaxBlocks(t *testing.T) {
	f := newFixture(t, "inst-1")
	cfg := testConfig()
	cfg.MaxWindowBlocks = 5
	s := f.scheduler(cfg, nil)

	tick(t, s, f)
	tick(t, s, f)
	tick(t, s, f)
	tick(t, s, f)

	assert.Equal(t, []ir.BlockRange{
		{Start: 100, End: 104},
		{Start: 105, End: 109},
		{Start: 110, End: 110},
	}, f.exec.windows("inst-1"))
}

func TestTick_FailureLeavesCursorAndBacksOff(t *testing.T) {
	f := newFixture(t, "inst-1")
	fail := true
	f.exec.outcome = func(sandbox.Job) ir.Status {
		if fail {
			return ir.StatusTrapped
		}
		return ir.StatusSuccess
	}
	s := f.scheduler(testConfig(), nil)

	tick(t, s, f)
	assert.Equal(t, uint64(100), f.next(t, "inst-1"), "cursor unchanged after failure")

	st := f.status(t, "inst-1")
	assert.Equal(t, ir.StateBackoff, st.State)
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, string(ir.StatusTrapped), st.LastErrorClass)
	assert.Equal(t, "wasm error: unreachable", st.LastError)
	require.NotNil(t, st.NextAttemptAt)
	assert.Equal(t, testutil.Epoch.Add(time.Second), *st.NextAttemptAt)

	// Not due yet.
	tick(t, s, f)
	assert.Equal(t, 1, f.exec.count())

	f.clock.Advance(time.Second)
	fail = false
	tick(t, s, f)

	require.Equal(t, 2, f.exec.count())
	assert.Equal(t, 2, f.exec.jobs[1].Attempt)
	assert.Equal(t, ir.BlockRange{Start: 100, End: 110}, f.exec.jobs[1].Window, "failed window is retried whole")
	assert.Equal(t, uint64(111), f.next(t, "inst-1"))

	st = f.status(t, "inst-1")
	assert.Equal(t, ir.StateIdle, st.State)
	assert.Zero(t, st.Failures)
	assert.Nil(t, st.NextAttemptAt)
}

func TestTick_DegradesAfterMaxRetriesUntilAcknowledged(t *testing.T) {
	f := newFixture(t, "inst-1")
	f.exec.outcome = func(sandbox.Job) ir.Status { return ir.StatusTimedOut }
	s := f.scheduler(testConfig(), nil)

	// Delays are 1s then 2s; the third failure exceeds MaxRetries=2.
	tick(t, s, f)
	f.clock.Advance(time.Second)
	tick(t, s, f)
	assert.Equal(t, ir.StateBackoff, f.status(t, "inst-1").State)
	f.clock.Advance(2 * time.Second)
	tick(t, s, f)

	st := f.status(t, "inst-1")
	assert.Equal(t, ir.StateDegraded, st.State)
	assert.Equal(t, 3, st.Failures)
	assert.Equal(t, string(ir.StatusTimedOut), st.LastErrorClass)
	assert.Nil(t, st.NextAttemptAt)

	f.clock.Advance(time.Hour)
	tick(t, s, f)
	assert.Equal(t, 3, f.exec.count(), "degraded instances are not scheduled")

	require.NoError(t, f.store.AcknowledgeInstance(context.Background(), "inst-1", f.clock.Now()))
	f.exec.outcome = nil
	tick(t, s, f)
	assert.Equal(t, 4, f.exec.count())
	assert.Equal(t, 1, f.exec.jobs[3].Attempt)
	assert.Equal(t, ir.StateIdle, f.status(t, "inst-1").State)
	assert.Equal(t, uint64(111), f.next(t, "inst-1"))
}

// regressingCursors reports a regression on every advance.
type regressingCursors struct{ *cursor.Store }

func (regressingCursors) Advance(_ context.Context, id string, newLast uint64) error {
	return &cursor.RegressionError{InstanceID: id, Current: newLast + 1, Requested: newLast}
}

func TestTick_CursorRegressionDegrades(t *testing.T) {
	f := newFixture(t, "inst-1")
	s := f.scheduler(testConfig(), regressingCursors{f.cursors})

	tick(t, s, f)

	st := f.status(t, "inst-1")
	assert.Equal(t, ir.StateDegraded, st.State)
	assert.Equal(t, ErrorClassInternal, st.LastErrorClass)
	assert.Contains(t, st.LastError, "cursor regression")
}

func TestTick_StaleRunningStateIsRecovered(t *testing.T) {
	f := newFixture(t, "inst-1")
	require.NoError(t, f.store.PutInstanceStatus(context.Background(), ir.InstanceStatus{
		InstanceID: "inst-1",
		State:      ir.StateRunning,
		UpdatedAt:  testutil.Epoch,
	}))
	s := f.scheduler(testConfig(), nil)

	tick(t, s, f)
	assert.Equal(t, 1, f.exec.count())
	assert.Equal(t, ir.StateIdle, f.status(t, "inst-1").State)
}

func TestTick_RetiredModuleNotScheduled(t *testing.T) {
	f := newFixture(t, "inst-1")
	require.NoError(t, f.store.RetireModule(context.Background(), "mod-1", testutil.Epoch))
	s := f.scheduler(testConfig(), nil)

	tick(t, s, f)
	assert.Zero(t, f.exec.count())
}

func TestTick_StalledInstanceDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t, "inst-a", "inst-b")
	release := make(chan struct{})
	f.exec.hold["inst-a"] = release
	s := f.scheduler(testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, s.Tick(ctx, f.clock.Now()))
	assert.Eventually(t, func() bool {
		st, err := f.store.GetInstanceStatus(ctx, "inst-b")
		return err == nil && len(f.exec.windows("inst-b")) == 1 && st.State == ir.StateIdle
	}, 5*time.Second, 10*time.Millisecond)

	f.chain.set(115)
	require.NoError(t, s.Tick(ctx, f.clock.Now()))
	assert.Eventually(t, func() bool {
		n, err := f.cursors.Get(ctx, "inst-b")
		return err == nil && n == 116
	}, 5*time.Second, 10*time.Millisecond)

	assert.Len(t, f.exec.windows("inst-a"), 1, "at most one run per instance")
	assert.Equal(t, ir.StateRunning, f.status(t, "inst-a").State)
	assert.Equal(t, uint64(100), f.next(t, "inst-a"))

	close(release)
	s.Wait()
	assert.Equal(t, uint64(111), f.next(t, "inst-a"))
	assert.Equal(t, []ir.BlockRange{{Start: 100, End: 110}, {Start: 111, End: 115}}, f.exec.windows("inst-b"))
}

func TestTick_ConcurrencyBound(t *testing.T) {
	f := newFixture(t, "inst-a", "inst-b")
	release := make(chan struct{})
	f.exec.hold["inst-a"] = release
	f.exec.hold["inst-b"] = release
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	s := f.scheduler(cfg, nil)

	require.NoError(t, s.Tick(context.Background(), f.clock.Now()))
	assert.Equal(t, ir.StateIdle, f.status(t, "inst-b").State, "no free worker, left for a later tick")

	close(release)
	s.Wait()
	assert.Equal(t, 1, f.exec.count())
	tick(t, s, f)
	assert.Len(t, f.exec.windows("inst-b"), 1)
}

func TestRun_TicksOnNotifyAndStopsOnCancel(t *testing.T) {
	f := newFixture(t, "inst-1")
	cfg := testConfig()
	cfg.TickInterval = time.Hour
	s := f.scheduler(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Run ticks once on start.
	assert.Eventually(t, func() bool {
		st, err := f.store.GetInstanceStatus(ctx, "inst-1")
		return err == nil && f.exec.count() == 1 && st.State == ir.StateIdle
	}, 5*time.Second, 10*time.Millisecond)

	f.chain.set(120)
	s.Notify()
	assert.Eventually(t, func() bool { return f.exec.count() == 2 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ShutdownDoesNotCountFailure(t *testing.T) {
	f := newFixture(t, "inst-1")
	f.exec.hold["inst-1"] = make(chan struct{})
	f.exec.started = make(chan string, 1)
	f.exec.outcome = func(sandbox.Job) ir.Status { return ir.StatusTimedOut }
	cfg := testConfig()
	cfg.TickInterval = time.Hour
	s := f.scheduler(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	<-f.exec.started
	cancel()
	require.NoError(t, <-done)

	st := f.status(t, "inst-1")
	assert.Equal(t, ir.StateIdle, st.State)
	assert.Zero(t, st.Failures)
	assert.Equal(t, uint64(100), f.next(t, "inst-1"))

	recs, err := f.store.ListExecutions(context.Background(), "inst-1", 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
