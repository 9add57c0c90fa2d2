package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vigil/internal/ir"
)

func TestInsertModule_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	m := createTestModule("mod-1")

	inserted, err := s.InsertModule(ctx, m)
	require.NoError(t, err)
	assert.True(t, inserted)

	m.Owner = "someone-else"
	inserted, err = s.InsertModule(ctx, m)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := s.GetModule(ctx, "mod-1")
	require.NoError(t, err)
	assert.Equal(t, "owner-1", got.Owner, "first registration wins")
	assert.Equal(t, testTime, got.RegisteredAt)
	assert.Nil(t, got.RetiredAt)
}

func TestRetireModule(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedInstance(t, s, "inst-1")

	require.NoError(t, s.RetireModule(ctx, "mod-1", testTime.Add(time.Hour)))
	require.NoError(t, s.RetireModule(ctx, "mod-1", testTime.Add(2*time.Hour)))

	m, err := s.GetModule(ctx, "mod-1")
	require.NoError(t, err)
	require.NotNil(t, m.RetiredAt)
	assert.Equal(t, testTime.Add(time.Hour), *m.RetiredAt)

	active, err := s.ListActiveInstances(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := s.ListInstances(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	err = s.RetireModule(ctx, "missing", testTime)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestInsertInstance_RequiresModule(t *testing.T) {
	s := createTestStore(t)
	err := s.InsertInstance(context.Background(), createTestInstance("inst-1", "missing"))
	assert.Error(t, err)
}

func TestInsertInstance_CreatesIdleStatus(t *testing.T) {
	s := createTestStore(t)
	seedInstance(t, s, "inst-1")

	st, err := s.GetInstanceStatus(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, ir.StateIdle, st.State)
	assert.Zero(t, st.Failures)
	assert.Nil(t, st.NextAttemptAt)
}

func TestAdvanceCursor_Monotonic(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedInstance(t, s, "inst-1")

	advanced, err := s.AdvanceCursor(ctx, "inst-1", 110, testTime)
	require.NoError(t, err)
	assert.True(t, advanced)

	for _, n := range []uint64{110, 109, 0} {
		advanced, err = s.AdvanceCursor(ctx, "inst-1", n, testTime.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, advanced, "advance to %d", n)
	}

	advanced, err = s.AdvanceCursor(ctx, "inst-1", 120, testTime.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, advanced)

	c, ok, err := s.GetCursor(ctx, "inst-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(120), c.LastProcessedBlock)
	assert.Equal(t, testTime.Add(time.Hour), c.UpdatedAt)
}

func TestPutInstanceStatus_AndAcknowledge(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedInstance(t, s, "inst-1")

	next := testTime.Add(time.Minute)
	require.NoError(t, s.PutInstanceStatus(ctx, ir.InstanceStatus{
		InstanceID:     "inst-1",
		State:          ir.StateDegraded,
		Failures:       5,
		LastErrorClass: string(ir.StatusTrapped),
		LastError:      "unreachable",
		NextAttemptAt:  &next,
		UpdatedAt:      testTime,
	}))

	st, err := s.GetInstanceStatus(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, ir.StateDegraded, st.State)
	assert.Equal(t, 5, st.Failures)
	assert.Equal(t, "unreachable", st.LastError)
	require.NotNil(t, st.NextAttemptAt)
	assert.Equal(t, next, *st.NextAttemptAt)

	require.NoError(t, s.AcknowledgeInstance(ctx, "inst-1", testTime.Add(time.Hour)))
	st, err = s.GetInstanceStatus(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, ir.StateIdle, st.State)
	assert.Zero(t, st.Failures)
	assert.Empty(t, st.LastError)
	assert.Nil(t, st.NextAttemptAt)

	err = s.AcknowledgeInstance(ctx, "missing", testTime)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestAppendExecution(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedInstance(t, s, "inst-1")

	rec := ir.ExecutionRecord{
		ID:         "exec-1",
		InstanceID: "inst-1",
		ModuleID:   "mod-1",
		Window:     ir.BlockRange{Start: 100, End: 110},
		Attempt:    1,
		Status:     ir.StatusSuccess,
		StartedAt:  testTime,
		Duration:   1500 * time.Millisecond,
		Usage:      ir.Usage{HostCalls: 3, Queries: 2, RowsReturned: 5, MemoryPages: 1, Reports: 1, Accepted: 1},
	}
	require.NoError(t, s.AppendExecution(ctx, rec))

	// Records are immutable.
	changed := rec
	changed.Status = ir.StatusTrapped
	require.NoError(t, s.AppendExecution(ctx, changed))

	got, err := s.ListExecutions(ctx, "inst-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec, got[0])
}

func TestInsertIncident_Deduplicates(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedInstance(t, s, "inst-1")

	inc := createTestIncident("inst-1", 105, "large transfer")
	inserted, err := s.InsertIncident(ctx, inc, outboxFor(inc))
	require.NoError(t, err)
	assert.True(t, inserted)

	replay := inc
	replay.ExecutionID = "exec-2"
	replay.Severity = ir.SeverityCritical
	inserted, err = s.InsertIncident(ctx, replay, outboxFor(replay))
	require.NoError(t, err)
	assert.False(t, inserted)

	incidents, err := s.ListIncidents(ctx, IncidentFilter{})
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, "exec-1", incidents[0].ExecutionID)
	assert.Equal(t, ir.SeverityHigh, incidents[0].Severity)

	pending, err := s.PendingOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestInsertIncident_RollsBackWithoutOutbox(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedInstance(t, s, "inst-1")

	inc := createTestIncident("inst-1", 105, "large transfer")
	_, err := s.InsertIncident(ctx, inc, OutboxEntry{Kind: OutboxIncident})
	require.Error(t, err)

	incidents, err := s.ListIncidents(ctx, IncidentFilter{})
	require.NoError(t, err)
	assert.Empty(t, incidents)
}

func TestOutbox_DeliveryLifecycle(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	entry := OutboxEntry{Kind: OutboxModule, IdempotencyKey: "reg-1", Payload: []byte(`{}`), CreatedAt: testTime}
	require.NoError(t, s.EnqueueOutbox(ctx, entry))
	require.NoError(t, s.EnqueueOutbox(ctx, entry))

	due, err := s.DueOutbox(ctx, testTime, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "reg-1", due[0].IdempotencyKey)
	assert.Equal(t, []byte(`{}`), due[0].Payload)

	retryAt := testTime.Add(time.Minute)
	require.NoError(t, s.MarkOutboxFailed(ctx, due[0].Seq, retryAt, "503"))

	due, err = s.DueOutbox(ctx, testTime.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.DueOutbox(ctx, retryAt, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)
	assert.Equal(t, "503", due[0].LastError)

	require.NoError(t, s.MarkOutboxDelivered(ctx, due[0].Seq, retryAt))

	got, err := s.GetOutbox(ctx, OutboxModule, "reg-1")
	require.NoError(t, err)
	assert.True(t, got.Delivered())
	assert.Equal(t, 2, got.Attempts)
	assert.Empty(t, got.LastError)

	pending, err := s.PendingOutbox(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	// Delivered entries are final.
	require.NoError(t, s.MarkOutboxFailed(ctx, got.Seq, retryAt, "late"))
	got, err = s.GetOutbox(ctx, OutboxModule, "reg-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
}

func TestEnqueueOutbox_RequiresKey(t *testing.T) {
	s := createTestStore(t)
	err := s.EnqueueOutbox(context.Background(), OutboxEntry{Kind: OutboxModule})
	assert.Error(t, err)
}
