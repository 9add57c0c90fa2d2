package status

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vigil/internal/ir"
	"github.com/roach88/vigil/internal/metrics"
	"github.com/roach88/vigil/internal/store"
	"github.com/roach88/vigil/internal/testutil"
)

func createTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "vigil.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	_, err = s.InsertModule(ctx, ir.DaemonModule{ID: "mod-1", Owner: "o", ChainType: "evm", BlobKey: "k", RegisteredAt: testutil.Epoch})
	require.NoError(t, err)
	for _, id := range []string{"inst-1", "inst-2"} {
		require.NoError(t, s.InsertInstance(ctx, ir.DaemonInstance{
			ID: id, ModuleID: "mod-1", Chain: "ethereum", Address: "0xsafe", StartBlock: 100, CreatedAt: testutil.Epoch,
		}))
	}
	return s
}

func newTestServer(t *testing.T, s *store.Store) *httptest.Server {
	t.Helper()
	h, err := NewHandler(s, metrics.New())
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method string, args, reply any) error {
	t.Helper()
	body, err := json2.EncodeClientRequest(method, args)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/rpc", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	return json2.DecodeClientResponse(resp.Body, reply)
}

func TestStatus_ListInstances(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	_, err := s.AdvanceCursor(ctx, "inst-1", 110, testutil.Epoch)
	require.NoError(t, err)
	next := testutil.Epoch.Add(2 * time.Second)
	require.NoError(t, s.PutInstanceStatus(ctx, ir.InstanceStatus{
		InstanceID:     "inst-2",
		State:          ir.StateBackoff,
		Failures:       1,
		LastErrorClass: "trapped",
		LastError:      "wasm error: unreachable",
		NextAttemptAt:  &next,
		UpdatedAt:      testutil.Epoch,
	}))
	srv := newTestServer(t, s)

	var reply ListInstancesReply
	require.NoError(t, call(t, srv, "status.ListInstances", &ListInstancesArgs{}, &reply))
	require.Len(t, reply.Instances, 2)

	first := reply.Instances[0]
	assert.Equal(t, "inst-1", first.ID)
	assert.Equal(t, ir.StateIdle, first.State)
	require.NotNil(t, first.LastProcessedBlock)
	assert.Equal(t, uint64(110), *first.LastProcessedBlock)

	second := reply.Instances[1]
	assert.Equal(t, ir.StateBackoff, second.State)
	assert.Nil(t, second.LastProcessedBlock)
	assert.Equal(t, 1, second.Failures)
	assert.Equal(t, "trapped", second.LastErrorClass)
	require.NotNil(t, second.NextAttemptAt)
	assert.True(t, next.Equal(*second.NextAttemptAt))
}

func TestStatus_GetInstanceNotFound(t *testing.T) {
	srv := newTestServer(t, createTestStore(t))

	var reply GetInstanceReply
	err := call(t, srv, "status.GetInstance", &GetInstanceArgs{ID: "nope"}, &reply)
	require.Error(t, err)
	var rpcErr *json2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrCodeNotFound, rpcErr.Code)

	require.NoError(t, call(t, srv, "status.GetInstance", &GetInstanceArgs{ID: "inst-2"}, &reply))
	assert.Equal(t, "inst-2", reply.Instance.ID)
	assert.Equal(t, "mod-1", reply.Instance.ModuleID)
}

func TestStatus_ListExecutions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	for i, st := range []ir.Status{ir.StatusTrapped, ir.StatusSuccess} {
		require.NoError(t, s.AppendExecution(ctx, ir.ExecutionRecord{
			ID:         []string{"exec-1", "exec-2"}[i],
			InstanceID: "inst-1",
			ModuleID:   "mod-1",
			Window:     ir.BlockRange{Start: 100, End: 110},
			Attempt:    i + 1,
			Status:     st,
			StartedAt:  testutil.Epoch.Add(time.Duration(i) * time.Second),
		}))
	}
	srv := newTestServer(t, s)

	var reply ListExecutionsReply
	require.NoError(t, call(t, srv, "status.ListExecutions", &ListExecutionsArgs{InstanceID: "inst-1"}, &reply))
	require.Len(t, reply.Executions, 2)
	assert.Equal(t, ir.StatusTrapped, reply.Executions[0].Status)
	assert.Equal(t, ir.StatusSuccess, reply.Executions[1].Status)

	require.NoError(t, call(t, srv, "status.ListExecutions", &ListExecutionsArgs{InstanceID: "inst-1", Limit: 1}, &reply))
	require.Len(t, reply.Executions, 1)
	assert.Equal(t, "exec-2", reply.Executions[0].ID)

	err := call(t, srv, "status.ListExecutions", &ListExecutionsArgs{InstanceID: "nope"}, &reply)
	var rpcErr *json2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrCodeNotFound, rpcErr.Code)
}

func TestIncidents_List(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	for _, inc := range []ir.Incident{
		{DedupKey: "k1", InstanceID: "inst-1", BlockNumber: 105, Severity: ir.SeverityHigh, Message: "owner changed", ExecutionID: "exec-1", CreatedAt: testutil.Epoch},
		{DedupKey: "k2", InstanceID: "inst-2", BlockNumber: 107, Severity: ir.SeverityLow, Message: "drift", ExecutionID: "exec-2", CreatedAt: testutil.Epoch},
	} {
		_, err := s.InsertIncident(ctx, inc, store.OutboxEntry{
			Kind:           store.OutboxIncident,
			IdempotencyKey: inc.DedupKey,
			Payload:        []byte(`{}`),
			CreatedAt:      testutil.Epoch,
		})
		require.NoError(t, err)
	}
	srv := newTestServer(t, s)

	var reply ListIncidentsReply
	require.NoError(t, call(t, srv, "incidents.List", &ListIncidentsArgs{}, &reply))
	assert.Len(t, reply.Incidents, 2)

	require.NoError(t, call(t, srv, "incidents.List", &ListIncidentsArgs{InstanceID: "inst-2"}, &reply))
	require.Len(t, reply.Incidents, 1)
	assert.Equal(t, "k2", reply.Incidents[0].DedupKey)
	assert.Equal(t, ir.SeverityLow, reply.Incidents[0].Severity)
}

func TestHandler_HealthzAndMetrics(t *testing.T) {
	s := createTestStore(t)
	srv := newTestServer(t, s)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Close())
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", createTestStore(t), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
