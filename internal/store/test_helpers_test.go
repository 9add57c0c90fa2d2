package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/vigil/internal/ir"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestModule creates a module record with minimal required fields.
func createTestModule(id string) ir.DaemonModule {
	return ir.DaemonModule{
		ID:           id,
		Owner:        "owner-1",
		ChainType:    "evm",
		Size:         128,
		BlobKey:      id + ".wasm.zst",
		MemoryPages:  1,
		RegisteredAt: testTime,
	}
}

// createTestInstance creates an instance bound to moduleID.
func createTestInstance(id, moduleID string) ir.DaemonInstance {
	return ir.DaemonInstance{
		ID:         id,
		ModuleID:   moduleID,
		Chain:      "ethereum",
		Address:    "0xsafe",
		StartBlock: 100,
		CreatedAt:  testTime,
	}
}

// seedInstance inserts a module and one instance bound to it.
func seedInstance(t *testing.T, s *Store, instanceID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.InsertModule(ctx, createTestModule("mod-1")); err != nil {
		t.Fatalf("InsertModule() failed: %v", err)
	}
	if err := s.InsertInstance(ctx, createTestInstance(instanceID, "mod-1")); err != nil {
		t.Fatalf("InsertInstance() failed: %v", err)
	}
}

func createTestIncident(instanceID string, block uint64, message string) ir.Incident {
	return ir.Incident{
		DedupKey:    ir.MustDedupKey(instanceID, block, "", message),
		InstanceID:  instanceID,
		BlockNumber: block,
		Severity:    ir.SeverityHigh,
		Message:     message,
		ExecutionID: "exec-1",
		CreatedAt:   testTime,
	}
}

func outboxFor(inc ir.Incident) OutboxEntry {
	return OutboxEntry{
		Kind:           OutboxIncident,
		IdempotencyKey: inc.DedupKey,
		Payload:        []byte(`{"message":"` + inc.Message + `"}`),
		CreatedAt:      inc.CreatedAt,
	}
}
