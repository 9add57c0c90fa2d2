package ir

import (
	"fmt"
	"time"
)

// BlockRange is an inclusive range of block numbers. A range with
// Start > End is empty.
type BlockRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Empty reports whether the range contains no blocks.
func (r BlockRange) Empty() bool {
	return r.Start > r.End
}

// Contains reports whether block lies inside the range.
func (r BlockRange) Contains(block uint64) bool {
	return !r.Empty() && block >= r.Start && block <= r.End
}

// Len returns the number of blocks in the range.
func (r BlockRange) Len() uint64 {
	if r.Empty() {
		return 0
	}
	return r.End - r.Start + 1
}

func (r BlockRange) String() string {
	return fmt.Sprintf("[%d,%d]", r.Start, r.End)
}

// DaemonModule is a deployed, validated WASM binary. The record is
// immutable apart from RetiredAt, which deactivation sets once.
type DaemonModule struct {
	ID           string     `json:"id"` // ModuleID(binary)
	Owner        string     `json:"owner"`
	ChainType    string     `json:"chain_type"`
	Size         int64      `json:"size"`
	BlobKey      string     `json:"blob_key"`
	MemoryPages  uint32     `json:"memory_pages"` // declared minimum
	Binary       []byte     `json:"-"`
	RegisteredAt time.Time  `json:"registered_at"`
	RetiredAt    *time.Time `json:"retired_at,omitempty"`
}

// Retired reports whether the module was deactivated.
func (m DaemonModule) Retired() bool {
	return m.RetiredAt != nil
}

// DaemonInstance binds a module to a chain subscription.
type DaemonInstance struct {
	ID         string    `json:"id"`
	ModuleID   string    `json:"module_id"`
	Chain      string    `json:"chain"`
	Address    string    `json:"address,omitempty"` // lowercase hex; empty = any
	StartBlock uint64    `json:"start_block"`
	CreatedAt  time.Time `json:"created_at"`
}

// Cursor is the last block an instance processed successfully.
type Cursor struct {
	InstanceID         string    `json:"instance_id"`
	LastProcessedBlock uint64    `json:"last_processed_block"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Severity grades an incident.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityByCode = []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// SeverityFromCode maps the ABI severity code (0..4) to a Severity.
func SeverityFromCode(code int32) (Severity, bool) {
	if code < 0 || int(code) >= len(severityByCode) {
		return "", false
	}
	return severityByCode[code], true
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	for _, known := range severityByCode {
		if s == known {
			return true
		}
	}
	return false
}

// IncidentDraft is what a guest reports through the report host call.
type IncidentDraft struct {
	BlockNumber     uint64   `json:"block_number"`
	TransactionHash string   `json:"transaction_hash,omitempty"`
	Severity        Severity `json:"severity"`
	Message         string   `json:"message"`
}

// Incident is a recorded, deduplicated finding.
type Incident struct {
	DedupKey        string    `json:"dedup_key"`
	InstanceID      string    `json:"instance_id"`
	BlockNumber     uint64    `json:"block_number"`
	TransactionHash string    `json:"transaction_hash,omitempty"`
	Severity        Severity  `json:"severity"`
	Message         string    `json:"message"`
	ExecutionID     string    `json:"execution_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// Status classifies how a sandbox run ended.
type Status string

const (
	StatusSuccess    Status = "success"
	StatusTrapped    Status = "trapped"
	StatusTimedOut   Status = "timed-out"
	StatusQueryError Status = "query-error"
	StatusRejected   Status = "rejected"
)

// Failed reports whether the run must not advance the cursor.
func (s Status) Failed() bool {
	return s != StatusSuccess
}

// Usage counts what a run consumed.
type Usage struct {
	HostCalls    int    `json:"host_calls"`
	Queries      int    `json:"queries"`
	QueryErrors  int    `json:"query_errors"`
	RowsReturned int    `json:"rows_returned"`
	MemoryPages  uint32 `json:"memory_pages"`
	Reports      int    `json:"reports"`
	Accepted     int    `json:"accepted"`
	Deduplicated int    `json:"deduplicated"`
}

// ExecutionRecord is the append-only outcome of one sandbox run.
type ExecutionRecord struct {
	ID         string        `json:"id"`
	InstanceID string        `json:"instance_id"`
	ModuleID   string        `json:"module_id"`
	Window     BlockRange    `json:"window"`
	Attempt    int           `json:"attempt"`
	Status     Status        `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration_ns"`
	Usage      Usage         `json:"usage"`
	Detail     string        `json:"detail,omitempty"`
}

// InstanceState is the scheduler state of a daemon instance.
type InstanceState string

const (
	StateIdle     InstanceState = "idle"
	StateRunning  InstanceState = "running"
	StateBackoff  InstanceState = "backoff"
	StateDegraded InstanceState = "degraded"
)

// InstanceStatus is the persisted, owner-visible health of an instance.
type InstanceStatus struct {
	InstanceID     string        `json:"instance_id"`
	State          InstanceState `json:"state"`
	Failures       int           `json:"failures"`
	LastErrorClass string        `json:"last_error_class,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	NextAttemptAt  *time.Time    `json:"next_attempt_at,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}
