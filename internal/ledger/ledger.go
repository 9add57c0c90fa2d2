// Package ledger submits incidents and module registrations to the
// external ledger transaction layer.
//
// Every call carries an idempotency key. The ledger treats a repeated key
// as the same request, which makes forwarder retries safe.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/vigil/internal/ir"
)

// Registration announces a deployed module.
type Registration struct {
	ModuleID     string    `json:"module_id"`
	Owner        string    `json:"owner"`
	ChainType    string    `json:"chain_type"`
	Size         int64     `json:"size"`
	RegisteredAt time.Time `json:"registered_at"`
}

// RegistrationFor builds the registration of m.
func RegistrationFor(m ir.DaemonModule) Registration {
	return Registration{
		ModuleID:     m.ID,
		Owner:        m.Owner,
		ChainType:    m.ChainType,
		Size:         m.Size,
		RegisteredAt: m.RegisteredAt,
	}
}

// Client is the ledger transaction layer.
type Client interface {
	SubmitIncident(ctx context.Context, idempotencyKey string, inc ir.Incident) error
	RegisterModule(ctx context.Context, idempotencyKey string, reg Registration) error
}

// Error is a failed ledger call. Permanent errors are not retried.
type Error struct {
	Op         string
	StatusCode int // HTTP status; 0 for transport failures
	Permanent  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ledger %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a ledger rejection that retrying
// cannot fix.
func IsPermanent(err error) bool {
	var le *Error
	return errors.As(err, &le) && le.Permanent
}

// Noop accepts everything and does nothing.
type Noop struct{}

func (Noop) SubmitIncident(context.Context, string, ir.Incident) error   { return nil }
func (Noop) RegisterModule(context.Context, string, Registration) error { return nil }
