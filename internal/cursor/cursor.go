// Package cursor tracks the next unprocessed block of each daemon instance.
//
// A cursor only moves forward. The scheduler is its single writer and
// advances it once per successful run, after the run's incidents are
// durable. A crash between the two replays the window, which the incident
// pipeline absorbs through deduplication.
package cursor

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/vigil/internal/ir"
)

// Backend is the persistence the cursor store needs. *store.Store
// implements it.
type Backend interface {
	GetInstance(ctx context.Context, id string) (ir.DaemonInstance, error)
	GetCursor(ctx context.Context, instanceID string) (ir.Cursor, bool, error)
	AdvanceCursor(ctx context.Context, instanceID string, newLast uint64, at time.Time) (bool, error)
}

// Store reads and advances cursors.
type Store struct {
	backend Backend
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source for cursor timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a Store over backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the first block the instance has not processed: the stored
// last block plus one, or the instance StartBlock if it never advanced.
func (s *Store) Get(ctx context.Context, instanceID string) (uint64, error) {
	c, ok, err := s.backend.GetCursor(ctx, instanceID)
	if err != nil {
		return 0, fmt.Errorf("cursor get %s: %w", instanceID, err)
	}
	if ok {
		return c.LastProcessedBlock + 1, nil
	}
	inst, err := s.backend.GetInstance(ctx, instanceID)
	if err != nil {
		return 0, fmt.Errorf("cursor get %s: %w", instanceID, err)
	}
	return inst.StartBlock, nil
}

// Advance records newLast as the last processed block. newLast must be at
// or past Get's result; anything else returns a *RegressionError and the
// cursor is unchanged.
func (s *Store) Advance(ctx context.Context, instanceID string, newLast uint64) error {
	next, err := s.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if newLast < next {
		return &RegressionError{InstanceID: instanceID, Current: next - 1, Requested: newLast}
	}

	advanced, err := s.backend.AdvanceCursor(ctx, instanceID, newLast, s.now())
	if err != nil {
		return fmt.Errorf("cursor advance %s: %w", instanceID, err)
	}
	if !advanced {
		// Lost a race with another writer.
		c, _, _ := s.backend.GetCursor(ctx, instanceID)
		return &RegressionError{InstanceID: instanceID, Current: c.LastProcessedBlock, Requested: newLast}
	}
	return nil
}
