// Package incident records guest-reported incidents exactly once and
// forwards them to the ledger.
//
// Report validates a draft, derives its dedup key and writes the incident
// and its outbox entry in one transaction. A replayed window reports the
// same findings again; those resolve to the existing incident and return
// OutcomeDeduplicated. Forwarding happens later, from the outbox, so a
// slow or failing ledger never holds up a sandbox run.
package incident

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/roach88/vigil/internal/ir"
	"github.com/roach88/vigil/internal/metrics"
	"github.com/roach88/vigil/internal/store"
)

// DefaultMaxMessageBytes bounds a message when none is configured.
const DefaultMaxMessageBytes = 4096

// Outcome is the result of an accepted report.
type Outcome string

const (
	OutcomeAccepted     Outcome = "accepted"
	OutcomeDeduplicated Outcome = "deduplicated"
)

// Store is the persistence Report needs. *store.Store implements it.
type Store interface {
	InsertIncident(ctx context.Context, inc ir.Incident, out store.OutboxEntry) (bool, error)
}

// Pipeline validates and records incidents.
type Pipeline struct {
	store           Store
	maxMessageBytes int
	now             func() time.Time
	logger          *slog.Logger
	metrics         *metrics.Metrics
	notify          func()
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMaxMessageBytes bounds the message length in bytes.
func WithMaxMessageBytes(n int) Option {
	return func(p *Pipeline) { p.maxMessageBytes = n }
}

// WithClock sets the time source for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLogger sets the pipeline's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics records report outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithNotify sets a callback run after each accepted incident, typically
// Forwarder.Notify.
func WithNotify(fn func()) Option {
	return func(p *Pipeline) { p.notify = fn }
}

// NewPipeline creates a pipeline over s.
func NewPipeline(s Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:           s,
		maxMessageBytes: DefaultMaxMessageBytes,
		now:             time.Now,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Validate checks draft against the run's window. It returns an
// *InvalidError describing the first problem.
func (p *Pipeline) Validate(window ir.BlockRange, draft ir.IncidentDraft) error {
	if !window.Contains(draft.BlockNumber) {
		return invalid("block_number", "block %d is outside window %s", draft.BlockNumber, window)
	}
	if !draft.Severity.Valid() {
		return invalid("severity", "unknown severity %q", draft.Severity)
	}
	if p.maxMessageBytes > 0 && len(draft.Message) > p.maxMessageBytes {
		return invalid("message", "%d bytes exceeds limit of %d", len(draft.Message), p.maxMessageBytes)
	}
	if !utf8.ValidString(draft.Message) {
		return invalid("message", "not valid UTF-8")
	}
	if draft.TransactionHash != "" && !ir.IsHexText(draft.TransactionHash) {
		return invalid("transaction_hash", "%q is not hex", draft.TransactionHash)
	}
	return nil
}

// Report records draft for instanceID. Reporting the same (instance, block,
// transaction, message) again returns OutcomeDeduplicated and leaves the
// first incident untouched.
func (p *Pipeline) Report(ctx context.Context, instanceID string, window ir.BlockRange, executionID string, draft ir.IncidentDraft) (Outcome, error) {
	if err := p.Validate(window, draft); err != nil {
		p.metrics.ObserveIncident("invalid")
		return "", err
	}

	txHash := ir.NormalizeHex(draft.TransactionHash)
	key, err := ir.DedupKey(instanceID, draft.BlockNumber, txHash, draft.Message)
	if err != nil {
		return "", fmt.Errorf("report: %w", err)
	}

	inc := ir.Incident{
		DedupKey:        key,
		InstanceID:      instanceID,
		BlockNumber:     draft.BlockNumber,
		TransactionHash: txHash,
		Severity:        draft.Severity,
		Message:         draft.Message,
		ExecutionID:     executionID,
		CreatedAt:       p.now().UTC(),
	}
	payload, err := json.Marshal(inc)
	if err != nil {
		return "", fmt.Errorf("report: marshal incident: %w", err)
	}

	inserted, err := p.store.InsertIncident(ctx, inc, store.OutboxEntry{
		Kind:           store.OutboxIncident,
		IdempotencyKey: key,
		Payload:        payload,
		CreatedAt:      inc.CreatedAt,
	})
	if err != nil {
		return "", fmt.Errorf("report: %w", err)
	}

	if !inserted {
		p.metrics.ObserveIncident(string(OutcomeDeduplicated))
		p.logger.Debug("incident deduplicated",
			"instance_id", instanceID,
			"block_number", draft.BlockNumber,
			"dedup_key", key,
		)
		return OutcomeDeduplicated, nil
	}

	p.metrics.ObserveIncident(string(OutcomeAccepted))
	p.logger.Info("incident recorded",
		"instance_id", instanceID,
		"block_number", draft.BlockNumber,
		"severity", draft.Severity,
		"execution_id", executionID,
		"dedup_key", key,
	)
	if p.notify != nil {
		p.notify()
	}
	return OutcomeAccepted, nil
}
