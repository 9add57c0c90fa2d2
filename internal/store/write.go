package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/vigil/internal/ir"
)

// InsertModule records a validated module.
// Uses ON CONFLICT(id) DO NOTHING: the ID is the content hash, so a second
// deployment of the same binary is a no-op and inserted is false.
func (s *Store) InsertModule(ctx context.Context, m ir.DaemonModule) (inserted bool, err error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO modules
		(id, owner, chain_type, size, blob_key, memory_pages, registered_at, retired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		m.ID,
		m.Owner,
		m.ChainType,
		m.Size,
		m.BlobKey,
		m.MemoryPages,
		toNanos(m.RegisteredAt),
		toNullNanos(m.RetiredAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert module: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert module: rows affected: %w", err)
	}
	return n > 0, nil
}

// RetireModule sets RetiredAt once. Retiring a retired module keeps the
// original time. Returns ErrNotFound for an unknown module.
func (s *Store) RetireModule(ctx context.Context, moduleID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE modules SET retired_at = COALESCE(retired_at, ?) WHERE id = ?
	`, toNanos(at), moduleID)
	if err != nil {
		return fmt.Errorf("retire module: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("retire module: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("retire module %s: %w", moduleID, ErrNotFound)
	}
	return nil
}

// InsertInstance records a new instance and its initial idle status.
// The referenced module must exist (foreign key constraint).
func (s *Store) InsertInstance(ctx context.Context, inst ir.DaemonInstance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert instance: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO instances
		(id, module_id, chain, address, start_block, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		inst.ID,
		inst.ModuleID,
		inst.Chain,
		inst.Address,
		int64(inst.StartBlock),
		toNanos(inst.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO instance_status (instance_id, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(instance_id) DO NOTHING
	`, inst.ID, string(ir.StateIdle), toNanos(inst.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert instance status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert instance: commit: %w", err)
	}
	return nil
}

// AdvanceCursor moves an instance's cursor to newLast.
// The update only applies when newLast is greater than the stored value,
// so concurrent or replayed writers can never move a cursor backwards.
// advanced is false when the stored value was not lower.
func (s *Store) AdvanceCursor(ctx context.Context, instanceID string, newLast uint64, at time.Time) (advanced bool, err error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (instance_id, last_processed_block, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			last_processed_block = excluded.last_processed_block,
			updated_at = excluded.updated_at
		WHERE excluded.last_processed_block > cursors.last_processed_block
	`, instanceID, int64(newLast), toNanos(at))
	if err != nil {
		return false, fmt.Errorf("advance cursor: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance cursor: rows affected: %w", err)
	}
	return n > 0, nil
}

// PutInstanceStatus replaces the persisted status of an instance.
func (s *Store) PutInstanceStatus(ctx context.Context, st ir.InstanceStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instance_status
		(instance_id, state, failures, last_error_class, last_error, next_attempt_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			state = excluded.state,
			failures = excluded.failures,
			last_error_class = excluded.last_error_class,
			last_error = excluded.last_error,
			next_attempt_at = excluded.next_attempt_at,
			updated_at = excluded.updated_at
	`,
		st.InstanceID,
		string(st.State),
		st.Failures,
		st.LastErrorClass,
		st.LastError,
		toNullNanos(st.NextAttemptAt),
		toNanos(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put instance status: %w", err)
	}
	return nil
}

// AcknowledgeInstance clears an instance's failures and returns it to
// idle. The scheduler picks the change up on its next tick.
// Returns ErrNotFound for an unknown instance.
func (s *Store) AcknowledgeInstance(ctx context.Context, instanceID string, at time.Time) error {
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return fmt.Errorf("acknowledge instance: %w", err)
	}
	return s.PutInstanceStatus(ctx, ir.InstanceStatus{
		InstanceID: instanceID,
		State:      ir.StateIdle,
		UpdatedAt:  at,
	})
}

// AppendExecution appends an execution record.
// Uses ON CONFLICT(id) DO NOTHING - records are immutable once written.
func (s *Store) AppendExecution(ctx context.Context, rec ir.ExecutionRecord) error {
	usage, err := marshalUsage(rec.Usage)
	if err != nil {
		return fmt.Errorf("append execution: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_records
		(id, instance_id, module_id, window_start, window_end, attempt, status, started_at, duration_ns, usage, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		rec.InstanceID,
		rec.ModuleID,
		int64(rec.Window.Start),
		int64(rec.Window.End),
		rec.Attempt,
		string(rec.Status),
		toNanos(rec.StartedAt),
		int64(rec.Duration),
		usage,
		rec.Detail,
	)
	if err != nil {
		return fmt.Errorf("append execution: %w", err)
	}
	return nil
}

// InsertIncident atomically writes an incident and its outbox entry.
//
// The incident insert uses ON CONFLICT(dedup_key) DO NOTHING. When the key
// already exists, inserted is false and no outbox entry is written, so a
// replayed report has no further external effect.
func (s *Store) InsertIncident(ctx context.Context, inc ir.Incident, out OutboxEntry) (inserted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("insert incident: begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO incidents
		(dedup_key, instance_id, block_number, transaction_hash, severity, message, execution_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dedup_key) DO NOTHING
	`,
		inc.DedupKey,
		inc.InstanceID,
		int64(inc.BlockNumber),
		inc.TransactionHash,
		string(inc.Severity),
		inc.Message,
		inc.ExecutionID,
		toNanos(inc.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert incident: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert incident: rows affected: %w", err)
	}
	if n == 0 {
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("insert incident: commit (existing): %w", err)
		}
		return false, nil
	}

	if err := enqueueOutbox(ctx, tx, out); err != nil {
		return false, fmt.Errorf("insert incident: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("insert incident: commit: %w", err)
	}
	return true, nil
}

// EnqueueOutbox adds an outbox entry. An entry with the same kind and
// idempotency key is left unchanged.
func (s *Store) EnqueueOutbox(ctx context.Context, out OutboxEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("enqueue outbox: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := enqueueOutbox(ctx, tx, out); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("enqueue outbox: commit: %w", err)
	}
	return nil
}

func enqueueOutbox(ctx context.Context, tx *sql.Tx, out OutboxEntry) error {
	if out.Kind == "" || out.IdempotencyKey == "" {
		return errors.New("enqueue outbox: kind and idempotency key are required")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox
		(kind, idempotency_key, payload, attempts, next_attempt_at, created_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(kind, idempotency_key) DO NOTHING
	`,
		out.Kind,
		out.IdempotencyKey,
		string(out.Payload),
		toNanos(out.CreatedAt),
		toNanos(out.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return nil
}

// MarkOutboxDelivered records a successful submission.
func (s *Store) MarkOutboxDelivered(ctx context.Context, seq int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET delivered_at = ?, attempts = attempts + 1, last_error = ''
		WHERE seq = ? AND delivered_at IS NULL
	`, toNanos(at), seq)
	if err != nil {
		return fmt.Errorf("mark outbox delivered: %w", err)
	}
	return nil
}

// MarkOutboxFailed records a failed attempt and when to retry.
func (s *Store) MarkOutboxFailed(ctx context.Context, seq int64, next time.Time, cause string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET attempts = attempts + 1, next_attempt_at = ?, last_error = ?
		WHERE seq = ? AND delivered_at IS NULL
	`, toNanos(next), cause, seq)
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}
