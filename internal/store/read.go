package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/vigil/internal/ir"
)

// Outbox entry kinds.
const (
	OutboxIncident = "incident"
	OutboxModule   = "module"
)

// OutboxEntry is a pending external side effect. Payload is the JSON body
// submitted to the ledger; IdempotencyKey travels with every attempt.
type OutboxEntry struct {
	Seq            int64
	Kind           string
	IdempotencyKey string
	Payload        []byte
	Attempts       int
	NextAttemptAt  time.Time
	LastError      string
	CreatedAt      time.Time
	DeliveredAt    *time.Time
}

// Delivered reports whether the entry was submitted successfully.
func (e OutboxEntry) Delivered() bool {
	return e.DeliveredAt != nil
}

// IncidentFilter narrows ListIncidents. Zero values match everything.
type IncidentFilter struct {
	InstanceID string
	Limit      int
}

type scanner interface {
	Scan(dest ...any) error
}

// GetModule returns a module by ID or ErrNotFound.
func (s *Store) GetModule(ctx context.Context, id string) (ir.DaemonModule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, chain_type, size, blob_key, memory_pages, registered_at, retired_at
		FROM modules WHERE id = ?
	`, id)
	m, err := scanModule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.DaemonModule{}, fmt.Errorf("module %s: %w", id, ErrNotFound)
	}
	return m, err
}

// ListModules returns all modules ordered by registration.
func (s *Store) ListModules(ctx context.Context) ([]ir.DaemonModule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, chain_type, size, blob_key, memory_pages, registered_at, retired_at
		FROM modules
		ORDER BY registered_at ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query modules: %w", err)
	}
	defer rows.Close()

	modules := []ir.DaemonModule{}
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, err
		}
		modules = append(modules, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate modules: %w", err)
	}
	return modules, nil
}

func scanModule(row scanner) (ir.DaemonModule, error) {
	var (
		m          ir.DaemonModule
		registered int64
		retired    sql.NullInt64
	)
	err := row.Scan(&m.ID, &m.Owner, &m.ChainType, &m.Size, &m.BlobKey, &m.MemoryPages, &registered, &retired)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.DaemonModule{}, err
	}
	if err != nil {
		return ir.DaemonModule{}, fmt.Errorf("scan module: %w", err)
	}
	m.RegisteredAt = fromNanos(registered)
	m.RetiredAt = fromNullNanos(retired)
	return m, nil
}

// GetInstance returns an instance by ID or ErrNotFound.
func (s *Store) GetInstance(ctx context.Context, id string) (ir.DaemonInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, module_id, chain, address, start_block, created_at
		FROM instances WHERE id = ?
	`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.DaemonInstance{}, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return inst, err
}

// ListInstances returns every instance in creation order.
func (s *Store) ListInstances(ctx context.Context) ([]ir.DaemonInstance, error) {
	return s.listInstances(ctx, `
		SELECT id, module_id, chain, address, start_block, created_at
		FROM instances
		ORDER BY seq ASC
	`)
}

// ListActiveInstances returns instances whose module is not retired, in
// creation order. These are the instances the scheduler runs.
func (s *Store) ListActiveInstances(ctx context.Context) ([]ir.DaemonInstance, error) {
	return s.listInstances(ctx, `
		SELECT i.id, i.module_id, i.chain, i.address, i.start_block, i.created_at
		FROM instances i
		JOIN modules m ON m.id = i.module_id
		WHERE m.retired_at IS NULL
		ORDER BY i.seq ASC
	`)
}

func (s *Store) listInstances(ctx context.Context, query string) ([]ir.DaemonInstance, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	instances := []ir.DaemonInstance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return instances, nil
}

func scanInstance(row scanner) (ir.DaemonInstance, error) {
	var (
		inst    ir.DaemonInstance
		start   int64
		created int64
	)
	err := row.Scan(&inst.ID, &inst.ModuleID, &inst.Chain, &inst.Address, &start, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.DaemonInstance{}, err
	}
	if err != nil {
		return ir.DaemonInstance{}, fmt.Errorf("scan instance: %w", err)
	}
	inst.StartBlock = uint64(start)
	inst.CreatedAt = fromNanos(created)
	return inst, nil
}

// GetCursor returns the stored cursor for an instance.
// ok is false if the instance has never advanced.
func (s *Store) GetCursor(ctx context.Context, instanceID string) (c ir.Cursor, ok bool, err error) {
	var last, updated int64
	err = s.db.QueryRowContext(ctx, `
		SELECT last_processed_block, updated_at FROM cursors WHERE instance_id = ?
	`, instanceID).Scan(&last, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Cursor{}, false, nil
	}
	if err != nil {
		return ir.Cursor{}, false, fmt.Errorf("get cursor: %w", err)
	}
	return ir.Cursor{
		InstanceID:         instanceID,
		LastProcessedBlock: uint64(last),
		UpdatedAt:          fromNanos(updated),
	}, true, nil
}

// GetInstanceStatus returns the persisted status or ErrNotFound.
func (s *Store) GetInstanceStatus(ctx context.Context, instanceID string) (ir.InstanceStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT instance_id, state, failures, last_error_class, last_error, next_attempt_at, updated_at
		FROM instance_status WHERE instance_id = ?
	`, instanceID)
	st, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.InstanceStatus{}, fmt.Errorf("status %s: %w", instanceID, ErrNotFound)
	}
	return st, err
}

// ListInstanceStatus returns the status of every instance in creation order.
func (s *Store) ListInstanceStatus(ctx context.Context) ([]ir.InstanceStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT st.instance_id, st.state, st.failures, st.last_error_class, st.last_error, st.next_attempt_at, st.updated_at
		FROM instance_status st
		JOIN instances i ON i.id = st.instance_id
		ORDER BY i.seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query instance status: %w", err)
	}
	defer rows.Close()

	out := []ir.InstanceStatus{}
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instance status: %w", err)
	}
	return out, nil
}

func scanStatus(row scanner) (ir.InstanceStatus, error) {
	var (
		st      ir.InstanceStatus
		state   string
		next    sql.NullInt64
		updated int64
	)
	err := row.Scan(&st.InstanceID, &state, &st.Failures, &st.LastErrorClass, &st.LastError, &next, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.InstanceStatus{}, err
	}
	if err != nil {
		return ir.InstanceStatus{}, fmt.Errorf("scan instance status: %w", err)
	}
	st.State = ir.InstanceState(state)
	st.NextAttemptAt = fromNullNanos(next)
	st.UpdatedAt = fromNanos(updated)
	return st, nil
}

// ListExecutions returns an instance's execution records, oldest first.
// A positive limit keeps only the most recent records.
func (s *Store) ListExecutions(ctx context.Context, instanceID string, limit int) ([]ir.ExecutionRecord, error) {
	query := `
		SELECT id, instance_id, module_id, window_start, window_end, attempt, status, started_at, duration_ns, usage, detail
		FROM (
			SELECT * FROM execution_records
			WHERE instance_id = ?
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC
	`
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, query, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	out := []ir.ExecutionRecord{}
	for rows.Next() {
		var (
			rec        ir.ExecutionRecord
			start, end int64
			status     string
			started    int64
			duration   int64
			usage      string
		)
		if err := rows.Scan(&rec.ID, &rec.InstanceID, &rec.ModuleID, &start, &end, &rec.Attempt,
			&status, &started, &duration, &usage, &rec.Detail); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		rec.Window = ir.BlockRange{Start: uint64(start), End: uint64(end)}
		rec.Status = ir.Status(status)
		rec.StartedAt = fromNanos(started)
		rec.Duration = time.Duration(duration)
		if rec.Usage, err = unmarshalUsage(usage); err != nil {
			return nil, fmt.Errorf("execution %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return out, nil
}

// ListIncidents returns incidents in insertion order.
func (s *Store) ListIncidents(ctx context.Context, f IncidentFilter) ([]ir.Incident, error) {
	query := `
		SELECT dedup_key, instance_id, block_number, transaction_hash, severity, message, execution_id, created_at
		FROM incidents
		WHERE (? = '' OR instance_id = ?)
		ORDER BY seq ASC
		LIMIT ?
	`
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, query, f.InstanceID, f.InstanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	out := []ir.Incident{}
	for rows.Next() {
		var (
			inc      ir.Incident
			block    int64
			severity string
			created  int64
		)
		if err := rows.Scan(&inc.DedupKey, &inc.InstanceID, &block, &inc.TransactionHash,
			&severity, &inc.Message, &inc.ExecutionID, &created); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		inc.BlockNumber = uint64(block)
		inc.Severity = ir.Severity(severity)
		inc.CreatedAt = fromNanos(created)
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}
	return out, nil
}

// DueOutbox returns undelivered entries whose next attempt is at or before
// now, oldest first.
func (s *Store) DueOutbox(ctx context.Context, now time.Time, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, idempotency_key, payload, attempts, next_attempt_at, last_error, created_at, delivered_at
		FROM outbox
		WHERE delivered_at IS NULL AND next_attempt_at <= ?
		ORDER BY seq ASC
		LIMIT ?
	`, toNanos(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	out := []OutboxEntry{}
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return out, nil
}

// GetOutbox returns an outbox entry by kind and idempotency key.
func (s *Store) GetOutbox(ctx context.Context, kind, key string) (OutboxEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, kind, idempotency_key, payload, attempts, next_attempt_at, last_error, created_at, delivered_at
		FROM outbox WHERE kind = ? AND idempotency_key = ?
	`, kind, key)
	e, err := scanOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return OutboxEntry{}, fmt.Errorf("outbox %s/%s: %w", kind, key, ErrNotFound)
	}
	return e, err
}

// PendingOutbox returns the number of undelivered entries.
func (s *Store) PendingOutbox(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM outbox WHERE delivered_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}

func scanOutbox(row scanner) (OutboxEntry, error) {
	var (
		e         OutboxEntry
		payload   string
		next      int64
		created   int64
		delivered sql.NullInt64
	)
	err := row.Scan(&e.Seq, &e.Kind, &e.IdempotencyKey, &payload, &e.Attempts, &next, &e.LastError, &created, &delivered)
	if errors.Is(err, sql.ErrNoRows) {
		return OutboxEntry{}, err
	}
	if err != nil {
		return OutboxEntry{}, fmt.Errorf("scan outbox: %w", err)
	}
	e.Payload = []byte(payload)
	e.NextAttemptAt = fromNanos(next)
	e.CreatedAt = fromNanos(created)
	e.DeliveredAt = fromNullNanos(delivered)
	return e, nil
}
