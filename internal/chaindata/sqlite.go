package chaindata

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/vigil/internal/ir"
	"github.com/roach88/vigil/internal/querysql"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLite is a chain source backed by a local SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ Source = (*SQLite)(nil)

// OpenSQLite opens or creates the chain database at path and applies the
// schema. ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open chain database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect chain database: %w", err)
	}

	// One connection keeps ":memory:" databases shared and avoids
	// SQLITE_BUSY between ingest and reads.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply chain schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Dialect() querysql.Dialect {
	return querysql.DialectSQLite
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) LatestBlock(ctx context.Context) (uint64, error) {
	var latest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT max(number) FROM blocks").Scan(&latest); err != nil {
		return 0, fmt.Errorf("latest block: %w", err)
	}
	if !latest.Valid {
		return 0, ErrNoBlocks
	}
	return uint64(latest.Int64), nil
}

func (s *SQLite) Query(ctx context.Context, query string, args []any, fn func(row []any) error) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query chain data: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("read columns: %w", err)
	}

	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scan chain row: %w", err)
		}
		if err := fn(values); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate chain rows: %w", err)
	}
	return nil
}

// Ingest writes a fixture in one transaction. Records that already exist
// are left unchanged, so loading the same fixture twice is a no-op.
func (s *SQLite) Ingest(ctx context.Context, f Fixture) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ingest: %w", err)
	}
	defer tx.Rollback()

	for _, b := range f.Blocks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO blocks (number, hash, parent_hash, timestamp) VALUES (?, ?, ?, ?)
			 ON CONFLICT DO NOTHING`,
			int64(b.Number), ir.NormalizeHex(b.Hash), ir.NormalizeHex(b.ParentHash), b.Timestamp,
		); err != nil {
			return fmt.Errorf("insert block %d: %w", b.Number, err)
		}
	}

	for _, t := range f.Transactions {
		var to any
		if t.ToAddress != "" {
			to = ir.NormalizeHex(t.ToAddress)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transactions (hash, block_number, transaction_index, from_address, to_address)
			 VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			ir.NormalizeHex(t.Hash), int64(t.BlockNumber), t.TransactionIndex, ir.NormalizeHex(t.FromAddress), to,
		); err != nil {
			return fmt.Errorf("insert transaction %s: %w", t.Hash, err)
		}
	}

	for _, e := range f.Events {
		row, err := eventRow(e)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (address, topic0, topic1, topic2, topic3, data, transaction_hash, block_number, log_index)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			row...,
		); err != nil {
			return fmt.Errorf("insert event %d/%d: %w", e.BlockNumber, e.LogIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ingest: %w", err)
	}
	return nil
}

// eventRow converts an event to insert arguments in column order.
func eventRow(e Event) ([]any, error) {
	if len(e.Topics) > 4 {
		return nil, fmt.Errorf("event %d/%d has %d topics, at most 4 allowed", e.BlockNumber, e.LogIndex, len(e.Topics))
	}
	data, err := ir.ParseHexBytes(e.Data)
	if err != nil {
		return nil, fmt.Errorf("event %d/%d data: %w", e.BlockNumber, e.LogIndex, err)
	}
	if data == nil {
		data = ir.Bytes{}
	}

	topics := make([]any, 4)
	for i, t := range e.Topics {
		topics[i] = ir.NormalizeHex(t)
	}
	return []any{
		ir.NormalizeHex(e.Address), topics[0], topics[1], topics[2], topics[3],
		[]byte(data), ir.NormalizeHex(e.TransactionHash), int64(e.BlockNumber), e.LogIndex,
	}, nil
}
