package chaindata

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/vigil/internal/querysql"
)

//go:embed schema_postgres.sql
var postgresSchema string

// PostgresConfig configures a Postgres chain source.
type PostgresConfig struct {
	DSN string

	// MaxConns bounds the pool; 0 uses 5.
	MaxConns int32

	// InitSchema creates the chain tables if they are missing. Leave off
	// when an external indexer owns the schema.
	InitSchema bool
}

// Postgres is a chain source over an external indexer's database.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Source = (*Postgres)(nil)

// OpenPostgres connects to the indexer database and verifies the
// connection.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = 5
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if cfg.InitSchema {
		if _, err := pool.Exec(ctx, postgresSchema); err != nil {
			pool.Close()
			return nil, fmt.Errorf("init chain schema: %w", err)
		}
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Dialect() querysql.Dialect {
	return querysql.DialectPostgres
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) LatestBlock(ctx context.Context) (uint64, error) {
	var latest *int64
	if err := p.pool.QueryRow(ctx, "SELECT max(number) FROM blocks").Scan(&latest); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNoBlocks
		}
		return 0, fmt.Errorf("latest block: %w", err)
	}
	if latest == nil {
		return 0, ErrNoBlocks
	}
	return uint64(*latest), nil
}

func (p *Postgres) Query(ctx context.Context, query string, args []any, fn func(row []any) error) error {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query chain data: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
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
