// Package chaindata provides read access to indexed chain data.
//
// A Source executes compiled, parameterized SQL against the blocks,
// transactions and events tables. The host never writes chain data in
// production; SQLite supports Ingest for fixtures and local runs.
package chaindata

import (
	"context"
	"errors"

	"github.com/roach88/vigil/internal/querysql"
)

// ErrNoBlocks is returned by LatestBlock when the source has no blocks.
var ErrNoBlocks = errors.New("chain source has no blocks")

// Source is a read-only chain data source.
type Source interface {
	// Dialect selects the SQL flavour the query compiler emits.
	Dialect() querysql.Dialect

	// LatestBlock returns the highest indexed block number.
	LatestBlock(ctx context.Context) (uint64, error)

	// Query runs sql with args and calls fn once per row, in order.
	// Values are int64, string, []byte or nil. Returning an error from fn
	// stops iteration and is returned unchanged.
	Query(ctx context.Context, sql string, args []any, fn func(row []any) error) error

	Close() error
}

// Block is an indexed block.
type Block struct {
	Number     uint64 `yaml:"number" json:"number"`
	Hash       string `yaml:"hash" json:"hash"`
	ParentHash string `yaml:"parent_hash" json:"parent_hash"`
	Timestamp  int64  `yaml:"timestamp" json:"timestamp"`
}

// Transaction is an indexed transaction.
type Transaction struct {
	Hash             string `yaml:"hash" json:"hash"`
	BlockNumber      uint64 `yaml:"block_number" json:"block_number"`
	TransactionIndex int    `yaml:"transaction_index" json:"transaction_index"`
	FromAddress      string `yaml:"from_address" json:"from_address"`
	ToAddress        string `yaml:"to_address,omitempty" json:"to_address,omitempty"` // empty = contract creation
}

// Event is an indexed event log.
type Event struct {
	Address         string   `yaml:"address" json:"address"`
	Topics          []string `yaml:"topics" json:"topics"` // at most four
	Data            string   `yaml:"data" json:"data"`     // 0x-prefixed hex
	TransactionHash string   `yaml:"transaction_hash" json:"transaction_hash"`
	BlockNumber     uint64   `yaml:"block_number" json:"block_number"`
	LogIndex        int      `yaml:"log_index" json:"log_index"`
}

// Fixture is a batch of chain records to ingest.
type Fixture struct {
	Blocks       []Block       `yaml:"blocks" json:"blocks"`
	Transactions []Transaction `yaml:"transactions" json:"transactions"`
	Events       []Event       `yaml:"events" json:"events"`
}
