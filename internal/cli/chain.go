package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/vigil/internal/chaindata"
	"github.com/roach88/vigil/internal/config"
)

// ChainLoadResult is the output of chain load.
type ChainLoadResult struct {
	Blocks       int    `json:"blocks"`
	Transactions int    `json:"transactions"`
	Events       int    `json:"events"`
	LatestBlock  uint64 `json:"latest_block"`
}

// NewChainCommand creates the chain command group.
func NewChainCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Manage the local chain database",
	}
	cmd.AddCommand(newChainLoadCommand(rootOpts))
	cmd.AddCommand(newChainHeadCommand(rootOpts))
	return cmd
}

func newChainLoadCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load <fixtures.yaml>",
		Short: "Load chain records from a YAML fixture into the SQLite chain database",
		Long: `Load blocks, transactions and events from a YAML fixture.

Records that already exist are left unchanged, so a fixture can be loaded
more than once. Only the sqlite chain driver can be loaded; a PostgreSQL
chain is populated by its indexer.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChainLoad(rootOpts, args[0], cmd)
		},
	}
}

func runChainLoad(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, _, err := opts.loadConfig(cmd)
	if err != nil {
		return formatter.Fail("load config", err)
	}
	if cfg.Chain.Driver != config.DriverSQLite {
		return formatter.Fail("load chain",
			NewExitError(ExitCommandError, fmt.Sprintf("chain load needs the sqlite driver, configured driver is %q", cfg.Chain.Driver)))
	}

	f, err := chaindata.LoadFixture(path)
	if err != nil {
		return formatter.Fail("load fixture", err)
	}

	h, err := opts.openHost(cmd, hostNeeds{})
	if err != nil {
		return formatter.Fail("open host", err)
	}
	defer h.Close()

	src, err := chaindata.OpenSQLite(cfg.Chain.Path)
	if err != nil {
		return formatter.Fail("open chain database", err)
	}
	defer src.Close()

	ctx := commandContext(cmd)
	if err := src.Ingest(ctx, f); err != nil {
		return formatter.Fail("ingest fixture", err)
	}
	head, err := latestOrZero(ctx, src)
	if err != nil {
		return formatter.Fail("read chain head", err)
	}
	h.logger.Info("chain fixture loaded", "path", path, "blocks", len(f.Blocks), "latest_block", head)

	res := ChainLoadResult{
		Blocks:       len(f.Blocks),
		Transactions: len(f.Transactions),
		Events:       len(f.Events),
		LatestBlock:  head,
	}
	return formatter.Success(res, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Loaded %d blocks, %d transactions, %d events\n", res.Blocks, res.Transactions, res.Events)
		fmt.Fprintf(w, "  latest block: %d\n", res.LatestBlock)
	})
}

func newChainHeadCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "head",
		Short:         "Print the latest block in the chain database",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)
			h, err := rootOpts.openHost(cmd, hostNeeds{chain: true})
			if err != nil {
				return formatter.Fail("open host", err)
			}
			defer h.Close()

			head, err := h.chain.LatestBlock(commandContext(cmd))
			if err != nil {
				return formatter.Fail("read chain head", err)
			}
			return formatter.Success(map[string]uint64{"latest_block": head}, func(w io.Writer) {
				fmt.Fprintln(w, head)
			})
		},
	}
}

func latestOrZero(ctx context.Context, src chaindata.Source) (uint64, error) {
	head, err := src.LatestBlock(ctx)
	if errors.Is(err, chaindata.ErrNoBlocks) {
		return 0, nil
	}
	return head, err
}
