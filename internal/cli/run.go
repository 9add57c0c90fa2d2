package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/vigil/internal/cursor"
	"github.com/roach88/vigil/internal/ids"
	"github.com/roach88/vigil/internal/incident"
	"github.com/roach88/vigil/internal/ir"
	"github.com/roach88/vigil/internal/logging"
	"github.com/roach88/vigil/internal/metrics"
	"github.com/roach88/vigil/internal/sandbox"
	"github.com/roach88/vigil/internal/scheduler"
	"github.com/roach88/vigil/internal/status"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon host",
		Long: `Run the scheduler, the ledger forwarder and the status server until
SIGINT or SIGTERM.

Runs in flight when the signal arrives are allowed to finish within their
budget; their outcome is recorded before the process exits.

Example:
  vigil run --config /etc/vigil/vigil.yaml
  vigil run --data-dir ./data --status-addr 127.0.0.1:7420 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(rootOpts, cmd)
		},
	}
	return cmd
}

func runHost(opts *RootOptions, cmd *cobra.Command) error {
	h, err := opts.openHost(cmd, hostNeeds{store: true, chain: true, blobs: true})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open host", err)
	}
	defer h.Close()

	client, err := h.ledgerClient()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create ledger client", err)
	}

	m := metrics.New()
	cfg := h.cfg

	forwarder := incident.NewForwarder(h.store, client, cfg.ForwarderConfig(),
		incident.WithForwarderLogger(logging.Component("forwarder")),
		incident.WithForwarderMetrics(m),
	)
	pipeline := incident.NewPipeline(h.store,
		incident.WithMaxMessageBytes(cfg.Incidents.MaxMessageBytes),
		incident.WithLogger(logging.Component("incidents")),
		incident.WithMetrics(m),
		incident.WithNotify(forwarder.Notify),
	)
	runtime := sandbox.NewRuntime(h.validator(), h.queryEngine(), pipeline,
		sandbox.WithLoader(h.blobs),
		sandbox.WithIDs(ids.UUIDv7{}),
		sandbox.WithLogger(logging.Component("sandbox")),
	)
	defer func() {
		if err := runtime.Close(context.Background()); err != nil {
			h.logger.Warn("close sandbox runtime", "error", err)
		}
	}()

	sched := scheduler.New(h.store, cursor.New(h.store), runtime, h.chain, cfg.SchedulerConfig(),
		scheduler.WithLogger(logging.Component("scheduler")),
		scheduler.WithMetrics(m),
	)

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return forwarder.Run(gctx) })
	if cfg.Status.Enabled {
		srv, err := status.NewServer(cfg.Status.Addr, h.store, m, logging.Component("status"))
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create status server", err)
		}
		g.Go(func() error { return srv.Run(gctx) })
	}

	h.logger.Info("host started",
		"version", ir.HostVersion,
		"db_path", cfg.DBPath,
		"chain_driver", cfg.Chain.Driver,
		"modules_url", cfg.Modules.URL,
		"ledger_mode", cfg.Ledger.Mode,
		"status_enabled", cfg.Status.Enabled,
	)
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "host stopped with error", err)
	}
	h.logger.Info("host stopped")
	fmt.Fprintln(cmd.OutOrStdout(), "vigil stopped")
	return nil
}
