package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/vigil/internal/chaindata"
	"github.com/roach88/vigil/internal/config"
	"github.com/roach88/vigil/internal/deploy"
	"github.com/roach88/vigil/internal/ledger"
	"github.com/roach88/vigil/internal/logging"
	"github.com/roach88/vigil/internal/modulestore"
	"github.com/roach88/vigil/internal/query"
	"github.com/roach88/vigil/internal/store"
)

// host holds the resources a command opened. Close releases them in
// reverse order.
type host struct {
	cfg    config.Config
	logger *slog.Logger

	store  *store.Store
	chain  chaindata.Source
	blobs  *modulestore.Store
	closer []func() error
}

// hostNeeds selects what openHost opens beyond config and logging.
type hostNeeds struct {
	store bool
	chain bool
	blobs bool
}

// loadConfig loads configuration for cmd and installs the logger.
func (o *RootOptions) loadConfig(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.ConfigPath, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	lc := cfg.Logging()
	if o.Verbose {
		lc.Level = "debug"
	}
	logger := logging.SetupWriter(cmd.ErrOrStderr(), lc)
	return cfg, logger, nil
}

func (o *RootOptions) openHost(cmd *cobra.Command, needs hostNeeds) (*host, error) {
	cfg, logger, err := o.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	h := &host{cfg: cfg, logger: logger}
	ctx := commandContext(cmd)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	if needs.store {
		st, err := store.Open(cfg.DBPath)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("open host database: %w", err)
		}
		h.store = st
		h.closer = append(h.closer, st.Close)
	}
	if needs.chain {
		src, err := openChain(ctx, cfg)
		if err != nil {
			h.Close()
			return nil, err
		}
		h.chain = src
		h.closer = append(h.closer, src.Close)
	}
	if needs.blobs {
		blobs, err := modulestore.Open(ctx, cfg.Modules.URL)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("open module store: %w", err)
		}
		h.blobs = blobs
		h.closer = append(h.closer, blobs.Close)
	}
	return h, nil
}

// commandContext returns cmd's context, or Background when it was not
// executed with one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// Close releases everything the host opened.
func (h *host) Close() {
	for i := len(h.closer) - 1; i >= 0; i-- {
		if err := h.closer[i](); err != nil && h.logger != nil {
			h.logger.Warn("close failed", "error", err)
		}
	}
	h.closer = nil
}

func openChain(ctx context.Context, cfg config.Config) (chaindata.Source, error) {
	switch cfg.Chain.Driver {
	case config.DriverPostgres:
		src, err := chaindata.OpenPostgres(ctx, cfg.PostgresConfig())
		if err != nil {
			return nil, fmt.Errorf("open chain database: %w", err)
		}
		return src, nil
	default:
		src, err := chaindata.OpenSQLite(cfg.Chain.Path)
		if err != nil {
			return nil, fmt.Errorf("open chain database: %w", err)
		}
		return src, nil
	}
}

func (h *host) validator() *deploy.Validator {
	return deploy.NewValidator(deploy.WithMaxMemoryPages(h.cfg.Sandbox.MemoryLimitPages))
}

func (h *host) queryEngine() *query.Engine {
	return query.NewEngine(h.chain,
		query.WithLimits(h.cfg.QueryLimits()),
		query.WithLogger(logging.Component("query")),
	)
}

// ledgerClient builds the configured ledger client.
func (h *host) ledgerClient() (ledger.Client, error) {
	switch h.cfg.Ledger.Mode {
	case config.LedgerHTTP:
		var opts []ledger.HTTPOption
		if h.cfg.Ledger.Token != "" {
			opts = append(opts, ledger.WithBearerToken(h.cfg.Ledger.Token))
		}
		return ledger.NewHTTPClient(h.cfg.Ledger.Endpoint, opts...), nil
	case config.LedgerFile:
		c, err := ledger.NewFileClient(h.cfg.Ledger.Dir)
		if err != nil {
			return nil, fmt.Errorf("open ledger backup: %w", err)
		}
		return c, nil
	case config.LedgerNone:
		return ledger.Noop{}, nil
	default:
		return nil, errors.New("unknown ledger mode " + h.cfg.Ledger.Mode)
	}
}
