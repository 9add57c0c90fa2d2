package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/vigil/internal/deploy"
	"github.com/roach88/vigil/internal/ids"
	"github.com/roach88/vigil/internal/ir"
	"github.com/roach88/vigil/internal/logging"
	"github.com/roach88/vigil/internal/manifest"
)

// DeployResult is the output of the deploy command.
type DeployResult struct {
	ModuleID  string              `json:"module_id"`
	New       bool                `json:"new"`
	Instances []ir.DaemonInstance `json:"instances"`
}

// NewDeployCommand creates the deploy command.
func NewDeployCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy <manifest.cue>",
		Short: "Validate and register a module and its instances",
		Long: `Deploy a module from a CUE manifest.

The binary named by the manifest is validated, stored in the module store
and registered with its owner metadata. One instance is created per
manifest entry, and the registration is queued for the ledger.

Deploying a binary that is already registered adds instances to the
existing module.

Example:
  vigil deploy ./guard/manifest.cue`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runDeploy(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	m, err := manifest.Load(path)
	if err != nil {
		return formatter.Fail("load manifest", err)
	}
	req, err := m.Request()
	if err != nil {
		return formatter.Fail("load manifest", err)
	}

	h, err := opts.openHost(cmd, hostNeeds{store: true, blobs: true})
	if err != nil {
		return formatter.Fail("open host", err)
	}
	defer h.Close()

	d := deploy.NewDeployer(h.validator(), h.store, h.blobs,
		deploy.WithIDs(ids.UUIDv7{}),
		deploy.WithLogger(logging.Component("deploy")),
	)
	res, err := d.Deploy(commandContext(cmd), req)
	if err != nil {
		return formatter.Fail("deploy", err)
	}

	out := DeployResult{ModuleID: res.Module.ID, New: res.New, Instances: res.Instances}
	return formatter.Success(out, func(w io.Writer) {
		verb := "Registered"
		if !res.New {
			verb = "Reused"
		}
		fmt.Fprintf(w, "✓ %s module %s (owner %s)\n", verb, res.Module.ID, res.Module.Owner)
		for _, inst := range res.Instances {
			fmt.Fprintf(w, "  instance %s: %s %s from block %d\n", inst.ID, inst.Chain, displayAddress(inst.Address), inst.StartBlock)
		}
	})
}

// NewDeactivateCommand creates the deactivate command.
func NewDeactivateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deactivate <module-id>",
		Short: "Retire a module so none of its instances run again",
		Long: `Retire a module. Its instances keep their history but are never
scheduled again.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeactivate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runDeactivate(opts *RootOptions, moduleID string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	h, err := opts.openHost(cmd, hostNeeds{store: true, blobs: true})
	if err != nil {
		return formatter.Fail("open host", err)
	}
	defer h.Close()

	d := deploy.NewDeployer(h.validator(), h.store, h.blobs,
		deploy.WithLogger(logging.Component("deploy")),
	)
	if err := d.Deactivate(commandContext(cmd), moduleID); err != nil {
		return formatter.Fail("deactivate", err)
	}
	return formatter.Success(map[string]string{"module_id": moduleID}, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Module %s deactivated\n", moduleID)
	})
}

func displayAddress(addr string) string {
	if addr == "" {
		return "(any address)"
	}
	return addr
}
