package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/vigil/internal/ir"
	"github.com/roach88/vigil/internal/status"
	"github.com/roach88/vigil/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Executions int // recent execution records shown for one instance
}

// InstanceDetail is the status of one instance with its recent runs.
type InstanceDetail struct {
	status.InstanceView
	Executions []ir.ExecutionRecord `json:"executions"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status [instance-id]",
		Short: "Show instance scheduling state",
		Long: `Show every instance, or one instance with its most recent runs.

Reports the scheduling state, the last processed block, the failure count
and the last error of each instance.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runStatusOne(opts, args[0], cmd)
			}
			return runStatusAll(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Executions, "executions", 10, "number of recent execution records to show")
	return cmd
}

func runStatusAll(opts *StatusOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	h, err := opts.openHost(cmd, hostNeeds{store: true})
	if err != nil {
		return formatter.Fail("open host", err)
	}
	defer h.Close()

	ctx := commandContext(cmd)
	insts, err := h.store.ListInstances(ctx)
	if err != nil {
		return formatter.Fail("list instances", err)
	}
	views := make([]status.InstanceView, 0, len(insts))
	for _, inst := range insts {
		v, err := status.Describe(ctx, h.store, inst)
		if err != nil {
			return formatter.Fail("describe instance", err)
		}
		views = append(views, v)
	}

	return formatter.Success(views, func(w io.Writer) {
		if len(views) == 0 {
			fmt.Fprintln(w, "No instances.")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "INSTANCE\tCHAIN\tADDRESS\tSTATE\tLAST BLOCK\tFAILURES\tLAST ERROR")
		for _, v := range views {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				v.ID, v.Chain, displayAddress(v.Address), v.State, lastBlock(v), v.Failures, v.LastErrorClass)
		}
		tw.Flush()
	})
}

func runStatusOne(opts *StatusOptions, id string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	h, err := opts.openHost(cmd, hostNeeds{store: true})
	if err != nil {
		return formatter.Fail("open host", err)
	}
	defer h.Close()

	ctx := commandContext(cmd)
	inst, err := h.store.GetInstance(ctx, id)
	if err != nil {
		return formatter.Fail("get instance", err)
	}
	v, err := status.Describe(ctx, h.store, inst)
	if err != nil {
		return formatter.Fail("describe instance", err)
	}
	recs, err := h.store.ListExecutions(ctx, id, opts.Executions)
	if err != nil {
		return formatter.Fail("list executions", err)
	}

	detail := InstanceDetail{InstanceView: v, Executions: recs}
	return formatter.Success(detail, func(w io.Writer) {
		fmt.Fprintf(w, "Instance %s\n", v.ID)
		fmt.Fprintf(w, "  module:      %s\n", v.ModuleID)
		fmt.Fprintf(w, "  chain:       %s %s\n", v.Chain, displayAddress(v.Address))
		fmt.Fprintf(w, "  start block: %d\n", v.StartBlock)
		fmt.Fprintf(w, "  state:       %s\n", v.State)
		fmt.Fprintf(w, "  last block:  %s\n", lastBlock(v))
		fmt.Fprintf(w, "  failures:    %d\n", v.Failures)
		if v.LastError != "" {
			fmt.Fprintf(w, "  last error:  %s: %s\n", v.LastErrorClass, v.LastError)
		}
		if v.NextAttemptAt != nil {
			fmt.Fprintf(w, "  next retry:  %s\n", v.NextAttemptAt.Format(time.RFC3339))
		}
		if len(recs) == 0 {
			return
		}
		fmt.Fprintln(w, "\nRecent runs:")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, r := range recs {
			fmt.Fprintf(tw, "  %s\t%s\tattempt %d\t%s\t%d incident(s)\t%s\n",
				r.StartedAt.Format(time.RFC3339), r.Window, r.Attempt, r.Status, r.Usage.Accepted, r.Detail)
		}
		tw.Flush()
	})
}

func lastBlock(v status.InstanceView) string {
	if v.LastProcessedBlock == nil {
		return "-"
	}
	return fmt.Sprint(*v.LastProcessedBlock)
}

// NewAckCommand creates the ack command.
func NewAckCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ack <instance-id>",
		Short: "Acknowledge a degraded instance so it is scheduled again",
		Long: `Clear an instance's failure count and return it to idle. A running
host picks the change up on its next tick.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAck(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runAck(opts *RootOptions, id string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	h, err := opts.openHost(cmd, hostNeeds{store: true})
	if err != nil {
		return formatter.Fail("open host", err)
	}
	defer h.Close()

	if err := h.store.AcknowledgeInstance(commandContext(cmd), id, time.Now().UTC()); err != nil {
		return formatter.Fail("acknowledge", err)
	}
	h.logger.Info("instance acknowledged", "instance_id", id)
	return formatter.Success(map[string]string{"instance_id": id, "state": string(ir.StateIdle)}, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Instance %s acknowledged\n", id)
	})
}

// IncidentsOptions holds flags for the incidents command.
type IncidentsOptions struct {
	*RootOptions
	Instance string
	Limit    int
}

// NewIncidentsCommand creates the incidents command.
func NewIncidentsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IncidentsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "incidents",
		Short:         "List recorded incidents",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIncidents(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Instance, "instance", "", "only incidents of this instance")
	cmd.Flags().IntVar(&opts.Limit, "limit", status.DefaultLimit, "maximum number of incidents")
	return cmd
}

func runIncidents(opts *IncidentsOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	h, err := opts.openHost(cmd, hostNeeds{store: true})
	if err != nil {
		return formatter.Fail("open host", err)
	}
	defer h.Close()

	incs, err := h.store.ListIncidents(commandContext(cmd), store.IncidentFilter{InstanceID: opts.Instance, Limit: opts.Limit})
	if err != nil {
		return formatter.Fail("list incidents", err)
	}
	return formatter.Success(incs, func(w io.Writer) {
		if len(incs) == 0 {
			fmt.Fprintln(w, "No incidents.")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "INSTANCE\tBLOCK\tTX\tSEVERITY\tMESSAGE")
		for _, inc := range incs {
			tx := inc.TransactionHash
			if tx == "" {
				tx = "-"
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", inc.InstanceID, inc.BlockNumber, tx, inc.Severity, inc.Message)
		}
		tw.Flush()
	})
}
