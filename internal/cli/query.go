package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/vigil/internal/ir"
	"github.com/roach88/vigil/internal/query"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Window  string
	Address string
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query --window <start:end> <sql>",
		Short: "Run a restricted query against chain data",
		Long: `Run a query with the same restrictions a module sees.

The query must bound the block column inside --window. With --address the
scope is pinned to one contract, as for an address-bound instance.

Example:
  vigil query --window 100:110 "SELECT block_number, data FROM events WHERE block_number BETWEEN 100 AND 110"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Window, "window", "", "inclusive block window start:end (required)")
	cmd.Flags().StringVar(&opts.Address, "address", "", "contract address the scope is pinned to")
	_ = cmd.MarkFlagRequired("window")
	return cmd
}

func runQuery(opts *QueryOptions, text string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	window, err := parseWindow(opts.Window)
	if err != nil {
		return formatter.Fail("parse window", NewExitError(ExitCommandError, err.Error()))
	}

	h, err := opts.openHost(cmd, hostNeeds{chain: true})
	if err != nil {
		return formatter.Fail("open host", err)
	}
	defer h.Close()

	scope := query.Scope{Window: window, Address: ir.NormalizeHex(opts.Address)}
	res, err := h.queryEngine().Execute(commandContext(cmd), text, scope)
	if err != nil {
		return formatter.Fail("query", err)
	}

	return formatter.Success(res, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		names := make([]string, len(res.Columns))
		for i, c := range res.Columns {
			names[i] = c.Name
		}
		fmt.Fprintln(tw, strings.Join(names, "\t"))
		for _, row := range res.Rows {
			cells := make([]string, len(row))
			for i, v := range row {
				cells[i] = formatValue(v)
			}
			fmt.Fprintln(tw, strings.Join(cells, "\t"))
		}
		tw.Flush()
		fmt.Fprintf(w, "(%d rows)\n", res.RowCount())
	})
}

// parseWindow parses "start:end" into an inclusive block range.
func parseWindow(s string) (ir.BlockRange, error) {
	lo, hi, ok := strings.Cut(s, ":")
	if !ok {
		return ir.BlockRange{}, errors.New("window must be start:end")
	}
	start, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 64)
	if err != nil {
		return ir.BlockRange{}, fmt.Errorf("invalid window start %q", lo)
	}
	end, err := strconv.ParseUint(strings.TrimSpace(hi), 10, 64)
	if err != nil {
		return ir.BlockRange{}, fmt.Errorf("invalid window end %q", hi)
	}
	if end < start {
		return ir.BlockRange{}, fmt.Errorf("window end %d is before start %d", end, start)
	}
	return ir.BlockRange{Start: start, End: end}, nil
}

func formatValue(v ir.Value) string {
	switch x := v.(type) {
	case ir.Int:
		return strconv.FormatInt(int64(x), 10)
	case ir.String:
		return string(x)
	case ir.Bytes:
		return x.Hex()
	default:
		return "NULL"
	}
}
