package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/vigil/internal/deploy"
	"github.com/roach88/vigil/internal/ir"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid       bool   `json:"valid"`
	ModuleID    string `json:"module_id,omitempty"`
	MemoryPages uint32 `json:"memory_pages,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <module.wasm>",
		Short: "Validate a module binary without deploying it",
		Long: `Run deployment validation on a WebAssembly binary.

The module must import only the vigil host functions with their exact
signatures, export "main" and "memory", and declare no more memory than the
configured ceiling. Nothing is stored.

Exit codes:
  0 - Module is valid
  1 - Module was rejected
  2 - Command error (unreadable file, bad config)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, _, err := opts.loadConfig(cmd)
	if err != nil {
		return formatter.Fail("load config", err)
	}
	binary, err := os.ReadFile(path)
	if err != nil {
		return formatter.Fail("read module", err)
	}
	formatter.VerboseLog("Validating %s (%d bytes)", path, len(binary))

	v := deploy.NewValidator(deploy.WithMaxMemoryPages(cfg.Sandbox.MemoryLimitPages))
	pages, err := v.Check(binary)
	if err != nil {
		ve, ok := deploy.AsValidationError(err)
		if !ok {
			return formatter.Fail("validate module", err)
		}
		result := ValidationResult{Code: string(ve.Code), Message: ve.Error()}
		if outErr := formatter.Success(result, func(w io.Writer) {
			fmt.Fprintf(w, "✗ %s rejected: %s\n", path, ve.Error())
		}); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, "module rejected", err)
	}

	result := ValidationResult{Valid: true, ModuleID: ir.ModuleID(binary), MemoryPages: pages}
	return formatter.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s is valid\n", path)
		fmt.Fprintf(w, "  module id:    %s\n", result.ModuleID)
		fmt.Fprintf(w, "  memory pages: %d\n", result.MemoryPages)
	})
}
