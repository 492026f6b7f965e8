package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/cellflow/internal/document"
	"github.com/roach88/cellflow/internal/engine"
	"github.com/roach88/cellflow/internal/store"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Notebook string   `json:"notebook,omitempty"`
	Cells    int      `json:"cells,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <notebook.yaml>",
		Short: "Validate a notebook without running it",
		Long: `Validate a notebook without executing any cell.

Checks the document against the notebook schema, then registers every
cell in a scratch engine to surface structural errors: dependency cycles,
export conflicts, malformed formulas and input bindings.`,
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
	printer := &Printer{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	nb, err := document.Load(path)
	if err != nil {
		return outputValidationFailure(printer, ErrCodeParse, err)
	}
	printer.Verbosef("Parsed notebook %q with %d cell(s)", nb.Name, len(nb.Cells))

	// Registration runs the full structural analysis without executing.
	e := engine.New(store.New())
	if _, err := nb.Build(e); err != nil {
		return outputValidationFailure(printer, ErrCodeStructural, err)
	}

	if printer.Format == "json" {
		return printer.JSON(ValidationResult{
			Valid:    true,
			Notebook: nb.Name,
			Cells:    len(nb.Cells),
		})
	}
	fmt.Fprintf(printer.Writer, "✓ notebook %s is valid (%d cells)\n", nb.Name, len(nb.Cells))
	return nil
}

func outputValidationFailure(printer *Printer, code string, err error) error {
	if printer.Format == "json" {
		_ = printer.Error(code, "validation failed", []string{err.Error()})
	} else {
		fmt.Fprintln(printer.Writer, "✗ Validation failed")
		fmt.Fprintf(printer.Writer, "  %s: %s\n", code, err.Error())
	}
	return WrapExitError(ExitFailure, "validation failed", err)
}
