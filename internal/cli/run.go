package cli

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/cellflow/internal/document"
	"github.com/roach88/cellflow/internal/engine"
	"github.com/roach88/cellflow/internal/runlog"
	"github.com/roach88/cellflow/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string

	// TokenGenerator allows overriding the run token generator (for
	// testing). If nil, defaults to UUIDv7Generator.
	TokenGenerator engine.TokenGenerator
}

// RunReport is the run command's output payload.
type RunReport struct {
	Notebook  string            `json:"notebook"`
	Cells     []engine.Snapshot `json:"cells"`
	Variables map[string]any    `json:"variables"`
	Failed    int               `json:"failed,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <notebook.yaml>",
		Short: "Run a notebook to completion",
		Long: `Run a notebook: register every cell, execute them in document order,
and propagate variable changes until the notebook reaches a fixed point.

The final state of every cell and every exported variable is printed.
With --db, every cell run is also appended to a SQLite run log for later
inspection with the history command.

Example:
  cellflow run ./notebook.yaml
  cellflow run --db ./runs.db ./notebook.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNotebook(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite run log (optional)")

	return cmd
}

func runNotebook(opts *RunOptions, path string, cmd *cobra.Command) error {
	printer := &Printer{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	configureLogging(opts.Verbose)

	nb, err := document.Load(path)
	if err != nil {
		_ = printer.Error(ErrCodeParse, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load notebook", err)
	}
	printer.Verbosef("Loaded notebook %q with %d cell(s)", nb.Name, len(nb.Cells))

	engineOpts := []engine.Option{}
	if opts.TokenGenerator != nil {
		engineOpts = append(engineOpts, engine.WithTokens(opts.TokenGenerator))
	}

	if opts.Database != "" {
		log, err := runlog.Open(opts.Database)
		if err != nil {
			_ = printer.Error(ErrCodeDatabase, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to open run log", err)
		}
		defer func() {
			if closeErr := log.Close(); closeErr != nil {
				slog.Error("error closing run log", "error", closeErr)
			}
		}()
		engineOpts = append(engineOpts, engine.WithRunObserver(log.Observer()))
		printer.Verbosef("Recording runs to %s", opts.Database)
	}

	e := engine.New(store.New(), engineOpts...)

	ids, err := nb.Build(e)
	if err != nil {
		_ = printer.Error(ErrCodeStructural, err.Error(), nil)
		return WrapExitError(ExitFailure, "notebook has structural errors", err)
	}

	if err := nb.Run(cmd.Context(), e, ids); err != nil {
		_ = printer.Error(ErrCodeExecution, err.Error(), nil)
		return WrapExitError(ExitFailure, "notebook run failed", err)
	}

	report, failed := buildReport(nb.Name, e, ids)
	if err := outputRunReport(printer, report); err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d cell(s) failed", failed))
	}
	return nil
}

// buildReport collects the final state of every cell and every
// user-visible variable.
func buildReport(name string, e *engine.Engine, ids []string) (RunReport, int) {
	report := RunReport{Notebook: name, Variables: make(map[string]any)}
	for _, id := range ids {
		snap, err := e.CellSnapshot(id)
		if err != nil {
			continue // removed since the run; nothing to report
		}
		report.Cells = append(report.Cells, snap)
		if snap.State == engine.StateError {
			report.Failed++
		}
	}
	for name, value := range e.AllVariables() {
		if !store.IsInternalName(name) {
			report.Variables[name] = value
		}
	}
	return report, report.Failed
}

func outputRunReport(printer *Printer, report RunReport) error {
	if printer.Format == "json" {
		return printer.JSON(report)
	}

	fmt.Fprintf(printer.Writer, "notebook %s\n\n", report.Notebook)
	for _, snap := range report.Cells {
		marker := "✓"
		if snap.State == engine.StateError {
			marker = "✗"
		}
		fmt.Fprintf(printer.Writer, "%s %s [%s] runs=%d\n", marker, snap.ID, snap.Kind, snap.Counter)
		for _, entry := range snap.Console {
			fmt.Fprintf(printer.Writer, "  console.%s: %v\n", entry.Level, entry.Args)
		}
		for _, out := range snap.Outputs {
			fmt.Fprintf(printer.Writer, "  out: %v\n", out)
		}
		if snap.LastError != "" {
			fmt.Fprintf(printer.Writer, "  error: %s\n", snap.LastError)
		}
	}

	if len(report.Variables) > 0 {
		fmt.Fprintln(printer.Writer)
		fmt.Fprintln(printer.Writer, "variables:")
		for _, name := range sortedKeys(report.Variables) {
			fmt.Fprintf(printer.Writer, "  %s = %v\n", name, report.Variables[name])
		}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// configureLogging routes slog to stderr at a level matching --verbose.
func configureLogging(verbose bool) {
	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
