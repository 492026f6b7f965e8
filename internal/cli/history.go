package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/cellflow/internal/runlog"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
	Cell     string
	Token    string
	Limit    int
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the recorded run history",
		Long: `Read the run log written by a previous "run --db" invocation.

Without filters the whole log is printed in execution order. --cell
restricts the output to one cell's runs; --token restricts it to the runs
caused by one external trigger.

Example:
  cellflow history --db ./runs.db
  cellflow history --db ./runs.db --cell c1 --limit 10`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite run log (required)")
	cmd.Flags().StringVar(&opts.Cell, "cell", "", "only runs of this cell")
	cmd.Flags().StringVar(&opts.Token, "token", "", "only runs caused by this run token")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum entries for --cell (0 = all)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	printer := &Printer{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if opts.Cell != "" && opts.Token != "" {
		return NewExitError(ExitCommandError, "--cell and --token are mutually exclusive")
	}
	if _, err := os.Stat(opts.Database); err != nil {
		_ = printer.Error(ErrCodeNotFound, fmt.Sprintf("run log not found: %s", opts.Database), nil)
		return WrapExitError(ExitCommandError, "run log not found", err)
	}

	log, err := runlog.Open(opts.Database)
	if err != nil {
		_ = printer.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open run log", err)
	}
	defer log.Close()

	var entries []runlog.Entry
	switch {
	case opts.Cell != "":
		entries, err = log.History(cmd.Context(), opts.Cell, opts.Limit)
	case opts.Token != "":
		entries, err = log.Runs(cmd.Context(), opts.Token)
	default:
		entries, err = log.All(cmd.Context())
	}
	if err != nil {
		_ = printer.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read run log", err)
	}

	if printer.Format == "json" {
		return printer.JSON(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(printer.Writer, "no runs recorded")
		return nil
	}
	for _, e := range entries {
		line := fmt.Sprintf("%6d  %s  %-8s run=%d  %s", e.Seq, e.CellID, e.State, e.Counter, e.RunToken)
		if e.Error != "" {
			line += "  error: " + e.Error
		}
		fmt.Fprintln(printer.Writer, line)
	}
	return nil
}
