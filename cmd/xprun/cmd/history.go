package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/xprun/internal/core"
)

var historyCmd = &cobra.Command{
	Use:   "history [id]",
	Short: "Show recorded executions",
	Long: `List recorded executions, newest first, for one run or for all runs.

Executions whose process vanished without being observed are marked
abandoned when their run is next launched.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

var (
	historyLimit int
	historyJSON  bool
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20,
		"Maximum number of executions (0 for all)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output as JSON")
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.historyEnabled() {
		return errors.New("execution history is disabled (history.enabled)")
	}

	var runID core.RunID
	if len(args) == 1 {
		runID = core.RunID(args[0])
		if err := runID.Validate(); err != nil {
			return err
		}
	}

	execs, err := a.history.List(cmd.Context(), runID, historyLimit)
	if err != nil {
		return err
	}
	if historyJSON {
		return outputJSON(execs)
	}
	if len(execs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No executions recorded")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tRUN\tPID\tSTARTED\tDURATION\tEXIT\tSTATUS")
	for _, e := range execs {
		duration, exit := "-", "-"
		if e.FinishedAt != nil {
			duration = e.FinishedAt.Sub(e.StartedAt).Round(time.Second).String()
		}
		if e.ExitCode != nil {
			exit = fmt.Sprint(*e.ExitCode)
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\t%s\n",
			e.ID, e.RunID, e.PID, humanize.Time(e.StartedAt), duration, exit, executionLabel(e.Status))
	}
	return w.Flush()
}
