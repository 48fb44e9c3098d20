package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/xprun/internal/core"
)

var statusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Show whether runs are executing",
	Long: `Report whether a run is currently executing, and under which pid.

Without an id every registered run is checked. A lock whose process no
longer exists is reported as stale; it is reclaimed by the next 'xprun run'.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 1 {
		st, err := a.ctrl.Status(cmd.Context(), core.RunID(args[0]))
		if err != nil {
			return err
		}
		if statusJSON {
			return outputJSON(st)
		}
		printStatus(cmd.OutOrStdout(), st)
		return nil
	}

	statuses, err := a.ctrl.StatusAll(cmd.Context())
	if err != nil {
		return err
	}
	if statusJSON {
		return outputJSON(statuses)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPID\tSINCE\tSTATE")
	for i := range statuses {
		st := &statuses[i]
		pid, since := "-", "-"
		if st.PID != 0 {
			pid = fmt.Sprint(st.PID)
			since = humanize.Time(st.Since)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", st.RunID, st.Name, pid, since, stateLabel(*st))
	}
	return w.Flush()
}

func printStatus(out io.Writer, st *core.RunStatus) {
	fmt.Fprintf(out, "Run:    %s (%s)\n", st.RunID, st.Name)
	fmt.Fprintf(out, "State:  %s\n", stateLabel(*st))
	if st.PID != 0 {
		fmt.Fprintf(out, "PID:    %d\n", st.PID)
		fmt.Fprintf(out, "Since:  %s (%s)\n", st.Since.Format("2006-01-02 15:04:05"), humanize.Time(st.Since))
	}
}
