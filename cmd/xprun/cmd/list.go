package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/xprun/internal/core"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered runs",
	Long:    "List every registered run with its registration time, result and current state.",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

var listJSON bool

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output as JSON")
}

// listEntry is one row of `xprun list --json`.
type listEntry struct {
	core.RunSummary
	State core.RunState `json:"state"`
	PID   int           `json:"pid,omitempty"`
	Stale bool          `json:"stale,omitempty"`
}

func runList(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.store.List(cmd.Context())
	if err != nil {
		return err
	}
	statuses, err := a.ctrl.StatusAll(cmd.Context())
	if err != nil {
		return err
	}
	byID := make(map[core.RunID]core.RunStatus, len(statuses))
	for _, st := range statuses {
		byID[st.RunID] = st
	}

	entries := make([]listEntry, 0, len(runs))
	for _, r := range runs {
		st, ok := byID[r.ID]
		if !ok {
			st = core.RunStatus{RunID: r.ID, State: core.RunStateIdle}
		}
		entries = append(entries, listEntry{RunSummary: r, State: st.State, PID: st.PID, Stale: st.Stale})
	}

	if listJSON {
		return outputJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs registered")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tREGISTERED\tMODIFIED\tRESULT\tSTATE")
	for _, e := range entries {
		result := "-"
		if e.HasResult {
			result = "yes"
		}
		state := stateLabel(core.RunStatus{State: e.State, Stale: e.Stale})
		if e.State == core.RunStateRunning {
			state = fmt.Sprintf("%s (pid %d)", state, e.PID)
		}
		// State goes last: styled text would throw off tabwriter's widths.
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Name, humanize.Time(e.Timestamp), humanize.Time(e.ModTime), result, state)
	}
	return w.Flush()
}
