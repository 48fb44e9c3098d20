package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hugo-lorenzo-mato/xprun/internal/core"
)

var deleteCmd = &cobra.Command{
	Use:     "delete [id]",
	Aliases: []string{"rm"},
	Short:   "Delete a run and everything in its directory",
	Long: `Remove a run's directory (script, metadata, log and result) and its
recorded executions. A run that is currently executing cannot be deleted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDelete,
}

var deleteForce bool

func init() {
	rootCmd.AddCommand(deleteCmd)
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false,
		"Do not ask for confirmation")
}

func runDelete(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := resolveRunID(cmd, a.store, args)
	if err != nil {
		return err
	}

	st, err := a.ctrl.Status(cmd.Context(), id)
	if err != nil {
		return err
	}
	if st.State == core.RunStateRunning {
		return core.ErrAlreadyRunning(id, st.PID)
	}

	if !deleteForce {
		ok, err := confirm(cmd, fmt.Sprintf("Delete run %s (%s)?", st.Name, id))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.ErrOrStderr(), "Aborted")
			return nil
		}
	}

	if err := a.store.Delete(cmd.Context(), id); err != nil {
		return err
	}
	if err := a.history.DeleteRun(cmd.Context(), id); err != nil {
		a.logger.Warn("deleting execution history", "run_id", id, "error", err)
	}
	if !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
	}
	return nil
}

// confirm asks a yes/no question on the terminal. Without a terminal it
// refuses, so scripts must pass --force.
func confirm(cmd *cobra.Command, question string) (bool, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		return false, errors.New("confirmation required, use --force when not on a terminal")
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s [y/N] ", question)
	answer, _ := bufio.NewReader(in).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}
