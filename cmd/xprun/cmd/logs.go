package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/xprun/internal/core"
	"github.com/hugo-lorenzo-mato/xprun/internal/service/logtail"
)

var logsCmd = &cobra.Command{
	Use:   "logs [id]",
	Short: "Print and follow a run's output",
	Long: `Print the output log of a run, then keep printing new output until
interrupted. A relaunch of the run restarts the stream from the beginning
of the new log.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLogs,
}

var logsNoFollow bool

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().BoolVar(&logsNoFollow, "no-follow", false,
		"Print the current log and exit")
}

func runLogs(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := resolveRunID(cmd, a.store, args)
	if err != nil {
		return err
	}
	if err := id.Validate(); err != nil {
		return err
	}
	// Distinguish an unknown run from one that was never launched.
	if _, err := a.store.Load(cmd.Context(), id); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	follower := logtail.New(logtail.Options{
		Follow:       !logsNoFollow,
		PollInterval: a.cfg.Follow.PollDuration(),
	}, a.logger)

	err = follower.Follow(ctx, a.store.LogPath(id), cmd.OutOrStdout())
	if core.IsNotFound(err) {
		return core.ErrNotFound("log", string(id)).WithCause(err)
	}
	return err
}
