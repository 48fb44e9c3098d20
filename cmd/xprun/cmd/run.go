package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/xprun/internal/core"
	"github.com/hugo-lorenzo-mato/xprun/internal/service/logtail"
	"github.com/hugo-lorenzo-mato/xprun/internal/service/runner"
)

var runCmd = &cobra.Command{
	Use:   "run [id]",
	Short: "Launch a registered run",
	Long: `Launch a run as a detached process and wait for it to finish.

Without an id the most recently modified run is launched. A run that is
already executing is rejected; a lock left by a process that no longer
exists is reclaimed first.

Interrupting the command stops waiting but leaves the run executing.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

var (
	runDetach bool
	runFollow bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVarP(&runDetach, "detach", "d", false,
		"Return as soon as the process started")
	runCmd.Flags().BoolVarP(&runFollow, "follow", "f", false,
		"Stream the run's output while waiting")
}

func runRun(cmd *cobra.Command, args []string) error {
	if runDetach && runFollow {
		return errors.New("--detach and --follow are mutually exclusive")
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var res *runner.StartResult
	if len(args) > 0 {
		res, err = a.ctrl.Start(ctx, core.RunID(args[0]))
	} else {
		res, err = a.ctrl.StartLatest(ctx)
	}
	if err != nil {
		return err
	}

	stderr := cmd.ErrOrStderr()
	if !quiet {
		if res.Reclaimed != nil {
			fmt.Fprintf(stderr, "Reclaimed stale lock of pid %d (acquired %s)\n",
				res.Reclaimed.PID, humanize.Time(res.Reclaimed.AcquiredAt))
		}
		fmt.Fprintf(stderr, "Started %s (%s) as pid %d\n", res.Name, res.RunID, res.PID)
		fmt.Fprintf(stderr, "Log: %s\n", res.LogPath)
	}
	if res.LockErr != nil {
		fmt.Fprintf(stderr, "Warning: run is not locked: %v\n", res.LockErr)
	}

	if runDetach {
		return nil
	}

	if runFollow {
		followLog(ctx, a, res)
	}

	select {
	case <-res.Done():
	case <-ctx.Done():
		fmt.Fprintf(stderr, "\nStopped waiting; run %s keeps executing as pid %d\n", res.RunID, res.PID)
		return nil
	}

	return reportOutcome(cmd, a, res)
}

// followLog copies the run's log to stdout until the process exits or ctx
// is cancelled.
func followLog(ctx context.Context, a *app, res *runner.StartResult) {
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()

	follower := logtail.New(logtail.Options{
		Follow:       true,
		PollInterval: a.cfg.Follow.PollDuration(),
	}, a.logger)

	done := make(chan error, 1)
	go func() {
		done <- follower.Follow(fctx, res.LogPath, os.Stdout)
	}()

	select {
	case <-res.Done():
	case <-ctx.Done():
	case err := <-done:
		if err != nil {
			a.logger.Warn("following log", "error", err)
		}
		return
	}
	cancel()
	if err := <-done; err != nil {
		a.logger.Warn("following log", "error", err)
	}
}

func reportOutcome(cmd *cobra.Command, a *app, res *runner.StartResult) error {
	outcome := res.Outcome()
	if outcome.Err != nil {
		a.logger.Warn("run cleanup incomplete", "run_id", res.RunID, "error", outcome.Err)
	}

	if !quiet {
		stderr := cmd.ErrOrStderr()
		elapsed := outcome.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond)
		if outcome.Exit.Success() {
			fmt.Fprintf(stderr, "%s after %s\n", render(okStyle, "Finished"), elapsed)
		} else {
			fmt.Fprintf(stderr, "%s with exit code %d after %s\n", render(failStyle, "Failed"), outcome.Exit.Code, elapsed)
		}
	}

	if outcome.ResultAttached {
		rec, err := a.store.Load(cmd.Context(), res.RunID)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(rec.Result))
	}

	if outcome.Exit.Err != nil {
		return fmt.Errorf("run %s: %w", res.RunID, outcome.Exit.Err)
	}
	if outcome.Exit.Code != 0 {
		return fmt.Errorf("run %s exited with code %d", res.RunID, outcome.Exit.Code)
	}
	return nil
}
