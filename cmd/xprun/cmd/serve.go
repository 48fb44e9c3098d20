package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/xprun/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Serve the run API: list runs, start them, stream their logs and read
their execution history.

Runs started through the API are supervised by this process. On shutdown
the server stops accepting requests and waits for those runs to finish; a
second interrupt exits immediately and leaves them executing.

Examples:
  # Start with the configured address (default 127.0.0.1:8780)
  xprun serve

  # Listen on all interfaces
  xprun serve --addr 0.0.0.0:8780`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "",
		"Address to listen on (default from config server.addr)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	opts := []api.ServerOption{
		api.WithLogger(a.logger),
		api.WithAllowedOrigins(a.cfg.Server.AllowedOrigins),
		api.WithPollInterval(a.cfg.Follow.PollDuration()),
		api.WithVersion(appVersion),
	}
	if a.historyEnabled() {
		opts = append(opts, api.WithHistory(a.history))
	}
	server := api.NewServer(a.store, a.ctrl, opts...)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	serveErr := server.ListenAndServe(ctx, addr)
	stop()
	if serveErr != nil {
		return fmt.Errorf("serving API: %w", serveErr)
	}

	// Wait for supervised runs so their locks are released and results
	// attached. A second signal gives up.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	waited := make(chan struct{})
	go func() {
		a.ctrl.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		a.logger.Info("server stopped")
	default:
		a.logger.Info("waiting for running runs to finish (interrupt again to exit)")
		select {
		case <-waited:
			a.logger.Info("server stopped")
		case <-sigCh:
			a.logger.Warn("exiting with runs still executing")
		}
	}
	return nil
}
