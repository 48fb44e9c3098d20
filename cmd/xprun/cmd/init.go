package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/xprun/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize xprun in the current directory",
	Long:  "Write a default configuration file and create the runs directory.",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

var initForce bool

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing configuration")
}

func runInit(cmd *cobra.Command, _ []string) error {
	path := config.DefaultConfigPath
	if cfgFile != "" {
		path = cfgFile
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.AtomicWrite(path, []byte(config.DefaultConfigYAML)); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created %s\n", path)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Runs.Dir, 0o750); err != nil {
		return fmt.Errorf("creating runs directory: %w", err)
	}
	fmt.Fprintf(out, "Runs directory: %s\n", cfg.Runs.Dir)
	return nil
}
