package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/xprun/internal/adapters/runstore"
	"github.com/hugo-lorenzo-mato/xprun/internal/clip"
	"github.com/hugo-lorenzo-mato/xprun/internal/core"
)

var registerCmd = &cobra.Command{
	Use:   "register [script] [args...]",
	Short: "Register a script as a new run",
	Long: `Create a run directory, copy the script into it and record its arguments.

Everything after the script path is passed to the script verbatim, so
flags for xprun must come before it.

Examples:
  # Register train.py with two arguments
  xprun register --name baseline train.py --lr 0.01 --epochs 10

  # Register every run declared in a manifest
  xprun register --from runs.yaml`,
	RunE: runRegister,
}

var (
	registerName       string
	registerResultFile string
	registerFrom       string
	registerCopyID     bool
)

func init() {
	rootCmd.AddCommand(registerCmd)

	registerCmd.Flags().SetInterspersed(false)
	registerCmd.Flags().StringVar(&registerName, "name", "",
		"Human-readable run name (default: script file name)")
	registerCmd.Flags().StringVar(&registerResultFile, "result-file", "",
		"Result file the script writes in its run directory (default from config)")
	registerCmd.Flags().StringVar(&registerFrom, "from", "",
		"Register every run declared in a YAML manifest")
	registerCmd.Flags().BoolVar(&registerCopyID, "copy-id", false,
		"Copy the new run id to the clipboard")
}

func runRegister(cmd *cobra.Command, args []string) error {
	var reqs []runstore.RegisterRequest
	switch {
	case registerFrom != "" && len(args) > 0:
		return errors.New("--from cannot be combined with a script argument")
	case registerFrom != "":
		var err error
		if reqs, err = runstore.LoadManifest(registerFrom); err != nil {
			return err
		}
	case len(args) == 0:
		return errors.New("script path required")
	default:
		reqs = []runstore.RegisterRequest{{
			Name:       registerName,
			Script:     args[0],
			Args:       args[1:],
			ResultFile: registerResultFile,
		}}
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	var last *core.RunRecord
	for _, req := range reqs {
		rec, err := a.store.Register(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("registering %s: %w", req.Script, err)
		}
		if quiet {
			fmt.Fprintln(out, rec.ID)
		} else {
			fmt.Fprintf(out, "Registered %s as %s\n", rec.Name, rec.ID)
		}
		last = rec
	}

	if registerCopyID && last != nil {
		res, err := clip.New().WriteAll(string(last.ID))
		if err != nil {
			a.logger.Warn("copying run id", "error", err)
		} else if !quiet {
			fmt.Fprintf(cmd.ErrOrStderr(), "Run id %s\n", res)
		}
	}
	return nil
}
