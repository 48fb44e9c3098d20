package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/xprun/internal/adapters/history"
	"github.com/hugo-lorenzo-mato/xprun/internal/config"
	"github.com/hugo-lorenzo-mato/xprun/internal/diagnostics"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration and environment",
	Long:  "Verify the configuration, the script interpreter, the runs directory and the history database.",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Checking configuration...")
	fmt.Fprintln(out)
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(out, "  ✗ %v\n", err)
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Run 'xprun init --force' to write a default configuration")
		return errors.New("configuration invalid")
	}
	fmt.Fprintln(out, "  ✓ configuration valid")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Checking environment...")
	fmt.Fprintln(out)

	requiredOk := true
	check := func(ok bool, required bool, name, detail string) {
		icon := "✓"
		if !ok {
			if required {
				icon = "✗"
				requiredOk = false
			} else {
				icon = "○"
			}
		}
		if detail != "" {
			name = fmt.Sprintf("%s (%s)", name, detail)
		}
		fmt.Fprintf(out, "  %s %s\n", icon, name)
	}

	interp, err := exec.LookPath(cfg.Runner.Interpreter)
	if err != nil {
		check(false, true, "interpreter "+cfg.Runner.Interpreter, "not found in PATH")
	} else {
		check(true, true, "interpreter", interp)
	}

	if err := checkWritable(cfg.Runs.Dir); err != nil {
		check(false, true, "runs directory "+cfg.Runs.Dir, err.Error())
	} else {
		check(true, true, "runs directory", cfg.Runs.Dir)
	}

	checkHistory(cfg, check)

	fmt.Fprintln(out)
	printHost(cmd, out, cfg)
	fmt.Fprintln(out)

	if !requiredOk {
		fmt.Fprintln(out, "Some required checks failed")
		return errors.New("doctor found problems")
	}
	fmt.Fprintln(out, "Ready to run experiments")
	return nil
}

func checkHistory(cfg *config.Config, check func(ok, required bool, name, detail string)) {
	if !cfg.History.Enabled {
		check(false, false, "execution history", "disabled")
		return
	}
	h, err := history.Open(cfg.History.Path)
	if err != nil {
		check(false, false, "execution history", err.Error())
		return
	}
	_ = h.Close()
	check(true, false, "execution history", cfg.History.Path)
}

// checkWritable creates dir if needed and writes a probe file into it.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(filepath.Clean(name))
}

func printHost(cmd *cobra.Command, out io.Writer, cfg *config.Config) {
	snap := diagnostics.NewCollector(diagnostics.WithDiskPath(cfg.Runs.Dir)).Collect(cmd.Context())

	fmt.Fprintf(out, "Host %s (%s/%s)\n", snap.Hostname, snap.OS, snap.Arch)
	if snap.CPUModel != "" {
		fmt.Fprintf(out, "  CPU:    %s, %d cores / %d threads\n", snap.CPUModel, snap.CPUCores, snap.CPUThreads)
	}
	if snap.MemTotalMB > 0 {
		fmt.Fprintf(out, "  Memory: %s total, %.0f%% used\n",
			humanize.IBytes(uint64(snap.MemTotalMB*1024*1024)), snap.MemPercent)
	}
	if snap.DiskPath != "" {
		fmt.Fprintf(out, "  Disk:   %s free on %s\n",
			humanize.IBytes(uint64(snap.DiskFreeGB*1024*1024*1024)), snap.DiskPath)
	}
	if len(snap.GPUs) == 0 {
		fmt.Fprintln(out, "  GPU:    none detected")
	}
	for _, gpu := range snap.GPUs {
		if gpu.MemTotalMB > 0 {
			fmt.Fprintf(out, "  GPU:    %s, %s\n", gpu.Name, humanize.IBytes(uint64(gpu.MemTotalMB*1024*1024)))
		} else {
			fmt.Fprintf(out, "  GPU:    %s\n", gpu.Name)
		}
	}
}
