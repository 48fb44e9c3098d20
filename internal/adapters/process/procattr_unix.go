//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureProcAttr puts the child in its own process group so a Ctrl-C
// in the launching terminal does not kill the run.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
