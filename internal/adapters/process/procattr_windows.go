//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

// configureProcAttr detaches the child from the console's Ctrl-C group.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
