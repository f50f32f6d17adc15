//go:build unix

package hostbox

import (
	"os/exec"
	"syscall"
)

// setProcessGroup makes the child a process group leader so dev servers and
// their npm wrappers can be signalled together.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(cmd.Process.Pid, sig)
}
