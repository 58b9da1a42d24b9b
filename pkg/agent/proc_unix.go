//go:build unix

package agent

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalTerminate(cmd *exec.Cmd) error {
	return signalGroup(cmd, unix.SIGTERM)
}

func signalKill(cmd *exec.Cmd) error {
	return signalGroup(cmd, unix.SIGKILL)
}

// signalGroup signals the whole process group, falling back to the leader.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	err := unix.Kill(-cmd.Process.Pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return cmd.Process.Signal(sig)
}
