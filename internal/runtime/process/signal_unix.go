//go:build unix

package process

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func (p *processHandle) Signal(sig syscall.Signal) error {
	if err := unix.Kill(-p.pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal process group %d with %s: %w", p.pid, unix.SignalName(sig), err)
	}
	return nil
}

func (p *processHandle) Alive() bool {
	return !errors.Is(unix.Kill(p.pid, 0), unix.ESRCH)
}

// exitStatus converts the result of exec.Cmd.Wait into a shell style status.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 1, err
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return ws.ExitStatus(), nil
	}
	return exitErr.ExitCode(), nil
}
