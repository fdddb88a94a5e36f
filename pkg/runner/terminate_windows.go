//go:build windows

package runner

import (
	"errors"
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

// terminate has no graceful variant on Windows.
func terminate(proc *os.Process) error {
	return forceKill(proc)
}

func forceKill(proc *os.Process) error {
	err := proc.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func exitSignal(*os.ProcessState) string {
	return ""
}
