//go:build !unix

package process

import (
	"errors"
	"os"
	"syscall"
)

type signal int

const (
	sigTerm signal = iota
	sigKill
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

// signalGroup has no process groups to work with, both signals kill.
func signalGroup(pid int, _ signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return os.ErrProcessDone
	}
	err = p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return os.ErrProcessDone
	}
	return err
}

func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
