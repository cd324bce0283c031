//go:build unix

package procexec

import (
	"errors"
	"os"
	"syscall"
)

func newSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func processGroupID(p *os.Process) int {
	if p == nil {
		return 0
	}
	pgid, err := syscall.Getpgid(p.Pid)
	if err != nil {
		return 0
	}
	return pgid
}

// terminateGroup sends SIGTERM to the whole process group, by design
// ("own process group (-pid kill on Unix)").
func terminateGroup(pid, pgid int) {
	sendSignal(pid, pgid, syscall.SIGTERM)
}

// killGroup escalates to SIGKILL.
func killGroup(pid, pgid int) {
	sendSignal(pid, pgid, syscall.SIGKILL)
}

// scriptCommand picks the interpreter for runScript, by design ("bash,
// Git Bash, or PowerShell by platform").
func scriptCommand(path string) (string, []string) {
	return "bash", []string{path}
}

func scriptPreamble() string {
	return "set -eu\nset -o pipefail\n"
}

func sendSignal(pid, pgid int, sig syscall.Signal) {
	if pgid > 0 {
		if err := syscall.Kill(-pgid, sig); err == nil || errors.Is(err, syscall.ESRCH) {
			return
		}
	}
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(pid, sig)
}
