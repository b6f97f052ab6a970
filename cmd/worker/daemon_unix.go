//go:build unix

package main

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"insight-worker/internal/config"
)

// daemonize re-executes the binary detached from the terminal with output
// appended to the log file. The child writes its own pid file.
func daemonize(cfg config.Config) (int, error) {
	if pid, err := readPIDFile(cfg.PIDFile); err == nil && processAlive(pid) {
		return 0, fmt.Errorf("worker already running with pid %d", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locate executable: %w", err)
	}
	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, os.Args[1:]...)
	child.Env = append(os.Environ(), daemonChildEnv+"=1")
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return 0, fmt.Errorf("start background worker: %w", err)
	}
	pid := child.Process.Pid
	if err := child.Process.Release(); err != nil {
		return pid, fmt.Errorf("release child: %w", err)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func signalProcess(pid int, kill bool) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if kill {
		return proc.Signal(syscall.SIGKILL)
	}
	return proc.Signal(syscall.SIGTERM)
}
