package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"insight-worker/internal/config"
)

func stopCmd() *cobra.Command {
	var (
		pidFile    string
		forceAfter time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask a background worker to finish its current job and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if !cmd.Flags().Changed("pid-file") {
				pidFile = cfg.PIDFile
			}
			return runStop(cmd, pidFile, forceAfter)
		},
	}
	cmd.Flags().StringVar(&pidFile, "pid-file", "job-worker.pid", "pid file written by start --daemon")
	cmd.Flags().DurationVar(&forceAfter, "force-after", 0, "send SIGKILL if still running after this long (0 waits forever)")
	return cmd
}

func runStop(cmd *cobra.Command, pidFile string, forceAfter time.Duration) error {
	pid, err := readPIDFile(pidFile)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(cmd.OutOrStdout(), "no background worker is running")
		return nil
	}
	if err != nil {
		return err
	}
	if !processAlive(pid) {
		_ = os.Remove(pidFile)
		fmt.Fprintf(cmd.OutOrStdout(), "removed stale pid file for %d\n", pid)
		return nil
	}

	if err := signalProcess(pid, false); err != nil {
		return fmt.Errorf("signal worker %d: %w", pid, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent SIGTERM to %d, waiting for the current job to finish\n", pid)

	var deadline <-chan time.Time
	if forceAfter > 0 {
		timer := time.NewTimer(forceAfter)
		defer timer.Stop()
		deadline = timer.C
	}
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-deadline:
			if err := signalProcess(pid, true); err != nil {
				return fmt.Errorf("kill worker %d: %w", pid, err)
			}
			_ = os.Remove(pidFile)
			fmt.Fprintf(cmd.OutOrStdout(), "worker %d killed after %s; its job stays in processing until recovered\n", pid, forceAfter)
			return nil
		case <-tick.C:
			if !processAlive(pid) {
				fmt.Fprintf(cmd.OutOrStdout(), "worker %d stopped\n", pid)
				return nil
			}
		}
	}
}
