package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"insight-worker/internal/models"
	"insight-worker/internal/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			version, err := store.Migrate(cfg.PostgresDSN)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job counts per status and jobs stuck in processing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := st.Stats(cmd.Context(), cfg.StuckThreshold)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}

			statuses := []models.JobStatus{models.StatusPending, models.StatusProcessing, models.StatusCompleted, models.StatusFailed}
			var extra []models.JobStatus
			for s := range stats.Counts {
				if !containsStatus(statuses, s) {
					extra = append(extra, s)
				}
			}
			sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
			for _, s := range append(statuses, extra...) {
				fmt.Fprintf(out, "%-11s %d\n", s, stats.Counts[s])
			}
			fmt.Fprintf(out, "oldest pending: %s\n", stats.OldestPendingAge.Round(time.Second))
			fmt.Fprintf(out, "stuck (> %s): %d\n", cfg.StuckThreshold, stats.StuckProcessing)
			if running := daemonPID(cfg.PIDFile); running > 0 {
				fmt.Fprintf(out, "background worker: pid %d\n", running)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func containsStatus(list []models.JobStatus, s models.JobStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func daemonPID(pidFile string) int {
	pid, err := readPIDFile(pidFile)
	if err != nil || !processAlive(pid) {
		return 0
	}
	return pid
}

func enqueueCmd() *cobra.Command {
	var (
		jobType  string
		fileID   string
		filePath string
		metadata string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert a pending job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if fileID != "" && filePath != "" {
				return errors.New("use either --file-id or --file, not both")
			}
			meta := map[string]any{}
			if metadata != "" {
				if err := json.Unmarshal([]byte(metadata), &meta); err != nil {
					return fmt.Errorf("--metadata must be a JSON object: %w", err)
				}
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if filePath != "" {
				fileID, err = registerFile(cmd, st, filePath)
				if err != nil {
					return err
				}
			}

			job, err := st.CreateJob(cmd.Context(), store.CreateJobParams{
				FileID:   fileID,
				JobType:  jobType,
				Metadata: meta,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "business_analysis", "job type")
	cmd.Flags().StringVar(&fileID, "file-id", "", "id of an uploaded file")
	cmd.Flags().StringVar(&filePath, "file", "", "register a local file as uploaded and attach it")
	cmd.Flags().StringVar(&metadata, "metadata", "", "job metadata as a JSON object")
	return cmd
}

func registerFile(cmd *cobra.Command, st *store.Store, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("stat input: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", abs)
	}
	return st.CreateFile(cmd.Context(), store.CreateFileParams{
		Filename:     filepath.Base(abs),
		OriginalName: filepath.Base(path),
		Path:         abs,
		MimeType:     mime.TypeByExtension(filepath.Ext(abs)),
		Size:         info.Size(),
	})
}

func recoverCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Reset jobs stuck in processing back to pending",
		Long: "Reset jobs stuck in processing back to pending.\n\n" +
			"Only run this once the workers that claimed them are known to be gone; " +
			"a live worker still finishing a slow job would otherwise see its row re-run.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("older-than") {
				olderThan = cfg.StuckThreshold
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ids, err := st.RecoverStuck(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d job(s)\n", len(ids))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*time.Minute, "minimum time in processing")
	return cmd
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Return a failed job to pending with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			job, err := st.RetryFailed(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFailed) {
				return fmt.Errorf("job %s is missing or not in failed state", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s is %s again\n", job.ID, job.Status)
			return nil
		},
	}
}
