package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"insight-worker/internal/api"
	"insight-worker/internal/blob"
	"insight-worker/internal/cache"
	"insight-worker/internal/config"
	"insight-worker/internal/executor"
	"insight-worker/internal/sink"
	"insight-worker/internal/store"
	"insight-worker/internal/worker"
)

// daemonChildEnv marks the re-executed background process.
const daemonChildEnv = "JOB_WORKER_DAEMON_CHILD"

type startFlags struct {
	interval    int
	maxJobs     int
	concurrency int
	daemon      bool
	logLevel    string
}

func startCmd() *cobra.Command {
	var f startFlags
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Poll the job queue and process jobs until stopped",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStart(cmd, f)
		},
	}
	cmd.Flags().IntVar(&f.interval, "interval", 30, "seconds to wait after an empty poll")
	cmd.Flags().IntVar(&f.maxJobs, "max-jobs", 0, "exit after this many finished jobs across all loops (0 = unbounded)")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 1, "number of independent poll loops")
	cmd.Flags().BoolVar(&f.daemon, "daemon", false, "detach and run in the background")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "debug, info, warn or error")
	return cmd
}

// applyStartFlags lets explicitly set flags win over the environment.
func applyStartFlags(cmd *cobra.Command, f startFlags, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("interval") {
		cfg.PollIntervalSeconds = f.interval
	}
	if flags.Changed("max-jobs") {
		cfg.MaxJobs = f.maxJobs
	}
	if flags.Changed("concurrency") {
		cfg.Concurrency = f.concurrency
	}
	if flags.Changed("daemon") {
		cfg.Daemon = f.daemon
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
}

func runStart(cmd *cobra.Command, f startFlags) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	applyStartFlags(cmd, f, &cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	isChild := os.Getenv(daemonChildEnv) != ""
	if cfg.Daemon && !isChild {
		pid, err := daemonize(cfg)
		if err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job worker started in background (pid %d, log %s)\n", pid, cfg.LogFile)
		return nil
	}

	logger := newLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	if isChild {
		if err := writePIDFile(cfg.PIDFile); err != nil {
			return err
		}
		defer os.Remove(cfg.PIDFile)
	}

	st, err := store.New(cmd.Context(), cfg.PostgresDSN, cfg.DBMaxConns)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	registry, err := buildRegistry(ctx, cfg)
	if err != nil {
		return err
	}

	var mirrors []sink.ResultSink
	if rc := cache.New(cfg); rc != nil {
		defer rc.Close()
		if err := rc.Ping(ctx); err != nil {
			logger.Warn("result cache unreachable, continuing without it", "addr", cfg.RedisAddr, "err", err)
		} else {
			mirrors = append(mirrors, rc)
		}
	}
	results := sink.NewMulti(logger, st, mirrors...)

	baseID := workerID(cfg)
	budget := worker.NewBudget(cfg.MaxJobs)
	processors := make([]*worker.Processor, 0, cfg.Concurrency)
	for i := 0; i < cfg.Concurrency; i++ {
		id := baseID
		if cfg.Concurrency > 1 {
			id = fmt.Sprintf("%s-%d", baseID, i)
		}
		processors = append(processors, worker.NewProcessor(st, st, registry, results, worker.Options{
			WorkerID:        id,
			PollInterval:    cfg.PollInterval(),
			Budget:          budget,
			MaxRetries:      cfg.MaxRetries,
			ExecutorTimeout: cfg.ExecutorTimeout,
			StatusEvery:     cfg.StatusEvery,
			Logger:          logger,
		}))
	}
	pool := worker.NewPool(processors...)

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           api.New(pool, st).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.MetricsAddr != "" {
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server stopped", "err", err)
			}
		}()
	}

	logger.Info("job worker started",
		"worker_id", baseID,
		"concurrency", cfg.Concurrency,
		"poll_interval", cfg.PollInterval(),
		"max_jobs", cfg.MaxJobs,
		"executors", registry.Types(),
		"daemon", isChild,
	)
	runErr := pool.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status server shutdown", "err", err)
	}
	logger.Info("job worker stopped")
	return runErr
}

func buildRegistry(ctx context.Context, cfg config.Config) (*executor.Registry, error) {
	blobs, err := blob.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("blob store: %w", err)
	}
	reg := executor.NewRegistry()
	reg.Register(executor.TypeBusinessAnalysis, executor.NewHTTP(cfg.AnalysisURL, cfg.AnalysisToken, nil))
	reg.Register(executor.TypeImagePreview, executor.NewThumbnail(blobs, cfg.ThumbnailWidth, cfg.ImageMaxBytes))
	return reg, nil
}

func workerID(cfg config.Config) string {
	if cfg.WorkerID != "" {
		return cfg.WorkerID
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	return "worker-" + uuid.NewString()[:8]
}

func writePIDFile(path string) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

func readPIDFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s does not hold a pid", path)
	}
	return pid, nil
}
