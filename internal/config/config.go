package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds runtime configuration for the worker and its operator commands.
type Config struct {
	Env         string `env:"APP_ENV" envDefault:"dev"`
	PostgresDSN string `env:"DATABASE_URL"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"4"`

	// PollIntervalSeconds is the sleep between empty polls.
	PollIntervalSeconds int `env:"JOB_POLL_INTERVAL" envDefault:"30"`
	// MaxJobs bounds how many jobs the process finishes before exiting. 0 means unbounded.
	MaxJobs         int           `env:"JOB_MAX_JOBS" envDefault:"0"`
	MaxRetries      int           `env:"JOB_MAX_RETRIES" envDefault:"3"`
	Concurrency     int           `env:"WORKER_CONCURRENCY" envDefault:"1"`
	WorkerID        string        `env:"WORKER_ID"`
	ExecutorTimeout time.Duration `env:"EXECUTOR_TIMEOUT" envDefault:"0s"`
	StuckThreshold  time.Duration `env:"STUCK_JOB_THRESHOLD" envDefault:"30m"`
	StatusEvery     time.Duration `env:"STATUS_LOG_INTERVAL" envDefault:"5m"`

	Daemon  bool   `env:"WORKER_DAEMON" envDefault:"false"`
	PIDFile string `env:"WORKER_PID_FILE" envDefault:"job-worker.pid"`
	LogFile string `env:"WORKER_LOG_FILE" envDefault:"job-worker.log"`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"text"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	AnalysisURL   string `env:"ANALYSIS_URL"`
	AnalysisToken string `env:"ANALYSIS_TOKEN"`

	RedisAddr      string        `env:"REDIS_ADDR"`
	RedisPassword  string        `env:"REDIS_PASSWORD"`
	RedisDB        int           `env:"REDIS_DB" envDefault:"0"`
	ResultCacheTTL time.Duration `env:"RESULT_CACHE_TTL" envDefault:"24h"`

	BlobDir        string `env:"BLOB_DIR" envDefault:"./output"`
	S3Bucket       string `env:"S3_BUCKET"`
	S3Region       string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint     string `env:"S3_ENDPOINT"`
	S3PathStyle    bool   `env:"S3_PATH_STYLE" envDefault:"false"`
	ThumbnailWidth int    `env:"THUMBNAIL_WIDTH" envDefault:"320"`
	ImageMaxBytes  int64  `env:"IMAGE_MAX_BYTES" envDefault:"26214400"`
}

// Load reads configuration from environment variables with defaults for local development.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.PostgresDSN == "" {
		cfg.PostgresDSN = os.Getenv("POSTGRES_URL")
	}
	return cfg, nil
}

// PollInterval returns the configured poll interval as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Validate rejects settings the worker cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.PostgresDSN == "" {
		errs = append(errs, errors.New("DATABASE_URL or POSTGRES_URL is required"))
	}
	if c.PollIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be a positive number of seconds, got %d", c.PollIntervalSeconds))
	}
	if c.MaxJobs < 0 {
		errs = append(errs, fmt.Errorf("max jobs must be positive or 0 for unbounded, got %d", c.MaxJobs))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("max retries must be at least 1 attempt, got %d", c.MaxRetries))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.ExecutorTimeout < 0 {
		errs = append(errs, fmt.Errorf("executor timeout must not be negative, got %s", c.ExecutorTimeout))
	}
	return errors.Join(errs...)
}
