// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Store struct {
	Path string `mapstructure:"path"`
}

type QueueConfig struct {
	MaxAttempts  int `mapstructure:"max_attempts"`
	RetryBaseSec int `mapstructure:"retry_base_sec"`
}

type Worker struct {
	Count          int  `mapstructure:"count"`
	RunOnce        bool `mapstructure:"run_once"`
	MaxJobs        int  `mapstructure:"max_jobs"`
	EnablePipeline bool `mapstructure:"enable_pipeline"`
	RequeueStuck   bool `mapstructure:"requeue_stuck"`
}

type HTTP struct {
	Addr string `mapstructure:"addr"`
}

type Middleware struct {
	APIKeys         string `mapstructure:"api_keys"`
	RateRequests    int    `mapstructure:"rate_requests"`
	RateWindowSec   int    `mapstructure:"rate_window_sec"`
	MaxRequestBytes int64  `mapstructure:"max_request_bytes"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
	Pause            time.Duration `mapstructure:"pause"`
}

type Observability struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
}

type TaskLog struct {
	Path       string `mapstructure:"path"`
	RotateSize int64  `mapstructure:"rotate_size"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type Config struct {
	Store          Store          `mapstructure:"store"`
	Queue          QueueConfig    `mapstructure:"queue"`
	Worker         Worker         `mapstructure:"worker"`
	HTTP           HTTP           `mapstructure:"http"`
	Middleware     Middleware     `mapstructure:"middleware"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
	TaskLog        TaskLog        `mapstructure:"task_log"`
}

func defaultConfig() *Config {
	return &Config{
		Store: Store{Path: "./data/jobs.db"},
		Queue: QueueConfig{MaxAttempts: 3, RetryBaseSec: 2},
		Worker: Worker{
			Count:          4,
			RunOnce:        false,
			MaxJobs:        0,
			EnablePipeline: false,
			RequeueStuck:   false,
		},
		HTTP: HTTP{Addr: ":8080"},
		Middleware: Middleware{
			APIKeys:         "",
			RateRequests:    0,
			RateWindowSec:   0,
			MaxRequestBytes: 1 * 1024 * 1024,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
			Pause:            100 * time.Millisecond,
		},
		Observability: Observability{
			MetricsAddr: ":9090",
			LogLevel:    "info",
		},
		TaskLog: TaskLog{
			Path:       "",
			RotateSize: 100 * 1024 * 1024,
			MaxBackups: 10,
		},
	}
}

// envBindings maps the stable environment variable names from the external
// interface contract onto viper keys. These names are flat and predate the
// config struct's nested shape, so each gets an explicit binding rather than
// relying on the dot-to-underscore replacer convention.
var envBindings = map[string]string{
	"store.path":                   "TASK_DB",
	"task_log.path":                "TASK_LOG",
	"queue.max_attempts":           "SQLQ_MAX_ATTEMPTS",
	"queue.retry_base_sec":         "SQLQ_RETRY_BASE_SEC",
	"middleware.api_keys":          "API_KEYS",
	"middleware.rate_requests":     "RATE_REQUESTS",
	"middleware.rate_window_sec":   "RATE_WINDOW_SEC",
	"middleware.max_request_bytes": "MAX_REQUEST_BYTES",
	"worker.run_once":              "WORKER_RUN_ONCE",
	"worker.max_jobs":              "WORKER_MAX_JOBS",
	"worker.enable_pipeline":       "WORKER_ENABLE_PIPELINE",
	"worker.requeue_stuck":         "WORKER_REQUEUE_STUCK",
	"worker.count":                 "WORKER_COUNT",
	"http.addr":                    "HTTP_ADDR",
	"observability.metrics_addr":   "METRICS_ADDR",
	"observability.log_level":      "LOG_LEVEL",
}

// Load reads configuration from an optional YAML file, then applies the
// stable environment variable overrides from envBindings.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	def := defaultConfig()
	v.SetDefault("store.path", def.Store.Path)
	v.SetDefault("queue.max_attempts", def.Queue.MaxAttempts)
	v.SetDefault("queue.retry_base_sec", def.Queue.RetryBaseSec)
	v.SetDefault("worker.count", def.Worker.Count)
	v.SetDefault("worker.run_once", def.Worker.RunOnce)
	v.SetDefault("worker.max_jobs", def.Worker.MaxJobs)
	v.SetDefault("worker.enable_pipeline", def.Worker.EnablePipeline)
	v.SetDefault("worker.requeue_stuck", def.Worker.RequeueStuck)
	v.SetDefault("http.addr", def.HTTP.Addr)
	v.SetDefault("middleware.api_keys", def.Middleware.APIKeys)
	v.SetDefault("middleware.rate_requests", def.Middleware.RateRequests)
	v.SetDefault("middleware.rate_window_sec", def.Middleware.RateWindowSec)
	v.SetDefault("middleware.max_request_bytes", def.Middleware.MaxRequestBytes)
	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)
	v.SetDefault("circuit_breaker.pause", def.CircuitBreaker.Pause)
	v.SetDefault("observability.metrics_addr", def.Observability.MetricsAddr)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("task_log.path", def.TaskLog.Path)
	v.SetDefault("task_log.rotate_size", def.TaskLog.RotateSize)
	v.SetDefault("task_log.max_backups", def.TaskLog.MaxBackups)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be >= 1")
	}
	if cfg.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be >= 1")
	}
	if cfg.Queue.RetryBaseSec < 1 {
		return fmt.Errorf("queue.retry_base_sec must be >= 1")
	}
	if cfg.Middleware.RateRequests < 0 {
		return fmt.Errorf("middleware.rate_requests must be >= 0")
	}
	if cfg.Middleware.RateWindowSec < 0 {
		return fmt.Errorf("middleware.rate_window_sec must be >= 0")
	}
	if cfg.Middleware.MaxRequestBytes < 0 {
		return fmt.Errorf("middleware.max_request_bytes must be >= 0")
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path must be set")
	}
	return nil
}
