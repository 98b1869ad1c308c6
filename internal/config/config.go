// Package config loads the service configuration of the ece daemon and CLI.
//
// A configuration is read from a JSON or YAML file, chosen by extension, and
// then overridden from ECE_* environment variables.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/ece"
	"github.com/hupe1980/ece/fingerprint"
	"github.com/hupe1980/ece/replica"
	"github.com/hupe1980/ece/replica/minio"
	"github.com/hupe1980/ece/replica/s3"
)

type Config struct {
	DataDir   string          `json:"data_dir" yaml:"data_dir" env:"ECE_DATA_DIR"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Retrieval RetrievalConfig `json:"retrieval" yaml:"retrieval"`
	Resources ResourcesConfig `json:"resources" yaml:"resources"`
	Index     IndexConfig     `json:"index" yaml:"index"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Schedule  ScheduleConfig  `json:"schedule" yaml:"schedule"`
	Replica   ReplicaConfig   `json:"replica" yaml:"replica"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" env:"ECE_LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"ECE_LOG_FORMAT"`
}

type IngestConfig struct {
	BatchSize      int    `json:"batch_size" yaml:"batch_size" env:"ECE_INGEST_BATCH_SIZE"`
	LargeThreshold int    `json:"large_threshold" yaml:"large_threshold" env:"ECE_INGEST_LARGE_THRESHOLD"`
	LargeBytes     int64  `json:"large_bytes" yaml:"large_bytes" env:"ECE_INGEST_LARGE_BYTES"`
	DedupThreshold int    `json:"dedup_threshold" yaml:"dedup_threshold" env:"ECE_INGEST_DEDUP_THRESHOLD"`
	Concurrency    int    `json:"concurrency" yaml:"concurrency" env:"ECE_INGEST_CONCURRENCY"`
	ShingleWindow  int    `json:"shingle_window" yaml:"shingle_window" env:"ECE_INGEST_SHINGLE_WINDOW"`
	Weighting      string `json:"weighting" yaml:"weighting" env:"ECE_INGEST_WEIGHTING"`
	Workers        int    `json:"workers" yaml:"workers" env:"ECE_INGEST_WORKERS"`
}

type RetrievalConfig struct {
	PlanetRatio   float64 `json:"planet_ratio" yaml:"planet_ratio" env:"ECE_RETRIEVAL_PLANET_RATIO"`
	Radius        int     `json:"radius" yaml:"radius" env:"ECE_RETRIEVAL_RADIUS"`
	DecayLambda   float64 `json:"decay_lambda" yaml:"decay_lambda" env:"ECE_RETRIEVAL_DECAY_LAMBDA"`
	DefaultBudget int     `json:"default_budget" yaml:"default_budget" env:"ECE_RETRIEVAL_DEFAULT_BUDGET"`
	MaxBudget     int     `json:"max_budget" yaml:"max_budget" env:"ECE_RETRIEVAL_MAX_BUDGET"`
	TimeoutMS     int     `json:"timeout_ms" yaml:"timeout_ms" env:"ECE_RETRIEVAL_TIMEOUT_MS"`
}

type ResourcesConfig struct {
	MemoryCeiling        uint64 `json:"memory_ceiling" yaml:"memory_ceiling" env:"ECE_RESOURCES_MEMORY_CEILING"`
	PressureIntervalMS   int    `json:"pressure_interval_ms" yaml:"pressure_interval_ms" env:"ECE_RESOURCES_PRESSURE_INTERVAL_MS"`
	IngestMemoryLimit    int64  `json:"ingest_memory_limit" yaml:"ingest_memory_limit" env:"ECE_RESOURCES_INGEST_MEMORY_LIMIT"`
	MaxBackgroundWorkers int64  `json:"max_background_workers" yaml:"max_background_workers" env:"ECE_RESOURCES_MAX_BACKGROUND_WORKERS"`
	IOLimitBytesPerSec   int64  `json:"io_limit_bytes_per_sec" yaml:"io_limit_bytes_per_sec" env:"ECE_RESOURCES_IO_LIMIT_BYTES_PER_SEC"`
}

type IndexConfig struct {
	Path              string `json:"path" yaml:"path" env:"ECE_INDEX_PATH"`
	Keep              bool   `json:"keep" yaml:"keep" env:"ECE_INDEX_KEEP"`
	BackgroundRebuild bool   `json:"background_rebuild" yaml:"background_rebuild" env:"ECE_INDEX_BACKGROUND_REBUILD"`
	VerifyContent     bool   `json:"verify_content" yaml:"verify_content" env:"ECE_INDEX_VERIFY_CONTENT"`
}

type ServerConfig struct {
	Host                   string `json:"host" yaml:"host" env:"ECE_SERVER_HOST"`
	Port                   int    `json:"port" yaml:"port" env:"ECE_SERVER_PORT"`
	MaxBodyBytes           int64  `json:"max_body_bytes" yaml:"max_body_bytes" env:"ECE_SERVER_MAX_BODY_BYTES"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds" env:"ECE_SERVER_SHUTDOWN_TIMEOUT_SECONDS"`
}

// ScheduleConfig holds cron expressions of maintenance jobs. An empty
// expression disables the job.
type ScheduleConfig struct {
	Compact string `json:"compact" yaml:"compact" env:"ECE_SCHEDULE_COMPACT"`
	Rebuild string `json:"rebuild" yaml:"rebuild" env:"ECE_SCHEDULE_REBUILD"`
	Backup  string `json:"backup" yaml:"backup" env:"ECE_SCHEDULE_BACKUP"`
}

// ReplicaConfig selects the Backup target: dir, s3 or minio.
type ReplicaConfig struct {
	Kind        string `json:"kind" yaml:"kind" env:"ECE_REPLICA_KIND"`
	Dir         string `json:"dir,omitempty" yaml:"dir,omitempty" env:"ECE_REPLICA_DIR"`
	Bucket      string `json:"bucket,omitempty" yaml:"bucket,omitempty" env:"ECE_REPLICA_BUCKET"`
	Prefix      string `json:"prefix,omitempty" yaml:"prefix,omitempty" env:"ECE_REPLICA_PREFIX"`
	Endpoint    string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" env:"ECE_REPLICA_ENDPOINT"`
	AccessKey   string `json:"access_key,omitempty" yaml:"access_key,omitempty" env:"ECE_REPLICA_ACCESS_KEY"`
	SecretKey   string `json:"secret_key,omitempty" yaml:"secret_key,omitempty" env:"ECE_REPLICA_SECRET_KEY"`
	Secure      bool   `json:"secure,omitempty" yaml:"secure,omitempty" env:"ECE_REPLICA_SECURE"`
	Concurrency int    `json:"concurrency,omitempty" yaml:"concurrency,omitempty" env:"ECE_REPLICA_CONCURRENCY"`
}

func DefaultConfig() *Config {
	return &Config{
		DataDir: "~/.ece",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Ingest: IngestConfig{
			BatchSize:      100,
			LargeThreshold: 100,
			LargeBytes:     1 << 20,
			DedupThreshold: 3,
			Concurrency:    4,
			ShingleWindow:  fingerprint.DefaultWindow,
			Weighting:      "frequency",
		},
		Retrieval: RetrievalConfig{
			PlanetRatio:   0.7,
			Radius:        32 << 10,
			DecayLambda:   0.01,
			DefaultBudget: 20,
			MaxBudget:     1000,
			TimeoutMS:     200,
		},
		Resources: ResourcesConfig{
			PressureIntervalMS:   1000,
			MaxBackgroundWorkers: 1,
		},
		Index: IndexConfig{
			VerifyContent: true,
		},
		Server: ServerConfig{
			Host:                   "127.0.0.1",
			Port:                   18731,
			MaxBodyBytes:           64 << 20,
			ShutdownTimeoutSeconds: 10,
		},
		Schedule: ScheduleConfig{
			Compact: "0 3 * * *",
		},
		Replica: ReplicaConfig{
			Concurrency: 4,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decode(path, data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// Save writes cfg to path, as YAML or JSON by extension.
func Save(path string, cfg *Config) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: log.format %q is not text or json", c.Log.Format)
	}
	if c.Ingest.DedupThreshold < 0 || c.Ingest.DedupThreshold > fingerprint.Bits {
		return fmt.Errorf("config: ingest.dedup_threshold %d is outside [0, %d]", c.Ingest.DedupThreshold, fingerprint.Bits)
	}
	if c.Ingest.Weighting != "" {
		if _, ok := fingerprint.ParseWeighting(c.Ingest.Weighting); !ok {
			return fmt.Errorf("config: ingest.weighting %q is unknown", c.Ingest.Weighting)
		}
	}
	if c.Retrieval.PlanetRatio < 0 || c.Retrieval.PlanetRatio > 1 {
		return fmt.Errorf("config: retrieval.planet_ratio %g is outside [0, 1]", c.Retrieval.PlanetRatio)
	}
	if c.Retrieval.MaxBudget > 0 && c.Retrieval.DefaultBudget > c.Retrieval.MaxBudget {
		return fmt.Errorf("config: retrieval.default_budget %d exceeds max_budget %d", c.Retrieval.DefaultBudget, c.Retrieval.MaxBudget)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d is invalid", c.Server.Port)
	}

	g := gronx.New()
	for name, expr := range map[string]string{
		"compact": c.Schedule.Compact,
		"rebuild": c.Schedule.Rebuild,
		"backup":  c.Schedule.Backup,
	} {
		if expr != "" && !g.IsValid(expr) {
			return fmt.Errorf("config: schedule.%s %q is not a cron expression", name, expr)
		}
	}
	if c.Schedule.Backup != "" && c.Replica.Kind == "" {
		return fmt.Errorf("config: schedule.backup requires a replica")
	}

	switch c.Replica.Kind {
	case "":
	case "dir":
		if c.Replica.Dir == "" {
			return fmt.Errorf("config: replica.dir is required for kind dir")
		}
	case "s3":
		if c.Replica.Bucket == "" {
			return fmt.Errorf("config: replica.bucket is required for kind s3")
		}
	case "minio":
		if c.Replica.Bucket == "" || c.Replica.Endpoint == "" {
			return fmt.Errorf("config: replica.bucket and replica.endpoint are required for kind minio")
		}
	default:
		return fmt.Errorf("config: replica.kind %q is not dir, s3 or minio", c.Replica.Kind)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("config: log.level %q: %w", s, err)
	}
	return l, nil
}

// Logger builds the configured logger on stderr.
func (c *Config) Logger() *ece.Logger {
	level, _ := parseLevel(c.Log.Level)
	if c.Log.Format == "json" {
		return ece.NewJSONLogger(level)
	}
	return ece.NewTextLogger(level)
}

// EngineOptions maps the configuration onto engine options.
func (c *Config) EngineOptions(logger *ece.Logger) []ece.Option {
	opts := []ece.Option{
		ece.WithLogger(logger),
		ece.WithIngestConfig(ece.IngestConfig{
			BatchSize:      c.Ingest.BatchSize,
			LargeThreshold: c.Ingest.LargeThreshold,
			LargeBytes:     c.Ingest.LargeBytes,
			DedupThreshold: c.Ingest.DedupThreshold,
			Concurrency:    c.Ingest.Concurrency,
		}),
		ece.WithDedupThreshold(c.Ingest.DedupThreshold),
		ece.WithRetrievalConfig(ece.RetrievalConfig{
			PlanetRatio:   c.Retrieval.PlanetRatio,
			Radius:        c.Retrieval.Radius,
			Lambda:        c.Retrieval.DecayLambda,
			DefaultBudget: c.Retrieval.DefaultBudget,
			MaxBudget:     c.Retrieval.MaxBudget,
			Timeout:       time.Duration(c.Retrieval.TimeoutMS) * time.Millisecond,
		}),
		ece.WithMemoryCeiling(c.Resources.MemoryCeiling),
		ece.WithResourceLimits(ece.ResourceLimits{
			MemoryLimitBytes:     c.Resources.IngestMemoryLimit,
			MaxBackgroundWorkers: c.Resources.MaxBackgroundWorkers,
			IOLimitBytesPerSec:   c.Resources.IOLimitBytesPerSec,
		}),
	}
	if c.Ingest.ShingleWindow > 0 {
		opts = append(opts, ece.WithShingleWindow(c.Ingest.ShingleWindow))
	}
	if w, ok := fingerprint.ParseWeighting(c.Ingest.Weighting); ok {
		opts = append(opts, ece.WithWeighting(w))
	}
	if c.Ingest.Workers > 0 {
		opts = append(opts, ece.WithWorkers(c.Ingest.Workers))
	}
	if c.Resources.PressureIntervalMS > 0 {
		opts = append(opts, ece.WithPressureInterval(time.Duration(c.Resources.PressureIntervalMS)*time.Millisecond))
	}
	if c.Index.Path != "" {
		opts = append(opts, ece.WithIndexPath(expandHome(c.Index.Path)))
	}
	if c.Index.Keep {
		opts = append(opts, ece.WithKeepIndex())
	}
	if c.Index.BackgroundRebuild {
		opts = append(opts, ece.WithBackgroundRebuild())
	}
	if !c.Index.VerifyContent {
		opts = append(opts, ece.WithoutContentCheck())
	}
	if c.Replica.Concurrency > 0 {
		opts = append(opts, ece.WithReplicaConcurrency(c.Replica.Concurrency))
	}
	return opts
}

// ReplicaTarget connects the configured replica. It returns nil when none
// is configured.
func (c *Config) ReplicaTarget(ctx context.Context) (replica.Target, error) {
	r := c.Replica
	switch r.Kind {
	case "":
		return nil, nil
	case "dir":
		return replica.NewDir(expandHome(r.Dir)), nil
	case "s3":
		return s3.Dial(ctx, r.Bucket, r.Prefix)
	case "minio":
		return minio.Dial(r.Endpoint, r.AccessKey, r.SecretKey, r.Secure, r.Bucket, r.Prefix)
	}
	return nil, fmt.Errorf("config: replica.kind %q is not dir, s3 or minio", r.Kind)
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
