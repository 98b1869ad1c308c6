package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ece"
	"github.com/hupe1980/ece/replica"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:18731", cfg.Addr())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("ECE_DATA_DIR", t.TempDir())
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Ingest.DedupThreshold)
	assert.Equal(t, 0.7, cfg.Retrieval.PlanetRatio)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ece.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: `+dir+`
log:
  level: debug
  format: json
ingest:
  dedup_threshold: 5
retrieval:
  planet_ratio: 0.5
schedule:
  compact: "*/30 * * * *"
  backup: "@daily"
replica:
  kind: dir
  dir: `+filepath.Join(dir, "replica")+`
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 5, cfg.Ingest.DedupThreshold)
	assert.Equal(t, 0.5, cfg.Retrieval.PlanetRatio)
	assert.Equal(t, 100, cfg.Ingest.BatchSize, "unset fields keep their defaults")
	assert.Equal(t, "@daily", cfg.Schedule.Backup)

	target, err := cfg.ReplicaTarget(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &replica.Dir{}, target)
}

func TestLoadJSONWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ece.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"data_dir": "`+dir+`", "server": {"port": 9000}}`), 0o644))
	t.Setenv("ECE_SERVER_PORT", "9100")
	t.Setenv("ECE_INDEX_KEEP", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.True(t, cfg.Index.Keep)
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"ece.yaml", "ece.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			cfg := DefaultConfig()
			cfg.DataDir = t.TempDir()
			cfg.Ingest.Weighting = "uniform"
			require.NoError(t, Save(path, cfg))

			got, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, got)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"threshold", func(c *Config) { c.Ingest.DedupThreshold = 65 }, "dedup_threshold"},
		{"weighting", func(c *Config) { c.Ingest.Weighting = "tfidf" }, "weighting"},
		{"ratio", func(c *Config) { c.Retrieval.PlanetRatio = 1.5 }, "planet_ratio"},
		{"budget", func(c *Config) { c.Retrieval.DefaultBudget = 2000 }, "default_budget"},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"cron", func(c *Config) { c.Schedule.Compact = "every day" }, "schedule.compact"},
		{"backup without replica", func(c *Config) { c.Schedule.Backup = "@hourly" }, "requires a replica"},
		{"replica kind", func(c *Config) { c.Replica.Kind = "ftp" }, "replica.kind"},
		{"dir replica", func(c *Config) { c.Replica.Kind = "dir" }, "replica.dir"},
		{"minio replica", func(c *Config) {
			c.Replica.Kind = "minio"
			c.Replica.Bucket = "b"
		}, "replica.endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.DataDir = "/tmp/ece"
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestEngineOptionsOpenEngine(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Index.Keep = true
	cfg.Ingest.Workers = 2
	cfg.Resources.MemoryCeiling = 1 << 40

	eng, err := ece.Open(context.Background(), cfg.DataDir, cfg.EngineOptions(ece.NoopLogger())...)
	require.NoError(t, err)
	defer eng.Close()

	st, err := eng.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Workers)
	assert.Equal(t, "ready", st.State)
}
