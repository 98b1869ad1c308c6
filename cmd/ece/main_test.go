package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ece"
)

const chatLog = "[2024-03-01 10:00:00] Alice: I talked with Dory about ADHD coping strategies again today.\n" +
	"[2024-03-01 10:05:00] Bob: Dory mentioned the garden project, which needs more volunteers.\n"

func run(t *testing.T, args ...string) (string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), append([]string{"ece"}, args...), &stdout, &stderr)
	if code != 0 {
		t.Logf("ece %v: %s", args, stderr.String())
	}
	return stdout.String(), code
}

func quiet(t *testing.T) {
	t.Setenv("ECE_LOG_LEVEL", "error")
	t.Setenv("ECE_CONFIG", "")
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestUsage(t *testing.T) {
	_, code := run(t)
	assert.Equal(t, 2, code)

	out, code := run(t, "help")
	assert.Zero(t, code)
	for _, c := range commands {
		assert.Contains(t, out, c.name)
	}

	_, code = run(t, "frobnicate")
	assert.Equal(t, 2, code)

	_, code = run(t, "search", "-h")
	assert.Zero(t, code)
}

func TestIngestSearchStatus(t *testing.T) {
	quiet(t)
	data := t.TempDir()
	file := writeFile(t, t.TempDir(), "day.log", chatLog)

	out, code := run(t, "ingest", "-data", data, "-bucket", "chat", file)
	require.Zero(t, code)
	assert.Contains(t, out, "2 molecules, 0 duplicates")

	out, code = run(t, "ingest", "-data", data, "-bucket", "chat", file)
	require.Zero(t, code)
	assert.Contains(t, out, "unchanged, 2 duplicates")

	out, code = run(t, "search", "-data", data, "-budget", "2", "dory", "adhd")
	require.Zero(t, code)
	assert.Contains(t, out, "planet")
	assert.Contains(t, out, "ADHD coping")

	out, code = run(t, "search", "-data", data, "-json", "-buckets", "chat", "garden")
	require.Zero(t, code)
	var res ece.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, "chat", res.Hits[0].Bucket)

	out, code = run(t, "status", "-data", data)
	require.Zero(t, code)
	var st ece.StatusReport
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "ready", st.State)
	assert.Equal(t, int64(2), st.Index.Molecules)
}

func TestIngestRejectsUnknownType(t *testing.T) {
	quiet(t)
	_, code := run(t, "ingest", "-data", t.TempDir(), "-type", "poem", "x.txt")
	assert.Equal(t, 1, code)

	_, code = run(t, "ingest", "-data", t.TempDir())
	assert.Equal(t, 2, code)
}

func TestMaintenanceCommands(t *testing.T) {
	quiet(t)
	data := t.TempDir()
	file := writeFile(t, t.TempDir(), "day.log", chatLog)
	_, code := run(t, "ingest", "-data", data, file)
	require.Zero(t, code)

	out, code := run(t, "rebuild", "-data", data)
	require.Zero(t, code)
	var rep ece.RebuildReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, 2, rep.Molecules)

	out, code = run(t, "compact", "-data", data)
	require.Zero(t, code)
	var crep ece.CompactReport
	require.NoError(t, json.Unmarshal([]byte(out), &crep))
	assert.Equal(t, 2, crep.Scanned)
}

func TestExportImport(t *testing.T) {
	quiet(t)
	src, dst := t.TempDir(), t.TempDir()
	file := writeFile(t, t.TempDir(), "day.log", chatLog)
	_, code := run(t, "ingest", "-data", src, "-bucket", "chat", file)
	require.Zero(t, code)

	archive := filepath.Join(t.TempDir(), "mirror.tar.lz4")
	_, code = run(t, "export", "-data", src, "-codec", "lz4", "-out", archive)
	require.Zero(t, code)

	out, code := run(t, "import", "-data", dst, "-in", archive)
	require.Zero(t, code)
	assert.Contains(t, out, "imported")

	out, code = run(t, "search", "-data", dst, "dory")
	require.Zero(t, code)
	assert.Contains(t, out, "Dory")

	_, code = run(t, "import", "-data", dst, "-in", archive)
	assert.Equal(t, 1, code, "the mirror is no longer empty")
}

func TestBackupRestore(t *testing.T) {
	quiet(t)
	src, dst, rdir := t.TempDir(), t.TempDir(), t.TempDir()
	cfgPath := writeFile(t, t.TempDir(), "ece.yaml", fmt.Sprintf("replica:\n  kind: dir\n  dir: %s\n", rdir))
	file := writeFile(t, t.TempDir(), "day.log", chatLog)

	_, code := run(t, "backup", "-data", src)
	assert.Equal(t, 1, code, "no replica configured")

	_, code = run(t, "ingest", "-config", cfgPath, "-data", src, file)
	require.Zero(t, code)

	out, code := run(t, "backup", "-config", cfgPath, "-data", src)
	require.Zero(t, code)
	assert.Contains(t, out, "backup:")

	out, code = run(t, "restore", "-config", cfgPath, "-data", dst)
	require.Zero(t, code)
	assert.Contains(t, out, "restore:")

	out, code = run(t, "search", "-data", dst, "garden")
	require.Zero(t, code)
	assert.Contains(t, out, "garden project")
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
}
