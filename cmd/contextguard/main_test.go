package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/contextguard"
	"github.com/aixgo-dev/contextguard/pkg/bundle"
	"github.com/aixgo-dev/contextguard/pkg/risk"
)

type noVCS struct{}

func (noVCS) Probe(context.Context, string) (*bundle.VCSState, error) { return nil, nil }

// writeTestConfig writes a file-backed configuration rooted in a temp dir.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := "base_dir: " + dir + "\n" +
		"session_id: cli-test\n" +
		"ceiling: 100000\n" +
		"store:\n  backend: file\n" +
		"observability:\n  metrics_addr: \"\"\n" +
		"optimizer:\n  maintenance_schedule: \"\"\n" +
		"logging:\n  level: error\n"
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(
		contextguard.WithVCSProbe(noVCS{}),
		contextguard.WithMemorySampler(risk.StaticMemory(20)),
		contextguard.WithPredictor(nil),
	)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestReportAndStatus(t *testing.T) {
	cfg := writeTestConfig(t)

	out, err := run(t, "--config", cfg, "report", "planner", "plan", "30000")
	require.NoError(t, err)
	assert.Contains(t, out, "recorded 30000 tokens for planner")

	_, err = run(t, "--config", cfg, "report", "coder", "edit", "50000", "--category", "code")
	require.NoError(t, err)

	out, err = run(t, "--config", cfg, "--json", "status")
	require.NoError(t, err)
	var st contextguard.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "cli-test", st.SessionID)
	assert.Equal(t, int64(80000), st.TokensUsed, "usage persists across invocations")
	assert.Equal(t, int64(20000), st.Remaining)

	out, err = run(t, "--config", cfg, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "80000 / 100000")
}

func TestReportRejectsBadTokens(t *testing.T) {
	cfg := writeTestConfig(t)

	_, err := run(t, "--config", cfg, "report", "planner", "plan", "lots")
	assert.Error(t, err)

	_, err = run(t, "--config", cfg, "report", "planner", "plan")
	assert.Error(t, err)
}

func TestRecoverRejectsUnknownLevel(t *testing.T) {
	cfg := writeTestConfig(t)

	_, err := run(t, "--config", cfg, "recover", "--level", "9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "level must be 1-4")
}

func TestBundleLifecycle(t *testing.T) {
	cfg := writeTestConfig(t)

	_, err := run(t, "--config", cfg, "report", "planner", "plan", "12000")
	require.NoError(t, err)

	out, err := run(t, "--config", cfg, "bundle", "save", "--reason", "handoff", "--compression", "zstd")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	out, err = run(t, "--config", cfg, "--json", "bundle", "list")
	require.NoError(t, err)
	var refs []bundle.Ref
	require.NoError(t, json.Unmarshal([]byte(out), &refs))
	require.Len(t, refs, 1)
	assert.Equal(t, id, refs[0].ID)
	assert.Equal(t, bundle.PartitionActive, refs[0].Partition)

	out, err = run(t, "--config", cfg, "bundle", "validate", "latest")
	require.NoError(t, err)
	assert.Contains(t, out, "valid (strict)")

	out, err = run(t, "--config", cfg, "bundle", "load", id, "--mode", "context-only")
	require.NoError(t, err)
	assert.Contains(t, out, "12000 / 100000")

	require.NoError(t, func() error { _, err := run(t, "--config", cfg, "bundle", "archive", id); return err }())
	out, err = run(t, "--config", cfg, "bundle", "list", "--partition", "archive")
	require.NoError(t, err)
	assert.Contains(t, out, id)

	out, err = run(t, "--config", cfg, "bundle", "stats", "--rebuild-index")
	require.NoError(t, err)
	assert.Contains(t, out, "Total:")

	_, err = run(t, "--config", cfg, "bundle", "save", "--compression", "gzip")
	assert.Error(t, err)
	_, err = run(t, "--config", cfg, "bundle", "list", "--partition", "attic")
	assert.Error(t, err)
}

func TestInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	out, err := run(t, "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = run(t, "init", path)
	assert.Error(t, err, "existing file needs --force")
	_, err = run(t, "init", path, "--force")
	assert.NoError(t, err)

	c := &cli{configFile: path}
	cfg, err := c.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, int64(200000), cfg.Ceiling)
}

func TestLoggingFlagsOverrideConfig(t *testing.T) {
	c := &cli{configFile: writeTestConfig(t), logLevel: "debug", logFormat: "json"}
	cfg, err := c.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	_, err = run(t, "--config", c.configFile, "--log-level", "loud", "status")
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, contextguard.Version)
}
