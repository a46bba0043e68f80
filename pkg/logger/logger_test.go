package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesJSONToFile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "app.log")
	require.NoError(t, Init(Config{Level: "debug", OutputPaths: []string{out}}))
	t.Cleanup(func() { _ = Sync() })

	Named("deploy").Info("step executed", "step", "001_core")
	require.NoError(t, Sync())

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &entry))
	assert.Equal(t, "step executed", entry["msg"])
	assert.Equal(t, "deploy", entry["component"])
	assert.Equal(t, "001_core", entry["step"])
}

func TestAuditLoggerUsesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "audit.log")
	require.NoError(t, Init(Config{
		OutputPaths: []string{filepath.Join(dir, "app.log")},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	}))
	t.Cleanup(func() { _ = Sync() })

	Audit().Info("proposal submitted", "name", "Add dripper")
	require.NoError(t, Sync())

	raw, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"stream":"audit"`)
	assert.Contains(t, string(raw), "Add dripper")
}

func TestAuditRequiresPath(t *testing.T) {
	err := Init(Config{Audit: AuditConfig{Enabled: true}})
	assert.Error(t, err)
}

func TestConsoleFormat(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "console.log")
	require.NoError(t, Init(Config{Format: "console", OutputPaths: []string{out}}))
	t.Cleanup(func() { _ = Sync() })

	L().Warn("gas price high", "gwei", 420)
	require.NoError(t, Sync())

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "gas price high")
	assert.Contains(t, string(raw), "gwei=420")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "WARN", parseLevel("warning").String())
	assert.Equal(t, "ERROR", parseLevel("ERROR").String())
	assert.Equal(t, "INFO", parseLevel("").String())
}
