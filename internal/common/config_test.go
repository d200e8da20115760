package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaultsValidate(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, "2s", cfg.Retry.BaseDelay)
}

func TestLoadFromFiles_LaterFileWins(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.toml")
	override := filepath.Join(dir, "override.toml")
	require.NoError(t, os.WriteFile(base, []byte("[queue]\nconcurrency = 2\n[renderer]\npdf_engine = \"native\"\n"), 0644))
	require.NoError(t, os.WriteFile(override, []byte("[queue]\nconcurrency = 7\n"), 0644))

	cfg, err := LoadFromFiles(base, override)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Queue.Concurrency)
	assert.Equal(t, "native", cfg.Renderer.PDFEngine)
}

func TestLoadFromFiles_RejectsBadSchedule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[schedules]]
name = "monthly"
cron = "not a cron"
template_id = "sales"
connection_id = "warehouse"
formats = ["pdf"]
`), 0644))

	_, err := LoadFromFiles(path)
	assert.Error(t, err)
}
