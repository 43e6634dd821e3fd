package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileFlattensNestedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  host: 127.0.0.1
  port: 9090
scheduler:
  interval: 2s
instance:
  name: test-fleet
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Get("server.host"))
	assert.Equal(t, "9090", cfg.Get("server.port"))
	assert.Equal(t, "2s", cfg.Get("scheduler.interval"))
	assert.Equal(t, "test-fleet", cfg.Get("instance.name"))
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestGetOrDefault(t *testing.T) {
	cfg := New()
	cfg.Update(map[string]string{"server.port": "8080", "empty": ""})

	assert.Equal(t, "8080", cfg.GetOrDefault("server.port", "9999"))
	assert.Equal(t, "fallback", cfg.GetOrDefault("unset.key", "fallback"))
	assert.Equal(t, "fallback", cfg.GetOrDefault("empty", "fallback"))
}

func TestRequiresRestart(t *testing.T) {
	cfg := New()
	cfg.Update(map[string]string{
		"server.port":        "8080",
		"scheduler.interval": "5s",
	})

	old := cfg.GetAll()
	cfg.Update(map[string]string{"scheduler.interval": "10s"})
	assert.False(t, cfg.RequiresRestart(old), "non-restart key changed")

	old = cfg.GetAll()
	cfg.Update(map[string]string{"server.port": "9090"})
	assert.True(t, cfg.RequiresRestart(old), "restart key changed")
}
