package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ranya.json")

	out, err := execute(t, "", "--config", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = execute(t, "", "--config", path, "config", "init")
	assert.ErrorContains(t, err, "already exists")

	_, err = execute(t, "", "--config", path, "config", "init", "--force")
	assert.NoError(t, err)
}

func TestConfigShow(t *testing.T) {
	out, err := execute(t, "", "--config", writeConfig(t, nil), "--log-level", "warn", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `"level": "warn"`)
	assert.Contains(t, out, `"base_url": "https://api.openai.com/v1"`)
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		out, err := execute(t, "", "--config", writeConfig(t, nil), "config", "validate")
		require.NoError(t, err)
		assert.Contains(t, out, "Configuration is valid")
	})

	t.Run("invalid", func(t *testing.T) {
		path := writeConfig(t, map[string]any{
			"scheduler": map[string]any{"workers": 0},
		})
		out, err := execute(t, "", "--config", path, "config", "validate")
		assert.ErrorContains(t, err, "1 problem")
		assert.Contains(t, out, "scheduler.workers")
	})
}
