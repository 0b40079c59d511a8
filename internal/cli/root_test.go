package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns what it wrote to
// stdout. Flag variables are reset first because cobra keeps them between
// runs.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	cfgFile, logLevel = "", ""
	askSession, askJSON = "cli", false
	replayChunks, configForce = false, false
	stopTimeout = 30

	cmd := GetRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

// writeConfig writes a config file overriding the given sections.
func writeConfig(t *testing.T, overrides map[string]any) string {
	t.Helper()
	dir := t.TempDir()

	doc := map[string]any{
		"data_dir": dir,
		"logging":  map[string]any{"level": "error", "console": false},
		"webhook":  map[string]any{"enabled": false},
	}
	for k, v := range overrides {
		doc[k] = v
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	path := filepath.Join(dir, "ranya.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		out, err := execute(t, "", "--version")
		require.NoError(t, err)
		assert.Contains(t, out, "ranyad version")
		assert.Contains(t, out, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		out, err := execute(t, "", "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "Ranya runtime")
		assert.Contains(t, out, "worker pool")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "", logLevelFlag.DefValue)
	})

	t.Run("subcommands", func(t *testing.T) {
		names := map[string]bool{}
		for _, c := range GetRootCmd().Commands() {
			names[c.Name()] = true
		}
		for _, want := range []string{"run", "replay", "ask", "version", "status", "stop", "config"} {
			assert.True(t, names[want], want)
		}
	})
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "ranyad version "+GetVersion()))
}

func TestGetVersion(t *testing.T) {
	assert.True(t, strings.HasPrefix(GetVersion(), "0."))
}

func TestLoadConfig_LogLevelOverride(t *testing.T) {
	path := writeConfig(t, nil)

	cfgFile, logLevel = path, "debug"
	defer func() { cfgFile, logLevel = "", "" }()

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Webhook.Enabled)
	assert.Equal(t, "gpt-4o-mini", cfg.Stream.Model)
}
