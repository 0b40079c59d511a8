package cli

import (
	"context"
	"encoding/json"
	"net"
	"net/url"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/ranya-runtime/internal/config"
	"github.com/harun/ranya-runtime/internal/daemon"
)

func writePIDFile(t *testing.T, configPath string, pid int) {
	t.Helper()
	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(daemon.PIDFilePath(cfg.DataDir), []byte(strconv.Itoa(pid)), 0o644))
}

func TestStatusCommand(t *testing.T) {
	t.Run("stopped", func(t *testing.T) {
		out, err := execute(t, "", "--config", writeConfig(t, nil), "status")
		require.NoError(t, err)
		assert.Equal(t, "Status: stopped\n", out)
	})

	t.Run("stale pid file", func(t *testing.T) {
		path := writeConfig(t, nil)
		writePIDFile(t, path, 999999999)

		out, err := execute(t, "", "--config", path, "status")
		require.NoError(t, err)
		assert.Equal(t, "Status: stopped\n", out)
	})

	t.Run("running", func(t *testing.T) {
		path := writeConfig(t, nil)
		writePIDFile(t, path, os.Getpid())

		out, err := execute(t, "", "--config", path, "status")
		require.NoError(t, err)
		assert.Contains(t, out, "Status: running")
		assert.Contains(t, out, "PID: "+strconv.Itoa(os.Getpid()))
		assert.Contains(t, out, "Uptime:")
	})

	t.Run("running with unreachable webhook", func(t *testing.T) {
		path := writeConfig(t, map[string]any{
			"webhook": map[string]any{"enabled": true, "host": "127.0.0.1", "port": 1},
		})
		writePIDFile(t, path, os.Getpid())

		out, err := execute(t, "", "--config", path, "status")
		require.NoError(t, err)
		assert.Contains(t, out, "Stats: unavailable")
	})
}

func TestFetchStats(t *testing.T) {
	srv := newCompletionServer(t, 200, `{"scheduler":{"state":"running","workers":4}}`)
	host, port := splitHostPort(t, srv.URL)

	out, err := fetchStats(context.Background(), config.WebhookConfig{Host: host, Port: port})
	require.NoError(t, err)

	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, "running", stats["scheduler"].(map[string]any)["state"])
}

func TestStopCommand_NotRunning(t *testing.T) {
	_, err := execute(t, "", "--config", writeConfig(t, nil), "stop")
	assert.ErrorContains(t, err, "not running")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5s", formatDuration(5*time.Second))
	assert.Equal(t, "2m3s", formatDuration(2*time.Minute+3*time.Second))
	assert.Equal(t, "1h0m1s", formatDuration(time.Hour+time.Second))
}

func splitHostPort(t *testing.T, raw string) (string, int) {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}
