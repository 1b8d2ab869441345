package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HANDOFF_CHAT_TOKEN", "xoxb-test")
	t.Setenv("HANDOFF_TRACKER_BASE_URL", "https://tracker.example.com")
	t.Setenv("HANDOFF_TRACKER_API_TOKEN", "tracker-secret")
}

func TestLoadFromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("HANDOFF_PROJECT_KEY", "PROJ")
	t.Setenv("HANDOFF_REQUEST_TTL", "30m")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "xoxb-test", cfg.ChatToken)
	require.Equal(t, "PROJ", cfg.ProjectKey)
	require.Equal(t, 30*time.Minute, cfg.RequestTTL.Std())
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, time.Hour, cfg.RequestTTL.Std())
	require.Equal(t, float64(1), cfg.NotifyRate)
	require.Equal(t, 1, cfg.NotifyBurst)
	require.Empty(t, cfg.RedisURL)
}

func TestLoadMissingCredentialsIsFatal(t *testing.T) {
	t.Setenv("HANDOFF_CHAT_TOKEN", "")
	t.Setenv("HANDOFF_TRACKER_BASE_URL", "")
	t.Setenv("HANDOFF_TRACKER_API_TOKEN", "tracker-secret")

	_, err := Load("")
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	require.ElementsMatch(t, []string{"HANDOFF_CHAT_TOKEN", "HANDOFF_TRACKER_BASE_URL"}, cfgErr.Missing)
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("HANDOFF_PROJECT_KEY", "OVERRIDE")

	dir := t.TempDir()
	path := filepath.Join(dir, "handoff.yaml")
	content := "project_key: FILE\nnotify_burst: 3\nrequest_ttl: 45m\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "OVERRIDE", cfg.ProjectKey, "environment wins over the file")
	require.Equal(t, 3, cfg.NotifyBurst)
	require.Equal(t, 45*time.Minute, cfg.RequestTTL.Std())
}

func TestLoadMissingFile(t *testing.T) {
	setRequiredEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
