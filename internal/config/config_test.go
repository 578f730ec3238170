package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "telegram:\n  token: abc\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "abc", cfg.Telegram.Token)
	assert.Equal(t, "0.0.0.0:8080", cfg.ServerAddress())
	assert.True(t, cfg.Tracker.ProcessPreReleases)
	assert.Equal(t, 15*time.Minute, cfg.Tracker.PreReleaseDebounce)
	assert.False(t, cfg.Tracker.PrimeNewRepos, "first sightings are announced by default")
	assert.Equal(t, 30*time.Second, cfg.Poller.RepoTimeout)
	assert.Equal(t, 1, cfg.Poller.Concurrency)
	assert.Equal(t, 4, cfg.Notifier.Workers)
	assert.Equal(t, "@hourly", cfg.Schedule.Poll)
	assert.Equal(t, "0 */8 * * *", cfg.Schedule.Followed)
	assert.Equal(t, "@weekly", cfg.Schedule.Cleanup)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
telegram:
  token: abc
tracker:
  process_pre_releases: false
  pre_release_debounce: 5m
  max_repos_per_chat: 50
  prime_new_repos: true
poller:
  concurrency: 3
schedule:
  poll: "*/30 * * * *"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.Tracker.ProcessPreReleases)
	assert.Equal(t, 5*time.Minute, cfg.Tracker.PreReleaseDebounce)
	assert.Equal(t, 50, cfg.Tracker.MaxReposPerChat)
	assert.True(t, cfg.Tracker.PrimeNewRepos)
	assert.Equal(t, 3, cfg.Poller.Concurrency)
	assert.Equal(t, "*/30 * * * *", cfg.Schedule.Poll)
}

func TestLoadTokenFromEnv(t *testing.T) {
	t.Setenv("RELEASEBOT_TELEGRAM_TOKEN", "from-env")
	path := writeConfig(t, "log:\n  level: debug\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Telegram.Token)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRequiresToken(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram token")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Telegram: TelegramConfig{Token: "t"},
			Tracker:  TrackerConfig{PreReleaseDebounce: time.Minute},
			Poller:   PollerConfig{Concurrency: 1, RepoTimeout: time.Second},
			Notifier: NotifierConfig{Workers: 1, RatePerSec: 1},
		}
	}

	cfg := valid()
	require.NoError(t, cfg.Validate())

	cfg = valid()
	cfg.Poller.Concurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Notifier.RatePerSec = 0
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.GitHub.Webhook = true
	assert.Error(t, cfg.Validate())
	cfg.GitHub.WebhookSecret = "s"
	assert.NoError(t, cfg.Validate())
}
