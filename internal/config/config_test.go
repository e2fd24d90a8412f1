package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 48*time.Hour, cfg.App.CacheWindow)
	assert.Equal(t, 2*time.Second, cfg.App.ScrapeDelay)
	assert.Equal(t, 500, cfg.App.ExcerptLength)
	assert.Equal(t, 5, cfg.App.HistoryPageSize)
	assert.Equal(t, "openai/gpt-4.1-mini", cfg.OpenRouter.Model)
	assert.Equal(t, 3, cfg.OpenRouter.MinScore)
	assert.Equal(t, []string{"linkedin", "indeed", "glassdoor", "google"}, cfg.Sources.JobSpy.Sites)
	assert.Equal(t, 2, cfg.Sources.Phases["euraxess"])
	assert.Equal(t, 3, cfg.Sources.Phases["ibec"])
}

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, cfg.App.CacheWindow)
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marijobs.yml")
	content := `
app:
  cache_window: 12h
  scrape_delay: 500ms
openrouter:
  min_relevance_score: 4
access:
  whitelisted_phones: ["+351 912-345-678"]
countries:
  - label: Portugal
    value: " Portugal "
sources:
  phases:
    euraxess: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 12*time.Hour, cfg.App.CacheWindow)
	assert.Equal(t, 500*time.Millisecond, cfg.App.ScrapeDelay)
	assert.Equal(t, 4, cfg.OpenRouter.MinScore)
	assert.Equal(t, []string{"+351912345678"}, cfg.Access.WhitelistedPhones)
	require.Len(t, cfg.Countries, 1)
	assert.Equal(t, "portugal", cfg.Countries[0].Value)
	assert.Equal(t, 3, cfg.Sources.Phases["euraxess"])
	// untouched keys keep their defaults
	assert.Equal(t, 1, cfg.Sources.Phases["linkedin"])
	assert.Equal(t, "openai/gpt-4.1-mini", cfg.OpenRouter.Model)
}

func TestLoadConfig_EnvOverridesSecrets(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("MARIJOBS_REDIS_URL", "redis://cache:6379/1")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)

	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, "redis://cache:6379/1", cfg.Redis.URL)
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "marijobs.yml")
	cfg := DefaultConfig()
	cfg.OpenRouter.MinScore = 2
	require.NoError(t, cfg.SaveConfig(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.OpenRouter.MinScore)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero cache window", func(c *Config) { c.App.CacheWindow = 0 }},
		{"negative delay", func(c *Config) { c.App.ScrapeDelay = -time.Second }},
		{"score out of range", func(c *Config) { c.OpenRouter.MinScore = 6 }},
		{"no countries", func(c *Config) { c.Countries = nil }},
		{"bad phase", func(c *Config) { c.Sources.Phases["ibec"] = 4 }},
		{"no sources", func(c *Config) {
			c.Sources.JobSpy.Enabled = false
			c.Sources.Euraxess.Enabled = false
			c.Sources.IBEC.Enabled = false
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestIsPrivileged(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Access.WhitelistedPhones = []string{"+351912345678"}

	assert.True(t, cfg.IsPrivileged("+351 912 345 678"))
	assert.True(t, cfg.IsPrivileged("+351-912-345-678"))
	assert.False(t, cfg.IsPrivileged("+351000000000"))
	assert.False(t, cfg.IsPrivileged(""))
}

func TestRedisLockOwner(t *testing.T) {
	assert.Equal(t, "bot-a", RedisConfig{InstanceID: "bot-a"}.LockOwner())

	host, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, host, RedisConfig{}.LockOwner())
}
