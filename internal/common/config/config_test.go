package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Scheduler.PollInterval)
	assert.Equal(t, 3, cfg.Scheduler.MaxParallelProjects)
	assert.Equal(t, 7, cfg.Scheduler.ReviewGraceDays)
	assert.Equal(t, "claude", cfg.Agent.Binary)
	assert.Equal(t, "sonnet", cfg.Agent.DefaultModel)
	assert.Equal(t, "haiku", cfg.Agent.AuxModel)
	assert.Equal(t, 50000, cfg.Context.RecentTokensBudget)
	assert.Equal(t, 50000, cfg.Context.ExtractionThreshold)
	assert.Equal(t, 10000, cfg.Context.MaxSingleMessage)
	assert.Equal(t, 30, cfg.Backup.MaxPerProject)
	assert.Equal(t, 8480, cfg.Server.Port)
	assert.Empty(t, cfg.NATS.URL, "in-memory bus by default")
	assert.True(t, cfg.Notifications.TicketCompleted)
}

func TestLoadConfigFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	yaml := `
scheduler:
  pollInterval: 9
  maxParallelProjects: 1
agent:
  defaultModel: opus
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Scheduler.PollInterval)
	assert.Equal(t, 1, cfg.Scheduler.MaxParallelProjects)
	assert.Equal(t, "opus", cfg.Agent.DefaultModel)
	assert.Equal(t, "haiku", cfg.Agent.AuxModel, "untouched keys keep their defaults")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TICKETD_LOGGING_LEVEL", "debug")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok-123")
	t.Setenv("TELEGRAM_CHAT_ID", "42")
	t.Setenv("MAX_PARALLEL_PROJECTS", "5")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "tok-123", cfg.Telegram.BotToken)
	assert.Equal(t, "42", cfg.Telegram.ChatID)
	assert.Equal(t, 5, cfg.Scheduler.MaxParallelProjects)
}

func TestValidateRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	yaml := `
scheduler:
  pollInterval: 0
logging:
  level: loud
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pollInterval")
	assert.Contains(t, err.Error(), "logging.level")
}

func TestDurationHelpers(t *testing.T) {
	s := SchedulerConfig{PollInterval: 3, ReviewGraceDays: 7, StopTimeout: 5}
	assert.Equal(t, 3*time.Second, s.PollIntervalDuration())
	assert.Equal(t, 7*24*time.Hour, s.ReviewGrace())
	assert.Equal(t, 5*time.Second, s.StopTimeoutDuration())

	a := AgentConfig{StuckTimeout: 30, AuxTimeout: 45}
	assert.Equal(t, 30*time.Minute, a.StuckTimeoutDuration())
	assert.Equal(t, 45*time.Second, a.AuxTimeoutDuration())

	w := WatchdogConfig{Interval: 15}
	assert.Equal(t, 15*time.Minute, w.IntervalDuration())

	tg := TelegramConfig{PollInterval: 10}
	assert.Equal(t, 10*time.Second, tg.PollIntervalDuration())
}
