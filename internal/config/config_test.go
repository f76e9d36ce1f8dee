package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	t.Setenv("PP_SCHEDULER_TICK_INTERVAL", "30s")
	t.Setenv("PP_SCHEDULER_TICK_TIMEOUT", "25s")
	t.Setenv("PP_WORKER_ACTIONS_PER_SECOND", "0.5")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "Asia/Seoul", cfg.Timezone)
	require.Equal(t, 30*time.Second, cfg.Scheduler.TickInterval)
	require.Equal(t, 0.5, cfg.Worker.ActionsPerSecond)
	require.Equal(t, 3, cfg.Broker.DefaultAttempts)
	require.Equal(t, 24*time.Hour, cfg.Broker.CompletedTTL)

	loc, err := cfg.Location()
	require.NoError(t, err)
	require.Equal(t, "Asia/Seoul", loc.String())
}

func TestSchedulerConfig_RejectsTimeoutAboveInterval(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.TickTimeout = 2 * time.Minute
	require.Error(t, cfg.Validate())
}

func TestWorkerConfig_RejectsNonPositiveRate(t *testing.T) {
	cfg := DefaultWorkerConfig()
	cfg.ActionsPerSecond = 0
	require.Error(t, cfg.Validate())
}
