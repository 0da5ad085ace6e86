package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaignbot/internal/config"
	"campaignbot/internal/dispatch"
	"campaignbot/internal/platform/botapi"
	"campaignbot/internal/platform/sim"
	logx "campaignbot/pkg/logx"
)

func TestMapLogConfigTakesChatFromGroupLog(t *testing.T) {
	cfg := &config.Config{}
	cfg.Logging.Telegram.Enabled = true
	cfg.Telegram.GroupLog = "-1001234:7"

	lc := mapLogConfig(cfg)
	assert.True(t, lc.Telegram.Enabled)
	assert.Equal(t, int64(-1001234), lc.Telegram.ChatID)
	assert.Equal(t, 7, lc.Telegram.ThreadID)

	cfg.Telegram.GroupLog = ""
	assert.False(t, mapLogConfig(cfg).Telegram.Enabled, "no chat disables the telegram sink")
}

func TestMapStorageDefaults(t *testing.T) {
	sc, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, "./campaignbot.db", sc.Path)
	assert.Equal(t, 5*time.Second, sc.BusyTimeout)

	cfg := &config.Config{}
	cfg.Storage.BusyTimeout = "soon"
	_, err = mapStorageConfig(cfg)
	assert.ErrorContains(t, err, "storage.busy_timeout")
}

func TestMapDispatchConfig(t *testing.T) {
	cfg := &config.Config{}
	dc, err := mapDispatchConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, dispatch.DefaultRetryPolicy(), dc.Retry)
	assert.Equal(t, time.Second, dc.Limits.MinDelay)
	assert.Equal(t, time.Hour, dc.Limits.MaxDelay)

	cfg.Dispatch.MinDelay = "2s"
	cfg.Dispatch.TransientRetries = 5
	cfg.Dispatch.MaxRateLimitWait = "10m"
	dc, err = mapDispatchConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, dc.Limits.MinDelay)
	assert.Equal(t, 5, dc.Retry.Retries)
	assert.Equal(t, 10*time.Minute, dc.MaxRateLimitWait)
}

func TestValidateMappedRejectsBadDurations(t *testing.T) {
	for name, mutate := range map[string]func(c *config.Config){
		"auth.flow_ttl":         func(c *config.Config) { c.Auth.FlowTTL = "ten minutes" },
		"dispatch.max_delay":    func(c *config.Config) { c.Dispatch.MaxDelay = "-1s" },
		"http.read_timeout":     func(c *config.Config) { c.HTTP.ReadTimeout = "x" },
		"telegram.poll_timeout": func(c *config.Config) { c.Telegram.PollTimeout = "1 sec" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := &config.Config{}
			mutate(cfg)
			assert.ErrorContains(t, validateMapped(cfg), name)
		})
	}
	assert.NoError(t, validateMapped(&config.Config{}))
}

func TestNewDriver(t *testing.T) {
	d, err := newDriver(&config.Config{}, logx.Nop())
	require.NoError(t, err)
	assert.IsType(t, &sim.Platform{}, d)

	cfg := &config.Config{}
	cfg.Platform.Driver = "botapi"
	d, err = newDriver(cfg, logx.Nop())
	require.NoError(t, err)
	assert.IsType(t, &botapi.Driver{}, d)

	cfg.Platform.Driver = "carrier-pigeon"
	_, err = newDriver(cfg, logx.Nop())
	assert.Error(t, err)
}

func TestNewLockerDefaultsToLocal(t *testing.T) {
	l, err := newLocker(context.Background(), &config.Config{}, logx.Nop())
	require.NoError(t, err)
	unlock, err := l.Lock(context.Background(), 1)
	require.NoError(t, err)
	unlock()
	assert.NoError(t, l.Close())
}
