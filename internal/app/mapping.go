package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"campaignbot/internal/auth"
	"campaignbot/internal/campaign"
	"campaignbot/internal/config"
	"campaignbot/internal/dispatch"
	"campaignbot/internal/observability/server"
	"campaignbot/internal/platform"
	"campaignbot/internal/platform/botapi"
	"campaignbot/internal/platform/sim"
	"campaignbot/internal/storage"
	logx "campaignbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    cfg.Logging.File.Enabled,
			Path:       cfg.Logging.File.Path,
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
			Compress:   cfg.Logging.File.Compress,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	// group_log was validated; a bad value only disables the sink.
	if chatID, threadID, err := config.ParseChatRef(cfg.Telegram.GroupLog); err == nil && chatID != 0 {
		lc.Telegram.ChatID = chatID
		if threadID != 0 {
			lc.Telegram.ThreadID = threadID
		}
	} else {
		lc.Telegram.Enabled = false
	}
	return lc
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(sc.Path)
	if driver == "sqlite" && path == "" {
		path = "./campaignbot.db"
	}
	return storage.Config{
		Driver:       driver,
		Path:         path,
		DSN:          sc.DSN,
		BusyTimeout:  busy,
		MaxOpenConns: sc.MaxOpenConns,
	}, nil
}

func mapAuthConfig(cfg *config.Config) (auth.Config, error) {
	ttl, err := config.ParseDurationField("auth.flow_ttl", cfg.Auth.FlowTTL)
	if err != nil {
		return auth.Config{}, err
	}
	return auth.Config{
		FlowTTL:       ttl,
		CodeLengthMin: cfg.Auth.CodeLengthMin,
		CodeLengthMax: cfg.Auth.CodeLengthMax,
	}, nil
}

func mapLimits(cfg *config.Config) (campaign.Limits, error) {
	d := cfg.Dispatch
	def := campaign.DefaultLimits()
	minDelay, err := config.ParseDurationOrDefault("dispatch.min_delay", d.MinDelay, def.MinDelay)
	if err != nil {
		return campaign.Limits{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("dispatch.max_delay", d.MaxDelay, def.MaxDelay)
	if err != nil {
		return campaign.Limits{}, err
	}
	return campaign.Limits{
		MaxRepeat:  d.MaxRepeat,
		MinDelay:   minDelay,
		MaxDelay:   maxDelay,
		MaxTextLen: d.MaxTextLen,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	limits, err := mapLimits(cfg)
	if err != nil {
		return dispatch.Config{}, err
	}
	def := dispatch.DefaultRetryPolicy()
	base, err := config.ParseDurationOrDefault("dispatch.retry_base", d.RetryBase, def.Base)
	if err != nil {
		return dispatch.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("dispatch.retry_max_delay", d.RetryMaxDelay, def.MaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	rlWait, err := config.ParseDurationField("dispatch.max_rate_limit_wait", d.MaxRateLimitWait)
	if err != nil {
		return dispatch.Config{}, err
	}
	retries := def.Retries
	if d.TransientRetries > 0 {
		retries = d.TransientRetries
	}
	return dispatch.Config{
		Limits:           limits,
		Retry:            dispatch.RetryPolicy{Retries: retries, Base: base, MaxDelay: maxDelay, Jitter: def.Jitter},
		MaxRateLimitWait: rlWait,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (server.Config, error) {
	h := cfg.HTTP
	rt, err := config.ParseDurationField("http.read_timeout", h.ReadTimeout)
	if err != nil {
		return server.Config{}, err
	}
	wt, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return server.Config{}, err
	}
	it, err := config.ParseDurationField("http.idle_timeout", h.IdleTimeout)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Addr:          h.Addr,
		Token:         h.Token,
		JWTSecret:     h.JWTSecret,
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

func newDriver(cfg *config.Config, log logx.Logger) (platform.Driver, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Platform.Driver)) {
	case "", "sim":
		s := cfg.Platform.Sim
		wait, err := config.ParseDurationField("platform.sim.flood_wait", s.FloodWait)
		if err != nil {
			return nil, err
		}
		log.Warn("using the simulated platform driver; nothing is delivered")
		return sim.New(sim.Config{Code: s.Code, Password: s.Password, FloodEvery: s.FloodEvery, FloodWait: wait}), nil
	case "botapi":
		b := cfg.Platform.BotAPI
		timeout, err := config.ParseDurationField("platform.botapi.timeout", b.Timeout)
		if err != nil {
			return nil, err
		}
		return botapi.New(botapi.Config{RatePerSec: b.RatePerSec, Timeout: timeout}, log), nil
	}
	return nil, fmt.Errorf("unknown platform.driver: %s", cfg.Platform.Driver)
}

// lockCloser is a Locker that may hold a connection.
type lockCloser interface {
	dispatch.Locker
	Close() error
}

type nopCloser struct{ dispatch.Locker }

func (nopCloser) Close() error { return nil }

func newLocker(ctx context.Context, cfg *config.Config, log logx.Logger) (lockCloser, error) {
	d := cfg.Dispatch
	if !strings.EqualFold(strings.TrimSpace(d.AccountLock), "redis") {
		return nopCloser{dispatch.NewLocalLocker()}, nil
	}
	ttl, err := config.ParseDurationField("dispatch.lock_ttl", d.LockTTL)
	if err != nil {
		return nil, err
	}
	l, err := dispatch.NewRedisLocker(dispatch.RedisLockerConfig{URL: d.RedisURL, TTL: ttl}, log)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := l.Ping(pctx); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("redis account lock: %w", err)
	}
	return l, nil
}

// validateMapped runs every mapping so hot reloads with unparsable values
// are rejected before commit.
func validateMapped(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAuthConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	return nil
}
