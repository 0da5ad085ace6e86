package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks struct tags, duration strings and cross-field rules.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("%s: failed %q", fieldPath(fe.Namespace()), fe.Tag()))
		}
	}

	durations := map[string]string{
		"telegram.poll_timeout":        cfg.Telegram.PollTimeout,
		"storage.busy_timeout":         cfg.Storage.BusyTimeout,
		"platform.sim.flood_wait":      cfg.Platform.Sim.FloodWait,
		"platform.botapi.timeout":      cfg.Platform.BotAPI.Timeout,
		"auth.flow_ttl":                cfg.Auth.FlowTTL,
		"dispatch.min_delay":           cfg.Dispatch.MinDelay,
		"dispatch.max_delay":           cfg.Dispatch.MaxDelay,
		"dispatch.retry_base":          cfg.Dispatch.RetryBase,
		"dispatch.retry_max_delay":     cfg.Dispatch.RetryMaxDelay,
		"dispatch.max_rate_limit_wait": cfg.Dispatch.MaxRateLimitWait,
		"dispatch.lock_ttl":            cfg.Dispatch.LockTTL,
		"http.read_timeout":            cfg.HTTP.ReadTimeout,
		"http.write_timeout":           cfg.HTTP.WriteTimeout,
		"http.idle_timeout":            cfg.HTTP.IdleTimeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	minD, _ := ParseDurationOrDefault("dispatch.min_delay", cfg.Dispatch.MinDelay, time.Second)
	maxD, _ := ParseDurationOrDefault("dispatch.max_delay", cfg.Dispatch.MaxDelay, time.Hour)
	if maxD < minD {
		errs = append(errs, fmt.Errorf("dispatch.max_delay (%s) is below dispatch.min_delay (%s)", maxD, minD))
	}
	if a, b := cfg.Auth.CodeLengthMin, cfg.Auth.CodeLengthMax; a > 0 && b > 0 && b < a {
		errs = append(errs, fmt.Errorf("auth.code_length_max (%d) is below auth.code_length_min (%d)", b, a))
	}
	if strings.EqualFold(cfg.Storage.Driver, "postgres") && strings.TrimSpace(cfg.Storage.DSN) == "" {
		errs = append(errs, errors.New("storage.dsn is required for the postgres driver"))
	}
	if tz := strings.TrimSpace(cfg.Jobs.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("jobs.timezone: %w", err))
		}
	}
	if _, _, err := ParseChatRef(cfg.Telegram.GroupLog); err != nil {
		errs = append(errs, fmt.Errorf("telegram.group_log: %w", err))
	}
	return errors.Join(errs...)
}

// fieldPath turns "Config.Dispatch.RedisURL" into "Dispatch.RedisURL".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
