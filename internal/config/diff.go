package config

import (
	"reflect"
	"sort"
	"strings"

	logx "campaignbot/pkg/logx"
)

// liveSections are applied without a restart. Changes elsewhere are logged
// and take effect on the next start.
var liveSections = map[string]bool{
	"logging":  true,
	"dispatch": true,
	"auth":     true,
}

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never tokens, DSNs or URLs), and
// (3) the changed sections that only apply after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 9)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Platform, newCfg.Platform) {
		changed = append(changed, "platform")
		attrs = append(attrs, logx.String("platform.driver", strings.TrimSpace(newCfg.Platform.Driver)))
	}

	if oldCfg.Auth != newCfg.Auth {
		changed = append(changed, "auth")
		attrs = append(attrs,
			logx.String("auth.flow_ttl", strings.TrimSpace(newCfg.Auth.FlowTTL)),
			logx.Int("auth.code_length_min", newCfg.Auth.CodeLengthMin),
			logx.Int("auth.code_length_max", newCfg.Auth.CodeLengthMax),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.max_repeat", newCfg.Dispatch.MaxRepeat),
			logx.String("dispatch.min_delay", newCfg.Dispatch.MinDelay),
			logx.String("dispatch.max_delay", newCfg.Dispatch.MaxDelay),
			logx.Int("dispatch.transient_retries", newCfg.Dispatch.TransientRetries),
			logx.String("dispatch.max_rate_limit_wait", newCfg.Dispatch.MaxRateLimitWait),
			logx.String("dispatch.account_lock", newCfg.Dispatch.AccountLock),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.jwt_set", strings.TrimSpace(newCfg.HTTP.JWTSecret) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if oldCfg.Events != newCfg.Events {
		changed = append(changed, "events")
		attrs = append(attrs,
			logx.Bool("events.amqp_enabled", newCfg.Events.AMQP.Enabled),
			logx.String("events.amqp_exchange", newCfg.Events.AMQP.Exchange),
		)
	}

	if oldCfg.Jobs != newCfg.Jobs {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.String("jobs.progress_report", newCfg.Jobs.ProgressReport),
			logx.String("jobs.flow_prune", newCfg.Jobs.FlowPrune),
			logx.String("jobs.timezone", newCfg.Jobs.Timezone),
		)
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if !liveSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}
