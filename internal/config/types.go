package config

// Config is the root of config.json / config.yaml.
//
// All durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Platform PlatformConfig `json:"platform"`
	Auth     AuthConfig     `json:"auth"`
	Dispatch DispatchConfig `json:"dispatch"`
	HTTP     HTTPConfig     `json:"http"`
	Events   EventsConfig   `json:"events"`
	Jobs     JobsConfig     `json:"jobs"`
}

type TelegramConfig struct {
	Token        string  `json:"token" validate:"required"`
	OwnerUserIDs []int64 `json:"owner_user_ids" validate:"required,min=1,dive,gt=0"`
	// GroupLog is "<chat_id>" or "<chat_id>:<thread_id>" for the operator
	// log chat. Empty disables it.
	GroupLog string `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" validate:"gte=0"`
	MaxBackups int    `json:"max_backups,omitempty" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days,omitempty" validate:"gte=0"`
	Compress   bool   `json:"compress,omitempty"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level" validate:"omitempty,oneof=trace debug info warn error"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// StorageConfig selects the database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./campaignbot.db" }
type StorageConfig struct {
	Driver       string `json:"driver" validate:"omitempty,oneof=sqlite postgres"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty" validate:"gte=0"`
}

// PlatformConfig selects the messaging platform driver.
type PlatformConfig struct {
	Driver string `json:"driver" validate:"omitempty,oneof=sim botapi"`
	Sim    SimConfig    `json:"sim"`
	BotAPI BotAPIConfig `json:"botapi"`
}

type SimConfig struct {
	Code       string `json:"code,omitempty"`
	Password   string `json:"password,omitempty"`
	FloodEvery int    `json:"flood_every,omitempty" validate:"gte=0"`
	FloodWait  string `json:"flood_wait,omitempty"`
}

type BotAPIConfig struct {
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Timeout    string `json:"timeout,omitempty"`
}

type AuthConfig struct {
	FlowTTL       string `json:"flow_ttl,omitempty"`
	CodeLengthMin int    `json:"code_length_min,omitempty" validate:"gte=0"`
	CodeLengthMax int    `json:"code_length_max,omitempty" validate:"gte=0"`
}

// DispatchConfig controls campaign limits and send recovery.
//
// Defaults (when fields are omitted/zero):
//   - max_repeat: 1000
//   - min_delay: "1s", max_delay: "1h"
//   - max_text_len: 4096
//   - transient_retries: 3, retry_base: "500ms", retry_max_delay: "15s"
//   - max_rate_limit_wait: "1h"
//   - account_lock: "local"
type DispatchConfig struct {
	MaxRepeat        int    `json:"max_repeat,omitempty" validate:"gte=0,lte=100000"`
	MinDelay         string `json:"min_delay,omitempty"`
	MaxDelay         string `json:"max_delay,omitempty"`
	MaxTextLen       int    `json:"max_text_len,omitempty" validate:"gte=0"`
	TransientRetries int    `json:"transient_retries,omitempty" validate:"gte=0,lte=20"`
	RetryBase        string `json:"retry_base,omitempty"`
	RetryMaxDelay    string `json:"retry_max_delay,omitempty"`
	MaxRateLimitWait string `json:"max_rate_limit_wait,omitempty"`
	AccountLock      string `json:"account_lock,omitempty" validate:"omitempty,oneof=local redis"`
	RedisURL         string `json:"redis_url,omitempty" validate:"required_if=AccountLock redis"`
	LockTTL          string `json:"lock_ttl,omitempty"`
}

// HTTPConfig controls the read-only API and metrics server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - A non-loopback bind needs a token, a jwt_secret, or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	JWTSecret     string `json:"jwt_secret,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type EventsConfig struct {
	AMQP AMQPConfig `json:"amqp"`
}

type AMQPConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url,omitempty" validate:"required_if=Enabled true"`
	Exchange string `json:"exchange,omitempty"`
}

// JobsConfig schedules housekeeping. Specs use robfig/cron syntax
// ("@every 1m", "*/5 * * * *"); "off" disables a job.
type JobsConfig struct {
	ProgressReport string `json:"progress_report,omitempty"`
	FlowPrune      string `json:"flow_prune,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
}
