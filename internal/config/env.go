package config

import "strings"

// Environment variables that override secrets in the file.
const (
	EnvBotToken      = "BOT_TOKEN"
	EnvDatabaseDSN   = "DATABASE_DSN"
	EnvRedisURL      = "REDIS_URL"
	EnvAMQPURL       = "AMQP_URL"
	EnvHTTPJWTSecret = "HTTP_JWT_SECRET"
)

// ApplyEnv copies set, non-blank variables over the matching fields.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil || getenv == nil {
		return
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, EnvBotToken)
	set(&cfg.Storage.DSN, EnvDatabaseDSN)
	set(&cfg.Dispatch.RedisURL, EnvRedisURL)
	set(&cfg.Events.AMQP.URL, EnvAMQPURL)
	set(&cfg.HTTP.JWTSecret, EnvHTTPJWTSecret)
}
