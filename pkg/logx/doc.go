// Package logx is the structured logging layer of campaignbot.
//
// Logger wraps zerolog with value semantics: the zero value discards,
// With() derives child loggers, and loggers obtained from a Service follow
// the Service's current sinks across config reloads.
//
// Sinks:
//   - console (human readable, short caller)
//   - rotating JSON file (lumberjack)
//   - operator Telegram chat (min-level gated, rate limited, never blocking)
package logx
