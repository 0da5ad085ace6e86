package tgui

import (
	"errors"
	"strings"
)

// MaxCallbackDataLen is Telegram's callback_data limit in bytes.
const MaxCallbackDataLen = 64

var (
	ErrCallbackDataTooLong = errors.New("tgui: callback_data too long")
	ErrCallbackDataInvalid = errors.New("tgui: callback_data must not contain ':' in prefix or action")
)

// Data formats callback data as "prefix:action[:payload]". The payload is
// kept verbatim and may itself contain ':'.
func Data(prefix, action, payload string) (string, error) {
	prefix = strings.TrimSpace(prefix)
	action = strings.TrimSpace(action)
	if prefix == "" || action == "" || strings.Contains(prefix, ":") || strings.Contains(action, ":") {
		return "", ErrCallbackDataInvalid
	}
	s := prefix + ":" + action
	if payload != "" {
		s += ":" + payload
	}
	if len(s) > MaxCallbackDataLen {
		return "", ErrCallbackDataTooLong
	}
	return s, nil
}

// MustData is Data for constant prefixes and short payloads; it panics on
// invalid input.
func MustData(prefix, action, payload string) string {
	s, err := Data(prefix, action, payload)
	if err != nil {
		panic(err)
	}
	return s
}

// ParseData splits callback data produced by Data.
func ParseData(s string) (prefix, action, payload string, ok bool) {
	prefix, rest, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || prefix == "" {
		return "", "", "", false
	}
	action, payload, _ = strings.Cut(rest, ":")
	if action == "" {
		return "", "", "", false
	}
	return prefix, action, payload, true
}
