package platform

import (
	"errors"
	"fmt"
	"time"
)

// Error codes reported by drivers. They follow the platform's own naming so
// operator-facing messages stay recognizable.
const (
	CodeFloodWait           = "FLOOD_WAIT"
	CodePeerIDInvalid       = "PEER_ID_INVALID"
	CodeChannelInvalid      = "CHANNEL_INVALID"
	CodeChannelPrivate      = "CHANNEL_PRIVATE"
	CodeChatAdminRequired   = "CHAT_ADMIN_REQUIRED"
	CodeChatWriteForbidden  = "CHAT_WRITE_FORBIDDEN"
	CodeUserBannedInChannel = "USER_BANNED_IN_CHANNEL"
	CodeUserIsBlocked       = "USER_IS_BLOCKED"
	CodeSlowModeWait        = "SLOWMODE_WAIT"
	CodePhoneNumberInvalid  = "PHONE_NUMBER_INVALID"
	CodePhoneNumberBanned   = "PHONE_NUMBER_BANNED"
	CodePhoneCodeInvalid    = "PHONE_CODE_INVALID"
	CodePhoneCodeExpired    = "PHONE_CODE_EXPIRED"
	CodePasswordHashInvalid = "PASSWORD_HASH_INVALID"
	CodeAuthKeyUnregistered = "AUTH_KEY_UNREGISTERED"
	CodeNetwork             = "NETWORK"
	CodeInternal            = "INTERNAL"
)

// Error is a platform-reported failure. Wait is set for cool-down errors.
type Error struct {
	Code    string
	Message string
	Wait    time.Duration
}

func (e *Error) Error() string {
	switch {
	case e.Wait > 0 && e.Message != "":
		return fmt.Sprintf("%s: %s (wait %s)", e.Code, e.Message, e.Wait)
	case e.Wait > 0:
		return fmt.Sprintf("%s (wait %s)", e.Code, e.Wait)
	case e.Message != "":
		return e.Code + ": " + e.Message
	}
	return e.Code
}

func NewError(code, msg string) *Error { return &Error{Code: code, Message: msg} }

// FloodWait builds the platform's "too many requests, wait N seconds" error.
func FloodWait(wait time.Duration) *Error {
	return &Error{Code: CodeFloodWait, Message: "A wait of " + fmt.Sprint(int64(wait/time.Second)) + " seconds is required", Wait: wait}
}

// CodeOf returns the platform code carried by err, or "".
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
