package dispatch

import (
	"errors"
	"time"

	"campaignbot/internal/platform"
)

type Kind int

const (
	OK Kind = iota
	RateLimited
	PermanentTarget
	Transient
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case RateLimited:
		return "rate_limited"
	case PermanentTarget:
		return "permanent"
	case Transient:
		return "transient"
	}
	return "unknown"
}

// Outcome is the classified result of one send.
type Outcome struct {
	Kind Kind
	// Wait is the platform-requested cool-down for RateLimited.
	Wait time.Duration
	// Code is the platform error code, if any.
	Code string
}

var permanentCodes = map[string]bool{
	platform.CodePeerIDInvalid:       true,
	platform.CodeChannelInvalid:      true,
	platform.CodeChannelPrivate:      true,
	platform.CodeChatAdminRequired:   true,
	platform.CodeChatWriteForbidden:  true,
	platform.CodeUserBannedInChannel: true,
	platform.CodeUserIsBlocked:       true,
}

// Classify maps a send error to an Outcome. It has no side effects.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: OK}
	}
	var pe *platform.Error
	if !errors.As(err, &pe) {
		return Outcome{Kind: Transient}
	}
	switch {
	case pe.Code == platform.CodeFloodWait, pe.Code == platform.CodeSlowModeWait:
		return Outcome{Kind: RateLimited, Wait: pe.Wait, Code: pe.Code}
	case permanentCodes[pe.Code]:
		return Outcome{Kind: PermanentTarget, Code: pe.Code}
	}
	return Outcome{Kind: Transient, Code: pe.Code}
}
