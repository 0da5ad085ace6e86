// Package botapi drives sends through the Bot API. A stored session token is
// a bot token here, so interactive sign-in and dialog listing are not
// available.
package botapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"campaignbot/internal/model"
	"campaignbot/internal/platform"
	logx "campaignbot/pkg/logx"
)

type Config struct {
	// RatePerSec bounds sends per client. Default 25.
	RatePerSec int
	Timeout    time.Duration
}

type Driver struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Driver {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Driver{cfg: cfg, log: log.With(logx.String("driver", "botapi"))}
}

func (d *Driver) Name() string { return "botapi" }

func (d *Driver) NewAuth(ctx context.Context) (platform.AuthProvider, error) {
	return nil, platform.ErrUnsupported
}

func (d *Driver) Open(ctx context.Context, token string) (platform.Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, platform.NewError(platform.CodeAuthKeyUnregistered, "empty bot token")
	}
	// NewBot calls getMe, which doubles as a token check.
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		OnError: func(err error, c tele.Context) {
			d.log.Warn("telebot error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, translate(err)
	}
	burst := d.cfg.RatePerSec
	return &client{
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(d.cfg.RatePerSec), burst),
	}, nil
}

type client struct {
	bot     *tele.Bot
	limiter *rate.Limiter
}

func (c *client) Self(ctx context.Context) (platform.Self, error) {
	if c.bot.Me == nil {
		return platform.Self{}, platform.NewError(platform.CodeInternal, "bot identity unknown")
	}
	return platform.Self{ID: c.bot.Me.ID, FirstName: c.bot.Me.FirstName, Username: c.bot.Me.Username}, nil
}

func (c *client) ListChats(ctx context.Context) ([]platform.Chat, error) {
	return nil, platform.ErrUnsupported
}

func (c *client) Send(ctx context.Context, chatID int64, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.bot.Send(&tele.Chat{ID: chatID}, text)
	if err != nil {
		return translate(err)
	}
	return nil
}

func (c *client) Close() error { return nil }

// ChatKindOf maps Bot API chat types onto directory kinds.
func ChatKindOf(t tele.ChatType) model.ChatKind {
	switch t {
	case tele.ChatChannel, tele.ChatChannelPrivate:
		return model.ChatBroadcast
	case tele.ChatGroup, tele.ChatSuperGroup:
		return model.ChatGroup
	}
	return model.ChatDirect
}

// translate converts telebot errors to platform errors.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return platform.FloodWait(time.Duration(fe.RetryAfter) * time.Second)
	}
	switch {
	case errors.Is(err, tele.ErrChatNotFound):
		return &platform.Error{Code: platform.CodePeerIDInvalid, Message: err.Error()}
	case errors.Is(err, tele.ErrBlockedByUser):
		return &platform.Error{Code: platform.CodeUserIsBlocked, Message: err.Error()}
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch te.Code {
		case 401, 404:
			return &platform.Error{Code: platform.CodeAuthKeyUnregistered, Message: te.Description}
		case 403:
			return &platform.Error{Code: platform.CodeChatWriteForbidden, Message: te.Description}
		case 400:
			d := strings.ToLower(te.Description)
			if strings.Contains(d, "chat not found") {
				return &platform.Error{Code: platform.CodePeerIDInvalid, Message: te.Description}
			}
			if strings.Contains(d, "not enough rights") || strings.Contains(d, "have no rights") {
				return &platform.Error{Code: platform.CodeChatAdminRequired, Message: te.Description}
			}
		}
		return &platform.Error{Code: platform.CodeInternal, Message: te.Description}
	}
	return &platform.Error{Code: platform.CodeNetwork, Message: err.Error()}
}
