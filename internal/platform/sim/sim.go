// Package sim is an in-process messaging platform. It backs local runs and
// tests: sign-in accepts a configured code, chats are a fixed list, and
// failures can be scripted per chat.
package sim

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"campaignbot/internal/model"
	"campaignbot/internal/platform"
)

type Config struct {
	// Code is the accepted sign-in code. Default "12345".
	Code string
	// Password, when set, makes every account require a second factor.
	Password string
	// MaxCodeAttempts wrong codes per phone before FLOOD_WAIT. Default 3.
	MaxCodeAttempts int
	// FloodEvery makes every Nth send of a client fail with FLOOD_WAIT.
	FloodEvery int
	FloodWait  time.Duration
	// Chats are the dialogs every account sees.
	Chats []platform.Chat
}

// Sent is one recorded delivery.
type Sent struct {
	Token  string
	ChatID int64
	Text   string
	At     time.Time
}

type Platform struct {
	mu       sync.Mutex
	cfg      Config
	attempts map[string]int
	failures map[int64][]error
	sent     []Sent
}

func New(cfg Config) *Platform {
	if cfg.Code == "" {
		cfg.Code = "12345"
	}
	if cfg.MaxCodeAttempts <= 0 {
		cfg.MaxCodeAttempts = 3
	}
	if cfg.FloodWait <= 0 {
		cfg.FloodWait = 30 * time.Second
	}
	if len(cfg.Chats) == 0 {
		cfg.Chats = []platform.Chat{
			{ID: -1001, Title: "Announcements", Kind: model.ChatBroadcast},
			{ID: -1002, Title: "Team", Kind: model.ChatGroup},
			{ID: 501, Title: "Alice", Handle: "alice", Kind: model.ChatDirect},
		}
	}
	return &Platform{
		cfg:      cfg,
		attempts: map[string]int{},
		failures: map[int64][]error{},
	}
}

func (p *Platform) Name() string { return "sim" }

// FailChat queues errors returned by the next sends to chatID, in order.
func (p *Platform) FailChat(chatID int64, errs ...error) {
	p.mu.Lock()
	p.failures[chatID] = append(p.failures[chatID], errs...)
	p.mu.Unlock()
}

// Register issues a session token directly, skipping sign-in.
func (p *Platform) Register(phone string) string { return newToken(phone) }

// Sent returns a copy of all recorded deliveries.
func (p *Platform) Sent() []Sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Sent(nil), p.sent...)
}

func (p *Platform) NewAuth(ctx context.Context) (platform.AuthProvider, error) {
	return &auth{p: p}, nil
}

func (p *Platform) Open(ctx context.Context, token string) (platform.Client, error) {
	phone, ok := parseToken(token)
	if !ok {
		return nil, platform.NewError(platform.CodeAuthKeyUnregistered, "session is not registered")
	}
	return &client{p: p, token: token, self: selfFor(phone)}, nil
}

func selfFor(phone string) platform.Self {
	digits := strings.TrimPrefix(phone, "+")
	id, _ := strconv.ParseInt(digits, 10, 64)
	tail := digits
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return platform.Self{ID: id, FirstName: "User " + tail, Username: "user" + tail}
}

const tokenNonceLen = 12

// Tokens are "sim:<digits>:<hex nonce>". They carry everything Open needs,
// so stored sessions survive a restart.
func newToken(phone string) string {
	var b [tokenNonceLen]byte
	_, _ = rand.Read(b[:])
	return "sim:" + strings.TrimPrefix(phone, "+") + ":" + hex.EncodeToString(b[:])
}

func parseToken(tok string) (phone string, ok bool) {
	rest, ok := strings.CutPrefix(tok, "sim:")
	if !ok {
		return "", false
	}
	digits, nonce, ok := strings.Cut(rest, ":")
	if !ok || digits == "" || len(nonce) != 2*tokenNonceLen {
		return "", false
	}
	if _, err := strconv.ParseUint(digits, 10, 64); err != nil {
		return "", false
	}
	if _, err := hex.DecodeString(nonce); err != nil {
		return "", false
	}
	return "+" + digits, true
}

type auth struct {
	p      *Platform
	closed bool
}

func (a *auth) RequestCode(ctx context.Context, phone string) (platform.CodeHandle, error) {
	if err := ctx.Err(); err != nil {
		return platform.CodeHandle{}, err
	}
	digits := strings.TrimPrefix(phone, "+")
	if strings.HasPrefix(digits, "0") {
		return platform.CodeHandle{}, platform.NewError(platform.CodePhoneNumberInvalid, "The phone number is invalid")
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	return platform.CodeHandle{Phone: phone, Hash: hex.EncodeToString(b[:])}, nil
}

func (a *auth) SubmitCode(ctx context.Context, h platform.CodeHandle, code string) (platform.Session, error) {
	if err := ctx.Err(); err != nil {
		return platform.Session{}, err
	}
	p := a.p
	p.mu.Lock()
	if code != p.cfg.Code {
		p.attempts[h.Phone]++
		n := p.attempts[h.Phone]
		p.mu.Unlock()
		if n >= p.cfg.MaxCodeAttempts {
			return platform.Session{}, platform.FloodWait(p.cfg.FloodWait)
		}
		return platform.Session{}, platform.NewError(platform.CodePhoneCodeInvalid, "The phone code entered was invalid")
	}
	delete(p.attempts, h.Phone)
	needPassword := p.cfg.Password != ""
	p.mu.Unlock()

	if needPassword {
		return platform.Session{}, platform.ErrPasswordRequired
	}
	return a.p.signIn(h.Phone), nil
}

func (a *auth) SubmitPassword(ctx context.Context, h platform.CodeHandle, password string) (platform.Session, error) {
	if err := ctx.Err(); err != nil {
		return platform.Session{}, err
	}
	if password != a.p.cfg.Password {
		return platform.Session{}, platform.NewError(platform.CodePasswordHashInvalid, "The provided password is invalid")
	}
	return a.p.signIn(h.Phone), nil
}

func (a *auth) Close() error {
	a.closed = true
	return nil
}

func (p *Platform) signIn(phone string) platform.Session {
	tok := p.Register(phone)
	self := selfFor(phone)
	return platform.Session{Token: tok, FirstName: self.FirstName, Username: self.Username}
}

type client struct {
	p     *Platform
	token string
	self  platform.Self
	sends int
}

func (c *client) Self(ctx context.Context) (platform.Self, error) { return c.self, nil }

func (c *client) ListChats(ctx context.Context) ([]platform.Chat, error) {
	out := []platform.Chat{{ID: c.self.ID, Title: "Saved Messages", Kind: model.ChatDirect}}
	return append(out, c.p.cfg.Chats...), nil
}

func (c *client) Send(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sends++
	p := c.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.FloodEvery > 0 && c.sends%p.cfg.FloodEvery == 0 {
		return platform.FloodWait(p.cfg.FloodWait)
	}
	if q := p.failures[chatID]; len(q) > 0 {
		err := q[0]
		p.failures[chatID] = q[1:]
		if err != nil {
			return err
		}
	}
	p.sent = append(p.sent, Sent{Token: c.token, ChatID: chatID, Text: text, At: time.Now()})
	return nil
}

func (c *client) Close() error { return nil }
