// Package directory manages the chats an account sends to: it lists the
// dialogs an account can see and files them into size-capped groups.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"campaignbot/internal/model"
	"campaignbot/internal/platform"
	"campaignbot/internal/storage"
	logx "campaignbot/pkg/logx"
)

// MaxFetched bounds how many dialogs FetchChats returns.
const MaxFetched = 50

var ErrInactiveAccount = errors.New("directory: account is not active")

// Store is the subset of storage.Store the directory needs.
type Store interface {
	GetAccount(ctx context.Context, id int64) (model.Account, error)
	GetGroup(ctx context.Context, id int64) (model.TargetGroup, error)
	AddChat(ctx context.Context, c model.TargetChat) (storage.AddResult, error)
	ListChats(ctx context.Context, groupID int64) ([]model.TargetChat, error)
}

type Service struct {
	store  Store
	driver platform.Driver
	log    logx.Logger
}

func New(store Store, driver platform.Driver, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, driver: driver, log: log.With(logx.String("comp", "directory"))}
}

// FetchChats lists the dialogs visible to an account, without the account's
// own chat.
func (s *Service) FetchChats(ctx context.Context, accountID int64) ([]platform.Chat, error) {
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !acc.Active {
		return nil, ErrInactiveAccount
	}
	c, err := s.driver.Open(ctx, acc.SessionToken)
	if err != nil {
		return nil, fmt.Errorf("open client: %w", err)
	}
	defer c.Close()

	self, err := c.Self(ctx)
	if err != nil {
		return nil, fmt.Errorf("self: %w", err)
	}
	chats, err := c.ListChats(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	out := make([]platform.Chat, 0, min(len(chats), MaxFetched))
	for _, ch := range chats {
		if ch.ID == self.ID {
			continue
		}
		out = append(out, ch)
		if len(out) == MaxFetched {
			break
		}
	}
	s.log.Debug("chats fetched", logx.Int64("account", accountID), logx.Int("count", len(out)))
	return out, nil
}

// Add files one chat into a group.
func (s *Service) Add(ctx context.Context, groupID int64, ch platform.Chat) (storage.AddResult, error) {
	kind := ch.Kind
	if kind == "" {
		kind = model.ChatDirect
	}
	if !kind.Valid() {
		return 0, fmt.Errorf("directory: unknown chat kind %q", ch.Kind)
	}
	title := strings.TrimSpace(ch.Title)
	if title == "" {
		title = fmt.Sprint(ch.ID)
	}
	return s.store.AddChat(ctx, model.TargetChat{
		GroupID: groupID,
		ChatID:  ch.ID,
		Title:   title,
		Handle:  strings.TrimPrefix(ch.Handle, "@"),
		Kind:    kind,
	})
}

// ImportResult is the outcome for one chat of an Import.
type ImportResult struct {
	Chat   platform.Chat
	Result storage.AddResult
	Err    error
}

// Import adds chats in order and stops at the first full-group rejection.
// Chats after that point are not attempted.
func (s *Service) Import(ctx context.Context, groupID int64, chats []platform.Chat) ([]ImportResult, error) {
	if _, err := s.store.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	out := make([]ImportResult, 0, len(chats))
	for _, ch := range chats {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := s.Add(ctx, groupID, ch)
		out = append(out, ImportResult{Chat: ch, Result: res, Err: err})
		if errors.Is(err, storage.ErrGroupFull) {
			break
		}
	}
	return out, nil
}
