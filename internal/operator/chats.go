package operator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"campaignbot/internal/directory"
	"campaignbot/internal/model"
	"campaignbot/internal/platform"
	"campaignbot/internal/storage"
	"campaignbot/internal/transport/telegram/router"
)

func (s *Service) chatCommands() []router.Command {
	return []router.Command{
		{
			Route:       "chats",
			Description: "list the chats of a group",
			Usage:       "/chats <group>",
			Handle:      s.cmdChats,
		},
		{
			Route:       "chats fetch",
			Description: "list dialogs visible to an account",
			Usage:       "/chats fetch <account>",
			Timeout:     time.Minute,
			Handle:      s.cmdChatsFetch,
		},
		{
			Route:       "chats add",
			Description: "add one chat to a group",
			Usage:       "/chats add <group> <chat_id> [title]",
			Handle:      s.cmdChatsAdd,
		},
		{
			Route:       "chats import",
			Description: "add fetched dialogs by number",
			Usage:       "/chats import <group> <n...|all>",
			Handle:      s.cmdChatsImport,
		},
		{
			Route:       "chats remove",
			Description: "remove a chat from a group",
			Usage:       "/chats remove <group> <chat_id>",
			Handle:      s.cmdChatsRemove,
		},
		{
			Route:       "chats clear",
			Description: "remove every chat from a group",
			Usage:       "/chats clear <group> confirm",
			Handle:      s.cmdChatsClear,
		},
	}
}

func (s *Service) cmdChats(ctx context.Context, req *router.Request) error {
	if err := need(req, 1, "/chats <group>"); err != nil {
		return err
	}
	g, err := s.ownGroup(ctx, req.FromID, req.Args[0])
	if err != nil {
		return err
	}
	chats, err := s.store.ListChats(ctx, g.ID)
	if err != nil {
		return err
	}
	_, err = req.ReplyHTML(ctx, formatChats(g, chats).String(), nil)
	return err
}

func (s *Service) cmdChatsFetch(ctx context.Context, req *router.Request) error {
	if err := need(req, 1, "/chats fetch <account>"); err != nil {
		return err
	}
	a, err := s.ownAccount(ctx, req.FromID, req.Args[0])
	if err != nil {
		return err
	}
	chats, err := s.dir.FetchChats(ctx, a.ID)
	if errors.Is(err, directory.ErrInactiveAccount) {
		return fmt.Errorf("account %d is not active", a.ID)
	}
	if err != nil {
		return err
	}
	s.sess.SetFetched(req.FromID, a.ID, chats)
	_, err = req.ReplyHTML(ctx, formatFetched(a, chats).String(), nil)
	return err
}

func (s *Service) cmdChatsAdd(ctx context.Context, req *router.Request) error {
	if err := need(req, 2, "/chats add <group> <chat_id> [title]"); err != nil {
		return err
	}
	g, err := s.ownGroup(ctx, req.FromID, req.Args[0])
	if err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(req.Args[1], 10, 64)
	if err != nil || chatID == 0 {
		return fmt.Errorf("invalid chat id %q", req.Args[1])
	}
	ch := s.knownChat(req.FromID, g.AccountID, chatID)
	if title := nameAfter(req, 2); title != "" {
		ch.Title = title
	}
	res, err := s.dir.Add(ctx, g.ID, ch)
	s.audit(ctx, req.FromID, "chat.add", fmt.Sprintf("%d/%d", g.ID, chatID), err, "")
	switch {
	case errors.Is(err, storage.ErrGroupFull):
		return fmt.Errorf("group %d already has %d chats", g.ID, model.MaxGroupSize)
	case err != nil:
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("chat %d %s", chatID, res))
}

// knownChat uses the last fetch for title and kind when it has the chat.
func (s *Service) knownChat(op, accountID, chatID int64) platform.Chat {
	from, fetched := s.sess.Fetched(op)
	if from == accountID {
		for _, c := range fetched {
			if c.ID == chatID {
				return c
			}
		}
	}
	kind := model.ChatDirect
	if chatID < 0 {
		kind = model.ChatGroup
	}
	return platform.Chat{ID: chatID, Kind: kind}
}

func (s *Service) cmdChatsImport(ctx context.Context, req *router.Request) error {
	if err := need(req, 2, "/chats import <group> <n...|all>"); err != nil {
		return err
	}
	g, err := s.ownGroup(ctx, req.FromID, req.Args[0])
	if err != nil {
		return err
	}
	from, fetched := s.sess.Fetched(req.FromID)
	if len(fetched) == 0 {
		return fmt.Errorf("nothing fetched yet, run /chats fetch %d first", g.AccountID)
	}
	if from != g.AccountID {
		return fmt.Errorf("last fetch was for account %d but group %d belongs to account %d", from, g.ID, g.AccountID)
	}
	picked, err := pickChats(fetched, req.Args[1:])
	if err != nil {
		return err
	}
	results, err := s.dir.Import(ctx, g.ID, picked)
	added := 0
	for _, r := range results {
		if r.Err == nil && r.Result == storage.Added {
			added++
		}
	}
	s.audit(ctx, req.FromID, "chat.import", strconv.FormatInt(g.ID, 10), err, fmt.Sprintf("added=%d picked=%d", added, len(picked)))
	if err != nil {
		return err
	}
	_, err = req.ReplyHTML(ctx, formatImport(g, results, len(picked)).String(), nil)
	return err
}

// pickChats resolves 1-based indexes, ranges like "3-5", or "all".
func pickChats(fetched []platform.Chat, args []string) ([]platform.Chat, error) {
	if len(args) == 1 && strings.EqualFold(args[0], "all") {
		return fetched, nil
	}
	seen := map[int]bool{}
	var out []platform.Chat
	add := func(i int) error {
		if i < 1 || i > len(fetched) {
			return fmt.Errorf("no dialog number %d, pick 1-%d", i, len(fetched))
		}
		if !seen[i] {
			seen[i] = true
			out = append(out, fetched[i-1])
		}
		return nil
	}
	for _, a := range args {
		for _, part := range strings.Split(a, ",") {
			if part == "" {
				continue
			}
			lo, hi, isRange := strings.Cut(part, "-")
			from, err := strconv.Atoi(lo)
			if err != nil {
				return nil, fmt.Errorf("invalid dialog number %q", part)
			}
			to := from
			if isRange {
				if to, err = strconv.Atoi(hi); err != nil || to < from {
					return nil, fmt.Errorf("invalid range %q", part)
				}
			}
			for i := from; i <= to; i++ {
				if err := add(i); err != nil {
					return nil, err
				}
			}
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no dialogs picked")
	}
	return out, nil
}

func (s *Service) cmdChatsRemove(ctx context.Context, req *router.Request) error {
	if err := need(req, 2, "/chats remove <group> <chat_id>"); err != nil {
		return err
	}
	g, err := s.ownGroup(ctx, req.FromID, req.Args[0])
	if err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(req.Args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q", req.Args[1])
	}
	err = s.store.RemoveChat(ctx, g.ID, chatID)
	s.audit(ctx, req.FromID, "chat.remove", fmt.Sprintf("%d/%d", g.ID, chatID), err, "")
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("chat %d is not in group %d", chatID, g.ID)
	}
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("chat %d removed from group %d", chatID, g.ID))
}

func (s *Service) cmdChatsClear(ctx context.Context, req *router.Request) error {
	if err := need(req, 1, "/chats clear <group> confirm"); err != nil {
		return err
	}
	g, err := s.ownGroup(ctx, req.FromID, req.Args[0])
	if err != nil {
		return err
	}
	if len(req.Args) < 2 || req.Args[1] != "confirm" {
		return req.Reply(ctx, fmt.Sprintf("this removes every chat of group %d; repeat as /chats clear %d confirm", g.ID, g.ID))
	}
	n, err := s.store.ClearChats(ctx, g.ID)
	s.audit(ctx, req.FromID, "chat.clear", strconv.FormatInt(g.ID, 10), err, fmt.Sprintf("removed=%d", n))
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("removed %d chats from group %d", n, g.ID))
}
