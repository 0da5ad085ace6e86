package operator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"campaignbot/internal/storage"
	"campaignbot/internal/transport/telegram/router"
)

func (s *Service) groupCommands() []router.Command {
	return []router.Command{
		{
			Route:       "groups",
			Description: "list target groups of an account",
			Usage:       "/groups <account>",
			Handle:      s.cmdGroups,
		},
		{
			Route:       "group",
			Description: "manage target groups",
			Usage:       "/group new|rename|delete",
			Handle: func(ctx context.Context, req *router.Request) error {
				return errors.New("usage: /group new <account> <name> | /group rename <id> <name> | /group delete <id>")
			},
		},
		{
			Route:       "group new",
			Description: "create a target group",
			Usage:       "/group new <account> <name>",
			Handle:      s.cmdGroupNew,
		},
		{
			Route:       "group rename",
			Description: "rename a target group",
			Usage:       "/group rename <id> <name>",
			Handle:      s.cmdGroupRename,
		},
		{
			Route:       "group delete",
			Description: "delete a target group",
			Usage:       "/group delete <id>",
			Handle:      s.cmdGroupDelete,
		},
	}
}

func (s *Service) cmdGroups(ctx context.Context, req *router.Request) error {
	if err := need(req, 1, "/groups <account>"); err != nil {
		return err
	}
	a, err := s.ownAccount(ctx, req.FromID, req.Args[0])
	if err != nil {
		return err
	}
	groups, err := s.store.ListGroups(ctx, a.ID)
	if err != nil {
		return err
	}
	sizes := make(map[int64]int, len(groups))
	for _, g := range groups {
		chats, err := s.store.ListChats(ctx, g.ID)
		if err != nil {
			return err
		}
		sizes[g.ID] = len(chats)
	}
	_, err = req.ReplyHTML(ctx, formatGroups(a, groups, sizes).String(), nil)
	return err
}

// nameAfter returns the raw text after the first n words of the command
// arguments, so names keep their spacing.
func nameAfter(req *router.Request, n int) string {
	fields := strings.Fields(req.Text)
	if len(fields) <= n {
		return ""
	}
	rest := req.Text
	for range n {
		rest = strings.TrimLeft(rest, " \t")
		i := strings.IndexAny(rest, " \t")
		if i < 0 {
			return ""
		}
		rest = rest[i:]
	}
	return strings.TrimSpace(rest)
}

func (s *Service) cmdGroupNew(ctx context.Context, req *router.Request) error {
	if err := need(req, 2, "/group new <account> <name>"); err != nil {
		return err
	}
	a, err := s.ownAccount(ctx, req.FromID, req.Args[0])
	if err != nil {
		return err
	}
	name := nameAfter(req, 1)
	g, err := s.store.CreateGroup(ctx, a.ID, name)
	s.audit(ctx, req.FromID, "group.create", strconv.FormatInt(g.ID, 10), err, name)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("group %d %q created, add chats with /chats fetch %d", g.ID, g.Name, a.ID))
}

func (s *Service) cmdGroupRename(ctx context.Context, req *router.Request) error {
	if err := need(req, 2, "/group rename <id> <name>"); err != nil {
		return err
	}
	g, err := s.ownGroup(ctx, req.FromID, req.Args[0])
	if err != nil {
		return err
	}
	name := nameAfter(req, 1)
	err = s.store.RenameGroup(ctx, g.ID, name)
	s.audit(ctx, req.FromID, "group.rename", strconv.FormatInt(g.ID, 10), err, name)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("group %d renamed to %q", g.ID, name))
}

func (s *Service) cmdGroupDelete(ctx context.Context, req *router.Request) error {
	if err := need(req, 1, "/group delete <id>"); err != nil {
		return err
	}
	g, err := s.ownGroup(ctx, req.FromID, req.Args[0])
	if err != nil {
		return err
	}
	err = s.store.DeleteGroup(ctx, g.ID)
	s.audit(ctx, req.FromID, "group.delete", strconv.FormatInt(g.ID, 10), err, "")
	if errors.Is(err, storage.ErrReferenced) {
		return errors.New("group is used by a running campaign, stop it first")
	}
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("group %d deleted", g.ID))
}
