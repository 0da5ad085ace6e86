package operator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"campaignbot/internal/campaign"
	"campaignbot/internal/dispatch"
	"campaignbot/internal/model"
	"campaignbot/internal/transport/telegram/router"
	"campaignbot/pkg/tgui"
)

const cbPrefix = "camp"

var errNoDraft = errors.New("no draft, start with /campaign new")

func (s *Service) campaignCommands() []router.Command {
	return []router.Command{
		{
			Route:       "campaigns",
			Description: "list your campaigns",
			Usage:       "/campaigns [page]",
			Handle:      s.cmdCampaigns,
		},
		{
			Route:       "campaign",
			Description: "show the current draft",
			Usage:       "/campaign",
			Handle:      s.cmdDraftShow,
		},
		{
			Route:       "campaign new",
			Description: "start a new draft",
			Usage:       "/campaign new",
			Handle:      s.cmdDraftNew,
		},
		{
			Route:       "campaign clone",
			Description: "start a draft from a stored campaign",
			Usage:       "/campaign clone <id>",
			Handle:      s.cmdDraftClone,
		},
		{
			Route:       "campaign text",
			Description: "set the message text",
			Usage:       "/campaign text <text>",
			Handle:      s.cmdDraftText,
		},
		{
			Route:       "campaign repeat",
			Description: "set sends per target per account",
			Usage:       "/campaign repeat <n>",
			Handle:      s.cmdDraftRepeat,
		},
		{
			Route:       "campaign delay",
			Description: "set the pause between sends",
			Usage:       "/campaign delay <seconds|duration>",
			Handle:      s.cmdDraftDelay,
		},
		{
			Route:       "campaign accounts",
			Description: "choose sending accounts",
			Usage:       "/campaign accounts <id...>",
			Handle:      s.cmdDraftAccounts,
		},
		{
			Route:       "campaign group",
			Description: "choose the target group",
			Usage:       "/campaign group <id>",
			Handle:      s.cmdDraftGroup,
		},
		{
			Route:       "campaign save",
			Description: "store the draft as a campaign",
			Usage:       "/campaign save",
			Handle:      s.cmdDraftSave,
		},
		{
			Route:       "campaign start",
			Description: "start a campaign",
			Usage:       "/campaign start <id>",
			Timeout:     30 * time.Second,
			Handle: func(ctx context.Context, req *router.Request) error {
				if err := need(req, 1, "/campaign start <id>"); err != nil {
					return err
				}
				return s.startCampaign(ctx, req, req.Args[0])
			},
		},
		{
			Route:       "campaign stop",
			Description: "stop a running campaign",
			Usage:       "/campaign stop <id>",
			Handle: func(ctx context.Context, req *router.Request) error {
				if err := need(req, 1, "/campaign stop <id>"); err != nil {
					return err
				}
				return s.stopCampaign(ctx, req, req.Args[0])
			},
		},
		{
			Route:       "campaign status",
			Description: "show campaign progress",
			Usage:       "/campaign status <id>",
			Handle: func(ctx context.Context, req *router.Request) error {
				if err := need(req, 1, "/campaign status <id>"); err != nil {
					return err
				}
				return s.showCampaign(ctx, req, req.Args[0], "")
			},
		},
	}
}

func (s *Service) campaignCallbacks() []router.CallbackRoute {
	return []router.CallbackRoute{
		{Prefix: cbPrefix, Action: "start", Timeout: 30 * time.Second, Handle: func(ctx context.Context, req *router.Request, payload string) error {
			return s.startCampaign(ctx, req, payload)
		}},
		{Prefix: cbPrefix, Action: "stop", Handle: func(ctx context.Context, req *router.Request, payload string) error {
			return s.stopCampaign(ctx, req, payload)
		}},
		{Prefix: cbPrefix, Action: "refresh", Handle: func(ctx context.Context, req *router.Request, payload string) error {
			return s.showCampaign(ctx, req, payload, "")
		}},
		{Prefix: cbPrefix, Action: "toggle", Handle: s.cbToggleAccount},
	}
}

func (s *Service) cmdCampaigns(ctx context.Context, req *router.Request) error {
	list, err := s.store.ListCampaigns(ctx, req.FromID)
	if err != nil {
		return err
	}
	page := 0
	if len(req.Args) > 0 {
		if n, err := strconv.Atoi(req.Args[0]); err == nil {
			page = n - 1
		}
	}
	_, err = req.ReplyHTML(ctx, formatCampaignList(tgui.Paginate(list, page, 10)).String(), nil)
	return err
}

// editDraft applies fn to the operator's draft and replies with the result.
func (s *Service) editDraft(ctx context.Context, req *router.Request, fn func(d campaign.Draft) (campaign.Draft, error)) error {
	d, ok := s.sess.Draft(req.FromID)
	if !ok {
		return errNoDraft
	}
	d, err := fn(d)
	if err != nil {
		return err
	}
	s.sess.SetDraft(req.FromID, &d)
	return s.replyDraft(ctx, req, d)
}

func (s *Service) replyDraft(ctx context.Context, req *router.Request, d campaign.Draft) error {
	accs, err := s.store.ListAccounts(ctx, req.FromID, false)
	if err != nil {
		return err
	}
	text := formatDraft(d, d.Validate(s.currentLimits()))
	return req.EditHTML(ctx, text.String(), draftKeyboard(d, accs))
}

func (s *Service) cmdDraftShow(ctx context.Context, req *router.Request) error {
	d, ok := s.sess.Draft(req.FromID)
	if !ok {
		return errNoDraft
	}
	return s.replyDraft(ctx, req, d)
}

func (s *Service) cmdDraftNew(ctx context.Context, req *router.Request) error {
	d := campaign.New(req.FromID)
	s.sess.SetDraft(req.FromID, &d)
	return s.replyDraft(ctx, req, d)
}

func (s *Service) cmdDraftClone(ctx context.Context, req *router.Request) error {
	if err := need(req, 1, "/campaign clone <id>"); err != nil {
		return err
	}
	c, err := s.ownCampaign(ctx, req.FromID, req.Args[0])
	if err != nil {
		return err
	}
	d := campaign.FromCampaign(c)
	s.sess.SetDraft(req.FromID, &d)
	return s.replyDraft(ctx, req, d)
}

func (s *Service) cmdDraftText(ctx context.Context, req *router.Request) error {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return errors.New("usage: /campaign text <text>")
	}
	return s.editDraft(ctx, req, func(d campaign.Draft) (campaign.Draft, error) {
		return d.WithText(text), nil
	})
}

func (s *Service) cmdDraftRepeat(ctx context.Context, req *router.Request) error {
	if err := need(req, 1, "/campaign repeat <n>"); err != nil {
		return err
	}
	n, err := strconv.Atoi(req.Args[0])
	if err != nil {
		return fmt.Errorf("invalid repeat %q", req.Args[0])
	}
	return s.editDraft(ctx, req, func(d campaign.Draft) (campaign.Draft, error) {
		return d.WithRepeat(n), nil
	})
}

// parseDelay accepts whole seconds ("30") or a Go duration ("1m30s").
func parseDelay(raw string) (time.Duration, error) {
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid delay %q, use seconds or a duration like 1m30s", raw)
	}
	return d, nil
}

func (s *Service) cmdDraftDelay(ctx context.Context, req *router.Request) error {
	if err := need(req, 1, "/campaign delay <seconds|duration>"); err != nil {
		return err
	}
	delay, err := parseDelay(req.Args[0])
	if err != nil {
		return err
	}
	return s.editDraft(ctx, req, func(d campaign.Draft) (campaign.Draft, error) {
		return d.WithDelay(delay), nil
	})
}

func (s *Service) cmdDraftAccounts(ctx context.Context, req *router.Request) error {
	if err := need(req, 1, "/campaign accounts <id...>"); err != nil {
		return err
	}
	var ids []int64
	for _, a := range req.Args {
		for _, part := range strings.Split(a, ",") {
			if part == "" {
				continue
			}
			id, err := parseID("account", part)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
	}
	return s.editDraft(ctx, req, func(d campaign.Draft) (campaign.Draft, error) {
		return d.WithAccounts(ids...), nil
	})
}

func (s *Service) cmdDraftGroup(ctx context.Context, req *router.Request) error {
	if err := need(req, 1, "/campaign group <id>"); err != nil {
		return err
	}
	g, err := s.ownGroup(ctx, req.FromID, req.Args[0])
	if err != nil {
		return err
	}
	return s.editDraft(ctx, req, func(d campaign.Draft) (campaign.Draft, error) {
		return d.WithGroup(g.ID), nil
	})
}

func (s *Service) cbToggleAccount(ctx context.Context, req *router.Request, payload string) error {
	id, err := parseID("account", payload)
	if err != nil {
		return err
	}
	return s.editDraft(ctx, req, func(d campaign.Draft) (campaign.Draft, error) {
		return d.ToggleAccount(id), nil
	})
}

func (s *Service) cmdDraftSave(ctx context.Context, req *router.Request) error {
	d, ok := s.sess.Draft(req.FromID)
	if !ok {
		return errNoDraft
	}
	c, err := d.Finalize(ctx, s.store, s.currentLimits())
	var ve *campaign.ValidationError
	if errors.As(err, &ve) {
		return errors.New("cannot save:\n- " + strings.Join(ve.Problems, "\n- "))
	}
	s.audit(ctx, req.FromID, "campaign.create", strconv.FormatInt(c.ID, 10), err, "")
	if err != nil {
		return err
	}
	s.sess.SetDraft(req.FromID, nil)
	_, err = req.ReplyHTML(ctx, formatCampaign(c, false).String(), campaignKeyboard(c, false))
	return err
}

func (s *Service) startCampaign(ctx context.Context, req *router.Request, raw string) error {
	c, err := s.ownCampaign(ctx, req.FromID, raw)
	if err != nil {
		return err
	}
	err = s.engine.Start(ctx, c.ID)
	s.audit(ctx, req.FromID, "campaign.start", strconv.FormatInt(c.ID, 10), err, "")
	var rej *dispatch.RejectedError
	switch {
	case errors.As(err, &rej):
		return errors.New("cannot start: " + rej.Reason)
	case errors.Is(err, dispatch.ErrAlreadyRunning):
		return fmt.Errorf("campaign %d is already running", c.ID)
	case errors.Is(err, dispatch.ErrClosed):
		return errors.New("shutting down, not starting new campaigns")
	case err != nil:
		return err
	}
	return s.showCampaign(ctx, req, raw, "▶️ started")
}

func (s *Service) stopCampaign(ctx context.Context, req *router.Request, raw string) error {
	c, err := s.ownCampaign(ctx, req.FromID, raw)
	if err != nil {
		return err
	}
	err = s.engine.Stop(c.ID)
	s.audit(ctx, req.FromID, "campaign.stop", strconv.FormatInt(c.ID, 10), err, "")
	if errors.Is(err, dispatch.ErrNotRunning) {
		return fmt.Errorf("campaign %d is not running", c.ID)
	}
	if err != nil {
		return err
	}
	return s.showCampaign(ctx, req, raw, "⏹ stop requested, sends in flight finish first")
}

// showCampaign renders the campaign card, editing the source message when
// called from a button.
func (s *Service) showCampaign(ctx context.Context, req *router.Request, raw, note string) error {
	c, err := s.ownCampaign(ctx, req.FromID, raw)
	if err != nil {
		return err
	}
	running := s.engine.IsRunning(c.ID)
	text := formatCampaign(c, running)
	if note != "" {
		text = tgui.Lines(tgui.Esc(note), "", text)
	}
	return req.EditHTML(ctx, text.String(), campaignKeyboard(c, running))
}

func campaignKeyboard(c model.Campaign, running bool) any {
	id := strconv.FormatInt(c.ID, 10)
	kb := tgui.NewInline()
	switch {
	case running || c.Status == model.StatusRunning:
		kb.Row(tgui.Btn("⏹ Stop", tgui.MustData(cbPrefix, "stop", id)), tgui.Btn("🔄 Refresh", tgui.MustData(cbPrefix, "refresh", id)))
	case c.Status == model.StatusConfigured:
		kb.Row(tgui.Btn("▶️ Start", tgui.MustData(cbPrefix, "start", id)), tgui.Btn("🔄 Refresh", tgui.MustData(cbPrefix, "refresh", id)))
	default:
		kb.Row(tgui.Btn("🔄 Refresh", tgui.MustData(cbPrefix, "refresh", id)))
	}
	if m := kb.Markup(); m != nil {
		return m
	}
	return nil
}

// draftKeyboard offers one toggle button per active account.
func draftKeyboard(d campaign.Draft, accs []model.Account) any {
	if len(accs) == 0 {
		return nil
	}
	btns := make([]tele.Btn, 0, len(accs))
	for _, a := range accs {
		mark := "☐"
		if slices.Contains(d.AccountIDs, a.ID) {
			mark = "☑"
		}
		label := fmt.Sprintf("%s %d %s", mark, a.ID, tgui.TruncRunes(a.DisplayName, 20))
		btns = append(btns, tgui.Btn(label, tgui.MustData(cbPrefix, "toggle", strconv.FormatInt(a.ID, 10))))
	}
	return tgui.Grid(2, btns)
}
