package operator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"campaignbot/internal/auth"
	"campaignbot/internal/model"
	"campaignbot/internal/storage"
	"campaignbot/internal/transport/telegram/router"
	logx "campaignbot/pkg/logx"
	"campaignbot/pkg/tgui"
)

var errPrivateOnly = errors.New("send this in a private chat with the bot")

func (s *Service) accountCommands() []router.Command {
	return []router.Command{
		{
			Route:       "accounts",
			Description: "list your sending accounts",
			Usage:       "/accounts",
			Handle:      s.cmdAccounts,
		},
		{
			Route:       "login",
			Description: "sign in an account by phone",
			Usage:       "/login <phone>",
			Timeout:     time.Minute,
			Handle:      s.cmdLogin,
		},
		{
			Route:       "login cancel",
			Description: "abort the current sign-in",
			Usage:       "/login cancel",
			Handle:      s.cmdLoginCancel,
		},
		{
			Route:       "code",
			Description: "submit the sign-in code",
			Usage:       "/code <code>",
			Timeout:     time.Minute,
			Handle:      s.cmdCode,
		},
		{
			Route:       "password",
			Description: "submit the second-factor password",
			Usage:       "/password <password>",
			Timeout:     time.Minute,
			Handle:      s.cmdPassword,
		},
		{
			Route:       "account",
			Description: "manage accounts",
			Usage:       "/account addbot|off|delete",
			Handle: func(ctx context.Context, req *router.Request) error {
				return errors.New("usage: /account addbot <token> | /account off <id> | /account delete <id> confirm")
			},
		},
		{
			Route:       "account addbot",
			Description: "register a bot token as an account",
			Usage:       "/account addbot <token>",
			Timeout:     30 * time.Second,
			Handle:      s.cmdAddBot,
		},
		{
			Route:       "account off",
			Description: "deactivate an account",
			Usage:       "/account off <id>",
			Handle:      s.cmdAccountOff,
		},
		{
			Route:       "account delete",
			Description: "delete an account with its groups",
			Usage:       "/account delete <id> confirm",
			Handle:      s.cmdAccountDelete,
		},
	}
}

func privateOnly(req *router.Request) error {
	if m := req.Update.Message; m != nil && !m.Private {
		return errPrivateOnly
	}
	return nil
}

func (s *Service) cmdAccounts(ctx context.Context, req *router.Request) error {
	accs, err := s.store.ListAccounts(ctx, req.FromID, true)
	if err != nil {
		return err
	}
	var pending []auth.Key
	if s.auth != nil {
		pending = s.auth.Pending(req.FromID)
	}
	_, err = req.ReplyHTML(ctx, formatAccounts(accs, pending).String(), nil)
	return err
}

func (s *Service) cmdLogin(ctx context.Context, req *router.Request) error {
	if err := privateOnly(req); err != nil {
		return err
	}
	if err := need(req, 1, "/login <phone>"); err != nil {
		return err
	}
	if prev, ok := s.sess.Login(req.FromID); ok {
		s.auth.Cancel(prev)
	}
	key, err := s.auth.Begin(ctx, req.FromID, strings.Join(req.Args, ""))
	if err != nil {
		s.audit(ctx, req.FromID, "account.login", key.Phone, err, "")
		return authError(err)
	}
	s.sess.SetLogin(req.FromID, &key)
	return req.Reply(ctx, fmt.Sprintf("code sent to %s, reply with /code <code>", logx.MaskPhone(key.Phone)))
}

func (s *Service) cmdLoginCancel(ctx context.Context, req *router.Request) error {
	key, ok := s.sess.Login(req.FromID)
	if !ok {
		return req.Reply(ctx, "no sign-in in progress")
	}
	s.auth.Cancel(key)
	s.sess.SetLogin(req.FromID, nil)
	return req.Reply(ctx, "sign-in cancelled")
}

func (s *Service) cmdCode(ctx context.Context, req *router.Request) error {
	if err := privateOnly(req); err != nil {
		return err
	}
	if err := need(req, 1, "/code <code>"); err != nil {
		return err
	}
	key, ok := s.sess.Login(req.FromID)
	if !ok {
		return errors.New("no sign-in in progress, start with /login <phone>")
	}
	st, err := s.auth.SubmitCode(ctx, key, strings.Join(req.Args, ""))
	return s.afterAuthStep(ctx, req, key, st, err)
}

func (s *Service) cmdPassword(ctx context.Context, req *router.Request) error {
	if err := privateOnly(req); err != nil {
		return err
	}
	pw := strings.TrimSpace(req.Text)
	if pw == "" {
		return errors.New("usage: /password <password>")
	}
	key, ok := s.sess.Login(req.FromID)
	if !ok {
		return errors.New("no sign-in in progress, start with /login <phone>")
	}
	st, err := s.auth.SubmitPassword(ctx, key, pw)
	return s.afterAuthStep(ctx, req, key, st, err)
}

func (s *Service) afterAuthStep(ctx context.Context, req *router.Request, key auth.Key, st auth.State, err error) error {
	if err != nil {
		var fe *auth.FailedError
		if errors.As(err, &fe) || errors.Is(err, auth.ErrNoFlow) {
			s.sess.SetLogin(req.FromID, nil)
			s.audit(ctx, req.FromID, "account.login", key.Phone, err, "")
		}
		return authError(err)
	}
	switch st {
	case auth.AwaitingPassword:
		return req.Reply(ctx, "this account has a password, reply with /password <password>")
	case auth.Authenticated:
		s.sess.SetLogin(req.FromID, nil)
		s.audit(ctx, req.FromID, "account.login", key.Phone, nil, "")
		return req.Reply(ctx, "✅ signed in "+logx.MaskPhone(key.Phone)+", see /accounts")
	}
	return req.Reply(ctx, "sign-in is "+st.String())
}

// authError turns sign-in failures into operator text.
func authError(err error) error {
	var (
		se *auth.SuspendedError
		fe *auth.FailedError
	)
	switch {
	case errors.As(err, &se):
		return fmt.Errorf("too many attempts, try again in %s (%s)", se.Wait.Round(time.Second), se.Message)
	case errors.As(err, &fe):
		return errors.New("sign-in failed: " + fe.Reason)
	case errors.Is(err, auth.ErrInvalidPhone):
		return errors.New("invalid phone number, use international format like +14155550100")
	case errors.Is(err, auth.ErrInvalidCode):
		return errors.New("invalid code format, try /code again")
	case errors.Is(err, auth.ErrNoFlow):
		return errors.New("sign-in expired, start again with /login <phone>")
	case errors.Is(err, auth.ErrWrongState):
		return errors.New("sign-in is not waiting for that, check /accounts")
	case errors.Is(err, auth.ErrBusy):
		return errors.New("previous step still running, wait a moment")
	}
	return err
}

func (s *Service) cmdAddBot(ctx context.Context, req *router.Request) error {
	if err := privateOnly(req); err != nil {
		return err
	}
	if err := need(req, 1, "/account addbot <token>"); err != nil {
		return err
	}
	token := strings.TrimSpace(req.Args[0])
	c, err := s.driver.Open(ctx, token)
	if err != nil {
		s.audit(ctx, req.FromID, "account.addbot", "", err, "")
		return fmt.Errorf("token rejected: %w", err)
	}
	defer c.Close()
	self, err := c.Self(ctx)
	if err != nil {
		return fmt.Errorf("token rejected: %w", err)
	}
	acc, err := s.store.UpsertAccount(ctx, model.Account{
		OperatorID:   req.FromID,
		Phone:        "bot:" + strconv.FormatInt(self.ID, 10),
		SessionToken: token,
		DisplayName:  model.DisplayNameOf(self.FirstName, self.Username, ""),
		Active:       true,
	})
	s.audit(ctx, req.FromID, "account.addbot", strconv.FormatInt(acc.ID, 10), err, "")
	if err != nil {
		return err
	}
	_, err = req.ReplyHTML(ctx, tgui.Lines("✅ account added", formatAccountLine(acc)).String(), nil)
	return err
}

func (s *Service) cmdAccountOff(ctx context.Context, req *router.Request) error {
	if err := need(req, 1, "/account off <id>"); err != nil {
		return err
	}
	a, err := s.ownAccount(ctx, req.FromID, req.Args[0])
	if err != nil {
		return err
	}
	err = s.store.DeactivateAccount(ctx, a.ID)
	s.audit(ctx, req.FromID, "account.off", strconv.FormatInt(a.ID, 10), err, "")
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("account %d deactivated", a.ID))
}

func (s *Service) cmdAccountDelete(ctx context.Context, req *router.Request) error {
	if err := need(req, 1, "/account delete <id> confirm"); err != nil {
		return err
	}
	a, err := s.ownAccount(ctx, req.FromID, req.Args[0])
	if err != nil {
		return err
	}
	if len(req.Args) < 2 || req.Args[1] != "confirm" {
		return req.Reply(ctx, fmt.Sprintf("this deletes account %d with its groups and chats; repeat as /account delete %d confirm", a.ID, a.ID))
	}
	err = s.store.DeleteAccount(ctx, a.ID)
	s.audit(ctx, req.FromID, "account.delete", strconv.FormatInt(a.ID, 10), err, "")
	if errors.Is(err, storage.ErrReferenced) {
		return errors.New("account is used by a running campaign, stop it first")
	}
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("account %d deleted", a.ID))
}
