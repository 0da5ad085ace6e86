// Package operator is the chat front end of the bot: the commands and
// callbacks an operator uses to sign in accounts, build target groups and
// run campaigns.
package operator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"campaignbot/internal/auth"
	"campaignbot/internal/campaign"
	"campaignbot/internal/directory"
	"campaignbot/internal/model"
	"campaignbot/internal/platform"
	"campaignbot/internal/storage"
	"campaignbot/internal/transport/telegram/router"
	logx "campaignbot/pkg/logx"
)

// Engine is the part of the dispatch engine the front end drives.
type Engine interface {
	Start(ctx context.Context, campaignID int64) error
	Stop(campaignID int64) error
	IsRunning(campaignID int64) bool
}

type Deps struct {
	Store     storage.Store
	Auth      *auth.Authenticator
	Directory *directory.Service
	Engine    Engine
	Driver    platform.Driver
	Log       logx.Logger
}

type Service struct {
	store  storage.Store
	auth   *auth.Authenticator
	dir    *directory.Service
	engine Engine
	driver platform.Driver
	log    logx.Logger
	sess   *Sessions
	now    func() time.Time

	mu        sync.RWMutex
	limits    campaign.Limits
	jwtSecret string
	jwtTTL    time.Duration
}

func New(d Deps) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Service{
		store:  d.Store,
		auth:   d.Auth,
		dir:    d.Directory,
		engine: d.Engine,
		driver: d.Driver,
		log:    d.Log.With(logx.String("comp", "operator")),
		sess:   NewSessions(),
		now:    time.Now,
		limits: campaign.DefaultLimits(),
		jwtTTL: 24 * time.Hour,
	}
}

// SetLimits applies to drafts validated afterwards.
func (s *Service) SetLimits(l campaign.Limits) {
	s.mu.Lock()
	s.limits = l
	s.mu.Unlock()
}

// SetAPIToken configures /apitoken. An empty secret disables it.
func (s *Service) SetAPIToken(secret string, ttl time.Duration) {
	s.mu.Lock()
	s.jwtSecret = secret
	if ttl > 0 {
		s.jwtTTL = ttl
	}
	s.mu.Unlock()
}

func (s *Service) currentLimits() campaign.Limits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits
}

// Commands lists every operator command.
func (s *Service) Commands() []router.Command {
	var out []router.Command
	out = append(out, s.accountCommands()...)
	out = append(out, s.groupCommands()...)
	out = append(out, s.chatCommands()...)
	out = append(out, s.campaignCommands()...)
	out = append(out, router.Command{
		Route:       "apitoken",
		Description: "issue a read-only API token",
		Usage:       "/apitoken [ttl]",
		Timeout:     5 * time.Second,
		Handle:      s.cmdAPIToken,
	})
	return out
}

func (s *Service) Callbacks() []router.CallbackRoute {
	return s.campaignCallbacks()
}

// audit records an operator action; failures are logged only.
func (s *Service) audit(ctx context.Context, actor int64, action, target string, err error, meta string) {
	e := storage.AuditEntry{
		At:      s.now(),
		ActorID: actor,
		Action:  action,
		Target:  target,
		OK:      err == nil,
		Meta:    meta,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := s.store.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}

var errNotOwner = errors.New("not yours")

// ownAccount loads an account owned by the operator.
func (s *Service) ownAccount(ctx context.Context, op int64, raw string) (model.Account, error) {
	id, err := parseID("account", raw)
	if err != nil {
		return model.Account{}, err
	}
	a, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return model.Account{}, describeLookup("account", id, err)
	}
	if a.OperatorID != op {
		return model.Account{}, fmt.Errorf("account %d: %w", id, errNotOwner)
	}
	return a, nil
}

// ownGroup loads a group whose account is owned by the operator.
func (s *Service) ownGroup(ctx context.Context, op int64, raw string) (model.TargetGroup, error) {
	id, err := parseID("group", raw)
	if err != nil {
		return model.TargetGroup{}, err
	}
	g, err := s.store.GetGroup(ctx, id)
	if err != nil {
		return model.TargetGroup{}, describeLookup("group", id, err)
	}
	a, err := s.store.GetAccount(ctx, g.AccountID)
	if err != nil {
		return model.TargetGroup{}, describeLookup("account", g.AccountID, err)
	}
	if a.OperatorID != op {
		return model.TargetGroup{}, fmt.Errorf("group %d: %w", id, errNotOwner)
	}
	return g, nil
}

func (s *Service) ownCampaign(ctx context.Context, op int64, raw string) (model.Campaign, error) {
	id, err := parseID("campaign", raw)
	if err != nil {
		return model.Campaign{}, err
	}
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return model.Campaign{}, describeLookup("campaign", id, err)
	}
	if c.OperatorID != op {
		return model.Campaign{}, fmt.Errorf("campaign %d: %w", id, errNotOwner)
	}
	return c, nil
}

func parseID(what, raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, raw)
	}
	return id, nil
}

func describeLookup(what string, id int64, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s %d not found", what, id)
	}
	return err
}

// need returns an error naming the usage when fewer than n args were given.
func need(req *router.Request, n int, usage string) error {
	if len(req.Args) < n {
		return errors.New("usage: " + usage)
	}
	return nil
}
