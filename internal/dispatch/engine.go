// Package dispatch runs campaigns: one serialized worker per account sends
// the campaign text to every target of the campaign's group, classifying
// failures and writing progress back to the store.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"campaignbot/internal/campaign"
	"campaignbot/internal/eventbus"
	"campaignbot/internal/model"
	"campaignbot/internal/platform"
	"campaignbot/internal/runtime/supervisor"
	"campaignbot/internal/storage"
	logx "campaignbot/pkg/logx"
)

type Config struct {
	Limits campaign.Limits
	Retry  RetryPolicy
	// MaxRateLimitWait is the longest platform cool-down a worker sits out.
	// A longer demand ends that account's queue as failed.
	MaxRateLimitWait time.Duration
	// SendTimeout bounds one send call.
	SendTimeout time.Duration
	// ProgressEvery throttles campaign.progress events per run.
	ProgressEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.Retry == (RetryPolicy{}) {
		c.Retry = DefaultRetryPolicy()
	}
	if c.MaxRateLimitWait <= 0 {
		c.MaxRateLimitWait = time.Hour
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = time.Minute
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = time.Second
	}
	return c
}

// Store is the persistence the engine needs.
type Store interface {
	GetCampaign(ctx context.Context, id int64) (model.Campaign, error)
	GetAccount(ctx context.Context, id int64) (model.Account, error)
	ListChats(ctx context.Context, groupID int64) ([]model.TargetChat, error)
	ListCampaignsByStatus(ctx context.Context, status model.Status) ([]model.Campaign, error)
	MarkRunning(ctx context.Context, id int64, total int64) error
	IncrementCounters(ctx context.Context, id int64, sent, failed int64) error
	TransitionStatus(ctx context.Context, id int64, from, to model.Status, reason string) error
}

type Options struct {
	Locker  Locker
	Sleeper Sleeper
	Bus     eventbus.Bus
	Metrics *Metrics
	Log     logx.Logger
}

type Engine struct {
	store   Store
	driver  platform.Driver
	locker  Locker
	sleeper Sleeper
	bus     eventbus.Bus
	metrics *Metrics
	log     logx.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// startMu serializes Start against StopAll.
	startMu sync.Mutex

	mu         sync.Mutex
	cfg        Config
	closed     bool
	runs       map[int64]*run
	accountUse map[int64]int
}

func New(cfg Config, store Store, driver platform.Driver, opt Options) *Engine {
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Locker == nil {
		opt.Locker = NewLocalLocker()
	}
	if opt.Sleeper == nil {
		opt.Sleeper = RealSleeper()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:      store,
		driver:     driver,
		locker:     opt.Locker,
		sleeper:    opt.Sleeper,
		bus:        opt.Bus,
		metrics:    opt.Metrics,
		log:        opt.Log.With(logx.String("comp", "dispatch")),
		ctx:        ctx,
		cancel:     cancel,
		cfg:        cfg.withDefaults(),
		runs:       map[int64]*run{},
		accountUse: map[int64]int{},
	}
}

// SetConfig applies to runs started afterwards.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

type run struct {
	id       string
	c        model.Campaign
	accounts []model.Account
	targets  []model.TargetChat
	cfg      Config
	log      logx.Logger
	sup      *supervisor.Supervisor

	stopping    atomic.Bool
	failed      atomic.Bool
	interrupted atomic.Bool
	pending     atomic.Int32
	sent        atomic.Int64
	failedCount atomic.Int64
	lastEvent   atomic.Int64
	done        chan struct{}
}

func (r *run) halted(ctx context.Context) bool {
	return r.stopping.Load() || r.failed.Load() || ctx.Err() != nil
}

// Start validates the campaign, snapshots its accounts and targets, marks it
// running and launches one worker per account. Configuration problems come
// back as *RejectedError and leave the campaign untouched.
func (e *Engine) Start(ctx context.Context, campaignID int64) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	e.mu.Lock()
	closed := e.closed
	_, running := e.runs[campaignID]
	cfg := e.cfg
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if running {
		return ErrAlreadyRunning
	}

	r, err := e.prepare(ctx, campaignID, cfg)
	if err != nil {
		return err
	}
	total := model.PlannedSends(r.c.Repeat, len(r.accounts), len(r.targets))
	if err := e.store.MarkRunning(ctx, campaignID, total); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			return &RejectedError{Reason: "campaign status changed, reload and retry"}
		}
		return fmt.Errorf("mark running: %w", err)
	}
	r.c.Status = model.StatusRunning
	r.c.Total = total

	r.sup = supervisor.NewSupervisor(e.ctx, supervisor.WithLogger(r.log))
	r.pending.Store(int32(len(r.accounts)))

	e.mu.Lock()
	var shared []int64
	for _, a := range r.accounts {
		if e.accountUse[a.ID] > 0 {
			shared = append(shared, a.ID)
		}
		e.accountUse[a.ID]++
	}
	e.runs[campaignID] = r
	e.mu.Unlock()

	if len(shared) > 0 {
		r.log.Warn("accounts shared with another running campaign, sends will be serialized", logx.Int64s("accounts", shared))
	}

	e.metrics.runDelta(1)
	e.publish(eventbus.CampaignStarted, r, "")
	r.log.Info("campaign started",
		logx.Int("accounts", len(r.accounts)),
		logx.Int("targets", len(r.targets)),
		logx.Int64("total", total),
	)
	for i, acc := range r.accounts {
		w := newWorker(e, r, acc, i)
		r.sup.Go(fmt.Sprintf("campaign.%d.account.%d", campaignID, acc.ID), w.run)
	}
	return nil
}

func (e *Engine) prepare(ctx context.Context, campaignID int64, cfg Config) (*run, error) {
	c, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &RejectedError{Reason: "campaign not found"}
		}
		return nil, err
	}
	if c.Status != model.StatusConfigured {
		return nil, &RejectedError{Reason: fmt.Sprintf("campaign is %s, only configured campaigns can start", c.Status)}
	}
	if err := campaign.FromCampaign(c).Validate(cfg.Limits); err != nil {
		var ve *campaign.ValidationError
		if errors.As(err, &ve) {
			return nil, &RejectedError{Reason: strings.Join(ve.Problems, "; ")}
		}
		return nil, err
	}

	accounts := make([]model.Account, 0, len(c.AccountIDs))
	for _, id := range c.AccountIDs {
		a, err := e.store.GetAccount(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil, &RejectedError{Reason: fmt.Sprintf("account %d no longer exists", id)}
		case err != nil:
			return nil, err
		case !a.Active:
			return nil, &RejectedError{Reason: fmt.Sprintf("account %d is not active", id)}
		}
		accounts = append(accounts, a)
	}
	targets, err := e.store.ListChats(ctx, c.GroupID)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, &RejectedError{Reason: "target group is empty"}
	}

	runID := uuid.NewString()
	return &run{
		id:       runID,
		c:        c,
		accounts: accounts,
		targets:  slices.Clone(targets),
		cfg:      cfg,
		log:      e.log.With(logx.Int64("campaign", c.ID), logx.String("run", runID)),
		done:     make(chan struct{}),
	}, nil
}

// Stop requests cooperative cancellation. Workers finish the send in flight
// and exit; the campaign ends Stopped once all of them are gone.
func (e *Engine) Stop(campaignID int64) error {
	e.mu.Lock()
	r, ok := e.runs[campaignID]
	e.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	if r.stopping.CompareAndSwap(false, true) {
		r.log.Info("campaign stop requested")
		r.sup.Cancel()
	}
	return nil
}

// Wait blocks until the campaign's run has ended.
func (e *Engine) Wait(ctx context.Context, campaignID int64) error {
	e.mu.Lock()
	r, ok := e.runs[campaignID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Progress reads the stored counters of a campaign.
func (e *Engine) Progress(ctx context.Context, campaignID int64) (model.Progress, error) {
	c, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return model.Progress{}, err
	}
	return c.Progress(), nil
}

// Running returns the ids of campaigns with live workers, ascending.
func (e *Engine) Running() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int64, 0, len(e.runs))
	for id := range e.runs {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// IsRunning reports whether a campaign has live workers.
func (e *Engine) IsRunning(campaignID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[campaignID]
	return ok
}

// StopAll stops every run, waits for them up to ctx, and refuses further
// starts.
func (e *Engine) StopAll(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	e.mu.Lock()
	e.closed = true
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		if r.stopping.CompareAndSwap(false, true) {
			r.sup.Cancel()
		}
	}
	defer e.cancel()
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Recover fails campaigns left running by a previous process.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	stale, err := e.store.ListCampaignsByStatus(ctx, model.StatusRunning)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range stale {
		if e.IsRunning(c.ID) {
			continue
		}
		err := e.store.TransitionStatus(ctx, c.ID, model.StatusRunning, model.StatusFailed, "interrupted by restart")
		if err != nil {
			e.log.Warn("recover campaign failed", logx.Int64("campaign", c.ID), logx.Err(err))
			continue
		}
		n++
	}
	if n > 0 {
		e.log.Warn("campaigns interrupted by restart marked failed", logx.Int("count", n))
	}
	return n, nil
}

// fail ends the run as Failed. Only the first call has effect.
func (e *Engine) fail(r *run, cause error) {
	if !r.failed.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.TransitionStatus(ctx, r.c.ID, model.StatusRunning, model.StatusFailed, cause.Error()); err != nil {
		r.log.Error("mark campaign failed", logx.Err(err))
	}
	r.log.Error("campaign failed", logx.Err(cause))
	r.sup.Cancel()
}

// workerDone finishes the run when the last worker exits.
func (e *Engine) workerDone(r *run) {
	if r.pending.Add(-1) != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errText string
	if !r.failed.Load() {
		final := model.StatusCompleted
		if r.interrupted.Load() {
			final = model.StatusStopped
		}
		if err := e.store.TransitionStatus(ctx, r.c.ID, model.StatusRunning, final, ""); err != nil {
			r.log.Error("finish campaign", logx.String("status", string(final)), logx.Err(err))
			errText = err.Error()
		}
	}

	e.mu.Lock()
	delete(e.runs, r.c.ID)
	for _, a := range r.accounts {
		if e.accountUse[a.ID]--; e.accountUse[a.ID] <= 0 {
			delete(e.accountUse, a.ID)
		}
	}
	e.mu.Unlock()
	e.metrics.runDelta(-1)

	if c, err := e.store.GetCampaign(ctx, r.c.ID); err == nil {
		r.c = c
	}
	e.publish(eventbus.CampaignFinished, r, errText)
	r.log.Info("campaign finished",
		logx.String("status", string(r.c.Status)),
		logx.Int64("sent", r.sent.Load()),
		logx.Int64("failed", r.failedCount.Load()),
	)
	r.sup.Cancel()
	close(r.done)
}

func (e *Engine) publish(typ string, r *run, errText string) {
	if e.bus == nil {
		return
	}
	if errText == "" {
		errText = r.c.Error
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: eventbus.CampaignEvent{
		CampaignID: r.c.ID,
		RunID:      r.id,
		OperatorID: r.c.OperatorID,
		Status:     string(r.c.Status),
		Sent:       r.sent.Load(),
		Failed:     r.failedCount.Load(),
		Total:      r.c.Total,
		Error:      errText,
	}})
}

func (e *Engine) progressEvent(r *run) {
	if e.bus == nil {
		return
	}
	now := time.Now().UnixNano()
	last := r.lastEvent.Load()
	if now-last < int64(r.cfg.ProgressEvery) || !r.lastEvent.CompareAndSwap(last, now) {
		return
	}
	e.publish(eventbus.CampaignProgress, r, "")
}
