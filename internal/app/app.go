// Package app wires the dispatch core, the operator front end and the
// ambient services, and owns process start, hot reload and shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"campaignbot/internal/auth"
	"campaignbot/internal/config"
	"campaignbot/internal/directory"
	"campaignbot/internal/dispatch"
	"campaignbot/internal/eventbus"
	"campaignbot/internal/eventbus/amqpsink"
	"campaignbot/internal/jobs"
	"campaignbot/internal/observability/server"
	"campaignbot/internal/operator"
	"campaignbot/internal/runtime/supervisor"
	"campaignbot/internal/storage"
	kit "campaignbot/internal/transport"
	telegram "campaignbot/internal/transport/telegram/adapter"
	"campaignbot/internal/transport/telegram/router"
	logx "campaignbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	adapter *telegram.Adapter
	router  *router.Router
	auth    *auth.Authenticator
	engine  *dispatch.Engine
	locker  lockCloser
	jobs    *jobs.Scheduler
	http    *server.Server
	sink    *amqpsink.Sink
	op      *operator.Service

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}

	// The log sink needs the adapter and the adapter needs a logger; the
	// sender resolves the adapter lazily.
	var adRef atomic.Pointer[telegram.Adapter]
	logSvc, log := logx.New(mapLogConfig(cfg), func(ctx context.Context, chatID int64, threadID int, text string) error {
		ad := adRef.Load()
		if ad == nil {
			return errors.New("telegram adapter not ready")
		}
		return ad.Notify(ctx, chatID, threadID, text)
	})

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, log)
	if err != nil {
		return nil, err
	}
	adRef.Store(ad)

	fail := func(err error, closers ...func() error) (*App, error) {
		for _, c := range closers {
			_ = c()
		}
		_ = logSvc.Close()
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return fail(err)
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fail(err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	driver, err := newDriver(cfg, log.With(logx.String("comp", "platform")))
	if err != nil {
		return fail(err, store.Close)
	}
	locker, err := newLocker(context.Background(), cfg, log.With(logx.String("comp", "locks")))
	if err != nil {
		return fail(err, store.Close)
	}

	authCfg, _ := mapAuthConfig(cfg)
	dispCfg, _ := mapDispatchConfig(cfg)
	httpCfg, _ := mapHTTPConfig(cfg)

	bus := eventbus.New()
	authn := auth.New(authCfg, driver, store, log)
	engine := dispatch.New(dispCfg, store, driver, dispatch.Options{
		Locker:  locker,
		Bus:     bus,
		Metrics: dispatch.NewMetrics(prometheus.DefaultRegisterer),
		Log:     log,
	})

	op := operator.New(operator.Deps{
		Store:     store,
		Auth:      authn,
		Directory: directory.New(store, driver, log),
		Engine:    engine,
		Driver:    driver,
		Log:       log,
	})
	op.SetLimits(dispCfg.Limits)
	op.SetAPIToken(cfg.HTTP.JWTSecret, 0)

	rt := router.New(log, ad, cfg.Telegram.OwnerUserIDs)
	rt.Register(op.Commands(), op.Callbacks())

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Jobs.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return fail(fmt.Errorf("jobs.timezone: %w", err), locker.Close, store.Close)
		}
	}

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		router:  rt,
		auth:    authn,
		engine:  engine,
		locker:  locker,
		jobs:    jobs.New(loc, 30*time.Second, log),
		op:      op,
		updates: make(chan kit.Update, 256),
	}
	if cfg.HTTP.Enabled {
		a.http = server.New(httpCfg, store, engine, prometheus.DefaultGatherer, log)
	}
	if cfg.Events.AMQP.Enabled {
		a.sink = amqpsink.New(amqpsink.Config{URL: cfg.Events.AMQP.URL, Exchange: cfg.Events.AMQP.Exchange}, bus, log)
	}
	if err := a.addJobs(cfg); err != nil {
		return fail(err, locker.Close, store.Close)
	}
	return a, nil
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapped(cfg)
	})

	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	_, err := a.engine.Recover(rctx)
	cancel()
	if err != nil {
		return fmt.Errorf("recover campaigns: %w", err)
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go("telegram.router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	if a.http != nil {
		a.sup.GoRestart("http.server", a.http.Run,
			supervisor.WithRestartBackoff(time.Second, 30*time.Second),
			supervisor.WithMaxRestarts(5),
			supervisor.WithPublishFirstError(true),
		)
	}
	if a.sink != nil {
		a.sup.GoRestart("events.amqp", a.sink.Run,
			supervisor.WithRestartBackoff(time.Second, time.Minute),
			supervisor.WithStopOnCleanExit(false),
		)
	}
	a.jobs.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// applyConfig pushes the live sections of a reloaded config.
func (a *App) applyConfig(prev, next *config.Config) {
	changed, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(next))
	if dc, err := mapDispatchConfig(next); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.engine.SetConfig(dc)
		a.op.SetLimits(dc.Limits)
	}
	a.op.SetAPIToken(next.HTTP.JWTSecret, 0)
	a.router.SetOperators(next.Telegram.OwnerUserIDs)

	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if len(restart) > 0 {
		a.log.Warn("some config changes need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: changed})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the
	// rest; it never extends the caller's deadline.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped, no time left", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("dispatch", 10*time.Second, a.engine.StopAll)
	step("jobs", 2*time.Second, a.jobs.Stop)
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("locks", time.Second, func(context.Context) error { return a.locker.Close() })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
