// Package jobs runs periodic housekeeping on cron schedules.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "campaignbot/pkg/logx"
)

type Func func(ctx context.Context) error

type Scheduler struct {
	log     logx.Logger
	c       *cron.Cron
	timeout time.Duration

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]cron.EntryID
}

// New returns a stopped scheduler. A nil loc means time.Local. Each run is
// bounded by timeout (default 1m).
func New(loc *time.Location, timeout time.Duration, log logx.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	log = log.With(logx.String("comp", "jobs"))
	return &Scheduler{
		log:     log,
		timeout: timeout,
		ctx:     context.Background(),
		entries: map[string]cron.EntryID{},
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{log})),
		),
	}
}

// Add registers fn under name. An empty or "off" schedule is a no-op and
// returns false.
func (s *Scheduler) Add(name, schedule string, fn Func) (bool, error) {
	spec, err := ParseSchedule(schedule)
	if err != nil {
		return false, fmt.Errorf("job %s: %w", name, err)
	}
	if spec == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[name]; dup {
		return false, fmt.Errorf("job %s: already registered", name)
	}
	id, err := s.c.AddFunc(spec, func() { s.run(name, fn) })
	if err != nil {
		return false, fmt.Errorf("job %s: %w", name, err)
	}
	s.entries[name] = id
	s.log.Debug("job registered", logx.String("job", name), logx.String("spec", spec))
	return true, nil
}

// Start begins firing jobs; runs observe ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.c.Start()
}

// Stop halts the scheduler and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next reports the next fire time of a registered job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.c.Entry(id).Next, true
}

func (s *Scheduler) run(name string, fn Func) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", logx.String("job", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	err := fn(ctx)
	switch {
	case err == nil:
		s.log.Debug("job done", logx.String("job", name), logx.Duration("took", time.Since(start)))
	case errors.Is(err, context.Canceled):
	default:
		s.log.Warn("job failed", logx.String("job", name), logx.Duration("took", time.Since(start)), logx.Err(err))
	}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
