package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"campaignbot/internal/model"
	"campaignbot/internal/platform"
	logx "campaignbot/pkg/logx"
)

// worker drains one account's queue: every target in snapshot order, each
// repeated r.c.Repeat times. Sends are strictly sequential.
type worker struct {
	e   *Engine
	r   *run
	acc model.Account
	log logx.Logger
	rng *rand.Rand
}

func newWorker(e *Engine, r *run, acc model.Account, idx int) *worker {
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	return &worker{
		e:   e,
		r:   r,
		acc: acc,
		log: r.log.With(logx.Int64("account", acc.ID)),
		rng: rand.New(rand.NewSource(seed)),
	}
}

var errWaitTooLong = errors.New("platform cool-down exceeds the configured maximum")

// delivery is the result of one logical send, retries included.
type delivery struct {
	out Outcome
	err error
	// attempted is false when the run halted before any send call.
	attempted bool
	// exhausted means this account cannot continue the run.
	exhausted bool
}

func (w *worker) run(ctx context.Context) (err error) {
	defer w.e.workerDone(w.r)
	// A panicking client fails the run; the unsent queue is never counted
	// as delivered.
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("worker panic: %v", p)
			w.log.Error("worker panicked", logx.Any("panic", p))
			w.e.fail(w.r, err)
		}
	}()

	repeat := w.r.c.Repeat
	queued := len(w.r.targets) * repeat

	client, err := w.e.driver.Open(ctx, w.acc.SessionToken)
	if err != nil {
		if w.r.halted(ctx) {
			w.r.interrupted.Store(true)
			return nil
		}
		w.log.Warn("open client failed, account queue counted as failed", logx.Err(err))
		return w.count(0, int64(queued))
	}
	defer func() {
		if err := client.Close(); err != nil {
			w.log.Debug("client close", logx.Err(err))
		}
	}()

	done := 0
	for _, t := range w.r.targets {
	sends:
		for rep := 0; rep < repeat; rep++ {
			if w.r.halted(ctx) {
				w.r.interrupted.Store(true)
				return nil
			}
			if done > 0 {
				if err := w.e.sleeper.Sleep(ctx, w.r.c.Delay); err != nil || w.r.halted(ctx) {
					w.r.interrupted.Store(true)
					return nil
				}
			}

			d := w.deliver(ctx, client, t.ChatID)
			if !d.attempted {
				w.r.interrupted.Store(true)
				return nil
			}
			w.e.metrics.outcome(d.out.Kind)

			switch {
			case d.exhausted:
				left := queued - done
				w.log.Warn("account cool-down too long, remaining queue counted as failed",
					logx.Duration("wait", d.out.Wait), logx.Int("remaining", left))
				w.e.metrics.skipped(left - 1)
				return w.count(0, int64(left))
			case d.out.Kind == OK:
				done++
				if err := w.count(1, 0); err != nil {
					return err
				}
			case d.out.Kind == PermanentTarget:
				skipped := repeat - rep - 1
				done += 1 + skipped
				w.log.Info("target abandoned",
					logx.Int64("chat", t.ChatID),
					logx.String("code", d.out.Code),
					logx.Int("skipped", skipped),
				)
				w.e.metrics.skipped(skipped)
				if err := w.count(0, int64(1+skipped)); err != nil {
					return err
				}
				break sends
			default:
				done++
				w.log.Warn("send failed", logx.Int64("chat", t.ChatID), logx.Err(d.err))
				if err := w.count(0, 1); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// deliver performs one logical send. Transient failures go through the retry
// policy; a cool-down suspends only this worker and then repeats the same
// send.
func (w *worker) deliver(ctx context.Context, client platform.Client, chatID int64) delivery {
	var d delivery
	for {
		_, err := Do(ctx, w.r.cfg.Retry, w.e.sleeper, w.rng, func(ctx context.Context) error {
			err := w.sendOnce(ctx, client, chatID)
			if errors.Is(err, errLockAborted) {
				return NoRetry(err)
			}
			d.attempted = true
			switch Classify(err).Kind {
			case OK:
				return nil
			case Transient:
				return err
			}
			return NoRetry(err)
		})
		if errors.Is(err, errLockAborted) {
			if d.attempted {
				d.out, d.err = Outcome{Kind: Transient}, ctx.Err()
			}
			return d
		}
		d.err = err
		d.out = Classify(err)
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			d.out = Outcome{Kind: Transient}
			return d
		}
		if d.out.Kind != RateLimited {
			return d
		}

		w.e.metrics.waited(d.out.Wait)
		if d.out.Wait > w.r.cfg.MaxRateLimitWait {
			d.err = fmt.Errorf("%w: %s", errWaitTooLong, d.out.Wait)
			d.exhausted = true
			return d
		}
		w.log.Warn("rate limited, pausing account", logx.Duration("wait", d.out.Wait), logx.String("code", d.out.Code))
		if err := w.e.sleeper.Sleep(ctx, d.out.Wait); err != nil {
			d.out = Outcome{Kind: Transient}
			d.err = err
			return d
		}
	}
}

var errLockAborted = errors.New("account lock wait aborted")

// sendOnce holds the account lock for exactly one send. The send itself runs
// detached from run cancellation so a stop never cuts a call in half.
func (w *worker) sendOnce(ctx context.Context, client platform.Client, chatID int64) error {
	unlock, err := w.e.locker.Lock(ctx, w.acc.ID)
	if err != nil {
		if ctx.Err() != nil {
			return errLockAborted
		}
		return err
	}
	defer unlock()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.r.cfg.SendTimeout)
	defer cancel()
	return client.Send(sctx, chatID, w.r.c.Text)
}

// count adds to the stored counters. A store failure fails the whole run.
func (w *worker) count(sent, failed int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.e.store.IncrementCounters(ctx, w.r.c.ID, sent, failed); err != nil {
		err = fmt.Errorf("update counters: %w", err)
		w.e.fail(w.r, err)
		return err
	}
	w.r.sent.Add(sent)
	w.r.failedCount.Add(failed)
	w.e.progressEvent(w.r)
	return nil
}
