// Package auth turns a phone number, a delivered one-time code and an
// optional second-factor password into a stored account session.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"campaignbot/internal/model"
	"campaignbot/internal/platform"
	logx "campaignbot/pkg/logx"
)

var (
	ErrInvalidPhone = errors.New("auth: invalid phone number")
	ErrInvalidCode  = errors.New("auth: code must be digits only")
	ErrNoFlow       = errors.New("auth: no sign-in in progress")
	ErrWrongState   = errors.New("auth: sign-in is not waiting for this input")
	ErrBusy         = errors.New("auth: previous step still in progress")
)

type State int

const (
	Unauthenticated State = iota
	CodeRequested
	AwaitingCode
	AwaitingPassword
	Authenticated
	Failed
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case CodeRequested:
		return "code_requested"
	case AwaitingCode:
		return "awaiting_code"
	case AwaitingPassword:
		return "awaiting_password"
	case Authenticated:
		return "authenticated"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// SuspendedError reports a platform "too many attempts" answer. Message is
// the platform text, unchanged.
type SuspendedError struct {
	Wait    time.Duration
	Until   time.Time
	Message string
}

func (e *SuspendedError) Error() string {
	return fmt.Sprintf("auth: suspended for %s: %s", e.Wait.Round(time.Second), e.Message)
}

// FailedError ends a flow. Reason is operator-facing.
type FailedError struct {
	Reason string
	Err    error
}

func (e *FailedError) Error() string { return "auth: " + e.Reason }
func (e *FailedError) Unwrap() error { return e.Err }

// Key identifies one sign-in attempt.
type Key struct {
	OperatorID int64
	Phone      string
}

// AccountSaver persists the result of a successful sign-in.
type AccountSaver interface {
	UpsertAccount(ctx context.Context, a model.Account) (model.Account, error)
}

type Config struct {
	FlowTTL       time.Duration
	CodeLengthMin int
	CodeLengthMax int
}

type flow struct {
	key       Key
	state     State
	provider  platform.AuthProvider
	handle    platform.CodeHandle
	started   time.Time
	suspended time.Time
	busy      bool
}

type Authenticator struct {
	cfg    Config
	driver platform.Driver
	store  AccountSaver
	log    logx.Logger
	now    func() time.Time

	mu    sync.Mutex
	flows map[Key]*flow
}

func New(cfg Config, driver platform.Driver, store AccountSaver, log logx.Logger) *Authenticator {
	if cfg.FlowTTL <= 0 {
		cfg.FlowTTL = 10 * time.Minute
	}
	if cfg.CodeLengthMin <= 0 {
		cfg.CodeLengthMin = 5
	}
	if cfg.CodeLengthMax < cfg.CodeLengthMin {
		cfg.CodeLengthMax = max(cfg.CodeLengthMin, 6)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Authenticator{
		cfg:    cfg,
		driver: driver,
		store:  store,
		log:    log.With(logx.String("comp", "auth")),
		now:    time.Now,
		flows:  map[Key]*flow{},
	}
}

// Begin validates phone, opens a provider and requests a code. A previous
// attempt for the same key is discarded.
func (a *Authenticator) Begin(ctx context.Context, operatorID int64, rawPhone string) (Key, error) {
	phone, err := NormalizePhone(rawPhone)
	if err != nil {
		return Key{}, err
	}
	key := Key{OperatorID: operatorID, Phone: phone}

	a.mu.Lock()
	if old, ok := a.flows[key]; ok {
		if old.busy {
			a.mu.Unlock()
			return key, ErrBusy
		}
		if err := a.suspendedLocked(old); err != nil {
			a.mu.Unlock()
			return key, err
		}
		a.dropLocked(old)
	}
	f := &flow{key: key, state: Unauthenticated, started: a.now(), busy: true}
	a.flows[key] = f
	a.mu.Unlock()

	log := a.log.With(logx.Int64("operator", operatorID), logx.Phone("phone", phone))

	p, err := a.driver.NewAuth(ctx)
	if err != nil {
		a.finish(f, func() { a.dropLocked(f) })
		return key, fmt.Errorf("auth: open provider: %w", err)
	}
	a.mu.Lock()
	f.provider = p
	f.state = CodeRequested
	a.mu.Unlock()

	h, err := p.RequestCode(ctx, phone)
	if err != nil {
		return key, a.fail(f, err, log)
	}
	a.finish(f, func() {
		f.handle = h
		f.state = AwaitingCode
	})
	log.Info("code requested")
	return key, nil
}

// SubmitCode checks the code format locally before the remote call.
func (a *Authenticator) SubmitCode(ctx context.Context, key Key, rawCode string) (State, error) {
	code, err := NormalizeCode(rawCode, a.cfg.CodeLengthMin, a.cfg.CodeLengthMax)
	if err != nil {
		return a.State(key), err
	}
	f, err := a.acquire(key, AwaitingCode)
	if err != nil {
		return a.State(key), err
	}
	log := a.log.With(logx.Int64("operator", key.OperatorID), logx.Phone("phone", key.Phone))

	sess, err := f.provider.SubmitCode(ctx, f.handle, code)
	switch {
	case errors.Is(err, platform.ErrPasswordRequired):
		a.finish(f, func() { f.state = AwaitingPassword })
		log.Info("second factor required")
		return AwaitingPassword, nil
	case err != nil:
		return a.stateAfter(key, a.fail(f, err, log))
	}
	return a.complete(ctx, f, sess, log)
}

func (a *Authenticator) SubmitPassword(ctx context.Context, key Key, password string) (State, error) {
	if password == "" {
		return a.State(key), ErrWrongState
	}
	f, err := a.acquire(key, AwaitingPassword)
	if err != nil {
		return a.State(key), err
	}
	log := a.log.With(logx.Int64("operator", key.OperatorID), logx.Phone("phone", key.Phone))

	sess, err := f.provider.SubmitPassword(ctx, f.handle, password)
	if err != nil {
		return a.stateAfter(key, a.fail(f, err, log))
	}
	return a.complete(ctx, f, sess, log)
}

func (a *Authenticator) stateAfter(key Key, err error) (State, error) {
	var fe *FailedError
	if errors.As(err, &fe) {
		return Failed, err
	}
	return a.State(key), err
}

// Cancel discards a flow and releases its provider.
func (a *Authenticator) Cancel(key Key) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.flows[key]
	if !ok || f.busy {
		return false
	}
	a.dropLocked(f)
	return true
}

// State reports the current state of key, Unauthenticated when unknown. A
// failed flow reports Failed until it is restarted, cancelled or pruned.
func (a *Authenticator) State(key Key) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f, ok := a.flows[key]; ok {
		return f.state
	}
	return Unauthenticated
}

// Pending lists the keys of an operator's open flows.
func (a *Authenticator) Pending(operatorID int64) []Key {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Key
	for k, f := range a.flows {
		if k.OperatorID == operatorID && f.state != Failed {
			out = append(out, k)
		}
	}
	return out
}

// Prune drops idle flows older than FlowTTL and returns how many it dropped.
func (a *Authenticator) Prune(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, f := range a.flows {
		if f.busy || now.Sub(f.started) < a.cfg.FlowTTL {
			continue
		}
		if now.Before(f.suspended) {
			continue
		}
		a.dropLocked(f)
		n++
	}
	if n > 0 {
		a.log.Debug("auth flows pruned", logx.Int("count", n))
	}
	return n
}

func (a *Authenticator) acquire(key Key, want State) (*flow, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.flows[key]
	if !ok {
		return nil, ErrNoFlow
	}
	if f.busy {
		return nil, ErrBusy
	}
	if f.state == Failed {
		return nil, ErrNoFlow
	}
	if err := a.suspendedLocked(f); err != nil {
		return nil, err
	}
	if f.state != want {
		return nil, ErrWrongState
	}
	f.busy = true
	return f, nil
}

func (a *Authenticator) suspendedLocked(f *flow) error {
	now := a.now()
	if now.Before(f.suspended) {
		return &SuspendedError{
			Wait:    f.suspended.Sub(now),
			Until:   f.suspended,
			Message: "too many attempts, try again later",
		}
	}
	return nil
}

func (a *Authenticator) finish(f *flow, fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn()
	f.busy = false
}

// fail records a provider error. FLOOD_WAIT suspends the flow in place;
// everything else ends it.
func (a *Authenticator) fail(f *flow, err error, log logx.Logger) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		a.finish(f, func() {})
		return err
	}
	var pe *platform.Error
	if errors.As(err, &pe) && pe.Code == platform.CodeFloodWait {
		until := a.now().Add(pe.Wait)
		a.finish(f, func() { f.suspended = until })
		log.Warn("sign-in suspended by platform", logx.Duration("wait", pe.Wait))
		return &SuspendedError{Wait: pe.Wait, Until: until, Message: pe.Message}
	}

	reason := failureReason(err)
	a.finish(f, func() {
		f.state = Failed
		a.releaseLocked(f)
	})
	log.Warn("sign-in failed", logx.String("reason", reason), logx.Err(err))
	return &FailedError{Reason: reason, Err: err}
}

func (a *Authenticator) complete(ctx context.Context, f *flow, sess platform.Session, log logx.Logger) (State, error) {
	acc, err := a.store.UpsertAccount(ctx, model.Account{
		OperatorID:   f.key.OperatorID,
		Phone:        f.key.Phone,
		SessionToken: sess.Token,
		DisplayName:  model.DisplayNameOf(sess.FirstName, sess.Username, f.key.Phone),
		Active:       true,
	})
	a.finish(f, func() {
		if err != nil {
			f.state = Failed
			a.releaseLocked(f)
			return
		}
		f.state = Authenticated
		a.dropLocked(f)
	})
	if err != nil {
		log.Error("store session failed", logx.Err(err))
		return Failed, &FailedError{Reason: "could not store session", Err: err}
	}
	log.Info("account authenticated", logx.Int64("account", acc.ID))
	return Authenticated, nil
}

// dropLocked removes f and releases its provider. Caller holds a.mu.
func (a *Authenticator) dropLocked(f *flow) {
	if cur, ok := a.flows[f.key]; ok && cur == f {
		delete(a.flows, f.key)
	}
	a.releaseLocked(f)
}

// releaseLocked closes the provider but keeps the flow visible.
func (a *Authenticator) releaseLocked(f *flow) {
	if f.provider != nil {
		if err := f.provider.Close(); err != nil {
			a.log.Debug("auth provider close", logx.Err(err))
		}
		f.provider = nil
	}
}

func failureReason(err error) string {
	switch platform.CodeOf(err) {
	case platform.CodePhoneNumberInvalid:
		return "invalid phone number"
	case platform.CodePhoneNumberBanned:
		return "phone number is banned"
	case platform.CodePhoneCodeInvalid:
		return "invalid code"
	case platform.CodePhoneCodeExpired:
		return "code expired"
	case platform.CodePasswordHashInvalid:
		return "invalid password"
	}
	if errors.Is(err, platform.ErrUnsupported) {
		return "sign-in is not supported by this platform driver"
	}
	return "platform error: " + err.Error()
}
