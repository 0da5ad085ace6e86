package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaignbot/internal/eventbus"
	"campaignbot/internal/model"
	"campaignbot/internal/platform"
	"campaignbot/internal/storage"
	logx "campaignbot/pkg/logx"
)

type fakeDriver struct {
	mu     sync.Mutex
	calls  map[string][]int64
	script map[string]map[int64][]error
	opened int
	closed int
	// panicOn makes Send panic for this chat.
	panicOn int64
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{calls: map[string][]int64{}, script: map[string]map[int64][]error{}}
}

func (d *fakeDriver) fail(token string, chatID int64, errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.script[token] == nil {
		d.script[token] = map[int64][]error{}
	}
	d.script[token][chatID] = append(d.script[token][chatID], errs...)
}

func (d *fakeDriver) sendsOf(token string) []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.calls[token]...)
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) NewAuth(context.Context) (platform.AuthProvider, error) {
	return nil, platform.ErrUnsupported
}

func (d *fakeDriver) Open(ctx context.Context, token string) (platform.Client, error) {
	if token == "broken" {
		return nil, platform.NewError(platform.CodeAuthKeyUnregistered, "")
	}
	d.mu.Lock()
	d.opened++
	d.mu.Unlock()
	return &fakeClient{d: d, token: token}, nil
}

type fakeClient struct {
	d     *fakeDriver
	token string
}

func (c *fakeClient) Self(context.Context) (platform.Self, error) { return platform.Self{}, nil }
func (c *fakeClient) ListChats(context.Context) ([]platform.Chat, error) {
	return nil, platform.ErrUnsupported
}

func (c *fakeClient) Send(ctx context.Context, chatID int64, text string) error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.calls[c.token] = append(c.d.calls[c.token], chatID)
	if c.d.panicOn != 0 && chatID == c.d.panicOn {
		panic("client exploded")
	}
	if q := c.d.script[c.token][chatID]; len(q) > 0 {
		c.d.script[c.token][chatID] = q[1:]
		return q[0]
	}
	return nil
}

func (c *fakeClient) Close() error {
	c.d.mu.Lock()
	c.d.closed++
	c.d.mu.Unlock()
	return nil
}

// fakeSleeper records requested sleeps. hook, when set, decides how a sleep
// behaves; otherwise sleeps return at once.
type fakeSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
	hook   func(ctx context.Context, d time.Duration) error
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		return hook(ctx, d)
	}
	return ctx.Err()
}

func (s *fakeSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

type fixture struct {
	st  storage.Store
	drv *fakeDriver
	sl  *fakeSleeper
	eng *Engine
	bus eventbus.Bus
	n   int
}

func testConfig() Config {
	return Config{Retry: RetryPolicy{Retries: 3, Base: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond}}
}

func newFixture(t *testing.T, st storage.Store) *fixture {
	t.Helper()
	if st == nil {
		var err error
		st, err = storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "dispatch.db")}, logx.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
	}
	f := &fixture{st: st, drv: newFakeDriver(), sl: &fakeSleeper{}, bus: eventbus.New()}
	f.eng = New(testConfig(), st, f.drv, Options{
		Sleeper: f.sl,
		Bus:     f.bus,
		Metrics: NewMetrics(prometheus.NewRegistry()),
		Log:     logx.Nop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.eng.StopAll(ctx)
	})
	return f
}

func (f *fixture) account(t *testing.T, token string) model.Account {
	t.Helper()
	f.n++
	a, err := f.st.UpsertAccount(context.Background(), model.Account{
		OperatorID:   1,
		Phone:        fmt.Sprintf("+6280000%04d", f.n),
		SessionToken: token,
		Active:       true,
	})
	require.NoError(t, err)
	return a
}

func (f *fixture) group(t *testing.T, owner model.Account, chatIDs ...int64) model.TargetGroup {
	t.Helper()
	ctx := context.Background()
	g, err := f.st.CreateGroup(ctx, owner.ID, "targets")
	require.NoError(t, err)
	for _, id := range chatIDs {
		_, err := f.st.AddChat(ctx, model.TargetChat{GroupID: g.ID, ChatID: id, Title: fmt.Sprint(id), Kind: model.ChatGroup})
		require.NoError(t, err)
	}
	return g
}

func (f *fixture) campaign(t *testing.T, g model.TargetGroup, repeat int, delay time.Duration, accs ...model.Account) model.Campaign {
	t.Helper()
	ids := make([]int64, 0, len(accs))
	for _, a := range accs {
		ids = append(ids, a.ID)
	}
	c, err := f.st.CreateCampaign(context.Background(), model.Campaign{
		OperatorID: 1,
		AccountIDs: ids,
		GroupID:    g.ID,
		Text:       "ping",
		Repeat:     repeat,
		Delay:      delay,
		Status:     model.StatusConfigured,
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) runToEnd(t *testing.T, id int64) model.Progress {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.eng.Start(ctx, id))
	require.NoError(t, f.eng.Wait(ctx, id))
	p, err := f.eng.Progress(ctx, id)
	require.NoError(t, err)
	return p
}

func TestSingleAccountTimingAndOrder(t *testing.T) {
	f := newFixture(t, nil)
	a := f.account(t, "A")
	g := f.group(t, a, 11, 22, 33)
	c := f.campaign(t, g, 2, 5*time.Second, a)

	events, unsub := f.bus.Subscribe(64)
	defer unsub()

	p := f.runToEnd(t, c.ID)

	assert.Equal(t, []int64{11, 11, 22, 22, 33, 33}, f.drv.sendsOf("A"))
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second}, f.sl.recorded())
	assert.Equal(t, model.StatusCompleted, p.Status)
	assert.Equal(t, int64(6), p.Sent)
	assert.Equal(t, int64(0), p.Failed)
	assert.Equal(t, int64(6), p.Total)
	assert.Equal(t, 1, f.drv.opened)
	assert.Equal(t, 1, f.drv.closed, "client must be released")

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	require.NotEmpty(t, types)
	assert.Equal(t, eventbus.CampaignStarted, types[0])
	assert.Equal(t, eventbus.CampaignFinished, types[len(types)-1])
}

func TestPermanentErrorSkipsRemainingRepeats(t *testing.T) {
	f := newFixture(t, nil)
	a := f.account(t, "A")
	g := f.group(t, a, 11, 22, 33)
	c := f.campaign(t, g, 2, 5*time.Second, a)
	f.drv.fail("A", 22, platform.NewError(platform.CodePeerIDInvalid, "peer gone"))

	p := f.runToEnd(t, c.ID)

	assert.Equal(t, []int64{11, 11, 22, 33, 33}, f.drv.sendsOf("A"))
	assert.Len(t, f.sl.recorded(), 4)
	assert.Equal(t, model.StatusCompleted, p.Status)
	assert.Equal(t, int64(4), p.Sent)
	assert.GreaterOrEqual(t, p.Failed, int64(1))
	assert.Equal(t, p.Total, p.Sent+p.Failed)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	f := newFixture(t, nil)
	a := f.account(t, "A")
	g := f.group(t, a, 11, 22)
	c := f.campaign(t, g, 1, time.Second, a)
	netErr := platform.NewError(platform.CodeNetwork, "reset")
	f.drv.fail("A", 11, netErr, netErr)
	f.drv.fail("A", 22, netErr, netErr, netErr, netErr)

	p := f.runToEnd(t, c.ID)

	assert.Equal(t, []int64{11, 11, 11, 22, 22, 22, 22}, f.drv.sendsOf("A"))
	assert.Equal(t, int64(1), p.Sent)
	assert.Equal(t, int64(1), p.Failed)
	assert.Equal(t, model.StatusCompleted, p.Status)

	// 2 backoffs, 1 delay, 3 backoffs
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond, 20 * time.Millisecond,
		time.Second,
		10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond,
	}, f.sl.recorded())
}

func TestRateLimitPausesOnlyThatAccount(t *testing.T) {
	f := newFixture(t, nil)
	a := f.account(t, "A")
	b := f.account(t, "B")
	g := f.group(t, a, 11, 22, 33)
	c := f.campaign(t, g, 1, time.Second, a, b)
	f.drv.fail("A", 11, platform.FloodWait(time.Hour))

	release := make(chan struct{})
	var suspended atomic.Bool
	f.sl.hook = func(ctx context.Context, d time.Duration) error {
		if d == time.Hour {
			suspended.Store(true)
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return ctx.Err()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.eng.Start(ctx, c.ID))

	require.Eventually(t, func() bool {
		return len(f.drv.sendsOf("B")) == 3 && suspended.Load()
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{11}, f.drv.sendsOf("A"), "A stays paused while B drains")
	assert.True(t, f.eng.IsRunning(c.ID))

	close(release)
	require.NoError(t, f.eng.Wait(ctx, c.ID))

	assert.Equal(t, []int64{11, 11, 22, 33}, f.drv.sendsOf("A"), "same send resumes after the wait")
	p, err := f.eng.Progress(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), p.Sent)
	assert.Equal(t, int64(0), p.Failed)
	assert.Equal(t, model.StatusCompleted, p.Status)
}

func TestRateLimitBeyondMaximumFailsAccountQueue(t *testing.T) {
	f := newFixture(t, nil)
	cfg := testConfig()
	cfg.MaxRateLimitWait = time.Minute
	f.eng.SetConfig(cfg)

	a := f.account(t, "A")
	g := f.group(t, a, 11, 22, 33)
	c := f.campaign(t, g, 2, time.Second, a)
	f.drv.fail("A", 22, platform.FloodWait(2*time.Hour))

	p := f.runToEnd(t, c.ID)
	assert.Equal(t, []int64{11, 11, 22}, f.drv.sendsOf("A"))
	assert.Equal(t, int64(2), p.Sent)
	assert.Equal(t, int64(4), p.Failed)
	assert.Equal(t, model.StatusCompleted, p.Status)
}

func TestPerAccountOrderAcrossAccounts(t *testing.T) {
	f := newFixture(t, nil)
	accs := []model.Account{f.account(t, "A"), f.account(t, "B"), f.account(t, "C")}
	g := f.group(t, accs[0], 5, 3, 9, 1)
	c := f.campaign(t, g, 3, time.Second, accs...)

	p := f.runToEnd(t, c.ID)

	want := []int64{5, 5, 5, 3, 3, 3, 9, 9, 9, 1, 1, 1}
	for _, tok := range []string{"A", "B", "C"} {
		assert.Equal(t, want, f.drv.sendsOf(tok), tok)
	}
	assert.Equal(t, int64(36), p.Total)
	assert.Equal(t, p.Total, p.Sent+p.Failed)
	assert.Equal(t, model.StatusCompleted, p.Status)
}

func TestUnopenableAccountCountsQueueAsFailed(t *testing.T) {
	f := newFixture(t, nil)
	a := f.account(t, "A")
	broken := f.account(t, "broken")
	g := f.group(t, a, 11, 22)
	c := f.campaign(t, g, 2, time.Second, a, broken)

	p := f.runToEnd(t, c.ID)
	assert.Equal(t, int64(4), p.Sent)
	assert.Equal(t, int64(4), p.Failed)
	assert.Equal(t, model.StatusCompleted, p.Status)
}

func TestStopFreezesCounters(t *testing.T) {
	f := newFixture(t, nil)
	a := f.account(t, "A")
	g := f.group(t, a, 11, 22, 33)
	c := f.campaign(t, g, 2, 5*time.Second, a)

	sleeping := make(chan struct{}, 1)
	f.sl.hook = func(ctx context.Context, d time.Duration) error {
		select {
		case sleeping <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.eng.Start(ctx, c.ID))
	<-sleeping
	require.NoError(t, f.eng.Stop(c.ID))
	require.NoError(t, f.eng.Wait(ctx, c.ID))

	p, err := f.eng.Progress(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, p.Status)
	assert.Equal(t, int64(1), p.Sent)
	assert.False(t, f.eng.IsRunning(c.ID))
	assert.ErrorIs(t, f.eng.Stop(c.ID), ErrNotRunning)

	time.Sleep(50 * time.Millisecond)
	again, err := f.eng.Progress(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, p, again)
	assert.Equal(t, []int64{11}, f.drv.sendsOf("A"))
	assert.Equal(t, 1, f.drv.closed)
}

func TestStartRejectsInvalidCampaigns(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.account(t, "A")
	full := f.group(t, a, 11)
	empty := f.group(t, a)

	cases := map[string]model.Campaign{
		"empty group": f.campaign(t, empty, 1, time.Second, a),
		"bad repeat":  f.campaign(t, full, 0, time.Second, a),
		"short delay": f.campaign(t, full, 1, 10*time.Millisecond, a),
	}
	inactive := f.account(t, "I")
	cases["inactive account"] = f.campaign(t, full, 1, time.Second, a, inactive)
	require.NoError(t, f.st.DeactivateAccount(ctx, inactive.ID))

	for name, c := range cases {
		err := f.eng.Start(ctx, c.ID)
		var re *RejectedError
		require.ErrorAs(t, err, &re, name)
		got, err := f.st.GetCampaign(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusConfigured, got.Status, name)
	}

	var re *RejectedError
	require.ErrorAs(t, f.eng.Start(ctx, 9999), &re)
	assert.Contains(t, re.Reason, "not found")
}

func TestStartTwiceAndAfterCompletion(t *testing.T) {
	f := newFixture(t, nil)
	a := f.account(t, "A")
	g := f.group(t, a, 11)
	c := f.campaign(t, g, 1, time.Second, a)

	gate := make(chan struct{})
	f.drv.fail("A", 11, platform.FloodWait(time.Second))
	f.sl.hook = func(ctx context.Context, d time.Duration) error {
		<-gate
		return nil
	}
	ctx := context.Background()
	require.NoError(t, f.eng.Start(ctx, c.ID))
	assert.ErrorIs(t, f.eng.Start(ctx, c.ID), ErrAlreadyRunning)
	close(gate)
	require.NoError(t, f.eng.Wait(ctx, c.ID))

	var re *RejectedError
	require.ErrorAs(t, f.eng.Start(ctx, c.ID), &re)
	assert.Contains(t, re.Reason, "completed")
}

type failingCounters struct {
	storage.Store
	after int32
	calls atomic.Int32
}

func (s *failingCounters) IncrementCounters(ctx context.Context, id int64, sent, failed int64) error {
	if s.calls.Add(1) > s.after {
		return errors.New("database is gone")
	}
	return s.Store.IncrementCounters(ctx, id, sent, failed)
}

func TestStoreFailureFailsCampaign(t *testing.T) {
	base, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "dispatch.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = base.Close() })
	st := &failingCounters{Store: base, after: 2}

	f := newFixture(t, st)
	a := f.account(t, "A")
	b := f.account(t, "B")
	g := f.group(t, a, 11, 22, 33)
	c := f.campaign(t, g, 2, time.Second, a, b)

	p := f.runToEnd(t, c.ID)
	assert.Equal(t, model.StatusFailed, p.Status)
	assert.Equal(t, int64(2), p.Sent)

	got, err := base.GetCampaign(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Error, "database is gone")
}

func TestClientPanicFailsCampaign(t *testing.T) {
	f := newFixture(t, nil)
	a := f.account(t, "A")
	g := f.group(t, a, 11, 22, 33)
	c := f.campaign(t, g, 1, time.Second, a)
	f.drv.panicOn = 22

	p := f.runToEnd(t, c.ID)

	assert.Equal(t, model.StatusFailed, p.Status)
	assert.Equal(t, int64(1), p.Sent)
	assert.Less(t, p.Sent+p.Failed, p.Total, "unsent targets must not be reported as done")
	assert.Equal(t, []int64{11, 22}, f.drv.sendsOf("A"))
	assert.Equal(t, 1, f.drv.closed, "client must be released")

	got, err := f.st.GetCampaign(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Error, "worker panic")
	assert.False(t, f.eng.IsRunning(c.ID))
}

func TestRecoverFailsStaleRuns(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.account(t, "A")
	g := f.group(t, a, 11)
	c := f.campaign(t, g, 1, time.Second, a)
	require.NoError(t, f.st.MarkRunning(ctx, c.ID, 1))

	n, err := f.eng.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := f.st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, "interrupted by restart", got.Error)
}

func TestStopAllRefusesNewStarts(t *testing.T) {
	f := newFixture(t, nil)
	a := f.account(t, "A")
	g := f.group(t, a, 11, 22)
	c := f.campaign(t, g, 1, time.Second, a)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.eng.StopAll(ctx))
	assert.ErrorIs(t, f.eng.Start(ctx, c.ID), ErrClosed)
}
