package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaignbot/internal/model"
	"campaignbot/internal/platform"
	"campaignbot/internal/platform/sim"
	logx "campaignbot/pkg/logx"
)

type memAccounts struct {
	mu    sync.Mutex
	saved []model.Account
}

func (m *memAccounts) UpsertAccount(ctx context.Context, a model.Account) (model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = int64(len(m.saved) + 1)
	m.saved = append(m.saved, a)
	return a, nil
}

// countingDriver records provider closes.
type countingDriver struct {
	*sim.Platform
	mu     sync.Mutex
	opened int
	closed int
}

func (d *countingDriver) NewAuth(ctx context.Context) (platform.AuthProvider, error) {
	p, err := d.Platform.NewAuth(ctx)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.opened++
	d.mu.Unlock()
	return &closeCounter{AuthProvider: p, d: d}, nil
}

type closeCounter struct {
	platform.AuthProvider
	d *countingDriver
}

func (c *closeCounter) Close() error {
	c.d.mu.Lock()
	c.d.closed++
	c.d.mu.Unlock()
	return c.AuthProvider.Close()
}

func newTestAuth(cfg sim.Config) (*Authenticator, *countingDriver, *memAccounts) {
	d := &countingDriver{Platform: sim.New(cfg)}
	st := &memAccounts{}
	return New(Config{}, d, st, logx.Nop()), d, st
}

func TestSignInWithoutPassword(t *testing.T) {
	a, d, st := newTestAuth(sim.Config{Code: "24680"})
	ctx := context.Background()

	key, err := a.Begin(ctx, 7, "+62 812-3456-789")
	require.NoError(t, err)
	assert.Equal(t, "+628123456789", key.Phone)
	assert.Equal(t, AwaitingCode, a.State(key))

	st2, err := a.SubmitCode(ctx, key, "24 680")
	require.NoError(t, err)
	assert.Equal(t, Authenticated, st2)

	require.Len(t, st.saved, 1)
	acc := st.saved[0]
	assert.Equal(t, int64(7), acc.OperatorID)
	assert.NotEmpty(t, acc.SessionToken)
	assert.True(t, acc.Active)
	assert.Equal(t, 1, d.closed, "provider must be released")
	assert.Empty(t, a.Pending(7))
}

func TestSignInWithPassword(t *testing.T) {
	a, d, st := newTestAuth(sim.Config{Code: "12345", Password: "s3cret"})
	ctx := context.Background()

	key, err := a.Begin(ctx, 1, "+628123456789")
	require.NoError(t, err)
	state, err := a.SubmitCode(ctx, key, "12345")
	require.NoError(t, err)
	assert.Equal(t, AwaitingPassword, state)

	_, err = a.SubmitCode(ctx, key, "12345")
	assert.ErrorIs(t, err, ErrWrongState)

	state, err = a.SubmitPassword(ctx, key, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, Authenticated, state)
	assert.Len(t, st.saved, 1)
	assert.Equal(t, 1, d.closed)
}

func TestInvalidPhoneRejectedLocally(t *testing.T) {
	a, d, _ := newTestAuth(sim.Config{})
	for _, p := range []string{"", "abc", "+12", "+1234567890123456", "12#45678"} {
		_, err := a.Begin(context.Background(), 1, p)
		assert.ErrorIs(t, err, ErrInvalidPhone, p)
	}
	assert.Zero(t, d.opened, "platform must not be contacted")
}

func TestMalformedCodeDoesNotReachPlatform(t *testing.T) {
	a, _, _ := newTestAuth(sim.Config{Code: "12345", MaxCodeAttempts: 1})
	ctx := context.Background()
	key, err := a.Begin(ctx, 1, "+628123456789")
	require.NoError(t, err)

	for _, c := range []string{"12a45", "123", "1234567", ""} {
		_, err := a.SubmitCode(ctx, key, c)
		assert.ErrorIs(t, err, ErrInvalidCode, c)
	}
	// A single remote miss would have triggered FLOOD_WAIT.
	state, err := a.SubmitCode(ctx, key, "12345")
	require.NoError(t, err)
	assert.Equal(t, Authenticated, state)
}

func TestWrongCodeFailsFlow(t *testing.T) {
	a, d, st := newTestAuth(sim.Config{Code: "12345"})
	ctx := context.Background()
	key, err := a.Begin(ctx, 1, "+628123456789")
	require.NoError(t, err)

	state, err := a.SubmitCode(ctx, key, "54321")
	var fe *FailedError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "invalid code", fe.Reason)
	assert.Equal(t, Failed, state)
	assert.Empty(t, st.saved)
	assert.Equal(t, 1, d.closed)

	assert.Equal(t, Failed, a.State(key), "failure stays visible")
	assert.Empty(t, a.Pending(1))

	_, err = a.SubmitCode(ctx, key, "12345")
	assert.ErrorIs(t, err, ErrNoFlow, "failed flow requires a restart")

	key, err = a.Begin(ctx, 1, "+628123456789")
	require.NoError(t, err)
	assert.Equal(t, AwaitingCode, a.State(key))
	state, err = a.SubmitCode(ctx, key, "12345")
	require.NoError(t, err)
	assert.Equal(t, Authenticated, state)
}

// gatedDriver holds RequestCode until release is closed.
type gatedDriver struct {
	*sim.Platform
	entered chan struct{}
	release chan struct{}
}

func (d *gatedDriver) NewAuth(ctx context.Context) (platform.AuthProvider, error) {
	p, err := d.Platform.NewAuth(ctx)
	if err != nil {
		return nil, err
	}
	return &gatedProvider{AuthProvider: p, d: d}, nil
}

type gatedProvider struct {
	platform.AuthProvider
	d *gatedDriver
}

func (p *gatedProvider) RequestCode(ctx context.Context, phone string) (platform.CodeHandle, error) {
	close(p.d.entered)
	<-p.d.release
	return p.AuthProvider.RequestCode(ctx, phone)
}

func TestCodeRequestedWhileDeliveryInFlight(t *testing.T) {
	d := &gatedDriver{Platform: sim.New(sim.Config{}), entered: make(chan struct{}), release: make(chan struct{})}
	a := New(Config{}, d, &memAccounts{}, logx.Nop())
	ctx := context.Background()
	key := Key{OperatorID: 1, Phone: "+628123456789"}

	done := make(chan error, 1)
	go func() {
		_, err := a.Begin(ctx, 1, key.Phone)
		done <- err
	}()

	<-d.entered
	assert.Equal(t, CodeRequested, a.State(key))
	_, err := a.SubmitCode(ctx, key, "12345")
	assert.ErrorIs(t, err, ErrBusy)

	close(d.release)
	require.NoError(t, <-done)
	assert.Equal(t, AwaitingCode, a.State(key))
}

func TestFloodWaitSuspendsFlow(t *testing.T) {
	a, _, _ := newTestAuth(sim.Config{Code: "12345", MaxCodeAttempts: 1, FloodWait: 30 * time.Second})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	ctx := context.Background()

	key, err := a.Begin(ctx, 1, "+628123456789")
	require.NoError(t, err)

	_, err = a.SubmitCode(ctx, key, "00000")
	var se *SuspendedError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 30*time.Second, se.Wait)
	assert.Contains(t, se.Message, "30 seconds")
	assert.Equal(t, AwaitingCode, a.State(key))

	now = now.Add(10 * time.Second)
	_, err = a.SubmitCode(ctx, key, "12345")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 20*time.Second, se.Wait)

	now = now.Add(25 * time.Second)
	state, err := a.SubmitCode(ctx, key, "12345")
	require.NoError(t, err)
	assert.Equal(t, Authenticated, state)
}

func TestPruneReleasesStaleFlows(t *testing.T) {
	a, d, _ := newTestAuth(sim.Config{})
	start := time.Now()
	a.now = func() time.Time { return start }
	key, err := a.Begin(context.Background(), 1, "+628123456789")
	require.NoError(t, err)

	assert.Zero(t, a.Prune(start.Add(time.Minute)))
	assert.Equal(t, 1, a.Prune(start.Add(11*time.Minute)))
	assert.Equal(t, Unauthenticated, a.State(key))
	assert.Equal(t, 1, d.closed)
}

func TestBeginUnsupportedDriver(t *testing.T) {
	a := New(Config{}, unsupported{}, &memAccounts{}, logx.Nop())
	_, err := a.Begin(context.Background(), 1, "+628123456789")
	assert.True(t, errors.Is(err, platform.ErrUnsupported))
}

type unsupported struct{}

func (unsupported) Name() string { return "none" }
func (unsupported) NewAuth(context.Context) (platform.AuthProvider, error) {
	return nil, platform.ErrUnsupported
}
func (unsupported) Open(context.Context, string) (platform.Client, error) {
	return nil, platform.ErrUnsupported
}

func TestNormalizeCode(t *testing.T) {
	c, err := NormalizeCode(" 1-2-3-4-5 ", 5, 6)
	require.NoError(t, err)
	assert.Equal(t, "12345", c)
	_, err = NormalizeCode("+1234", 5, 6)
	assert.ErrorIs(t, err, ErrInvalidCode)
}
