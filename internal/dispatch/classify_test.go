package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaignbot/internal/platform"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Outcome
	}{
		{nil, Outcome{Kind: OK}},
		{platform.FloodWait(42 * time.Second), Outcome{Kind: RateLimited, Wait: 42 * time.Second, Code: platform.CodeFloodWait}},
		{&platform.Error{Code: platform.CodeSlowModeWait, Wait: 10 * time.Second}, Outcome{Kind: RateLimited, Wait: 10 * time.Second, Code: platform.CodeSlowModeWait}},
		{platform.NewError(platform.CodeChatWriteForbidden, ""), Outcome{Kind: PermanentTarget, Code: platform.CodeChatWriteForbidden}},
		{fmt.Errorf("send: %w", platform.NewError(platform.CodeChannelPrivate, "")), Outcome{Kind: PermanentTarget, Code: platform.CodeChannelPrivate}},
		{NoRetry(platform.NewError(platform.CodeUserBannedInChannel, "")), Outcome{Kind: PermanentTarget, Code: platform.CodeUserBannedInChannel}},
		{platform.NewError(platform.CodeNetwork, "eof"), Outcome{Kind: Transient, Code: platform.CodeNetwork}},
		{errors.New("malformed response"), Outcome{Kind: Transient}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), fmt.Sprint(tc.err))
	}
}

func TestDoStopsOnNoRetry(t *testing.T) {
	sl := &fakeSleeper{}
	calls := 0
	perm := errors.New("permanent")
	n, err := Do(context.Background(), RetryPolicy{Retries: 5}, sl, nil, func(context.Context) error {
		calls++
		return NoRetry(perm)
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, calls)
	assert.Same(t, perm, err)
	assert.False(t, IsNoRetry(err))
	assert.Empty(t, sl.recorded())
}

func TestDoHonorsRetryAfterBoundedByMax(t *testing.T) {
	sl := &fakeSleeper{}
	n, err := Do(context.Background(), RetryPolicy{Retries: 2, Base: time.Millisecond, MaxDelay: 3 * time.Second}, sl, nil, func(context.Context) error {
		return RetryAfter(errors.New("busy"), time.Minute)
	})
	require.Error(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, sl.recorded())
}

func TestDoCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sl := &fakeSleeper{hook: func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}}
	n, err := Do(ctx, DefaultRetryPolicy(), sl, nil, func(context.Context) error { return errors.New("flaky") })
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffDelay(t *testing.T) {
	p := RetryPolicy{Base: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, backoffDelay(p, 1, nil))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(p, 3, nil))
	assert.Equal(t, time.Second, backoffDelay(p, 10, nil))

	p.Jitter = 0.2
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		d := backoffDelay(p, 2, rng)
		assert.GreaterOrEqual(t, d, 160*time.Millisecond)
		assert.LessOrEqual(t, d, 240*time.Millisecond)
	}
}

func TestLocalLockerSerializes(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()
	unlock, err := l.Lock(ctx, 1)
	require.NoError(t, err)

	other, err := l.Lock(ctx, 2)
	require.NoError(t, err, "different accounts do not contend")
	other()

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(short, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	again, err := l.Lock(ctx, 1)
	require.NoError(t, err)
	again()
}
