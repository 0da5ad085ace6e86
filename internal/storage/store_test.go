package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaignbot/internal/model"
	logx "campaignbot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "store.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedGroup(t *testing.T, st Store) (model.Account, model.TargetGroup) {
	t.Helper()
	ctx := context.Background()
	acc, err := st.UpsertAccount(ctx, model.Account{OperatorID: 1, Phone: "+628111", SessionToken: "tok", DisplayName: "A"})
	require.NoError(t, err)
	g, err := st.CreateGroup(ctx, acc.ID, "friends")
	require.NoError(t, err)
	return acc, g
}

func TestUpsertAccountReactivates(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a, err := st.UpsertAccount(ctx, model.Account{OperatorID: 1, Phone: "+628111", SessionToken: "t1"})
	require.NoError(t, err)
	require.NoError(t, st.DeactivateAccount(ctx, a.ID))

	active, err := st.ListAccounts(ctx, 1, false)
	require.NoError(t, err)
	assert.Empty(t, active)

	b, err := st.UpsertAccount(ctx, model.Account{OperatorID: 1, Phone: "+628111", SessionToken: "t2"})
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.True(t, b.Active)
	assert.Equal(t, "t2", b.SessionToken)

	all, err := st.ListAccounts(ctx, 1, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAddChatCapAndDuplicate(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	_, g := seedGroup(t, st)

	for i := 1; i <= model.MaxGroupSize; i++ {
		res, err := st.AddChat(ctx, model.TargetChat{GroupID: g.ID, ChatID: int64(i), Title: "c"})
		require.NoError(t, err)
		require.Equal(t, Added, res)
	}

	res, err := st.AddChat(ctx, model.TargetChat{GroupID: g.ID, ChatID: 5})
	require.NoError(t, err)
	assert.Equal(t, AlreadyPresent, res)

	_, err = st.AddChat(ctx, model.TargetChat{GroupID: g.ID, ChatID: 21})
	assert.ErrorIs(t, err, ErrGroupFull)

	chats, err := st.ListChats(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, chats, model.MaxGroupSize)
	for i, c := range chats {
		assert.Equal(t, int64(i+1), c.ChatID, "insertion order")
	}
}

func TestAddChatUnknownGroup(t *testing.T) {
	st := openTestStore(t)
	_, err := st.AddChat(context.Background(), model.TargetChat{GroupID: 999, ChatID: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteGroupCascadesChats(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	_, g := seedGroup(t, st)
	_, err := st.AddChat(ctx, model.TargetChat{GroupID: g.ID, ChatID: 1})
	require.NoError(t, err)

	require.NoError(t, st.DeleteGroup(ctx, g.ID))
	chats, err := st.ListChats(ctx, g.ID)
	require.NoError(t, err)
	assert.Empty(t, chats)
	_, err = st.GetGroup(ctx, g.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClearChatsKeepsGroup(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	_, g := seedGroup(t, st)
	for i := 1; i <= 3; i++ {
		_, err := st.AddChat(ctx, model.TargetChat{GroupID: g.ID, ChatID: int64(i)})
		require.NoError(t, err)
	}

	n, err := st.ClearChats(ctx, g.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	chats, err := st.ListChats(ctx, g.ID)
	require.NoError(t, err)
	assert.Empty(t, chats)
	_, err = st.GetGroup(ctx, g.ID)
	require.NoError(t, err)

	n, err = st.ClearChats(ctx, g.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCounterIncrementsAreAtomic(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	acc, g := seedGroup(t, st)

	c, err := st.CreateCampaign(ctx, model.Campaign{OperatorID: 1, AccountIDs: []int64{acc.ID}, GroupID: g.ID, Text: "hi", Repeat: 1, Delay: time.Second})
	require.NoError(t, err)
	require.NoError(t, st.MarkRunning(ctx, c.ID, 200))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				if (i+j)%2 == 0 {
					assert.NoError(t, st.IncrementCounters(ctx, c.ID, 1, 0))
				} else {
					assert.NoError(t, st.IncrementCounters(ctx, c.ID, 0, 1))
				}
			}
		}(i)
	}
	wg.Wait()

	got, err := st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.Sent+got.Failed)
	assert.Equal(t, int64(100), got.Sent)
	assert.Equal(t, []int64{acc.ID}, got.AccountIDs)
}

func TestTransitionStatusCompareAndSet(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	acc, g := seedGroup(t, st)
	c, err := st.CreateCampaign(ctx, model.Campaign{OperatorID: 1, AccountIDs: []int64{acc.ID}, GroupID: g.ID, Text: "hi", Repeat: 1, Delay: time.Second})
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfigured, c.Status)

	err = st.TransitionStatus(ctx, c.ID, model.StatusRunning, model.StatusCompleted, "")
	assert.ErrorIs(t, err, ErrStatusConflict)

	require.NoError(t, st.MarkRunning(ctx, c.ID, 3))
	assert.ErrorIs(t, st.MarkRunning(ctx, c.ID, 3), ErrStatusConflict)

	require.NoError(t, st.TransitionStatus(ctx, c.ID, model.StatusRunning, model.StatusStopped, ""))
	assert.ErrorIs(t, st.IncrementCounters(ctx, c.ID, 1, 0), ErrStatusConflict, "terminal campaigns are immutable")
	assert.ErrorIs(t, st.TransitionStatus(ctx, c.ID, model.StatusStopped, model.StatusFailed, "x"), ErrBadTransition)

	got, err := st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, got.Status)
	assert.False(t, got.FinishedAt.IsZero())
	assert.Equal(t, int64(3), got.Total)
}

func TestDeleteReferencedByRunningCampaign(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	acc, g := seedGroup(t, st)
	c, err := st.CreateCampaign(ctx, model.Campaign{OperatorID: 1, AccountIDs: []int64{acc.ID}, GroupID: g.ID, Text: "hi", Repeat: 1, Delay: time.Second})
	require.NoError(t, err)
	require.NoError(t, st.MarkRunning(ctx, c.ID, 1))

	assert.ErrorIs(t, st.DeleteAccount(ctx, acc.ID), ErrReferenced)
	assert.ErrorIs(t, st.DeleteGroup(ctx, g.ID), ErrReferenced)

	require.NoError(t, st.TransitionStatus(ctx, c.ID, model.StatusRunning, model.StatusCompleted, ""))
	require.NoError(t, st.DeleteAccount(ctx, acc.ID))
	_, err = st.GetGroup(ctx, g.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAccountLeavesConfiguredCampaigns(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	acc, g := seedGroup(t, st)
	other, err := st.UpsertAccount(ctx, model.Account{OperatorID: 1, Phone: "+628222"})
	require.NoError(t, err)
	c, err := st.CreateCampaign(ctx, model.Campaign{OperatorID: 1, AccountIDs: []int64{other.ID, acc.ID}, GroupID: g.ID, Text: "hi", Repeat: 1, Delay: time.Second})
	require.NoError(t, err)

	require.NoError(t, st.DeleteAccount(ctx, other.ID))
	got, err := st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{acc.ID}, got.AccountIDs)
}

func TestRebindDollar(t *testing.T) {
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", rebindDollar("SELECT a FROM t WHERE x = ? AND y = ?"))
}
