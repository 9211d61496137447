package goclustering

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"
)

func memberIDs(snap *Snapshot) []string {
	var ids []string
	for _, m := range snap.Members {
		ids = append(ids, m.MemberID)
	}
	return ids
}

func waitForMembers(t *testing.T, ch <-chan *Snapshot, ids ...string) *Snapshot {
	timeout := time.After(2 * time.Second)
	for {
		select {
		case snap, ok := <-ch:
			require.True(t, ok, "watch closed unexpectedly")
			if slices.Equal(ids, memberIDs(snap)) {
				return snap
			}
		case <-timeout:
			t.Fatalf("never observed members %v", ids)
		}
	}
}

func TestInProcJoinLeave(t *testing.T) {
	p, err := NewInProcProvider(InProcProviderOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchCh, err := p.Watch(ctx)
	require.NoError(t, err)

	initial := <-watchCh
	require.Empty(t, initial.Members)
	require.Equal(t, []uint64{1}, initial.Revision)

	a, err := p.Join(ctx, "a", []byte("meta-a"))
	require.NoError(t, err)
	_, err = p.Join(ctx, "b", nil)
	require.NoError(t, err)

	snap := waitForMembers(t, watchCh, "a", "b")
	require.Equal(t, []uint64{3}, snap.Revision)

	require.NoError(t, a.UpdateMetaData(ctx, []byte("updated")))
	got, err := p.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("updated"), got.Members[0].MetaData)

	require.NoError(t, a.Leave(ctx))
	require.ErrorIs(t, a.Leave(ctx), ErrAlreadyLeft)
	require.ErrorIs(t, a.UpdateMetaData(ctx, nil), ErrAlreadyLeft)

	waitForMembers(t, watchCh, "b")

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-watchCh:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	// updates after the watcher went away must not block
	_, err = p.Join(context.Background(), "c", nil)
	require.NoError(t, err)
}

func TestInProcRejoinReplaces(t *testing.T) {
	p, err := NewInProcProvider(InProcProviderOptions{DisableVersions: true})
	require.NoError(t, err)

	_, err = p.Join(context.Background(), "a", []byte("1"))
	require.NoError(t, err)
	_, err = p.Join(context.Background(), "a", []byte("2"))
	require.NoError(t, err)

	snap, err := p.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, snap.Revision)
	require.Len(t, snap.Members, 1)
	require.Equal(t, []byte("2"), snap.Members[0].MetaData)
}
