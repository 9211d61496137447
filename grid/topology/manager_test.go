package topology

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/couchbase/stellar-grid/contrib/goclustering"
	"github.com/couchbase/stellar-grid/grid/clustering"
	"github.com/couchbase/stellar-grid/grid/consistenthash"
	"github.com/couchbase/stellar-grid/grid/griderrors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func waitForHash(t *testing.T, ch <-chan *consistenthash.ConsistentHash, fn func(*consistenthash.ConsistentHash) bool) *consistenthash.ConsistentHash {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case hash, ok := <-ch:
			require.True(t, ok, "watch closed")
			if fn(hash) {
				return hash
			}
		case <-timeout:
			t.Fatalf("expected topology never arrived")
		}
	}
}

func TestManagerFollowsMembership(t *testing.T) {
	provider, err := goclustering.NewInProcProvider(goclustering.InProcProviderOptions{})
	require.NoError(t, err)

	clusterMgr := &clustering.Manager{Provider: provider, Logger: zap.NewNop()}

	mgr, err := NewManager(&ManagerOptions{
		Source:      clusterMgr,
		NumSegments: 16,
		NumOwners:   2,
	})
	require.NoError(t, err)

	_, err = mgr.Current()
	require.ErrorIs(t, err, griderrors.ErrUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	var group errgroup.Group
	group.Go(func() error {
		return mgr.Run(ctx)
	})

	watchCh := mgr.Watch(ctx)

	_, err = clusterMgr.Join(ctx, &clustering.Member{MemberID: "n1"})
	require.NoError(t, err)
	n2, err := clusterMgr.Join(ctx, &clustering.Member{MemberID: "n2"})
	require.NoError(t, err)

	hash := waitForHash(t, watchCh, func(ch *consistenthash.ConsistentHash) bool {
		return len(ch.Members) == 2
	})
	require.True(t, hash.OwnsPrimarySegments("n1"))
	require.True(t, hash.OwnsPrimarySegments("n2"))

	current, err := mgr.Current()
	require.NoError(t, err)
	require.Equal(t, hash.Revision, current.Revision)

	require.NoError(t, n2.Leave(ctx))
	waitForHash(t, watchCh, func(ch *consistenthash.ConsistentHash) bool {
		return len(ch.Members) == 1 && !ch.HasMember("n2")
	})

	cancel()
	require.NoError(t, group.Wait())

	// watchers are released once the manager stops
	for range watchCh {
	}
}

// scriptedSource hands out one pre-filled channel per Watch call.
type scriptedSource struct {
	lock    sync.Mutex
	batches [][]*clustering.Snapshot
	calls   int
}

func (s *scriptedSource) Watch(ctx context.Context) (<-chan *clustering.Snapshot, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.calls++
	if len(s.batches) == 0 {
		ch := make(chan *clustering.Snapshot)
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch, nil
	}

	batch := s.batches[0]
	s.batches = s.batches[1:]

	ch := make(chan *clustering.Snapshot, len(batch))
	for _, snap := range batch {
		ch <- snap
	}
	close(ch)
	return ch, nil
}

func (s *scriptedSource) Calls() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.calls
}

func TestManagerIgnoresStaleAndRewatches(t *testing.T) {
	source := &scriptedSource{
		batches: [][]*clustering.Snapshot{
			{
				snapshotOf(5, &clustering.Member{MemberID: "a"}, &clustering.Member{MemberID: "b"}),
				snapshotOf(3, &clustering.Member{MemberID: "stale"}),
			},
			{
				snapshotOf(5, &clustering.Member{MemberID: "dup"}),
				snapshotOf(6, &clustering.Member{MemberID: "a"}),
			},
		},
	}

	mgr, err := NewManager(&ManagerOptions{
		Source:      source,
		NumSegments: 4,
		NumOwners:   1,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = mgr.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		current, err := mgr.Current()
		return err == nil && current.Revision[0] == 6
	}, 5*time.Second, 5*time.Millisecond)

	current, err := mgr.Current()
	require.NoError(t, err)
	require.Equal(t, []consistenthash.Address{"a"}, current.Members)
	require.GreaterOrEqual(t, source.Calls(), 2)
}

func TestNewManagerValidates(t *testing.T) {
	_, err := NewManager(&ManagerOptions{NumSegments: 1, NumOwners: 1})
	require.ErrorIs(t, err, griderrors.ErrInvalidArgument)

	_, err = NewManager(&ManagerOptions{Source: &scriptedSource{}, NumSegments: 0, NumOwners: 1})
	require.ErrorIs(t, err, griderrors.ErrInvalidArgument)
}
