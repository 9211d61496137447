package topology

import (
	"testing"

	"github.com/couchbase/stellar-grid/grid/clustering"
	"github.com/couchbase/stellar-grid/grid/consistenthash"
	"github.com/couchbase/stellar-grid/grid/griderrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotOf(revision uint64, members ...*clustering.Member) *clustering.Snapshot {
	return &clustering.Snapshot{
		Revision: []uint64{revision},
		Members:  members,
	}
}

func TestComputeContiguousPrimaries(t *testing.T) {
	snap := snapshotOf(4,
		&clustering.Member{MemberID: "c"},
		&clustering.Member{MemberID: "a"},
		&clustering.Member{MemberID: "b"},
	)

	ch, err := ComputeConsistentHash(snap, 6, 1)
	require.NoError(t, err)

	require.Equal(t, []uint64{4}, ch.Revision)
	require.Equal(t, []consistenthash.Address{"a", "b", "c"}, ch.Members)
	require.Equal(t, []int{0, 1}, ch.PrimarySegments("a"))
	require.Equal(t, []int{2, 3}, ch.PrimarySegments("b"))
	require.Equal(t, []int{4, 5}, ch.PrimarySegments("c"))

	for segment := 0; segment < 6; segment++ {
		require.Len(t, ch.Owners(segment), 1)
	}
}

func TestComputeBackupsPreferOtherGroups(t *testing.T) {
	snap := snapshotOf(1,
		&clustering.Member{MemberID: "a", ServerGroup: "g1"},
		&clustering.Member{MemberID: "b", ServerGroup: "g1"},
		&clustering.Member{MemberID: "c", ServerGroup: "g2"},
		&clustering.Member{MemberID: "d", ServerGroup: "g2"},
	)

	ch, err := ComputeConsistentHash(snap, 8, 2)
	require.NoError(t, err)

	groups := map[consistenthash.Address]string{"a": "g1", "b": "g1", "c": "g2", "d": "g2"}
	for segment := 0; segment < 8; segment++ {
		owners := ch.Owners(segment)
		require.Len(t, owners, 2)
		assert.NotEqual(t, groups[owners[0]], groups[owners[1]], "segment %d", segment)
	}

	// with more copies than groups every member still ends up owning a copy
	ch, err = ComputeConsistentHash(snap, 8, 3)
	require.NoError(t, err)
	for segment := 0; segment < 8; segment++ {
		owners := ch.Owners(segment)
		require.Len(t, owners, 3)
		assert.NotEqual(t, groups[owners[0]], groups[owners[1]])
	}
}

func TestComputeCapsOwnersAtMembers(t *testing.T) {
	ch, err := ComputeConsistentHash(snapshotOf(1, &clustering.Member{MemberID: "solo"}), 4, 3)
	require.NoError(t, err)

	for segment := 0; segment < 4; segment++ {
		require.Equal(t, []consistenthash.Address{"solo"}, ch.Owners(segment))
	}
}

func TestComputeNoDataMembers(t *testing.T) {
	snap := snapshotOf(2,
		&clustering.Member{MemberID: "a"},
		&clustering.Member{MemberID: "client", NoData: true},
	)

	ch, err := ComputeConsistentHash(snap, 4, 2)
	require.NoError(t, err)

	require.True(t, ch.HasMember("client"))
	require.False(t, ch.OwnsPrimarySegments("client"))
	for segment := 0; segment < 4; segment++ {
		require.Equal(t, []consistenthash.Address{"a"}, ch.Owners(segment))
	}

	// nobody able to hold data leaves every segment unowned
	ch, err = ComputeConsistentHash(snapshotOf(3, &clustering.Member{MemberID: "client", NoData: true}), 4, 2)
	require.NoError(t, err)
	for segment := 0; segment < 4; segment++ {
		require.Empty(t, ch.Owners(segment))
	}
}

func TestComputeInvalidCounts(t *testing.T) {
	snap := snapshotOf(1, &clustering.Member{MemberID: "a"})

	_, err := ComputeConsistentHash(snap, 0, 1)
	require.ErrorIs(t, err, griderrors.ErrInvalidArgument)

	_, err = ComputeConsistentHash(snap, 4, 0)
	require.ErrorIs(t, err, griderrors.ErrInvalidArgument)
}
