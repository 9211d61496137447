package topology

import (
	"fmt"

	"github.com/couchbase/stellar-grid/grid/clustering"
	"github.com/couchbase/stellar-grid/grid/consistenthash"
	"github.com/couchbase/stellar-grid/grid/griderrors"
	"github.com/couchbase/stellar-grid/utils/sliceutils"
	"golang.org/x/exp/slices"
)

// ComputeConsistentHash derives segment ownership from a membership snapshot.
// Every data member is given one contiguous range of primary segments (members
// ordered by id), backups are picked by walking the ring after the primary and
// preferring server groups not yet holding a copy of the segment.  Members
// flagged NoData are part of the hash but own nothing.
func ComputeConsistentHash(
	snap *clustering.Snapshot,
	numSegments int,
	numOwners int,
) (*consistenthash.ConsistentHash, error) {
	if numSegments <= 0 {
		return nil, griderrors.Wrap(griderrors.ErrInvalidArgument,
			fmt.Sprintf("invalid segment count %d", numSegments))
	}
	if numOwners <= 0 {
		return nil, griderrors.Wrap(griderrors.ErrInvalidArgument,
			fmt.Sprintf("invalid owner count %d", numOwners))
	}

	groupOf := make(map[consistenthash.Address]string)
	var members []consistenthash.Address
	var dataMembers []consistenthash.Address
	for _, member := range snap.Members {
		addr := member.Address()
		members = append(members, addr)

		if !member.NoData {
			dataMembers = append(dataMembers, addr)
		}
		groupOf[addr] = member.ServerGroup
	}

	members = sliceutils.RemoveDuplicates(members)
	dataMembers = sliceutils.RemoveDuplicates(dataMembers)
	slices.Sort(members)
	slices.Sort(dataMembers)

	segmentOwners := make([][]consistenthash.Address, numSegments)
	if len(dataMembers) > 0 {
		copies := min(numOwners, len(dataMembers))

		for segment := 0; segment < numSegments; segment++ {
			primaryIdx := segment * len(dataMembers) / numSegments
			segmentOwners[segment] = pickOwners(dataMembers, primaryIdx, copies, groupOf)
		}
	}

	ch := &consistenthash.ConsistentHash{
		Revision:      slices.Clone(snap.Revision),
		NumSegments:   numSegments,
		Members:       members,
		SegmentOwners: segmentOwners,
	}

	if err := ch.Validate(); err != nil {
		return nil, err
	}

	return ch, nil
}

func pickOwners(
	dataMembers []consistenthash.Address,
	primaryIdx int,
	copies int,
	groupOf map[consistenthash.Address]string,
) []consistenthash.Address {
	owners := make([]consistenthash.Address, 0, copies)
	owners = append(owners, dataMembers[primaryIdx])

	usedGroups := map[string]bool{
		groupOf[dataMembers[primaryIdx]]: true,
	}

	// first lap only takes members from unused server groups, the second lap
	// fills whatever is left.
	for lap := 0; lap < 2 && len(owners) < copies; lap++ {
		for step := 1; step < len(dataMembers) && len(owners) < copies; step++ {
			candidate := dataMembers[(primaryIdx+step)%len(dataMembers)]
			if slices.Contains(owners, candidate) {
				continue
			}
			if lap == 0 && usedGroups[groupOf[candidate]] {
				continue
			}

			owners = append(owners, candidate)
			usedGroups[groupOf[candidate]] = true
		}
	}

	return owners
}
