// Package consistenthash holds the immutable segment ownership snapshot that
// the rest of the grid consumes.
package consistenthash

import (
	"fmt"

	"github.com/couchbase/stellar-grid/grid/griderrors"
	"golang.org/x/exp/slices"
)

// Address identifies a cluster member inside a consistent hash.
type Address string

// LocalModeAddress is the identity used when the grid is not clustered.
const LocalModeAddress Address = "<local>"

func (a Address) String() string {
	return string(a)
}

// ConsistentHash maps every segment to its ordered list of owners, primary
// owner first.  Instances must never be modified after they are published,
// a topology change always produces a brand new ConsistentHash.
type ConsistentHash struct {
	Revision      []uint64
	NumSegments   int
	Members       []Address
	SegmentOwners [][]Address
}

// Validate checks that the hash is internally consistent.  Only owners that
// are also members are permitted and every segment must be present.
func (ch *ConsistentHash) Validate() error {
	if ch.NumSegments <= 0 {
		return griderrors.Wrap(griderrors.ErrInvalidArgument, "consistent hash must have at least one segment")
	}

	if len(ch.SegmentOwners) != ch.NumSegments {
		return griderrors.Wrap(griderrors.ErrInvalidArgument,
			fmt.Sprintf("consistent hash has %d owner lists for %d segments", len(ch.SegmentOwners), ch.NumSegments))
	}

	for segment, owners := range ch.SegmentOwners {
		for ownerIdx, owner := range owners {
			if !slices.Contains(ch.Members, owner) {
				return griderrors.Wrap(griderrors.ErrInvalidArgument,
					fmt.Sprintf("segment %d is owned by unknown member %s", segment, owner))
			}

			if slices.Index(owners, owner) != ownerIdx {
				return griderrors.Wrap(griderrors.ErrInvalidArgument,
					fmt.Sprintf("segment %d lists member %s more than once", segment, owner))
			}
		}
	}

	return nil
}

// Owners returns the owner list of a segment.  The returned slice is shared
// with the snapshot and must not be modified.
func (ch *ConsistentHash) Owners(segment int) []Address {
	if segment < 0 || segment >= len(ch.SegmentOwners) {
		return nil
	}
	return ch.SegmentOwners[segment]
}

// PrimaryOwner returns the first owner of a segment, or false if the
// segment currently has nobody assigned to it.
func (ch *ConsistentHash) PrimaryOwner(segment int) (Address, bool) {
	owners := ch.Owners(segment)
	if len(owners) == 0 {
		return "", false
	}
	return owners[0], true
}

// PrimarySegments returns the segments for which addr is the primary owner.
func (ch *ConsistentHash) PrimarySegments(addr Address) []int {
	var segments []int
	for segment, owners := range ch.SegmentOwners {
		if len(owners) > 0 && owners[0] == addr {
			segments = append(segments, segment)
		}
	}
	return segments
}

// OwnsPrimarySegments indicates whether addr is the primary owner of at
// least one segment.
func (ch *ConsistentHash) OwnsPrimarySegments(addr Address) bool {
	for _, owners := range ch.SegmentOwners {
		if len(owners) > 0 && owners[0] == addr {
			return true
		}
	}
	return false
}

// HasMember indicates whether addr is part of this hash's membership.
func (ch *ConsistentHash) HasMember(addr Address) bool {
	return slices.Contains(ch.Members, addr)
}
