/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package distribution answers key ownership and locality questions against
// a single consistent hash snapshot.  Values from this package are cheap and
// are meant to be created per operation: they are bound to the snapshot they
// were built from and become stale as soon as a rebalance completes.
package distribution

import (
	"fmt"

	"github.com/couchbase/stellar-grid/grid/consistenthash"
	"github.com/couchbase/stellar-grid/grid/griderrors"
	"github.com/couchbase/stellar-grid/grid/partition"
)

var (
	ErrNilKey     = griderrors.Wrap(griderrors.ErrInvalidArgument, "key must not be nil")
	ErrNoTopology = griderrors.Wrap(griderrors.ErrUnavailable, "no consistent hash is available")
)

type KeyDistribution interface {
	PrimaryOwner(key any) (consistenthash.Address, error)
	Owners(key any) ([]consistenthash.Address, error)
}

// Mode is the closed set of distribution variants.
type Mode int

const (
	ModeLocal Mode = iota
	ModeConsistentHash
)

func (m Mode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeConsistentHash:
		return "consistent-hash"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// New selects the distribution variant for one snapshot.  In ModeLocal the
// hash and partitioner are ignored entirely.
func New(mode Mode, ch *consistenthash.ConsistentHash, p partition.Partitioner, local consistenthash.Address) (KeyDistribution, error) {
	switch mode {
	case ModeLocal:
		return NewLocal(local), nil
	case ModeConsistentHash:
		if ch == nil {
			return nil, ErrNoTopology
		}
		return NewConsistentHashDistribution(ch, p), nil
	}

	return nil, griderrors.Wrap(griderrors.ErrInvalidArgument, fmt.Sprintf("unknown distribution mode %s", mode))
}

// LocalDistribution is used by non-clustered deployments where the local
// member provably owns everything.
type LocalDistribution struct {
	local consistenthash.Address
}

var _ KeyDistribution = (*LocalDistribution)(nil)

func NewLocal(local consistenthash.Address) *LocalDistribution {
	return &LocalDistribution{
		local: local,
	}
}

func (d *LocalDistribution) PrimaryOwner(key any) (consistenthash.Address, error) {
	if key == nil {
		return "", ErrNilKey
	}
	return d.local, nil
}

func (d *LocalDistribution) Owners(key any) ([]consistenthash.Address, error) {
	if key == nil {
		return nil, ErrNilKey
	}
	return []consistenthash.Address{d.local}, nil
}

// ConsistentHashDistribution resolves ownership through a partitioner and a
// consistent hash snapshot.
type ConsistentHashDistribution struct {
	hash        *consistenthash.ConsistentHash
	partitioner partition.Partitioner
}

var _ KeyDistribution = (*ConsistentHashDistribution)(nil)

func NewConsistentHashDistribution(ch *consistenthash.ConsistentHash, p partition.Partitioner) *ConsistentHashDistribution {
	if p == nil {
		p = partition.NewDefault(ch.NumSegments)
	}

	return &ConsistentHashDistribution{
		hash:        ch,
		partitioner: p,
	}
}

// Hash returns the snapshot this distribution is bound to.
func (d *ConsistentHashDistribution) Hash() *consistenthash.ConsistentHash {
	return d.hash
}

// Segment returns the segment a key belongs to.
func (d *ConsistentHashDistribution) Segment(key any) int {
	return d.partitioner.Segment(key)
}

func (d *ConsistentHashDistribution) PrimaryOwner(key any) (consistenthash.Address, error) {
	if key == nil {
		return "", ErrNilKey
	}

	segment := d.partitioner.Segment(key)
	owner, ok := d.hash.PrimaryOwner(segment)
	if !ok {
		return "", griderrors.Unavailable(nil, fmt.Sprintf("segment %d has no owners", segment))
	}

	return owner, nil
}

func (d *ConsistentHashDistribution) Owners(key any) ([]consistenthash.Address, error) {
	if key == nil {
		return nil, ErrNilKey
	}

	segment := d.partitioner.Segment(key)
	owners := d.hash.Owners(segment)
	if len(owners) == 0 {
		return nil, griderrors.Unavailable(nil, fmt.Sprintf("segment %d has no owners", segment))
	}

	// callers get their own copy so the shared snapshot stays immutable
	out := make([]consistenthash.Address, len(owners))
	copy(out, owners)
	return out, nil
}
