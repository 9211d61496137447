/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package goclustering

import (
	"context"
	"sync"

	"github.com/couchbase/stellar-grid/utils/latestonlychannel"
	"golang.org/x/exp/slices"
)

type InProcProviderOptions struct {
	DisableVersions bool
}

type inProcMembership struct {
	parent   *InProcProvider
	memberID string
	metaData []byte
}

// InProcProvider keeps the member list in memory.  Every node sharing one
// provider instance sees the same cluster, which makes it suitable both for
// single process deployments and for tests simulating several nodes.
type InProcProvider struct {
	lock     sync.Mutex
	revision uint64
	members  []*inProcMembership
	watchers []chan *Snapshot
}

var _ Provider = (*InProcProvider)(nil)

func NewInProcProvider(opts InProcProviderOptions) (*InProcProvider, error) {
	var initialVersion uint64 = 1
	if opts.DisableVersions {
		initialVersion = 0
	}

	return &InProcProvider{
		revision: initialVersion,
	}, nil
}

func (p *InProcProvider) getSnapLocked() *Snapshot {
	members := make([]*Member, 0, len(p.members))
	for _, memberI := range p.members {
		members = append(members, &Member{
			MemberID: memberI.memberID,
			MetaData: slices.Clone(memberI.metaData),
		})
	}

	return &Snapshot{
		Revision: []uint64{p.revision},
		Members:  members,
	}
}

func (p *InProcProvider) signalUpdatedLocked() {
	if p.revision > 0 {
		p.revision++
	}

	newSnap := p.getSnapLocked()

	// watcher channels are drained by a latest-only pipe so this never blocks
	// for long while holding the lock.
	for _, inputCh := range p.watchers {
		inputCh <- newSnap
	}
}

func (p *InProcProvider) removeMemberLocked(m *inProcMembership) bool {
	memberIdx := slices.Index(p.members, m)
	if memberIdx == -1 {
		return false
	}

	p.members = slices.Delete(p.members, memberIdx, memberIdx+1)
	return true
}

func (p *InProcProvider) removeWatcherLocked(ch chan *Snapshot) bool {
	watcherIdx := slices.Index(p.watchers, ch)
	if watcherIdx == -1 {
		return false
	}

	p.watchers = slices.Delete(p.watchers, watcherIdx, watcherIdx+1)
	return true
}

func (p *InProcProvider) Join(ctx context.Context, memberID string, metaData []byte) (Membership, error) {
	m := &inProcMembership{
		parent:   p,
		memberID: memberID,
		metaData: slices.Clone(metaData),
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	// re-joining with the same id replaces the previous registration
	p.members = slices.DeleteFunc(p.members, func(o *inProcMembership) bool {
		return o.memberID == memberID
	})
	p.members = append(p.members, m)
	p.signalUpdatedLocked()

	return m, nil
}

func (m *inProcMembership) UpdateMetaData(ctx context.Context, metaData []byte) error {
	metaData = slices.Clone(metaData)

	m.parent.lock.Lock()
	defer m.parent.lock.Unlock()

	if slices.Index(m.parent.members, m) == -1 {
		return ErrAlreadyLeft
	}

	m.metaData = metaData
	m.parent.signalUpdatedLocked()

	return nil
}

func (m *inProcMembership) Leave(ctx context.Context) error {
	m.parent.lock.Lock()
	defer m.parent.lock.Unlock()

	if !m.parent.removeMemberLocked(m) {
		return ErrAlreadyLeft
	}

	m.parent.signalUpdatedLocked()

	return nil
}

func (p *InProcProvider) Watch(ctx context.Context) (<-chan *Snapshot, error) {
	// the pipe is shut down by closing signalCh rather than through ctx, so
	// that it keeps draining signalCh until we have unregistered it.
	signalCh := make(chan *Snapshot)
	outputCh := latestonlychannel.Wrap(context.Background(), signalCh)

	p.lock.Lock()
	p.watchers = append(p.watchers, signalCh)
	signalCh <- p.getSnapLocked()
	p.lock.Unlock()

	go func() {
		<-ctx.Done()

		p.lock.Lock()
		p.removeWatcherLocked(signalCh)
		p.lock.Unlock()

		close(signalCh)
	}()

	return outputCh, nil
}

func (p *InProcProvider) Get(ctx context.Context) (*Snapshot, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.getSnapLocked(), nil
}
