package goclustering

import (
	"context"

	"github.com/couchbase/stellar-grid/contrib/etcdmemberlist"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

type EtcdProviderOptions struct {
	EtcdClient *clientv3.Client
	KeyPrefix  string
	Logger     *zap.Logger
}

type EtcdProvider struct {
	logger *zap.Logger
	ml     *etcdmemberlist.MemberList
}

var _ Provider = (*EtcdProvider)(nil)

func NewEtcdProvider(opts EtcdProviderOptions) (*EtcdProvider, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ml, err := etcdmemberlist.NewMemberList(etcdmemberlist.MemberListOptions{
		EtcdClient: opts.EtcdClient,
		KeyPrefix:  opts.KeyPrefix + "/members",
		Logger:     logger.Named("memberlist"),
	})
	if err != nil {
		return nil, err
	}

	return &EtcdProvider{
		logger: logger,
		ml:     ml,
	}, nil
}

func (p *EtcdProvider) Join(ctx context.Context, memberID string, metaData []byte) (Membership, error) {
	mb, err := p.ml.Join(ctx, &etcdmemberlist.JoinOptions{
		MemberID: memberID,
		MetaData: metaData,
	})
	if err != nil {
		return nil, err
	}

	return &etcdMembership{mb}, nil
}

type etcdMembership struct {
	ms *etcdmemberlist.Membership
}

func (m *etcdMembership) UpdateMetaData(ctx context.Context, metaData []byte) error {
	return m.ms.SetMetaData(ctx, metaData)
}

func (m *etcdMembership) Leave(ctx context.Context) error {
	return m.ms.Leave(ctx)
}

func procMemberList(snap *etcdmemberlist.MembersSnapshot) *Snapshot {
	members := make([]*Member, 0, len(snap.Members))
	for _, entry := range snap.Members {
		members = append(members, &Member{
			MemberID: entry.MemberID,
			MetaData: entry.MetaData,
		})
	}

	return &Snapshot{
		Revision: []uint64{uint64(snap.Revision)},
		Members:  members,
	}
}

func (p *EtcdProvider) Watch(ctx context.Context) (<-chan *Snapshot, error) {
	snapEvts, err := p.ml.WatchMembers(ctx)
	if err != nil {
		return nil, err
	}

	// WatchMembers always emits the current state before returning, so an
	// immediately closed channel means the watch failed.
	firstSnap, ok := <-snapEvts
	if !ok {
		return nil, errors.New("member list watch closed before the first snapshot")
	}

	outputCh := make(chan *Snapshot, 1)
	outputCh <- procMemberList(firstSnap)

	go func() {
		defer close(outputCh)

		for snap := range snapEvts {
			select {
			case outputCh <- procMemberList(snap):
			case <-ctx.Done():
				return
			}
		}

		p.logger.Debug("member list watch ended")
	}()

	return outputCh, nil
}

func (p *EtcdProvider) Get(ctx context.Context) (*Snapshot, error) {
	memberSnap, err := p.ml.Members(ctx)
	if err != nil {
		return nil, err
	}

	return procMemberList(memberSnap), nil
}
