package etcdmemberlist

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	defaultLeasePeriod = 5 * time.Second

	// etcd refuses leases shorter than this
	minLeasePeriod = 5 * time.Second
)

var ErrLeasePeriodTooShort = errors.New("lease period must be at least 5 seconds")

type MemberListOptions struct {
	EtcdClient *etcd.Client
	KeyPrefix  string
	Logger     *zap.Logger
}

type MemberList struct {
	etcdClient *etcd.Client
	keyPrefix  string
	logger     *zap.Logger
}

type Member struct {
	MemberID string
	MetaData []byte
}

type MembersSnapshot struct {
	Revision int64
	Members  []*Member
}

func NewMemberList(opts MemberListOptions) (*MemberList, error) {
	if opts.EtcdClient == nil {
		return nil, errors.New("an etcd client is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MemberList{
		etcdClient: opts.EtcdClient,
		keyPrefix:  strings.TrimSuffix(opts.KeyPrefix, "/"),
		logger:     logger,
	}, nil
}

func (ml *MemberList) membersPrefix() string {
	return ml.keyPrefix + "/"
}

type JoinOptions struct {
	MemberID    string
	MetaData    []byte
	LeasePeriod time.Duration
}

func (ml *MemberList) Join(ctx context.Context, opts *JoinOptions) (*Membership, error) {
	if opts == nil {
		opts = &JoinOptions{}
	}

	memberID := opts.MemberID
	if memberID == "" {
		memberID = uuid.NewString()
	}

	leasePeriod := defaultLeasePeriod
	if opts.LeasePeriod != 0 {
		if opts.LeasePeriod < minLeasePeriod {
			return nil, ErrLeasePeriodTooShort
		}

		leasePeriod = opts.LeasePeriod
	}

	m := &Membership{
		etcdClient:  ml.etcdClient,
		logger:      ml.logger.With(zap.String("memberId", memberID)),
		key:         ml.membersPrefix() + memberID,
		leasePeriod: leasePeriod,
		metaData:    opts.MetaData,
	}

	err := m.join(ctx)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func buildSnapshot(revision int64, prefix string, keyMap map[string][]byte) *MembersSnapshot {
	members := make([]*Member, 0, len(keyMap))
	for memberKey, memberData := range keyMap {
		members = append(members, &Member{
			MemberID: strings.TrimPrefix(memberKey, prefix),
			MetaData: memberData,
		})
	}

	sort.Slice(members, func(i, j int) bool {
		return members[i].MemberID < members[j].MemberID
	})

	return &MembersSnapshot{
		Revision: revision,
		Members:  members,
	}
}

func (ml *MemberList) Members(ctx context.Context) (*MembersSnapshot, error) {
	membersPrefix := ml.membersPrefix()
	resp, err := ml.etcdClient.KV.Get(ctx, membersPrefix, etcd.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "failed to list members")
	}

	keyMap := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keyMap[string(kv.Key)] = kv.Value
	}

	return buildSnapshot(resp.Header.Revision, membersPrefix, keyMap), nil
}

// WatchMembers emits the current member list followed by a new list for
// every change.  The channel is closed when ctx is cancelled or the watch
// fails (for instance after a compaction), the caller should then watch again.
func (ml *MemberList) WatchMembers(ctx context.Context) (<-chan *MembersSnapshot, error) {
	membersPrefix := ml.membersPrefix()

	resp, err := ml.etcdClient.KV.Get(ctx, membersPrefix, etcd.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch initial members")
	}

	keyMap := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keyMap[string(kv.Key)] = kv.Value
	}

	outputCh := make(chan *MembersSnapshot, 1)
	outputCh <- buildSnapshot(resp.Header.Revision, membersPrefix, keyMap)

	watchCtx, watchCancel := context.WithCancel(ctx)
	watchCh := ml.etcdClient.Watcher.Watch(watchCtx, membersPrefix,
		etcd.WithPrefix(),
		etcd.WithRev(resp.Header.Revision+1))

	go func() {
		defer close(outputCh)
		defer watchCancel()

		for watchResp := range watchCh {
			if err := watchResp.Err(); err != nil {
				ml.logger.Warn("member list watch failed", zap.Error(err))
				return
			}

			for _, evt := range watchResp.Events {
				switch evt.Type {
				case mvccpb.PUT:
					keyMap[string(evt.Kv.Key)] = evt.Kv.Value
				case mvccpb.DELETE:
					delete(keyMap, string(evt.Kv.Key))
				default:
					ml.logger.Warn("unexpected member list event", zap.Stringer("type", evt.Type))
				}
			}

			if len(watchResp.Events) == 0 {
				continue
			}

			select {
			case outputCh <- buildSnapshot(watchResp.Header.Revision, membersPrefix, keyMap):
			case <-ctx.Done():
				return
			}
		}
	}()

	return outputCh, nil
}
