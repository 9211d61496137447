package clustering

import (
	"context"
	"encoding/json"

	"github.com/couchbase/stellar-grid/contrib/goclustering"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Membership struct {
	ms goclustering.Membership
}

func (m *Membership) UpdateMetaData(ctx context.Context, data *Member) error {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "failed to marshal member")
	}

	return m.ms.UpdateMetaData(ctx, dataBytes)
}

func (m *Membership) Leave(ctx context.Context) error {
	return m.ms.Leave(ctx)
}

type Manager struct {
	Provider goclustering.Provider
	Logger   *zap.Logger
}

func (m *Manager) Join(ctx context.Context, data *Member) (*Membership, error) {
	if data.MemberID == "" {
		return nil, errors.New("member id must not be empty")
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal member")
	}

	ms, err := m.Provider.Join(ctx, data.MemberID, dataBytes)
	if err != nil {
		return nil, err
	}

	return &Membership{ms}, nil
}

func (m *Manager) procSnapshot(snap *goclustering.Snapshot) *Snapshot {
	members := make([]*Member, 0, len(snap.Members))
	for _, entry := range snap.Members {
		var member Member
		if len(entry.MetaData) > 0 {
			err := json.Unmarshal(entry.MetaData, &member)
			if err != nil {
				// we intentionally don't bail here so that members with bad meta-data
				// still appear in the snapshot, but just are missing all their data.
				m.Logger.Error("failed to unmarshal member",
					zap.String("memberId", entry.MemberID),
					zap.Error(err))
			}
		}

		member.MemberID = entry.MemberID
		members = append(members, &member)
	}

	return &Snapshot{
		Revision: snap.Revision,
		Members:  members,
	}
}

func (m *Manager) Watch(ctx context.Context) (<-chan *Snapshot, error) {
	snapCh, err := m.Provider.Watch(ctx)
	if err != nil {
		return nil, err
	}

	outputCh := make(chan *Snapshot)
	go func() {
		defer close(outputCh)

		for pSnap := range snapCh {
			select {
			case outputCh <- m.procSnapshot(pSnap):
			case <-ctx.Done():
				return
			}
		}
	}()

	return outputCh, nil
}

func (m *Manager) Get(ctx context.Context) (*Snapshot, error) {
	pSnap, err := m.Provider.Get(ctx)
	if err != nil {
		return nil, err
	}

	return m.procSnapshot(pSnap), nil
}
