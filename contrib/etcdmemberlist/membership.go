/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package etcdmemberlist

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Membership is one member entry bound to a lease.  When the lease can no
// longer be kept alive the entry disappears from the list and the membership
// re-joins on its own.
type Membership struct {
	etcdClient  *etcd.Client
	logger      *zap.Logger
	key         string
	leasePeriod time.Duration

	lock     sync.Mutex
	metaData []byte
	leaseID  etcd.LeaseID
	left     bool
	stopKa   context.CancelFunc
}

func (m *Membership) join(ctx context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.joinLocked(ctx)
}

func (m *Membership) joinLocked(ctx context.Context) error {
	lease, err := m.etcdClient.Lease.Grant(ctx, int64(m.leasePeriod/time.Second))
	if err != nil {
		return errors.Wrap(err, "failed to grant member lease")
	}

	kaCtx, kaCancel := context.WithCancel(context.Background())
	leaseKaCh, err := m.etcdClient.Lease.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		kaCancel()
		return errors.Wrap(err, "failed to keep member lease alive")
	}

	_, err = m.etcdClient.KV.Put(ctx, m.key, string(m.metaData), etcd.WithLease(lease.ID))
	if err != nil {
		kaCancel()
		return errors.Wrap(err, "failed to write member entry")
	}

	if m.stopKa != nil {
		m.stopKa()
	}
	m.leaseID = lease.ID
	m.stopKa = kaCancel

	go m.watchLease(kaCtx, leaseKaCh)

	return nil
}

func (m *Membership) watchLease(kaCtx context.Context, leaseKaCh <-chan *etcd.LeaseKeepAliveResponse) {
	for range leaseKaCh {
	}

	if kaCtx.Err() != nil {
		// we stopped the keep-alive ourselves
		return
	}

	for {
		if m.etcdClient.Ctx().Err() != nil {
			m.logger.Warn("etcd client closed, giving up on member list")
			return
		}
		m.logger.Warn("lost member lease, rejoining")

		m.lock.Lock()
		if m.left {
			m.lock.Unlock()
			return
		}

		joinCtx, cancel := context.WithTimeout(context.Background(), m.leasePeriod)
		err := m.joinLocked(joinCtx)
		cancel()
		m.lock.Unlock()

		if err == nil {
			return
		}

		m.logger.Warn("failed to rejoin member list", zap.Error(err))
		time.Sleep(m.leasePeriod / 2)
	}
}

func (m *Membership) SetMetaData(ctx context.Context, data []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.left {
		return errors.New("member has already left")
	}

	m.metaData = data

	_, err := m.etcdClient.KV.Put(ctx, m.key, string(m.metaData), etcd.WithLease(m.leaseID))
	if err != nil {
		return errors.Wrap(err, "failed to update member entry")
	}

	return nil
}

func (m *Membership) Leave(ctx context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.left {
		return nil
	}
	m.left = true

	if m.stopKa != nil {
		m.stopKa()
	}

	_, err := m.etcdClient.KV.Delete(ctx, m.key)
	if err != nil {
		return errors.Wrap(err, "failed to delete member entry")
	}

	_, err = m.etcdClient.Lease.Revoke(ctx, m.leaseID)
	if err != nil {
		m.logger.Debug("failed to revoke member lease", zap.Error(err))
	}

	return nil
}
