/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package replicated

import (
	"context"
	"strings"

	"github.com/couchbase/stellar-grid/grid/griderrors"
	"github.com/pkg/errors"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// the number of times a compute is re-run when racing with other writers
const maxComputeAttempts = 32

type EtcdMapOptions struct {
	EtcdClient *etcd.Client
	KeyPrefix  string
	Logger     *zap.Logger
}

// EtcdMap stores every entry as an etcd key below a prefix.  Compute is an
// optimistic read-modify-write guarded by the key's mod revision.
type EtcdMap struct {
	client *etcd.Client
	prefix string
	logger *zap.Logger
}

var _ Map = (*EtcdMap)(nil)

func NewEtcdMap(opts EtcdMapOptions) (*EtcdMap, error) {
	if opts.EtcdClient == nil {
		return nil, griderrors.Wrap(griderrors.ErrInvalidArgument, "an etcd client is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EtcdMap{
		client: opts.EtcdClient,
		prefix: strings.TrimSuffix(opts.KeyPrefix, "/") + "/",
		logger: logger,
	}, nil
}

func (m *EtcdMap) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := m.client.KV.Get(ctx, m.prefix+key)
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to get %s", key)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}

	return resp.Kvs[0].Value, true, nil
}

func (m *EtcdMap) Compute(ctx context.Context, key string, fn ComputeFunc) ([]byte, error) {
	etcdKey := m.prefix + key

	for attempt := 0; attempt < maxComputeAttempts; attempt++ {
		resp, err := m.client.KV.Get(ctx, etcdKey)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", key)
		}

		var (
			current []byte
			exists  bool
			modRev  int64
		)
		if len(resp.Kvs) > 0 {
			current = resp.Kvs[0].Value
			exists = true
			modRev = resp.Kvs[0].ModRevision
		}

		updated, changed, err := fn(current, exists)
		if err != nil {
			return nil, err
		}
		if !changed {
			return current, nil
		}

		var cmp etcd.Cmp
		if exists {
			cmp = etcd.Compare(etcd.ModRevision(etcdKey), "=", modRev)
		} else {
			cmp = etcd.Compare(etcd.CreateRevision(etcdKey), "=", 0)
		}

		txnResp, err := m.client.Txn(ctx).
			If(cmp).
			Then(etcd.OpPut(etcdKey, string(updated))).
			Commit()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to write %s", key)
		}
		if txnResp.Succeeded {
			return updated, nil
		}

		m.logger.Debug("concurrent update, recomputing",
			zap.String("key", key),
			zap.Int("attempt", attempt))
	}

	return nil, errors.Errorf("gave up updating %s after %d conflicting writes", key, maxComputeAttempts)
}

func (m *EtcdMap) Keys(ctx context.Context) ([]string, error) {
	resp, err := m.client.KV.Get(ctx, m.prefix, etcd.WithPrefix(), etcd.WithKeysOnly(), etcd.WithSort(etcd.SortByKey, etcd.SortAscend))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list keys")
	}

	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, strings.TrimPrefix(string(kv.Key), m.prefix))
	}
	return keys, nil
}

func (m *EtcdMap) Watch(ctx context.Context) (<-chan struct{}, error) {
	// pin the start revision so no write after this call is missed
	resp, err := m.client.KV.Get(ctx, m.prefix, etcd.WithPrefix(), etcd.WithCountOnly())
	if err != nil {
		return nil, errors.Wrap(err, "failed to start watch")
	}

	watchCh := m.client.Watch(ctx, m.prefix, etcd.WithPrefix(), etcd.WithRev(resp.Header.Revision+1))

	outputCh := make(chan struct{}, 1)
	go func() {
		defer close(outputCh)

		for resp := range watchCh {
			if err := resp.Err(); err != nil {
				m.logger.Warn("replicated map watch failed", zap.Error(err))
				return
			}

			select {
			case outputCh <- struct{}{}:
			default:
			}
		}
	}()

	return outputCh, nil
}
