package topology

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/stellar-grid/grid/clustering"
	"github.com/couchbase/stellar-grid/grid/consistenthash"
	"github.com/couchbase/stellar-grid/grid/griderrors"
	"github.com/couchbase/stellar-grid/pkg/metrics"
	"github.com/couchbase/stellar-grid/utils/latestonlychannel"
	"github.com/couchbase/stellar-grid/utils/revisionarr"
	"go.uber.org/zap"
)

var ErrNoTopology = griderrors.Wrap(griderrors.ErrUnavailable, "no topology has been computed yet")

// SnapshotSource is the membership feed, usually a clustering.Manager.
type SnapshotSource interface {
	Watch(ctx context.Context) (<-chan *clustering.Snapshot, error)
}

type ManagerOptions struct {
	Logger      *zap.Logger
	Metrics     *metrics.GridMetrics
	Source      SnapshotSource
	NumSegments int
	NumOwners   int
}

// Manager turns membership snapshots into consistent hashes and publishes
// the latest one to its watchers.
type Manager struct {
	logger      *zap.Logger
	metrics     *metrics.GridMetrics
	source      SnapshotSource
	numSegments int
	numOwners   int

	current    atomic.Pointer[consistenthash.ConsistentHash]
	fanout     *latestonlychannel.Fanout[*consistenthash.ConsistentHash]
	stopFanout context.CancelFunc
}

func NewManager(opts *ManagerOptions) (*Manager, error) {
	if opts.Source == nil {
		return nil, griderrors.Wrap(griderrors.ErrInvalidArgument, "a snapshot source is required")
	}
	if opts.NumSegments <= 0 || opts.NumOwners <= 0 {
		return nil, griderrors.Wrap(griderrors.ErrInvalidArgument, "segment and owner counts must be positive")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gridMetrics := opts.Metrics
	if gridMetrics == nil {
		gridMetrics = metrics.GetGridMetrics()
	}

	fanoutCtx, stopFanout := context.WithCancel(context.Background())

	return &Manager{
		logger:      logger,
		metrics:     gridMetrics,
		source:      opts.Source,
		numSegments: opts.NumSegments,
		numOwners:   opts.NumOwners,
		fanout:      latestonlychannel.NewFanout[*consistenthash.ConsistentHash](fanoutCtx),
		stopFanout:  stopFanout,
	}, nil
}

// Current returns the most recently computed hash.
func (m *Manager) Current() (*consistenthash.ConsistentHash, error) {
	ch := m.current.Load()
	if ch == nil {
		return nil, ErrNoTopology
	}
	return ch, nil
}

// Watch delivers the current hash (once one exists) and every newer one.
// Intermediate hashes may be skipped by a slow reader.
func (m *Manager) Watch(ctx context.Context) <-chan *consistenthash.ConsistentHash {
	return m.fanout.Subscribe(ctx)
}

// Run follows the membership feed until ctx is cancelled, re-establishing
// the watch with a backoff whenever it is lost.  All watchers are closed when
// Run returns.
func (m *Manager) Run(ctx context.Context) error {
	defer m.stopFanout()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	for {
		snapCh, err := m.source.Watch(ctx)
		if err != nil {
			m.logger.Warn("failed to watch cluster membership", zap.Error(err))
		} else {
			for snap := range snapCh {
				bo.Reset()
				m.applySnapshot(ctx, snap)
			}
		}

		if ctx.Err() != nil {
			return nil
		}

		wait := bo.NextBackOff()
		m.logger.Info("re-establishing membership watch", zap.Duration("after", wait))

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Manager) applySnapshot(ctx context.Context, snap *clustering.Snapshot) {
	ch, err := ComputeConsistentHash(snap, m.numSegments, m.numOwners)
	if err != nil {
		m.logger.Error("failed to compute consistent hash", zap.Error(err))
		return
	}

	if current := m.current.Load(); current != nil &&
		revisionarr.Compare(ch.Revision, current.Revision) <= 0 {
		m.logger.Debug("ignoring stale membership snapshot",
			zap.Uint64s("revision", ch.Revision),
			zap.Uint64s("currentRevision", current.Revision))
		return
	}

	m.current.Store(ch)
	m.metrics.TopologyChanges.Add(ctx, 1)

	m.logger.Info("topology changed",
		zap.Uint64s("revision", ch.Revision),
		zap.Stringers("members", ch.Members))

	m.fanout.Publish(ctx, ch)
}
