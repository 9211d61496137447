/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package affinity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/couchbase/stellar-grid/grid/consistenthash"
	"github.com/couchbase/stellar-grid/grid/distribution"
	"github.com/couchbase/stellar-grid/grid/partition"
	"github.com/couchbase/stellar-grid/pkg/metrics"
	"github.com/couchbase/stellar-grid/utils/revisionarr"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultBufferSize = 100
	defaultKeyTimeout = 10 * time.Second

	// number of candidates tried before the producer re-evaluates its state
	generateBatchSize = 64

	// how long the producer idles after a batch which placed no keys at all
	idleBackoff = 5 * time.Millisecond
)

// Filter decides which members are given a key bucket.
type Filter func(addr consistenthash.Address) bool

type ServiceOptions[K any] struct {
	Logger    *zap.Logger
	Metrics   *metrics.GridMetrics
	Clock     clock.Clock
	Generator KeyGenerator[K]
	Filter    Filter

	Mode         distribution.Mode
	Partitioner  partition.Partitioner
	LocalAddress consistenthash.Address

	BufferSize int
	KeyTimeout time.Duration
}

type bucket[K any] struct {
	keys chan K

	// fillable is false for members that own no primary segment, their
	// bucket can never receive a key.
	fillable bool
}

// affinityState is one immutable generation of buckets.  It is replaced as
// a whole on every topology change and its superseded channel is closed
// once the replacement is visible.
type affinityState[K any] struct {
	hash       *consistenthash.ConsistentHash
	dist       distribution.KeyDistribution
	buckets    map[consistenthash.Address]*bucket[K]
	superseded chan struct{}
}

func (st *affinityState[K]) ready() bool {
	return st.dist != nil
}

func (st *affinityState[K]) full() bool {
	for _, b := range st.buckets {
		if b.fillable && len(b.keys) < cap(b.keys) {
			return false
		}
	}
	return true
}

type runState struct {
	stopCh chan struct{}
	doneCh chan struct{}
}

// Service keeps a pool of pre-generated keys per cluster member so callers
// can cheaply obtain a key owned by a given member.
type Service[K any] struct {
	logger    *zap.Logger
	metrics   *metrics.GridMetrics
	clock     clock.Clock
	generator KeyGenerator[K]
	filter    Filter

	mode         distribution.Mode
	partitioner  partition.Partitioner
	localAddress consistenthash.Address
	bufferSize   int
	keyTimeout   atomic.Int64

	lifecycleLock sync.Mutex
	topologyLock  sync.Mutex
	run           atomic.Pointer[runState]
	state         atomic.Pointer[affinityState[K]]
	backfillCh    chan struct{}
}

func NewService[K any](opts ServiceOptions[K]) (*Service[K], error) {
	if opts.Generator == nil {
		return nil, ErrNoGenerator
	}

	s := &Service[K]{
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		clock:        opts.Clock,
		generator:    opts.Generator,
		filter:       opts.Filter,
		mode:         opts.Mode,
		partitioner:  opts.Partitioner,
		localAddress: opts.LocalAddress,
		bufferSize:   opts.BufferSize,
		backfillCh:   make(chan struct{}, 1),
	}

	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.metrics == nil {
		s.metrics = metrics.GetGridMetrics()
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.filter == nil {
		s.filter = func(consistenthash.Address) bool { return true }
	}
	if s.bufferSize <= 0 {
		s.bufferSize = defaultBufferSize
	}
	if s.localAddress == "" {
		s.localAddress = consistenthash.LocalModeAddress
	}

	keyTimeout := opts.KeyTimeout
	if keyTimeout <= 0 {
		keyTimeout = defaultKeyTimeout
	}
	s.keyTimeout.Store(int64(keyTimeout))

	if s.mode == distribution.ModeLocal {
		s.state.Store(s.buildLocalState())
	} else {
		s.state.Store(&affinityState[K]{
			superseded: make(chan struct{}),
		})
	}

	return s, nil
}

// SetKeyTimeout changes how long GetKeyForAddress waits for a key.
func (s *Service[K]) SetKeyTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultKeyTimeout
	}
	s.keyTimeout.Store(int64(d))
}

func (s *Service[K]) buildLocalState() *affinityState[K] {
	buckets := make(map[consistenthash.Address]*bucket[K])
	if s.filter(s.localAddress) {
		buckets[s.localAddress] = &bucket[K]{
			keys:     make(chan K, s.bufferSize),
			fillable: true,
		}
	}

	return &affinityState[K]{
		dist:       distribution.NewLocal(s.localAddress),
		buckets:    buckets,
		superseded: make(chan struct{}),
	}
}

func (s *Service[K]) buildHashState(ch *consistenthash.ConsistentHash) *affinityState[K] {
	buckets := make(map[consistenthash.Address]*bucket[K])
	for _, member := range ch.Members {
		if !s.filter(member) {
			continue
		}

		buckets[member] = &bucket[K]{
			keys:     make(chan K, s.bufferSize),
			fillable: ch.OwnsPrimarySegments(member),
		}
	}

	return &affinityState[K]{
		hash:       ch,
		dist:       distribution.NewConsistentHashDistribution(ch, s.partitioner),
		buckets:    buckets,
		superseded: make(chan struct{}),
	}
}

// TopologyChanged discards every pre-generated key and starts generating
// against the new consistent hash.  Snapshots older than the current one
// are ignored.
func (s *Service[K]) TopologyChanged(ch *consistenthash.ConsistentHash) {
	if ch == nil {
		return
	}

	s.topologyLock.Lock()

	current := s.state.Load()
	if current.hash != nil && revisionarr.Compare(ch.Revision, current.hash.Revision) < 0 {
		s.topologyLock.Unlock()
		s.logger.Debug("ignoring stale topology",
			zap.Uint64s("revision", ch.Revision),
			zap.Uint64s("currentRevision", current.hash.Revision))
		return
	}

	var newState *affinityState[K]
	if s.mode == distribution.ModeLocal {
		newState = s.buildLocalState()
		newState.hash = ch
	} else {
		newState = s.buildHashState(ch)
	}

	// the new generation must be visible before anyone is told the old one
	// is gone, otherwise a woken caller could pick the old buckets again.
	oldState := s.state.Swap(newState)

	s.topologyLock.Unlock()

	close(oldState.superseded)
	s.signalBackfill()

	s.logger.Debug("regenerating affinity buckets",
		zap.Uint64s("revision", ch.Revision),
		zap.Int("buckets", len(newState.buckets)))
}

func (s *Service[K]) Start() error {
	s.lifecycleLock.Lock()
	defer s.lifecycleLock.Unlock()

	if s.run.Load() != nil {
		return ErrAlreadyStarted
	}

	rs := &runState{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	s.run.Store(rs)

	go s.generateLoop(rs)

	s.logger.Debug("started key affinity service", zap.Int("bufferSize", s.bufferSize))

	return nil
}

// Stop terminates key generation and wakes every blocked caller with
// ErrStopped.  Stopping a stopped service is a no-op.
func (s *Service[K]) Stop() error {
	s.lifecycleLock.Lock()
	defer s.lifecycleLock.Unlock()

	rs := s.run.Swap(nil)
	if rs == nil {
		return nil
	}

	close(rs.stopCh)
	<-rs.doneCh

	s.logger.Debug("stopped key affinity service")

	return nil
}

func (s *Service[K]) IsStarted() bool {
	return s.run.Load() != nil
}

func (s *Service[K]) signalBackfill() {
	select {
	case s.backfillCh <- struct{}{}:
	default:
	}
}

func (s *Service[K]) generateLoop(rs *runState) {
	defer close(rs.doneCh)

	for {
		st := s.state.Load()

		if !st.ready() || st.full() {
			select {
			case <-s.backfillCh:
			case <-st.superseded:
			case <-rs.stopCh:
				return
			}
			continue
		}

		placed := s.fillBuckets(st, rs.stopCh)
		if placed == 0 {
			select {
			case <-s.clock.After(idleBackoff):
			case <-st.superseded:
			case <-rs.stopCh:
				return
			}
		}
	}
}

func (s *Service[K]) fillBuckets(st *affinityState[K], stopCh chan struct{}) int {
	placed := 0

	for attempt := 0; attempt < generateBatchSize; attempt++ {
		select {
		case <-stopCh:
			return placed
		case <-st.superseded:
			return placed
		default:
		}

		key := s.generator.GetKey()

		owner, err := st.dist.PrimaryOwner(key)
		if err != nil {
			s.logger.Debug("failed to resolve owner of generated key", zap.Error(err))
			continue
		}

		b := st.buckets[owner]
		if b == nil || !b.fillable {
			continue
		}

		select {
		case b.keys <- key:
			placed++
		default:
		}
	}

	if placed > 0 {
		s.metrics.AffinityGenerated.Add(context.Background(), int64(placed))
	}

	return placed
}

// GetKeyForAddress returns a key whose primary owner is addr under the
// topology current at the time of return.  If addr owns no segments when
// the request is made, any generated key is returned instead.
func (s *Service[K]) GetKeyForAddress(ctx context.Context, addr consistenthash.Address) (K, error) {
	var zero K

	rs := s.run.Load()
	if rs == nil {
		return zero, ErrNotStarted
	}

	timer := s.clock.Timer(time.Duration(s.keyTimeout.Load()))
	defer timer.Stop()

	// once we have waited on addr's bucket, a rebalance that strips addr of
	// its segments must not turn this request into a fallback key.
	waitedOnBucket := false
	for {
		st := s.state.Load()

		select {
		case <-rs.stopCh:
			return zero, ErrStopped
		default:
		}

		var keysCh chan K
		if st.ready() {
			b, ok := st.buckets[addr]
			if !ok {
				return zero, errors.WithMessagef(ErrInvalidMember, "member %s", addr)
			}

			if b.fillable {
				keysCh = b.keys
			} else if !waitedOnBucket {
				// the member legitimately owns nothing right now, hand out
				// any key rather than blocking until the timeout.
				s.metrics.AffinityFallbacks.Add(ctx, 1)
				return s.generator.GetKey(), nil
			}
		}

		if keysCh != nil {
			waitedOnBucket = true
		}

		// a nil keysCh blocks forever, leaving us waiting for the next
		// topology, the timeout or a stop.
		select {
		case key := <-keysCh:
			s.signalBackfill()
			if s.state.Load() != st {
				continue
			}

			s.metrics.AffinityServed.Add(ctx, 1)
			return key, nil
		case <-st.superseded:
			continue
		case <-rs.stopCh:
			return zero, ErrStopped
		case <-timer.C:
			s.metrics.AffinityTimeouts.Add(ctx, 1)
			return zero, errors.WithMessagef(ErrKeyTimeout, "member %s", addr)
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// GetCollocatedKey returns a key with the same primary owner as key.  If the
// owner leaves before a key for it is handed out, the owner is resolved again
// under the newer topology.
func (s *Service[K]) GetCollocatedKey(ctx context.Context, key any) (K, error) {
	var zero K

	if s.run.Load() == nil {
		return zero, ErrNotStarted
	}

	for {
		st := s.state.Load()
		if !st.ready() {
			return zero, distribution.ErrNoTopology
		}

		owner, err := st.dist.PrimaryOwner(key)
		if err != nil {
			return zero, err
		}

		found, err := s.GetKeyForAddress(ctx, owner)
		if errors.Is(err, ErrInvalidMember) && s.state.Load() != st {
			continue
		}
		return found, err
	}
}

// BucketSizes reports how many keys are currently pooled per member.
func (s *Service[K]) BucketSizes() map[consistenthash.Address]int {
	st := s.state.Load()

	sizes := make(map[consistenthash.Address]int, len(st.buckets))
	for addr, b := range st.buckets {
		sizes[addr] = len(b.keys)
	}
	return sizes
}
