/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package grid wires membership, topology, key affinity and the service
// registry of one node together.
package grid

import (
	"context"
	"time"

	"github.com/couchbase/stellar-grid/contrib/goclustering"
	"github.com/couchbase/stellar-grid/grid/affinity"
	"github.com/couchbase/stellar-grid/grid/clustering"
	"github.com/couchbase/stellar-grid/grid/consistenthash"
	"github.com/couchbase/stellar-grid/grid/distribution"
	"github.com/couchbase/stellar-grid/grid/griderrors"
	"github.com/couchbase/stellar-grid/grid/partition"
	"github.com/couchbase/stellar-grid/grid/registry"
	"github.com/couchbase/stellar-grid/grid/replicated"
	"github.com/couchbase/stellar-grid/grid/topology"
	"github.com/couchbase/stellar-grid/pkg/metrics"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultNumSegments = 256
	DefaultNumOwners   = 2

	leaveTimeout = 5 * time.Second
)

type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.GridMetrics

	NodeID        string
	ServerGroup   string
	AdvertiseAddr string
	WebPort       int
	NoData        bool

	// Provider and Map are both set for a clustered node, both left nil for a
	// non-clustered one.
	Provider goclustering.Provider
	Map      replicated.Map

	NumSegments int
	NumOwners   int

	AffinityBufferSize int
	AffinityKeyTimeout time.Duration
	AffinityFilter     affinity.Filter
	AffinityGenerator  affinity.KeyGenerator[string]
}

type Grid struct {
	logger    *zap.Logger
	metrics   *metrics.GridMetrics
	local     consistenthash.Address
	member    *clustering.Member
	clustered bool

	partitioner partition.Partitioner
	localHash   *consistenthash.ConsistentHash

	clusterMgr *clustering.Manager
	topology   *topology.Manager
	affinity   *affinity.Service[string]
	registry   registry.Registry
	clustReg   *registry.ClusteredRegistry
}

func New(opts Options) (*Grid, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gridMetrics := opts.Metrics
	if gridMetrics == nil {
		gridMetrics = metrics.GetGridMetrics()
	}

	if (opts.Provider == nil) != (opts.Map == nil) {
		return nil, griderrors.Wrap(griderrors.ErrInvalidArgument,
			"a clustered grid needs both a membership provider and a replicated map")
	}

	numSegments := opts.NumSegments
	if numSegments <= 0 {
		numSegments = DefaultNumSegments
	}
	numOwners := opts.NumOwners
	if numOwners <= 0 {
		numOwners = DefaultNumOwners
	}

	generator := opts.AffinityGenerator
	if generator == nil {
		generator = affinity.UUIDKeyGenerator{}
	}

	g := &Grid{
		logger:    logger,
		metrics:   gridMetrics,
		clustered: opts.Provider != nil,
	}

	affinityOpts := affinity.ServiceOptions[string]{
		Logger:     logger.Named("affinity"),
		Metrics:    gridMetrics,
		Generator:  generator,
		Filter:     opts.AffinityFilter,
		BufferSize: opts.AffinityBufferSize,
		KeyTimeout: opts.AffinityKeyTimeout,
	}

	if !g.clustered {
		g.local = consistenthash.LocalModeAddress
		g.partitioner = partition.SinglePartitioner{}
		g.localHash = &consistenthash.ConsistentHash{
			Revision:      []uint64{0},
			NumSegments:   1,
			Members:       []consistenthash.Address{g.local},
			SegmentOwners: [][]consistenthash.Address{{g.local}},
		}
		g.registry = registry.NewLocalRegistry(g.local, gridMetrics)

		affinityOpts.Mode = distribution.ModeLocal
		affinityOpts.LocalAddress = g.local
	} else {
		if opts.NodeID == "" {
			return nil, griderrors.Wrap(griderrors.ErrInvalidArgument, "a clustered grid needs a node id")
		}

		g.local = consistenthash.Address(opts.NodeID)
		g.partitioner = partition.NewDefault(numSegments)
		g.member = &clustering.Member{
			MemberID:      opts.NodeID,
			ServerGroup:   opts.ServerGroup,
			AdvertiseAddr: opts.AdvertiseAddr,
			WebPort:       opts.WebPort,
			NoData:        opts.NoData,
		}

		g.clusterMgr = &clustering.Manager{
			Provider: opts.Provider,
			Logger:   logger.Named("clustering"),
		}

		topologyMgr, err := topology.NewManager(&topology.ManagerOptions{
			Logger:      logger.Named("topology"),
			Metrics:     gridMetrics,
			Source:      g.clusterMgr,
			NumSegments: numSegments,
			NumOwners:   numOwners,
		})
		if err != nil {
			return nil, err
		}
		g.topology = topologyMgr

		clustReg, err := registry.NewClusteredRegistry(registry.ClusteredRegistryOptions{
			Logger:       logger.Named("registry"),
			Metrics:      gridMetrics,
			Map:          opts.Map,
			LocalAddress: g.local,
			Partitioner:  g.partitioner,

			CurrentTopology: topologyMgr.Current,
		})
		if err != nil {
			return nil, err
		}
		g.clustReg = clustReg
		g.registry = clustReg

		affinityOpts.Mode = distribution.ModeConsistentHash
		affinityOpts.Partitioner = g.partitioner
		affinityOpts.LocalAddress = g.local
	}

	affinitySvc, err := affinity.NewService(affinityOpts)
	if err != nil {
		return nil, err
	}
	g.affinity = affinitySvc

	return g, nil
}

func (g *Grid) LocalAddress() consistenthash.Address {
	return g.local
}

func (g *Grid) IsClustered() bool {
	return g.clustered
}

func (g *Grid) Affinity() *affinity.Service[string] {
	return g.affinity
}

func (g *Grid) Registry() registry.Registry {
	return g.registry
}

// Topology returns the consistent hash currently in effect.
func (g *Grid) Topology() (*consistenthash.ConsistentHash, error) {
	if !g.clustered {
		return g.localHash, nil
	}
	return g.topology.Current()
}

// Distribution returns a key distribution bound to the current topology.  It
// must not be kept beyond a single logical operation.
func (g *Grid) Distribution() (distribution.KeyDistribution, error) {
	if !g.clustered {
		return distribution.New(distribution.ModeLocal, nil, nil, g.local)
	}

	ch, err := g.topology.Current()
	if err != nil {
		return nil, err
	}
	return distribution.New(distribution.ModeConsistentHash, ch, g.partitioner, g.local)
}

// Locality returns a locality bound to the current topology, with the same
// lifetime rules as Distribution.
func (g *Grid) Locality() (distribution.Locality, error) {
	dist, err := g.Distribution()
	if err != nil {
		return nil, err
	}
	return distribution.NewLocality(dist, g.local), nil
}

// Run joins the cluster and keeps every component fed with topology changes
// until ctx is cancelled, after which the node leaves and stops.
func (g *Grid) Run(ctx context.Context) error {
	if err := g.affinity.Start(); err != nil {
		return err
	}

	if !g.clustered {
		g.logger.Info("running in non-clustered mode")
		<-ctx.Done()
		return g.affinity.Stop()
	}

	membership, err := g.clusterMgr.Join(ctx, g.member)
	if err != nil {
		return multierr.Append(err, g.affinity.Stop())
	}

	g.logger.Info("joined cluster",
		zap.String("nodeId", g.member.MemberID),
		zap.String("serverGroup", g.member.ServerGroup))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return g.topology.Run(groupCtx)
	})
	group.Go(func() error {
		return g.clustReg.Run(groupCtx)
	})
	group.Go(func() error {
		for ch := range g.topology.Watch(groupCtx) {
			g.affinity.TopologyChanged(ch)

			if err := g.clustReg.TopologyChanged(groupCtx, ch); err != nil {
				g.logger.Warn("failed to reconcile service registry", zap.Error(err))
			}
		}
		return nil
	})

	runErr := group.Wait()

	leaveCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()

	var errs error
	errs = multierr.Append(errs, runErr)
	errs = multierr.Append(errs, membership.Leave(leaveCtx))
	errs = multierr.Append(errs, g.affinity.Stop())

	g.logger.Info("left cluster")

	return errs
}
