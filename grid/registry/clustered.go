/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package registry

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/stellar-grid/grid/consistenthash"
	"github.com/couchbase/stellar-grid/grid/distribution"
	"github.com/couchbase/stellar-grid/grid/griderrors"
	"github.com/couchbase/stellar-grid/grid/partition"
	"github.com/couchbase/stellar-grid/grid/replicated"
	"github.com/couchbase/stellar-grid/pkg/metrics"
	"github.com/couchbase/stellar-grid/utils/revisionarr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const tracerName = "com.couchbase.stellar-grid/registry"

const defaultReassertInterval = 30 * time.Second

type ClusteredRegistryOptions struct {
	Logger       *zap.Logger
	Metrics      *metrics.GridMetrics
	Tracer       trace.Tracer
	Map          replicated.Map
	LocalAddress consistenthash.Address

	// Partitioner decides which member cleans up after departed providers of
	// a service.  Defaults to the standard partitioner for the hash's segment
	// count.
	Partitioner partition.Partitioner

	// CurrentTopology reports the newest topology this member knows of.
	// Departed providers are only removed on behalf of that topology.
	CurrentTopology func() (*consistenthash.ConsistentHash, error)

	// ReassertInterval bounds how long Run goes without checking that our
	// own registrations are still present.
	ReassertInterval time.Duration
	Clock            clock.Clock
}

// ClusteredRegistry keeps provider sets in a replicated map.  Every change is
// an add or remove set function applied through the map, so concurrent
// updates from different members converge regardless of their ordering.
type ClusteredRegistry struct {
	logger      *zap.Logger
	metrics     *metrics.GridMetrics
	tracer      trace.Tracer
	values      replicated.Map
	local       consistenthash.Address
	partitioner partition.Partitioner
	codec       AddressSetCodec

	currentTopology  func() (*consistenthash.ConsistentHash, error)
	reassertInterval time.Duration
	clock            clock.Clock

	// serialises the remote side of first registrations and last closes so
	// the replicated value always matches refs once an operation returns.
	opLock         sync.Mutex
	lock           sync.Mutex
	refs           map[string]int
	latestRevision []uint64
}

var _ Registry = (*ClusteredRegistry)(nil)

func NewClusteredRegistry(opts ClusteredRegistryOptions) (*ClusteredRegistry, error) {
	if opts.Map == nil {
		return nil, griderrors.Wrap(griderrors.ErrInvalidArgument, "a replicated map is required")
	}
	if opts.LocalAddress == "" {
		return nil, griderrors.Wrap(griderrors.ErrInvalidArgument, "a local address is required")
	}
	if opts.LocalAddress == consistenthash.LocalModeAddress {
		// stored provider sets use this address to mark "everyone left"
		return nil, griderrors.Wrap(griderrors.ErrInvalidArgument, "the local mode address cannot join a clustered registry")
	}

	r := &ClusteredRegistry{
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		values:      opts.Map,
		local:       opts.LocalAddress,
		partitioner: opts.Partitioner,
		refs:        make(map[string]int),

		currentTopology:  opts.CurrentTopology,
		reassertInterval: opts.ReassertInterval,
		clock:            opts.Clock,
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.metrics == nil {
		r.metrics = metrics.GetGridMetrics()
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(tracerName)
	}
	if r.reassertInterval <= 0 {
		r.reassertInterval = defaultReassertInterval
	}
	if r.clock == nil {
		r.clock = clock.New()
	}

	return r, nil
}

func (r *ClusteredRegistry) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "registry."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (r *ClusteredRegistry) apply(ctx context.Context, service string, fn SetFunction[consistenthash.Address]) error {
	_, err := r.values.Compute(ctx, service, func(current []byte, exists bool) ([]byte, bool, error) {
		var set Set[consistenthash.Address]
		if exists {
			decoded, err := r.codec.Decode(current)
			if err != nil {
				return nil, false, err
			}
			set = decoded
		}

		updated := fn(set)
		if updated == nil || updated.Equal(set) {
			return nil, false, nil
		}

		encoded, err := r.codec.Encode(updated)
		if err != nil {
			return nil, false, err
		}
		return encoded, true, nil
	})
	if err != nil {
		return griderrors.Unavailable(err, "failed to update providers of "+service)
	}

	return nil
}

func (r *ClusteredRegistry) read(ctx context.Context, service string) (Set[consistenthash.Address], error) {
	data, exists, err := r.values.Get(ctx, service)
	if err != nil {
		return nil, griderrors.Unavailable(err, "failed to read providers of "+service)
	}
	if !exists {
		return nil, nil
	}

	set, err := r.codec.Decode(data)
	if err != nil {
		return nil, griderrors.Unavailable(err, "corrupt provider set for "+service)
	}
	return set, nil
}

func (r *ClusteredRegistry) Register(ctx context.Context, service string) (reg *Registration, err error) {
	if service == "" {
		return nil, ErrEmptyService
	}

	ctx, span := r.startSpan(ctx, "Register", attribute.String("service", service))
	defer func() {
		r.metrics.RegistryOp(ctx, "register", err)
		endSpan(span, err)
	}()

	r.opLock.Lock()
	defer r.opLock.Unlock()

	r.lock.Lock()
	first := r.refs[service] == 0
	r.lock.Unlock()

	if first {
		if err := r.apply(ctx, service, AddressSetAddFunction(r.local)); err != nil {
			r.logger.Warn("failed to register service",
				zap.String("service", service),
				zap.Error(err))
			return nil, err
		}

		r.logger.Debug("registered as service provider", zap.String("service", service))
	}

	r.lock.Lock()
	r.refs[service]++
	r.lock.Unlock()

	r.metrics.ActiveRegistrations.Add(ctx, 1)

	return newRegistration(r, service, func(ctx context.Context) error {
		return r.unregister(ctx, service)
	}), nil
}

func (r *ClusteredRegistry) unregister(ctx context.Context, service string) (err error) {
	ctx, span := r.startSpan(ctx, "Unregister", attribute.String("service", service))
	defer func() {
		r.metrics.RegistryOp(ctx, "unregister", err)
		endSpan(span, err)
	}()

	r.opLock.Lock()
	defer r.opLock.Unlock()

	r.lock.Lock()
	last := r.refs[service] == 1
	r.lock.Unlock()

	if last {
		if err := r.apply(ctx, service, AddressSetRemoveFunction(r.local)); err != nil {
			r.logger.Warn("failed to unregister service",
				zap.String("service", service),
				zap.Error(err))
			return err
		}

		r.logger.Debug("no longer a service provider", zap.String("service", service))
	}

	r.lock.Lock()
	r.refs[service]--
	if r.refs[service] <= 0 {
		delete(r.refs, service)
	}
	r.lock.Unlock()

	r.metrics.ActiveRegistrations.Add(ctx, -1)

	return nil
}

func (r *ClusteredRegistry) Providers(ctx context.Context, service string) (providers []consistenthash.Address, err error) {
	ctx, span := r.startSpan(ctx, "Providers", attribute.String("service", service))
	defer func() {
		r.metrics.RegistryOp(ctx, "providers", err)
		endSpan(span, err)
	}()

	set, err := r.read(ctx, service)
	if err != nil {
		return nil, err
	}

	return ProviderList(set), nil
}

func (r *ClusteredRegistry) Services(ctx context.Context) (services []string, err error) {
	ctx, span := r.startSpan(ctx, "Services")
	defer func() {
		r.metrics.RegistryOp(ctx, "services", err)
		endSpan(span, err)
	}()

	keys, err := r.values.Keys(ctx)
	if err != nil {
		return nil, griderrors.Unavailable(err, "failed to list services")
	}

	services = []string{}
	for _, service := range keys {
		set, err := r.read(ctx, service)
		if err != nil {
			return nil, err
		}

		if len(ProviderList(set)) > 0 {
			services = append(services, service)
		}
	}

	return services, nil
}

// adoptTopology records ch as seen and reports whether it is still the newest
// topology known to this member.
func (r *ClusteredRegistry) adoptTopology(ch *consistenthash.ConsistentHash) bool {
	r.lock.Lock()
	if revisionarr.Compare(ch.Revision, r.latestRevision) > 0 {
		r.latestRevision = ch.Revision
	}
	r.lock.Unlock()

	return !r.superseded(ch)
}

func (r *ClusteredRegistry) superseded(ch *consistenthash.ConsistentHash) bool {
	r.lock.Lock()
	latest := r.latestRevision
	r.lock.Unlock()

	if revisionarr.Compare(latest, ch.Revision) > 0 {
		return true
	}

	if r.currentTopology != nil {
		current, err := r.currentTopology()
		if err == nil && current != nil && revisionarr.Compare(current.Revision, ch.Revision) > 0 {
			return true
		}
	}

	return false
}

func departedProviders(ch *consistenthash.ConsistentHash, set Set[consistenthash.Address]) []consistenthash.Address {
	var departed []consistenthash.Address
	for _, provider := range ProviderList(set) {
		if !ch.HasMember(provider) {
			departed = append(departed, provider)
		}
	}
	return departed
}

// departedRemoveFunction drops every provider that is not a member of ch.
// The staleness check runs on every evaluation, so a retried write never
// acts on a topology that was superseded in the meantime.
func (r *ClusteredRegistry) departedRemoveFunction(ch *consistenthash.ConsistentHash) SetFunction[consistenthash.Address] {
	return func(current Set[consistenthash.Address]) Set[consistenthash.Address] {
		if r.superseded(ch) {
			return current
		}

		out := current
		for _, provider := range departedProviders(ch, current) {
			out = AddressSetRemoveFunction(provider)(out)
		}
		return out
	}
}

// TopologyChanged reconciles the provider sets with a new membership.  For
// every service whose key this member is the primary owner of, providers
// that are no longer members are removed, unless a newer topology is already
// known.  Independently of ownership, any open local registration missing
// from its provider set is re-applied.
func (r *ClusteredRegistry) TopologyChanged(ctx context.Context, ch *consistenthash.ConsistentHash) (err error) {
	ctx, span := r.startSpan(ctx, "TopologyChanged")
	defer func() {
		r.metrics.RegistryOp(ctx, "topology", err)
		endSpan(span, err)
	}()

	r.opLock.Lock()
	defer r.opLock.Unlock()

	var errs error
	if r.adoptTopology(ch) {
		errs = r.removeDepartedLocked(ctx, ch)
	} else {
		r.logger.Debug("skipping provider cleanup for superseded topology",
			zap.Uint64s("revision", ch.Revision))
	}

	return multierr.Append(errs, r.reassertLocked(ctx))
}

func (r *ClusteredRegistry) removeDepartedLocked(ctx context.Context, ch *consistenthash.ConsistentHash) error {
	partitioner := r.partitioner
	if partitioner == nil {
		partitioner = partition.NewDefault(ch.NumSegments)
	}

	locality := distribution.NewLocality(
		distribution.NewConsistentHashDistribution(ch, partitioner),
		r.local)

	services, err := r.values.Keys(ctx)
	if err != nil {
		return griderrors.Unavailable(err, "failed to list services")
	}

	var errs error
	for _, service := range services {
		isLocal, err := locality.IsLocal(service)
		if err != nil || !isLocal {
			// nobody owning the key yet is not our problem to solve
			continue
		}

		set, err := r.read(ctx, service)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}

		departed := departedProviders(ch, set)
		if len(departed) == 0 {
			continue
		}

		r.logger.Info("removing departed service providers",
			zap.String("service", service),
			zap.Stringers("providers", departed),
			zap.Uint64s("revision", ch.Revision))

		errs = multierr.Append(errs, r.apply(ctx, service, r.departedRemoveFunction(ch)))
	}

	return errs
}

// reassertLocked puts this member back into the provider set of every
// service it holds an open registration for.
func (r *ClusteredRegistry) reassertLocked(ctx context.Context) error {
	r.lock.Lock()
	registered := make([]string, 0, len(r.refs))
	for service := range r.refs {
		registered = append(registered, service)
	}
	r.lock.Unlock()

	var errs error
	for _, service := range registered {
		set, err := r.read(ctx, service)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if set.Contains(r.local) {
			continue
		}

		r.logger.Info("re-asserting service registration", zap.String("service", service))
		errs = multierr.Append(errs, r.apply(ctx, service, AddressSetAddFunction(r.local)))
	}

	return errs
}

func (r *ClusteredRegistry) reassert(ctx context.Context) {
	r.opLock.Lock()
	defer r.opLock.Unlock()

	err := r.reassertLocked(ctx)
	if err != nil && ctx.Err() == nil {
		r.logger.Warn("failed to re-assert service registrations", zap.Error(err))
	}
}

// Run keeps this member's open registrations present in the replicated map
// until ctx is cancelled.  An entry removed by another member, for instance
// one acting on an outdated topology, is restored as soon as the change is
// observed and at the latest after ReassertInterval.
func (r *ClusteredRegistry) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	ticker := r.clock.Ticker(r.reassertInterval)
	defer ticker.Stop()

	for {
		watchCh, err := r.values.Watch(ctx)
		if err != nil {
			r.logger.Warn("failed to watch provider sets", zap.Error(err))
		} else {
			// anything removed while we were not watching
			r.reassert(ctx)

		WatchLoop:
			for {
				select {
				case _, ok := <-watchCh:
					if !ok {
						break WatchLoop
					}
					bo.Reset()
					r.reassert(ctx)
				case <-ticker.C:
					r.reassert(ctx)
				case <-ctx.Done():
					break WatchLoop
				}
			}
		}

		if ctx.Err() != nil {
			return nil
		}

		wait := bo.NextBackOff()
		r.logger.Info("re-establishing provider set watch", zap.Duration("after", wait))

		select {
		case <-r.clock.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}
