package registry

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/couchbase/stellar-grid/grid/consistenthash"
	"github.com/couchbase/stellar-grid/pkg/metrics"
)

// LocalRegistry is used by non-clustered deployments, the only possible
// provider is the local member.
type LocalRegistry struct {
	local   consistenthash.Address
	metrics *metrics.GridMetrics

	lock sync.RWMutex
	refs map[string]int
}

var _ Registry = (*LocalRegistry)(nil)

func NewLocalRegistry(local consistenthash.Address, gridMetrics *metrics.GridMetrics) *LocalRegistry {
	if local == "" {
		local = consistenthash.LocalModeAddress
	}
	if gridMetrics == nil {
		gridMetrics = metrics.GetGridMetrics()
	}

	return &LocalRegistry{
		local:   local,
		metrics: gridMetrics,
		refs:    make(map[string]int),
	}
}

func (r *LocalRegistry) Register(ctx context.Context, service string) (*Registration, error) {
	if service == "" {
		return nil, ErrEmptyService
	}

	r.lock.Lock()
	r.refs[service]++
	r.lock.Unlock()

	r.metrics.RegistryOp(ctx, "register", nil)
	r.metrics.ActiveRegistrations.Add(ctx, 1)

	return newRegistration(r, service, func(ctx context.Context) error {
		r.lock.Lock()
		r.refs[service]--
		if r.refs[service] <= 0 {
			delete(r.refs, service)
		}
		r.lock.Unlock()

		r.metrics.RegistryOp(ctx, "unregister", nil)
		r.metrics.ActiveRegistrations.Add(ctx, -1)
		return nil
	}), nil
}

func (r *LocalRegistry) Providers(ctx context.Context, service string) ([]consistenthash.Address, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	if r.refs[service] > 0 {
		return []consistenthash.Address{r.local}, nil
	}
	return []consistenthash.Address{}, nil
}

func (r *LocalRegistry) Services(ctx context.Context) ([]string, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	services := slices.Sorted(maps.Keys(r.refs))
	if services == nil {
		services = []string{}
	}
	return services, nil
}
