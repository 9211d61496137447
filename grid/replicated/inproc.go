package replicated

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// InProcMap is a Map held in process memory.  Registries sharing one
// instance behave as if they were connected to the same replicated cache.
type InProcMap struct {
	lock     sync.Mutex
	values   map[string][]byte
	watchers map[chan struct{}]struct{}
}

var _ Map = (*InProcMap)(nil)

func NewInProcMap() *InProcMap {
	return &InProcMap{
		values:   make(map[string][]byte),
		watchers: make(map[chan struct{}]struct{}),
	}
}

func (m *InProcMap) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	value, ok := m.values[key]
	return slices.Clone(value), ok, nil
}

func (m *InProcMap) Compute(ctx context.Context, key string, fn ComputeFunc) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	current, exists := m.values[key]
	updated, changed, err := fn(slices.Clone(current), exists)
	if err != nil {
		return nil, err
	}
	if !changed {
		return slices.Clone(current), nil
	}

	m.values[key] = slices.Clone(updated)
	m.notifyLocked()
	return updated, nil
}

func (m *InProcMap) notifyLocked() {
	for watchCh := range m.watchers {
		select {
		case watchCh <- struct{}{}:
		default:
		}
	}
}

func (m *InProcMap) Watch(ctx context.Context) (<-chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	watchCh := make(chan struct{}, 1)

	m.lock.Lock()
	m.watchers[watchCh] = struct{}{}
	m.lock.Unlock()

	go func() {
		<-ctx.Done()

		m.lock.Lock()
		delete(m.watchers, watchCh)
		close(watchCh)
		m.lock.Unlock()
	}()

	return watchCh, nil
}

func (m *InProcMap) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	return slices.Sorted(maps.Keys(m.values)), nil
}
