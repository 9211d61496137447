// Package replicated is the facade over the cluster-wide replicated cache.
// The grid never edits a replicated value in place: every change is
// expressed as a function of the current value which the map applies
// atomically.
package replicated

import (
	"context"
)

// ComputeFunc derives the new value of a key from its current one.  It may be
// invoked more than once for a single Compute call and so must be free of
// side effects.  Returning changed=false leaves the stored value untouched.
type ComputeFunc func(current []byte, exists bool) (updated []byte, changed bool, err error)

type Map interface {
	Get(ctx context.Context, key string) (value []byte, exists bool, err error)
	Compute(ctx context.Context, key string, fn ComputeFunc) ([]byte, error)
	Keys(ctx context.Context) ([]string, error)

	// Watch signals after any entry changes.  Signals coalesce, so one
	// receive stands for every change since the previous receive.  The
	// channel is closed once ctx is done or the watch is lost.
	Watch(ctx context.Context) (<-chan struct{}, error)
}
