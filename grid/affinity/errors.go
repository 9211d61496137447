package affinity

import "github.com/couchbase/stellar-grid/grid/griderrors"

var (
	ErrNotStarted     = griderrors.Wrap(griderrors.ErrIllegalState, "key affinity service is not started")
	ErrAlreadyStarted = griderrors.Wrap(griderrors.ErrIllegalState, "key affinity service is already started")
	ErrStopped        = griderrors.Wrap(griderrors.ErrIllegalState, "key affinity service was stopped")
	ErrInvalidMember  = griderrors.Wrap(griderrors.ErrInvalidArgument, "member is not eligible for key affinity")
	ErrKeyTimeout     = griderrors.Wrap(griderrors.ErrTimeout, "timed out waiting for an affine key")
	ErrNoGenerator    = griderrors.Wrap(griderrors.ErrInvalidArgument, "a key generator is required")
)
